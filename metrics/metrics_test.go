package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	r.HotWrite(ctx, OutcomeSuccess)
	r.Publish(ctx, "events", OutcomeFailure)
	r.RowsIngested(ctx, "events", OutcomeSuccess, 3)
	r.EmbeddingTrigger(ctx, OutcomeSkipped)
	r.Embeddings(ctx, OutcomeSuccess, 2)
	r.VectorsDeleted(ctx, 4)
	r.EmbedDuration(ctx, time.Millisecond, false)
}

func TestLocalSnapshot(t *testing.T) {
	ctx := context.Background()
	local := NewLocal()
	defer local.Shutdown(ctx)

	r, err := local.Recorder()
	require.NoError(t, err)

	r.HotWrite(ctx, OutcomeSuccess)
	r.HotWrite(ctx, OutcomeSuccess)
	r.Publish(ctx, "events", OutcomeFailure)
	r.RowsIngested(ctx, "events", OutcomeSuccess, 3)
	r.Embeddings(ctx, OutcomeFailure, 0)
	r.VectorsDeleted(ctx, 4)
	r.EmbedDuration(ctx, 20*time.Millisecond, true)

	snap, err := local.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap["fanout.hot_writes{outcome=success}"])
	assert.EqualValues(t, 1, snap["fanout.publishes{outcome=failure,topic=events}"])
	assert.EqualValues(t, 3, snap["fanout.rows_ingested{outcome=success,table=events}"])
	assert.EqualValues(t, 4, snap["fanout.vectors_deleted"])
	assert.NotContains(t, snap, "fanout.embeddings{outcome=failure}")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Outcome(nil))
	assert.Equal(t, OutcomeFailure, Outcome(errors.New("x")))
}

func TestNewFromGlobal(t *testing.T) {
	r, err := NewFromGlobal()
	require.NoError(t, err)
	r.HotWrite(context.Background(), OutcomeSuccess)
}
