package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolInvocation_CompleteDuration(t *testing.T) {
	started, ok := ParseTimestamp("2025-01-01T10:00:00+00:00")
	require.True(t, ok)
	ended, ok := ParseTimestamp("2025-01-01T10:00:01.500+00:00")
	require.True(t, ok)

	inv := NewToolInvocation("s1", "u1", "search", WithStartedAt(started))
	assert.Equal(t, ToolStatusRunning, inv.Status)
	assert.Nil(t, inv.EndedAt)
	assert.Nil(t, inv.DurationMs)

	require.NoError(t, inv.CompleteAt(ended, "3 results"))
	require.NotNil(t, inv.EndedAt)
	require.NotNil(t, inv.DurationMs)
	assert.Equal(t, int64(1500), *inv.DurationMs)
	assert.Equal(t, ToolStatusSuccess, inv.Status)
	assert.Equal(t, "3 results", inv.OutputSummary)
}

func TestToolInvocation_TerminalStatesAreFinal(t *testing.T) {
	t.Run("complete then fail", func(t *testing.T) {
		inv := NewToolInvocation("s1", "u1", "bash")
		require.NoError(t, inv.Complete("ok"))
		err := inv.Fail("boom")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, ToolStatusSuccess, inv.Status)
		assert.Empty(t, inv.ErrorMessage)
	})

	t.Run("fail then complete", func(t *testing.T) {
		inv := NewToolInvocation("s1", "u1", "bash")
		require.NoError(t, inv.Fail("boom"))
		firstEnd := *inv.EndedAt
		err := inv.Complete("late")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, ToolStatusFailure, inv.Status)
		assert.Equal(t, firstEnd, *inv.EndedAt)
	})

	t.Run("usage after completion", func(t *testing.T) {
		inv := NewToolInvocation("s1", "u1", "bash")
		require.NoError(t, inv.RecordUsage(10, 20))
		require.NoError(t, inv.Complete("ok"))
		assert.ErrorIs(t, inv.RecordUsage(1, 1), ErrInvalidTransition)
		assert.Equal(t, int64(10), inv.BytesBilled)
	})
}

func TestToolInvocation_DurationTruncatesToMillis(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	inv := NewToolInvocation("s1", "u1", "fetch", WithStartedAt(start))
	require.NoError(t, inv.FailAt(start.Add(2*time.Second+999*time.Microsecond), "timeout"))
	assert.Equal(t, int64(2000), *inv.DurationMs)
	assert.True(t, inv.Terminal())
}
