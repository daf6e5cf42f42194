package backfill

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/fanout/channel"
	"github.com/poiesic/fanout/channel/memory"
	"github.com/poiesic/fanout/core"
	"github.com/poiesic/fanout/embedding"
	"github.com/poiesic/fanout/storage"
	badgerstore "github.com/poiesic/fanout/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jobsTopic = "embedding-jobs"

type fixture struct {
	repo     storage.AnalyticsRepository
	bus      *memory.Bus
	producer *embedding.Producer

	mu   sync.Mutex
	jobs []*core.EmbeddingJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := badgerstore.OpenMemoryBackend()
	require.NoError(t, err)
	repo := badgerstore.NewAnalyticsRepository(backend)

	bus, err := memory.NewBus(memory.WithRedeliveryDelay(time.Millisecond))
	require.NoError(t, err)
	producer, err := embedding.NewProducer(bus, jobsTopic)
	require.NoError(t, err)

	f := &fixture{repo: repo, bus: bus, producer: producer}
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Subscribe(ctx, jobsTopic, func(ctx context.Context, msg *channel.Message) error {
		job, err := embedding.DecodeJob(msg.Data)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.jobs = append(f.jobs, job)
		f.mu.Unlock()
		return nil
	})

	t.Cleanup(func() {
		cancel()
		bus.Close()
		repo.Close()
		backend.Close()
	})
	return f
}

func (f *fixture) seed(t *testing.T, rows ...storage.Row) {
	t.Helper()
	errs := f.repo.InsertRows(context.Background(), "events", rows)
	require.Empty(t, errs)
}

func (f *fixture) publishedJobs(t *testing.T) []*core.EmbeddingJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.bus.WaitIdle(ctx))
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*core.EmbeddingJob(nil), f.jobs...)
}

func chatRow(key, role, content, ts string, metadata string) storage.Row {
	row := storage.Row{
		storage.ColumnRowKey: key,
		"event_id":           key,
		"event_type":         "message_sent",
		"session_id":         "s1",
		"user_id":            "u1",
		"role":               role,
		"content":            content,
		"timestamp":          ts,
	}
	if metadata != "" {
		row["metadata"] = metadata
	}
	return row
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.ReportInterval = 1
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestRunPublishesEligibleMessages(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		chatRow("e1", "user", "first question", "2025-05-01T10:00:00Z", `{"project_id":"proj-1"}`),
		chatRow("e2", "assistant", "an answer", "2025-05-01T10:00:01Z", ""),
		chatRow("e3", "user", "", "2025-05-01T10:00:02Z", ""),
		chatRow("e4", "user", "second question", "2025-05-01T10:00:03Z", ""),
	)

	var progress bytes.Buffer
	b, err := New(f.repo, f.producer, testConfig(), WithProgress(&progress))
	require.NoError(t, err)

	report, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Report{Scanned: 4, Unique: 4, Eligible: 2, Published: 2}, report)

	jobs := f.publishedJobs(t)
	require.Len(t, jobs, 2)
	byText := map[string]*core.EmbeddingJob{}
	for _, j := range jobs {
		byText[j.Text] = j
	}
	first := byText["first question"]
	require.NotNil(t, first)
	assert.Equal(t, core.ActionEmbedLog, first.Action)
	assert.Equal(t, "proj-1", first.ProjectID)
	assert.Equal(t, embedding.SourceTypeChatMessage, first.Metadata["source_type"])
	assert.Equal(t, "e1", first.Metadata["event_id"])
	assert.Equal(t, "2025-05-01T10:00:00Z", first.Metadata["timestamp"])

	second := byText["second question"]
	require.NotNil(t, second)
	assert.Equal(t, "default", second.ProjectID)

	assert.Contains(t, progress.String(), "Starting backfill of 4 rows")
	assert.Contains(t, progress.String(), "Backfill complete. 2 eligible, 2 published, 0 failed")
}

func TestRunDeduplicatesRedeliveredRows(t *testing.T) {
	f := newFixture(t)
	older := chatRow("e1", "user", "same question", "2025-05-01T10:00:00Z", "")
	older[storage.ColumnIngestedAt] = "2025-05-01T10:00:00Z"
	newer := chatRow("e1", "user", "same question", "2025-05-01T10:00:00Z", "")
	newer[storage.ColumnIngestedAt] = "2025-05-01T10:00:05Z"
	f.seed(t, older, newer)

	b, err := New(f.repo, f.producer, testConfig())
	require.NoError(t, err)

	report, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Unique)
	assert.Equal(t, 1, report.Published)
	assert.Len(t, f.publishedJobs(t), 1)
}

func TestRunSince(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		chatRow("e1", "user", "old", "2025-04-30T23:59:59Z", ""),
		chatRow("e2", "user", "new", "2025-05-01T00:00:00Z", ""),
		chatRow("e3", "user", "no timestamp", "not a time", ""),
	)

	cfg := testConfig()
	cfg.Since = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	b, err := New(f.repo, f.producer, cfg)
	require.NoError(t, err)

	report, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)

	jobs := f.publishedJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, "new", jobs[0].Text)
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, chatRow("e1", "user", "question", "2025-05-01T10:00:00Z", ""))

	cfg := testConfig()
	cfg.DryRun = true
	b, err := New(f.repo, nil, cfg)
	require.NoError(t, err)

	report, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Zero(t, report.Published)
	assert.Empty(t, f.publishedJobs(t))
}

func TestRunCountsFailedPublishes(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		chatRow("e1", "user", "one", "2025-05-01T10:00:00Z", ""),
		chatRow("e2", "user", "two", "2025-05-01T10:00:01Z", ""),
	)
	require.NoError(t, f.bus.Close())

	cfg := testConfig()
	cfg.MaxRetries = 2
	b, err := New(f.repo, f.producer, cfg)
	require.NoError(t, err)

	report, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Eligible)
	assert.Equal(t, 2, report.Failed)
	assert.Zero(t, report.Published)
}

func TestRunEmptyTable(t *testing.T) {
	f := newFixture(t)

	var progress bytes.Buffer
	b, err := New(f.repo, f.producer, testConfig(), WithProgress(&progress))
	require.NoError(t, err)

	report, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Report{}, report)
	assert.Contains(t, progress.String(), "No rows found in events")
}

func TestRunCanceled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, chatRow("e1", "user", "question", "2025-05-01T10:00:00Z", ""))

	b, err := New(f.repo, f.producer, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t)

	_, err := New(nil, f.producer, nil)
	assert.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = New(f.repo, nil, nil)
	assert.ErrorIs(t, err, ErrProducerRequired)

	cfg := testConfig()
	cfg.MaxRetries = 0
	_, err = New(f.repo, f.producer, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxRetries)
}
