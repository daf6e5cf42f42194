package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/poiesic/fanout/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runApp runs the CLI against an in-memory store with no config file.
func runApp(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FANOUT_STORAGE_IN_MEMORY", "true")
	t.Setenv("FANOUT_EMBEDDING_TRIGGER_ENABLED", "false")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Reader = strings.NewReader(stdin)
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"fanout"}, args...))
	return stdout.String(), stderr.String(), err
}

func TestLogLevelValidation(t *testing.T) {
	_, _, err := runApp(t, "", "--log-level", "verbose", "delete-project", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	_, _, err = runApp(t, "", "--log-format", "xml", "delete-project", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestJSONLogFormat(t *testing.T) {
	_, stderr, err := runApp(t, "", "--log-format", "json", "--log-level", "debug", "delete-project", "p1")
	require.NoError(t, err)
	assert.Contains(t, stderr, `"msg":"system opened"`)
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, _, err := runApp(t, "", "--config", "missing.yaml", "delete-project", "p1")
	assert.Error(t, err)
}

func TestEmit(t *testing.T) {
	input := strings.Join([]string{
		"why is the build slow?",
		"",
		"# comment",
		`{"event_type":"message_sent","role":"assistant","content":"caching is off","session_id":"s9"}`,
		`{"tool_name":"grep","status":"success","started_at":"2025-05-01T10:00:00Z","ended_at":"2025-05-01T10:00:01Z","duration_ms":1000}`,
		`{"event_type":"bogus"}`,
		`{not json`,
	}, "\n")

	stdout, stderr, err := runApp(t, input, "emit", "--project", "proj-1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "emitted 3 records (2 rejected)")
	assert.Contains(t, stderr, "fanout.rows_ingested")
}

func TestSearchRequiresText(t *testing.T) {
	_, _, err := runApp(t, "", "search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query text is required")
}

func TestTraceRequiresID(t *testing.T) {
	_, _, err := runApp(t, "", "trace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace id is required")
}

func TestDeleteProject(t *testing.T) {
	stdout, _, err := runApp(t, "", "delete-project", "p1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "deleted 0 vectors of project p1")

	_, _, err = runApp(t, "", "delete-project")
	assert.Error(t, err)
}

func TestBackfillFlags(t *testing.T) {
	_, _, err := runApp(t, "", "backfill", "--batch-size", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch-size must be greater than 0")

	_, _, err = runApp(t, "", "backfill", "--since", "yesterday")
	assert.Error(t, err)
}

func TestBackfillDryRunEmptyStore(t *testing.T) {
	stdout, _, err := runApp(t, "", "backfill", "--dry-run", "--since", "2025-05-01T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, stdout, "scanned 0, unique 0, eligible 0, published 0, failed 0")
}

func TestParseLine(t *testing.T) {
	d := lineDefaults{session: "s1", user: "u1", project: "proj-1"}

	t.Run("plain text is a user message", func(t *testing.T) {
		rec, err := parseLine("  hello there  ", d)
		require.NoError(t, err)
		require.NotNil(t, rec.event)
		assert.Equal(t, core.RoleUser, rec.event.Role)
		assert.Equal(t, "hello there", rec.event.Content)
		assert.Equal(t, "s1", rec.event.SessionID)
		assert.Equal(t, "proj-1", rec.event.Metadata["project_id"])
	})

	t.Run("no project leaves metadata empty", func(t *testing.T) {
		rec, err := parseLine("hello", lineDefaults{session: "s1", user: "u1"})
		require.NoError(t, err)
		assert.Nil(t, rec.event.Metadata)
	})

	t.Run("json event keeps its fields", func(t *testing.T) {
		rec, err := parseLine(`{"event_id":"e1","event_type":"error","session_id":"s2","timestamp":"2025-05-01T10:00:00Z"}`, d)
		require.NoError(t, err)
		require.NotNil(t, rec.event)
		assert.Equal(t, "e1", rec.event.EventID)
		assert.Equal(t, core.EventTypeError, rec.event.EventType)
		assert.Equal(t, "s2", rec.event.SessionID)
		assert.Equal(t, "u1", rec.event.UserID)
		assert.Equal(t, 2025, rec.event.Timestamp.Year())
	})

	t.Run("json event gets defaults", func(t *testing.T) {
		rec, err := parseLine(`{"role":"user","content":"hi"}`, d)
		require.NoError(t, err)
		assert.NotEmpty(t, rec.event.EventID)
		assert.Equal(t, core.EventTypeMessageSent, rec.event.EventType)
		assert.False(t, rec.event.Timestamp.IsZero())
	})

	t.Run("tool invocation", func(t *testing.T) {
		rec, err := parseLine(`{"tool_name":"grep","status":"running"}`, d)
		require.NoError(t, err)
		require.NotNil(t, rec.invocation)
		assert.Nil(t, rec.event)
		assert.NotEmpty(t, rec.invocation.InvocationID)
		assert.Equal(t, "grep", rec.invocation.ToolName)
		assert.Equal(t, "s1", rec.invocation.SessionID)
	})

	t.Run("blank and comment lines", func(t *testing.T) {
		for _, line := range []string{"", "   ", "# note"} {
			rec, err := parseLine(line, d)
			require.NoError(t, err)
			assert.Nil(t, rec)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := parseLine(`{"event_id":`, d)
		assert.Error(t, err)
	})
}

func TestLines(t *testing.T) {
	var got []string
	for line, err := range lines(strings.NewReader("a\nb\n\nc")) {
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{"a", "b", "", "c"}, got)
}
