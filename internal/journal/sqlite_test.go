package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/reason"
)

func openTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "journal.db"),
		WithClock(func() time.Time {
			at = at.Add(time.Second)
			return at
		}),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("j-%03d", n)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestSQLiteSink_OneResolutionPerTask(t *testing.T) {
	ctx := context.Background()
	sink := openTestSink(t)

	first, err := sink.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "task-1", OutcomeType: "RESOLVED", RuleID: "service_located", Payload: []byte(`{"ok":true}`)})
	require.NoError(t, err)
	assert.Equal(t, "j-001", first.ID)
	assert.Equal(t, KindResolution, first.Kind)

	_, err = sink.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "task-1", OutcomeType: "BLOCKED", RuleID: "service_not_found"})
	assert.True(t, reason.Is(err, reason.JournalDuplicateResolution), "got %v", err)

	_, err = sink.RecordResolution(ctx, Entry{TraceID: "t2", TaskID: "task-1", OutcomeType: "BLOCKED", RuleID: "service_not_found"})
	require.NoError(t, err, "uniqueness is per trace")

	got, ok, err := sink.Resolution(ctx, "t1", "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RESOLVED", got.OutcomeType)
	assert.Equal(t, `{"ok":true}`, string(got.Payload))
	assert.True(t, first.RecordedAt.Equal(got.RecordedAt))

	_, ok, err = sink.Resolution(ctx, "t1", "task-9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteSink_OtherConstraintsAreNotDuplicates(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "journal.db"),
		WithIDGenerator(func() string { return "fixed" }))
	require.NoError(t, err)
	defer sink.Close()

	_, err = sink.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "task-1", OutcomeType: "RESOLVED", RuleID: "service_located"})
	require.NoError(t, err)

	_, err = sink.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "task-2", OutcomeType: "RESOLVED", RuleID: "service_located"})
	require.Error(t, err, "the id collides")
	assert.Equal(t, reason.JournalAppendFailed, reason.CodeOf(err))

	_, ok, err := sink.Resolution(ctx, "t1", "task-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteSink_InspectionsUnlimitedAndOrdered(t *testing.T) {
	ctx := context.Background()
	sink := openTestSink(t)

	for _, cmd := range []string{"systemctl status nginx --no-pager", "ss -ltnp", "ss -ltnp"} {
		_, err := sink.RecordInspection(ctx, Entry{TraceID: "t1", TaskID: "task-1", Command: cmd})
		require.NoError(t, err)
	}
	_, err := sink.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "task-1", OutcomeType: "RESOLVED", RuleID: "service_located"})
	require.NoError(t, err)

	entries, err := sink.Entries(ctx, "t1")
	require.NoError(t, err)

	type row struct {
		Kind    Kind
		Command string
		Rule    string
	}
	var got []row
	for _, e := range entries {
		got = append(got, row{e.Kind, e.Command, e.RuleID})
	}
	want := []row{
		{KindInspection, "systemctl status nginx --no-pager", ""},
		{KindInspection, "ss -ltnp", ""},
		{KindInspection, "ss -ltnp", ""},
		{KindResolution, "", "service_located"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteSink_RejectsIncompleteEntries(t *testing.T) {
	ctx := context.Background()
	sink := openTestSink(t)

	_, err := sink.RecordResolution(ctx, Entry{TaskID: "task-1", OutcomeType: "RESOLVED", RuleID: "r"})
	assert.True(t, reason.Is(err, reason.JournalAppendFailed))
	_, err = sink.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "task-1"})
	assert.True(t, reason.Is(err, reason.JournalAppendFailed))
	_, err = sink.RecordInspection(ctx, Entry{TraceID: "t1", TaskID: "task-1"})
	assert.True(t, reason.Is(err, reason.JournalAppendFailed))

	entries, err := sink.Entries(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteSink_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	sink, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = sink.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "task-1", OutcomeType: "ESCALATE", RuleID: "fallback"})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "task-1", OutcomeType: "RESOLVED", RuleID: "service_located"})
	assert.True(t, reason.Is(err, reason.JournalDuplicateResolution))
}

func TestNullSink(t *testing.T) {
	ctx := context.Background()
	var s Sink = NullSink{}
	e, err := s.RecordResolution(ctx, Entry{TraceID: "t1", TaskID: "x"})
	require.NoError(t, err)
	assert.Equal(t, KindResolution, e.Kind)
	_, ok, err := s.Resolution(ctx, "t1", "x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, s.Close())
}
