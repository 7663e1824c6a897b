package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "keepalive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func seedHistory(t *testing.T, a *Archive) {
	t.Helper()
	rows := []*IterationRecord{
		{PRNumber: 7, Iteration: 1, Trace: "t1", Action: "run", Reason: "ready",
			RunResult: RunSuccess, TasksTotal: 4, TasksUnchecked: 3, TasksTicked: 2, DurationMS: 1000},
		{PRNumber: 7, Iteration: 2, Trace: "t2", Action: "run", Reason: "ready",
			RunResult: RunFailure, ErrorCategory: "transient", TasksTotal: 4, TasksUnchecked: 1, DurationMS: 3000},
		{PRNumber: 7, Iteration: 3, Trace: "t3", Action: "wait", Reason: "agent-running",
			TasksTotal: 4, TasksUnchecked: 1},
	}
	for _, rec := range rows {
		require.NoError(t, a.RecordIteration(rec))
	}
}

func TestOpenInitializesSchemaOncePerPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keepalive.db")

	a, err := Open(path)
	require.NoError(t, err)

	version, err := GetSchemaVersion(a.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, a.Close())

	// Reopening an initialized archive must not disturb it.
	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keepalive.db")

	a, err := Open(path)
	require.NoError(t, err)
	_, err = a.db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", CurrentSchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer")
}

func TestRecordIterationAssignsIDsAndDefaults(t *testing.T) {
	a := openTestArchive(t)

	first := &IterationRecord{PRNumber: 7, Iteration: 1, Action: "run", RunResult: RunSuccess}
	second := &IterationRecord{PRNumber: 7, Iteration: 2, Action: "wait"}
	require.NoError(t, a.RecordIteration(first))
	require.NoError(t, a.RecordIteration(second))

	assert.Positive(t, first.ID)
	assert.Greater(t, second.ID, first.ID)
	assert.NotEmpty(t, first.StartedAt)
	assert.True(t, first.Ran())
	assert.False(t, second.Ran())
}

func TestRecentIterationsNewestFirst(t *testing.T) {
	a := openTestArchive(t)
	seedHistory(t, a)

	recent, err := a.RecentIterations(7, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	assert.Equal(t, 3, recent[0].Iteration)
	assert.Equal(t, "wait", recent[0].Action)
	assert.Equal(t, 2, recent[1].Iteration)
	assert.Equal(t, RunFailure, recent[1].RunResult)
	assert.Equal(t, "transient", recent[1].ErrorCategory)

	_, err = time.Parse(time.RFC3339, recent[0].RecordedAt)
	assert.NoError(t, err, "recorded_at should be an RFC 3339 timestamp")

	other, err := a.RecentIterations(99, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStatsAggregatesHistory(t *testing.T) {
	a := openTestArchive(t)
	seedHistory(t, a)

	stats, err := a.Stats(7)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Iterations)
	assert.Equal(t, 2, stats.Runs)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 2, stats.TasksTicked)
	assert.Equal(t, int64(1333), stats.AvgDurationMS)
	assert.Equal(t, "wait", stats.LastAction)
	assert.Equal(t, "agent-running", stats.LastReason)
	assert.NotEmpty(t, stats.FirstRecorded)
	assert.NotEmpty(t, stats.LastRecorded)
}

func TestStatsForUnknownPRIsEmpty(t *testing.T) {
	a := openTestArchive(t)
	seedHistory(t, a)

	stats, err := a.Stats(99)
	require.NoError(t, err)

	assert.Zero(t, stats.Iterations)
	assert.Zero(t, stats.Runs)
	assert.Empty(t, stats.LastAction)
}

func TestActionBreakdownMostFrequentFirst(t *testing.T) {
	a := openTestArchive(t)
	seedHistory(t, a)

	counts, err := a.ActionBreakdown(7)
	require.NoError(t, err)

	assert.Equal(t, []ActionCount{{Action: "run", Count: 2}, {Action: "wait", Count: 1}}, counts)
}

func TestPruneBeforeDropsOldRows(t *testing.T) {
	a := openTestArchive(t)
	seedHistory(t, a)

	kept, err := a.PruneBefore(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, kept)

	gone, err := a.PruneBefore(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), gone)

	stats, err := a.Stats(7)
	require.NoError(t, err)
	assert.Zero(t, stats.Iterations)
}

func TestNilArchiveIsInert(t *testing.T) {
	var a *Archive

	assert.NoError(t, a.RecordIteration(&IterationRecord{PRNumber: 7, Action: "run"}))

	recent, err := a.RecentIterations(7, 10)
	assert.NoError(t, err)
	assert.Nil(t, recent)

	stats, err := a.Stats(7)
	assert.NoError(t, err)
	assert.Zero(t, stats.Iterations)

	n, err := a.PruneBefore(time.Now())
	assert.NoError(t, err)
	assert.Zero(t, n)

	assert.NoError(t, a.Close())
}
