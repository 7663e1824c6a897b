package conflict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepalive/pkg/forge"
	"keepalive/pkg/state"
	"keepalive/pkg/testkit"
)

func boolPtr(b bool) *bool { return &b }

func TestForgeDirtyStateIsDefinitive(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.MergeableState = "dirty"
	fake.PR.Mergeable = boolPtr(false)

	result := NewDetector(fake).Probe(context.Background(), fake.PR)

	assert.True(t, result.Detected)
	assert.Equal(t, SourceGitHubAPI, result.PrimarySource)
	assert.True(t, result.Definitive())
}

func TestUnknownMergeabilityIsNotConflict(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.Mergeable = nil
	fake.PR.MergeableState = "unknown"

	result := NewDetector(fake).Probe(context.Background(), fake.PR)
	assert.False(t, result.Detected)
	assert.False(t, result.Definitive())
}

func TestCILogConflictMarkersDetectedButNotDefinitive(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.Mergeable = boolPtr(true)
	fake.PR.MergeableState = "clean"
	fake.JobLogs = []forge.JobLog{{
		JobName: "merge-check",
		Excerpt: "Auto-merging internal/router.go\n" +
			"CONFLICT (content): Merge conflict in internal/router.go\n" +
			"Automatic merge failed; fix conflicts and then commit the result.\n",
	}}

	result := NewDetector(fake).Probe(context.Background(), fake.PR)

	assert.True(t, result.Detected)
	assert.Equal(t, SourceCILogs, result.PrimarySource)
	assert.False(t, result.Definitive(), "text probes never authorize the conflict action")
	assert.Equal(t, []string{"internal/router.go"}, result.Files)
	assert.NotEmpty(t, result.Evidence)
}

func TestGenericConflictProseDoesNotMatch(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.Mergeable = boolPtr(true)
	fake.PR.MergeableState = "clean"
	fake.SeedComment("I think there might be a merge conflict brewing here, please check.", "reviewer")

	result := NewDetector(fake).Probe(context.Background(), fake.PR)
	assert.False(t, result.Detected)
}

func TestCommentConflictMarkersDetected(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.Mergeable = boolPtr(true)
	fake.PR.MergeableState = "clean"
	fake.SeedComment("CI output:\n\n<<<<<<< HEAD\nours\n=======\ntheirs\n>>>>>>> feature/retry-budget\n", "ci[bot]")

	result := NewDetector(fake).Probe(context.Background(), fake.PR)

	assert.True(t, result.Detected)
	assert.Equal(t, SourceComments, result.PrimarySource)
	assert.False(t, result.Definitive())
}

func TestLoopOwnCommentsAreSkipped(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.Mergeable = boolPtr(true)
	fake.PR.MergeableState = "clean"

	marker, err := state.FormatMarker(map[string]any{"iteration": 1, "last_reason": "CONFLICT (content): Merge conflict in a.go"})
	require.NoError(t, err)
	fake.SeedComment(marker, "keepalive[bot]")
	fake.SeedComment(state.SummaryMarker+"\nstatus with <<<<<<< HEAD quoted", "keepalive[bot]")

	result := NewDetector(fake).Probe(context.Background(), fake.PR)
	assert.False(t, result.Detected, "loop artifacts must not feed the comment probe")
}

func TestIgnoredFilesExcludedFromConflictList(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.Mergeable = boolPtr(true)
	fake.PR.MergeableState = "clean"
	fake.JobLogs = []forge.JobLog{{
		JobName: "merge-check",
		Excerpt: "CONFLICT (content): Merge conflict in metrics/coverage-trend-history.ndjson\n" +
			"CONFLICT (content): Merge conflict in pkg/engine/engine.go\n",
	}}

	result := NewDetector(fake).Probe(context.Background(), fake.PR)

	assert.True(t, result.Detected)
	assert.Equal(t, []string{"pkg/engine/engine.go"}, result.Files,
		"trend files with custom merge strategies stay out of the conflict list")
}

func TestModifyDeleteNoticeYieldsFile(t *testing.T) {
	matches, files := scanText("CONFLICT (modify/delete): pkg/loop/runner.go deleted in HEAD and modified in feature.\n")
	assert.Len(t, matches, 1)
	assert.Equal(t, []string{"pkg/loop/runner.go"}, files)
}

func TestUnionKeepsForgeAPIPrimary(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.MergeableState = "dirty"
	fake.JobLogs = []forge.JobLog{{
		JobName: "merge-check",
		Excerpt: "Automatic merge failed; fix conflicts and then commit the result.\n",
	}}

	result := NewDetector(fake).Probe(context.Background(), fake.PR)

	assert.Equal(t, SourceGitHubAPI, result.PrimarySource)
	assert.Equal(t, []Source{SourceGitHubAPI, SourceCILogs}, result.Sources)
	assert.True(t, result.Definitive())
}

func TestProbeDegradesWhenLogsUnavailable(t *testing.T) {
	fake := testkit.NewFakeForge()
	fake.PR.Mergeable = boolPtr(true)
	fake.PR.MergeableState = "clean"
	fake.Errs["ListFailedJobLogs"] = assert.AnError

	result := NewDetector(fake).Probe(context.Background(), fake.PR)
	assert.False(t, result.Detected)
}
