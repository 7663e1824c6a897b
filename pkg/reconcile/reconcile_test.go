package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepalive/pkg/forge"
	"keepalive/pkg/testkit"
)

func taskBody() string {
	return strings.Join([]string{
		"## Summary",
		"",
		"Retry budget accounting for the runner.",
		"",
		"## Tasks",
		"",
		"- [ ] Implement retry budget accounting",
		"- [ ] Add tests for parser",
		"- [ ] Update `docs/usage.md`",
		"- [x] Scaffold project",
		"",
		"## Acceptance Criteria",
		"",
		"- [ ] All tests green",
		"",
	}, "\n")
}

func seedEvidence(f *testkit.FakeForge) {
	f.Compare = &forge.Comparison{
		Status:  "ahead",
		AheadBy: 1,
		Commits: []forge.Commit{{SHA: "aaa111bbb", Message: "Implement retry budget accounting"}},
		Files: []forge.CommitFile{
			{Filename: "pkg/retry/budget.go", Status: "modified"},
			{Filename: "docs/usage.md", Status: "modified"},
		},
	}
}

func TestReconcileTicksHighConfidenceTasks(t *testing.T) {
	f := testkit.NewFakeForge()
	f.PR.Body = taskBody()
	seedEvidence(f)
	a := NewAnalyzer(f)

	res, err := a.Reconcile(context.Background(), Inputs{PRNumber: 7})

	require.NoError(t, err)
	assert.True(t, res.BodyUpdated)
	assert.Equal(t, []string{"Implement retry budget accounting", "Update `docs/usage.md`"}, res.Ticked)
	assert.Equal(t, 1, res.Commits)
	assert.Equal(t, 2, res.FilesChanged)
	assert.Equal(t, 1, f.Calls["UpdatePRBody"])

	assert.Contains(t, f.PR.Body, "- [x] Implement retry budget accounting")
	assert.Contains(t, f.PR.Body, "- [x] Update `docs/usage.md`")
	assert.Contains(t, f.PR.Body, "- [ ] Add tests for parser", "medium-confidence task stays unchecked")
	assert.Contains(t, f.PR.Body, "- [ ] All tests green", "acceptance checklist is not reconciled")
}

func TestReconcileModelConfirmedTasksComeFirst(t *testing.T) {
	f := testkit.NewFakeForge()
	f.PR.Body = taskBody()
	seedEvidence(f)
	a := NewAnalyzer(f)

	res, err := a.Reconcile(context.Background(), Inputs{
		PRNumber: 7,
		// The second entry duplicates a commit-derived high match and must
		// only be ticked once.
		LLMCompleted: []string{"Add tests for parser", "Implement retry budget accounting"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{
		"Add tests for parser",
		"Implement retry budget accounting",
		"Update `docs/usage.md`",
	}, res.Ticked)
	assert.Contains(t, f.PR.Body, "- [x] Add tests for parser")
	assert.Equal(t, 1, strings.Count(f.PR.Body, "Implement retry budget accounting"))
}

func TestReconcileReportsMissingPatterns(t *testing.T) {
	f := testkit.NewFakeForge()
	f.PR.Body = taskBody()
	before := f.PR.Body
	a := NewAnalyzer(f)

	res, err := a.Reconcile(context.Background(), Inputs{
		PRNumber:     7,
		LLMCompleted: []string{"Switch CI to the release runner"},
	})

	require.NoError(t, err)
	assert.False(t, res.BodyUpdated)
	assert.Equal(t, []string{"Switch CI to the release runner"}, res.NotFound)
	assert.Empty(t, res.Ticked)
	assert.Equal(t, 0, f.Calls["UpdatePRBody"])
	assert.Equal(t, before, f.PR.Body)
}

func TestReconcileWithoutCandidatesLeavesBodyAlone(t *testing.T) {
	f := testkit.NewFakeForge()
	f.PR.Body = taskBody()
	a := NewAnalyzer(f)

	res, err := a.Reconcile(context.Background(), Inputs{PRNumber: 7})

	require.NoError(t, err)
	assert.False(t, res.BodyUpdated)
	assert.Len(t, res.Matches, 3, "one match per unchecked task")
	for _, m := range res.Matches {
		assert.NotEqual(t, GradeHigh, m.Grade)
	}
	assert.Equal(t, 0, f.Calls["UpdatePRBody"])
}

func TestReconcileFallsBackToPRFileListing(t *testing.T) {
	f := testkit.NewFakeForge()
	f.PR.Body = taskBody()
	// A force push makes the stored base SHA unreachable; the comparison
	// comes back empty and the PR file listing fills in.
	f.Compare = &forge.Comparison{Status: "diverged", Commits: []forge.Commit{{Message: "rebase"}}}
	f.PRFiles = []forge.CommitFile{{Filename: "docs/usage.md", Status: "modified"}}
	a := NewAnalyzer(f)

	res, err := a.Reconcile(context.Background(), Inputs{PRNumber: 7})

	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls["ListPRFiles"])
	assert.Equal(t, 1, res.FilesChanged)
	assert.Equal(t, []string{"Update `docs/usage.md`"}, res.Ticked)
	assert.Contains(t, f.PR.Body, "- [x] Update `docs/usage.md`")
}

func TestReconcileDefaultsRangeToPRHead(t *testing.T) {
	f := testkit.NewFakeForge()
	f.PR.Body = taskBody()
	f.Errs["CompareCommits"] = errors.New("no common ancestor")
	a := NewAnalyzer(f)

	_, err := a.Reconcile(context.Background(), Inputs{PRNumber: 7})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "abc1234", "falls back to the PR head SHA")
	assert.Contains(t, err.Error(), "no common ancestor")
}
