package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMode(t *testing.T) {
	tests := []struct {
		name   string
		action string
		reason string
		want   Mode
	}{
		{"conflict action", "conflict", "merge-conflict-github-api", ModeConflict},
		{"merge-conflict reason prefix", "run", "merge-conflict-ci-logs", ModeConflict},
		{"conflict reason prefix", "stop", "conflict-unresolved", ModeConflict},
		{"conflict outranks fix reason", "fix", "merge-conflict-github-api", ModeConflict},
		{"fix action", "fix", "fix-tests", ModeFixCI},
		{"fix reason prefix", "run", "fix-type-checker", ModeFixCI},
		{"verify action", "verify", "", ModeVerify},
		{"verify reason", "run", "verify-acceptance", ModeVerify},
		{"plain run", "run", "ready", ModeNormal},
		{"wait", "wait", "missing-agent-label", ModeNormal},
		{"empty", "", "", ModeNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveMode(tt.action, tt.reason))
		})
	}
}

func TestResolveExplicitModeWins(t *testing.T) {
	route := Resolve(Request{Mode: "fix_ci", Action: "run", Reason: "ready"})
	assert.Equal(t, ModeFixCI, route.Mode)
	assert.Equal(t, FileFixCI, route.File)

	// An unknown explicit mode falls back to derivation.
	route = Resolve(Request{Mode: "bogus", Action: "run", Reason: "verify-acceptance"})
	assert.Equal(t, ModeVerify, route.Mode)
	assert.Equal(t, FileVerifyAcceptance, route.File)
}

func TestResolveFileOverrideBypassesTable(t *testing.T) {
	route := Resolve(Request{File: "custom/my_prompt.md", Action: "conflict", Reason: "merge-conflict-github-api"})
	assert.Equal(t, ModeConflict, route.Mode)
	assert.Equal(t, "custom/my_prompt.md", route.File)
}

func TestResolveReviewAction(t *testing.T) {
	route := Resolve(Request{Action: "review", Reason: "progress-review-4"})
	assert.Equal(t, ModeNormal, route.Mode)
	assert.Equal(t, FileProgressReview, route.File)

	// An explicit mode outranks the review file swap.
	route = Resolve(Request{Mode: "fix_ci", Action: "review", Reason: "progress-review-4"})
	assert.Equal(t, FileFixCI, route.File)
}

func TestResolveScenarioQualifiesFile(t *testing.T) {
	route := Resolve(Request{Scenario: "demo", Action: "run", Reason: "ready"})
	assert.Equal(t, "demo/keepalive_next_task", route.File)

	// A file override is taken verbatim, scenario or not.
	route = Resolve(Request{Scenario: "demo", File: "other.md"})
	assert.Equal(t, "other.md", route.File)
}

func TestRendererLoadsAllTemplates(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	names := r.Available()
	assert.Len(t, names, 5)
	assert.Contains(t, names, FileNextTask)
	assert.Contains(t, names, FileProgressReview)

	for _, name := range names {
		out, err := r.Render(Route{File: name}, &Data{PRNumber: 42, TasksTotal: 3, TasksUnchecked: 2})
		require.NoError(t, err, "template %s", name)
		assert.Contains(t, out, "#42", "template %s should mention the pull request", name)
	}
}

func TestRenderNextTaskIncludesContext(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render(Route{File: FileNextTask}, &Data{
		PRNumber:       7,
		PRTitle:        "Add retry budget",
		Iteration:      3,
		MaxIterations:  5,
		TasksTotal:     4,
		TasksUnchecked: 2,
		TaskList:       "- [ ] Wire the budget into the client\n- [ ] Document the env knobs",
		AttemptedTasks: []string{"Wire the budget into the client"},
		TimeoutWarning: "About 4m of the 30m budget remain.",
		SourceAppendix: "Source:\n- #41",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Add retry budget")
	assert.Contains(t, out, "3 of 5")
	assert.Contains(t, out, "2 of 4 tasks remain")
	assert.Contains(t, out, "- [ ] Document the env knobs")
	assert.Contains(t, out, "Recently attempted")
	assert.Contains(t, out, "⏰ About 4m of the 30m budget remain.")
	assert.Contains(t, out, "Source:\n- #41")
}

func TestRenderConflictListsFiles(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render(Route{File: FileFixConflicts}, &Data{
		PRNumber:      9,
		ConflictFiles: []string{"internal/router.go", "go.sum"},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "- `internal/router.go`")
	assert.Contains(t, out, "- `go.sum`")
}

func TestRenderScenarioFallsBackToBase(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render(Route{File: "demo/" + FileNextTask}, &Data{PRNumber: 3, TasksTotal: 1, TasksUnchecked: 1})
	require.NoError(t, err)
	assert.Contains(t, out, "Continue work on pull request #3")
}

func TestRenderDiskOverride(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "special.md")
	require.NoError(t, os.WriteFile(path, []byte("Special instructions for #{{.PRNumber}}\n"), 0o644))

	out, err := r.Render(Route{File: path}, &Data{PRNumber: 11})
	require.NoError(t, err)
	assert.Equal(t, "Special instructions for #11\n", out)
}

func TestRenderUnknownTemplateErrors(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Render(Route{File: "does_not_exist"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
