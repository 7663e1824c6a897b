package loop

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepalive/pkg/conflict"
	"keepalive/pkg/engine"
	"keepalive/pkg/forge"
	"keepalive/pkg/llm"
	"keepalive/pkg/metrics"
	"keepalive/pkg/prompts"
	"keepalive/pkg/registry"
	"keepalive/pkg/state"
	"keepalive/pkg/testkit"
)

const planBody = `## Scope

Track retry budgets per provider so exhausted providers stop receiving work.

## Tasks

- [ ] Add budget accounting to the retry wrapper
- [ ] Expose budget metrics
- [ ] Wire budget config into the loader

## Acceptance Criteria

- [ ] Budget exhaustion surfaces a typed error
- [ ] Existing retry suite passes unchanged
`

const doneBody = `## Tasks

- [x] Add budget accounting to the retry wrapper
- [x] Expose budget metrics

## Acceptance Criteria

- [x] Budget exhaustion surfaces a typed error
`

// fakeRunner returns a scripted result and records what it was asked to run.
type fakeRunner struct {
	result  RunResult
	err     error
	calls   int
	lastReq RunRequest
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(_ context.Context, req RunRequest) (RunResult, error) {
	f.calls++
	f.lastReq = req
	return f.result, f.err
}

func successRunner() *fakeRunner {
	return &fakeRunner{result: RunResult{
		Result:   engine.RunSuccess,
		ExitCode: 0,
		Output:   "Session finished cleanly.",
	}}
}

func newTestLoop(t *testing.T, f *testkit.FakeForge, r Runner) *Loop {
	t.Helper()
	l, err := New(Options{
		Client:   f,
		Runner:   r,
		Agents:   registry.Default(),
		Chain:    llm.NewChain(),
		Recorder: metrics.Nop(),
		Emitter:  metrics.NewFileEmitter(""),
		Now:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return l
}

func labelAndPlan(f *testkit.FakeForge) {
	f.PR.Body = planBody
	f.PR.Labels = []string{"agent:claude"}
	f.Checks = []forge.CheckRun{{Name: "ci", Status: "completed", Conclusion: "success"}}
}

// seedState plants a state marker comment the way an earlier iteration
// would have left it.
func seedState(t *testing.T, f *testkit.FakeForge, payload map[string]any) {
	t.Helper()
	payload["version"] = state.Version
	payload["pr_number"] = f.PR.Number
	marker, err := state.FormatMarker(payload)
	require.NoError(t, err)
	f.SeedComment(marker, "keepalive[bot]")
}

func summaryBody(t *testing.T, f *testkit.FakeForge) string {
	t.Helper()
	for _, c := range f.Comments {
		if strings.Contains(c.Body, state.SummaryMarker) {
			return c.Body
		}
	}
	t.Fatal("no summary comment found")
	return ""
}

func TestIterateFreshRunCreatesStateAndSummary(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	fr := successRunner()
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, engine.ActionRun, rep.Decision.Action)
	assert.Equal(t, engine.ReasonReady, rep.Decision.Reason)
	assert.Equal(t, prompts.FileNextTask, rep.Decision.PromptFile)
	assert.True(t, state.ValidTrace(rep.Trace))

	require.Equal(t, 1, fr.calls)
	assert.Equal(t, "claude", fr.lastReq.Agent.Name)
	assert.Equal(t, string(prompts.ModeNormal), fr.lastReq.Mode)
	assert.Equal(t, 30*time.Minute, fr.lastReq.Timeout)
	assert.Contains(t, fr.lastReq.Prompt, "Add budget accounting to the retry wrapper")

	assert.Equal(t, 1, rep.State.Iteration)
	assert.Equal(t, "run", rep.State.LastAction)
	assert.Equal(t, engine.ReasonReady, rep.State.LastReason)
	assert.Equal(t, 5, rep.State.Tasks.Total)
	assert.Equal(t, 5, rep.State.Tasks.Unchecked)
	assert.False(t, rep.State.Running)
	require.Len(t, rep.State.Attempts, 1)
	assert.Equal(t, 1, rep.State.Attempts[0].Iteration)
	assert.Equal(t, engine.RunSuccess, rep.State.Attempts[0].RunResult)

	// One comment carries both the summary and the hosted state marker.
	require.Len(t, f.Comments, 1)
	body := summaryBody(t, f)
	assert.Contains(t, body, "keepalive-state:")
	assert.Contains(t, body, "Keepalive status for PR #7")
}

func TestIterateAdoptsWebhookEraDirectives(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	f.SeedComment("<!-- codex-keepalive-marker -->\n<!-- codex-keepalive-round: 3 -->\n<!-- codex-keepalive-trace: abc123def456 -->", "keepalive[bot]")
	fr := successRunner()
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, "abc123def456", rep.Trace)
	assert.Equal(t, 3, rep.State.Round)
	assert.Equal(t, 1, rep.State.Iteration)
}

func TestIterateVerifiesThenStops(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	f.PR.Body = doneBody
	fr := successRunner()
	fr.result.Output = "All acceptance checks pass."
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)
	assert.Equal(t, engine.ActionRun, rep.Decision.Action)
	assert.Equal(t, engine.ReasonVerifyAcceptance, rep.Decision.Reason)
	assert.Equal(t, prompts.FileVerifyAcceptance, rep.Decision.PromptFile)
	assert.Equal(t, string(prompts.ModeVerify), fr.lastReq.Mode)
	assert.Equal(t, "done", rep.State.Verification.Status)
	assert.Equal(t, 1, rep.State.Verification.Iteration)
	assert.Equal(t, engine.RunSuccess, rep.State.Verification.LastResult)
	assert.Equal(t, 1, rep.State.Iteration)

	rep, err = l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)
	assert.Equal(t, engine.ActionStop, rep.Decision.Action)
	assert.Equal(t, engine.ReasonTasksComplete, rep.Decision.Reason)
	assert.Equal(t, 1, fr.calls, "verification runs once per trace")
	assert.Equal(t, "done", rep.State.Verification.Status)
	assert.Equal(t, 1, rep.State.Iteration)
}

func TestIterateTransientFailureKeepsCounters(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	fr := &fakeRunner{result: RunResult{
		Result:   engine.RunFailure,
		ExitCode: 1,
		Output:   "I found uncommitted changes on the branch.\nHow would you like me to proceed?",
	}}
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	require.NotNil(t, rep.Outcome)
	assert.True(t, rep.Outcome.Transient)
	assert.Equal(t, engine.KindDirtyWorkspace, rep.Outcome.Kind)

	// Neither the failure streak nor the iteration count moves.
	assert.Equal(t, engine.ActionRun, rep.Decision.Action)
	assert.Equal(t, 0, rep.State.Iteration)
	assert.Equal(t, 0, rep.State.Failure.Count)
	assert.Empty(t, rep.State.Failure.Reason)
	assert.Contains(t, summaryBody(t, f), "Transient issue detected")
}

func TestIterateThirdFailurePausesAndLabels(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	seedState(t, f, map[string]any{
		"trace":     "seedtrace1234",
		"iteration": 2,
		"failure":   map[string]any{"reason": engine.ReasonAgentRunFailed, "count": 2},
	})
	fr := &fakeRunner{result: RunResult{
		Result:   engine.RunFailure,
		ExitCode: 1,
		Output:   "panic: nil map write in budget accounting",
	}}
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, "seedtrace1234", rep.Trace)
	assert.Equal(t, engine.ActionStop, rep.Decision.Action)
	assert.Equal(t, engine.ReasonAgentRunFailedRepeat, rep.Decision.Reason)
	assert.Equal(t, engine.ReasonAgentRunFailed, rep.State.Failure.Reason)
	assert.Equal(t, 3, rep.State.Failure.Count)
	assert.Equal(t, 2, rep.State.Iteration, "failed runs do not advance the iteration")
	assert.Contains(t, f.PR.Labels, "needs-human")
	assert.Contains(t, summaryBody(t, f), "Paused: human attention required")
}

func TestIterateDefinitiveConflictBeatsRedGate(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	notMergeable := false
	f.PR.Mergeable = &notMergeable
	f.PR.MergeableState = "dirty"
	f.Checks = []forge.CheckRun{{Name: "ci", Status: "completed", Conclusion: "failure"}}
	fr := successRunner()
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, engine.ActionConflict, rep.Decision.Action)
	assert.Equal(t, engine.ReasonPrefixMergeConflict+string(conflict.SourceGitHubAPI), rep.Decision.Reason)
	assert.Equal(t, prompts.FileFixConflicts, rep.Decision.PromptFile)
	assert.Equal(t, engine.GateFailure, rep.Gate.Conclusion, "the gate stays red; the conflict still wins")
	require.Equal(t, 1, fr.calls)
	assert.Equal(t, string(prompts.ModeConflict), fr.lastReq.Mode)
}

func TestIterateBypassesRateLimitedGate(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	f.Checks = []forge.CheckRun{{Name: "agent", Status: "completed", Conclusion: "cancelled"}}
	f.JobLogs = []forge.JobLog{{
		JobName:    "agent",
		Conclusion: "cancelled",
		Excerpt:    "Error: rate limit exceeded while fetching the PR",
	}}
	f.Rate = forge.RateSnapshot{Limit: 5000, Remaining: 100, Reset: time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)}
	fr := successRunner()
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, engine.GateCancelled, rep.Gate.Conclusion)
	assert.True(t, rep.Gate.RateLimited)
	assert.Equal(t, engine.ActionRun, rep.Decision.Action)
	assert.Equal(t, engine.ReasonBypassRateLimitGate, rep.Decision.Reason)
	require.Equal(t, 1, fr.calls)
	assert.Equal(t, 1, rep.State.Iteration)
}

func TestIterateWaitsOnRedGate(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	f.Checks = []forge.CheckRun{{Name: "build", Status: "completed", Conclusion: "failure"}}
	fr := successRunner()
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, engine.ActionWait, rep.Decision.Action)
	assert.Equal(t, engine.ReasonGateNotSuccess, rep.Decision.Reason)
	assert.Equal(t, 0, fr.calls)

	// Idle iterations still persist the observation, with no attempt row.
	assert.Equal(t, "wait", rep.State.LastAction)
	assert.Equal(t, engine.GateFailure, rep.State.GateConclusion)
	assert.Empty(t, rep.State.Attempts)
	assert.Equal(t, 0, rep.State.Iteration)
	assert.NotEmpty(t, summaryBody(t, f))
}

func TestIterateSkipsUnlabeledPRWithoutState(t *testing.T) {
	f := testkit.NewFakeForge()
	f.PR.Body = planBody
	fr := successRunner()
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, engine.ActionWait, rep.Decision.Action)
	assert.Equal(t, engine.ReasonMissingAgentLabel, rep.Decision.Reason)
	assert.Equal(t, 0, fr.calls)
	assert.Empty(t, f.Comments, "a PR that never opted in gets no comments")
	assert.Equal(t, 0, f.Calls["CreateComment"])
}

func TestIterateReviewStopsWhenStalled(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	seedState(t, f, map[string]any{
		"trace":                          "seedtrace1234",
		"iteration":                      2,
		"rounds_without_task_completion": 4,
	})
	f.Compare = &forge.Comparison{
		Status:  "ahead",
		AheadBy: 2,
		Commits: []forge.Commit{
			{SHA: "c1", Message: "tweak styles\n\nminor cleanup"},
			{SHA: "c2", Message: "adjust padding"},
		},
	}
	fr := successRunner()
	l := newTestLoop(t, f, fr)

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	require.NotNil(t, rep.Review)
	assert.Equal(t, llm.RecommendStop, rep.Review.Recommendation)
	assert.False(t, rep.Review.UsedLLM)
	assert.Equal(t, engine.ActionStop, rep.Decision.Action)
	assert.True(t, strings.HasPrefix(rep.Decision.Reason, engine.ReasonPrefixProgressReview))
	assert.Equal(t, 0, fr.calls, "a stop verdict spends no agent run")
	assert.Equal(t, "stop", rep.State.LastAction)
}

func TestIterateDispatchLeavesRunningSet(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	l := newTestLoop(t, f, NewDispatchRunner(f, "keepalive-agent.yml", "main"))

	rep, err := l.Iterate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	require.Len(t, f.Dispatches, 1)
	assert.Equal(t, "keepalive-agent.yml", f.Dispatches[0].File)
	assert.Equal(t, "main", f.Dispatches[0].Ref)
	assert.Equal(t, "7", f.Dispatches[0].Inputs["pr_number"])
	assert.Equal(t, "claude", f.Dispatches[0].Inputs["agent"])
	assert.Equal(t, string(prompts.ModeNormal), f.Dispatches[0].Inputs["prompt_mode"])

	assert.True(t, rep.Dispatched)
	assert.Nil(t, rep.Outcome, "a hand-off has no outcome to classify")
	assert.True(t, rep.State.Running)
	assert.NotEmpty(t, rep.State.RunningSince)
	assert.Equal(t, "Add budget accounting to the retry wrapper", rep.State.CurrentFocus)
	assert.Equal(t, 0, rep.State.Iteration)
	require.Len(t, rep.State.Attempts, 1)
	assert.Equal(t, engine.RunSkipped, rep.State.Attempts[0].RunResult)
}

func TestEvaluateComputesWithoutWriting(t *testing.T) {
	f := testkit.NewFakeForge()
	labelAndPlan(f)
	fr := successRunner()
	l := newTestLoop(t, f, fr)

	rep, err := l.Evaluate(context.Background(), Request{PRNumber: 7})
	require.NoError(t, err)

	assert.Equal(t, engine.ActionRun, rep.Decision.Action)
	assert.Equal(t, engine.ReasonReady, rep.Decision.Reason)
	assert.Equal(t, 5, rep.Tally.Unchecked)
	assert.Equal(t, 0, fr.calls)
	assert.Empty(t, f.Comments)
	assert.Equal(t, 0, f.Calls["CreateComment"])
	assert.Equal(t, 0, f.Calls["UpdatePRBody"])
}
