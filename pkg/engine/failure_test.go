package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"keepalive/pkg/config"
	"keepalive/pkg/state"
)

func TestClassifyRunSuccessPassesThrough(t *testing.T) {
	out := ClassifyRun(RunSuccess, 0, "done")
	assert.False(t, out.Transient)
	assert.Equal(t, RunSuccess, out.Result)
}

func TestClassifyRunCleanExitFailureIsInfrastructure(t *testing.T) {
	out := ClassifyRun(RunFailure, 0, "runner lost connection to the job")
	assert.True(t, out.Transient)
	assert.Equal(t, KindInfrastructure, out.Kind)
}

func TestClassifyRunDirtyWorkspaceIsTransient(t *testing.T) {
	out := ClassifyRun(RunFailure, 1, "I found local modifications. How would you like me to proceed?")
	assert.True(t, out.Transient)
	assert.Equal(t, KindDirtyWorkspace, out.Kind)
}

func TestClassifyRunNetworkErrorIsTransient(t *testing.T) {
	out := ClassifyRun(RunFailure, 1, "dial tcp: connection reset by peer")
	assert.True(t, out.Transient)
	assert.Equal(t, KindNetwork, out.Kind)
}

func TestClassifyRunRealFailureIsNotTransient(t *testing.T) {
	out := ClassifyRun(RunFailure, 2, "panic: index out of range")
	assert.False(t, out.Transient)
	assert.Equal(t, "", out.Kind)
}

func TestSettleRunSuccessClearsCounter(t *testing.T) {
	prior := state.State{Failure: state.Failure{Reason: ReasonAgentRunFailed, Count: 2}}
	d := Decision{Action: ActionRun, Reason: ReasonReady}

	got, failure := SettleRun(d, prior, RunOutcome{Result: RunSuccess}, config.Defaults())
	assert.Equal(t, d, got)
	assert.Equal(t, state.Failure{}, failure)
}

func TestSettleRunTransientFailureClearsCounter(t *testing.T) {
	prior := state.State{Failure: state.Failure{Reason: ReasonAgentRunFailed, Count: 2}}
	d := Decision{Action: ActionRun, Reason: ReasonReady}
	outcome := ClassifyRun(RunFailure, 1, "how would you like me to proceed")

	got, failure := SettleRun(d, prior, outcome, config.Defaults())
	assert.Equal(t, d, got)
	assert.Equal(t, state.Failure{}, failure)
}

func TestSettleRunFirstFailureStartsCounter(t *testing.T) {
	d := Decision{Action: ActionRun, Reason: ReasonReady}

	got, failure := SettleRun(d, state.State{}, RunOutcome{Result: RunFailure, ExitCode: 1}, config.Defaults())
	assert.Equal(t, d, got)
	assert.Equal(t, state.Failure{Reason: ReasonAgentRunFailed, Count: 1}, failure)
}

func TestSettleRunStreakElevatesToForcedStop(t *testing.T) {
	prior := state.State{Failure: state.Failure{Reason: ReasonAgentRunFailed, Count: 2}}
	d := Decision{Action: ActionRun, Reason: ReasonReady}

	got, failure := SettleRun(d, prior, RunOutcome{Result: RunFailure, ExitCode: 1}, config.Defaults())
	assert.Equal(t, ActionStop, got.Action)
	assert.Equal(t, ReasonAgentRunFailedRepeat, got.Reason)
	assert.Equal(t, state.Failure{Reason: ReasonAgentRunFailed, Count: 3}, failure)
}

func TestSettleRunDifferentPriorReasonRestartsCounter(t *testing.T) {
	prior := state.State{Failure: state.Failure{Reason: ReasonMaxIterationsUnprod, Count: 2}}
	d := Decision{Action: ActionRun, Reason: ReasonReady}

	_, failure := SettleRun(d, prior, RunOutcome{Result: RunFailure, ExitCode: 1}, config.Defaults())
	assert.Equal(t, state.Failure{Reason: ReasonAgentRunFailed, Count: 1}, failure)
}

func TestSettleRunSkippedKeepsPriorCounter(t *testing.T) {
	prior := state.State{Failure: state.Failure{Reason: ReasonAgentRunFailed, Count: 1}}
	d := Decision{Action: ActionRun, Reason: ReasonReady}

	_, failure := SettleRun(d, prior, RunOutcome{Result: RunSkipped}, config.Defaults())
	assert.Equal(t, prior.Failure, failure)
}

func TestSettleIdleClearingStops(t *testing.T) {
	prior := state.Failure{Reason: ReasonAgentRunFailed, Count: 2}

	assert.Equal(t, state.Failure{}, SettleIdle(Decision{Action: ActionStop, Reason: ReasonTasksComplete}, prior))
	assert.Equal(t, state.Failure{}, SettleIdle(Decision{Action: ActionStop, Reason: ReasonNoChecklists}, prior))
	assert.Equal(t, state.Failure{}, SettleIdle(Decision{Action: ActionSkip, Reason: ReasonKeepaliveDisabled}, prior))
}

func TestSettleIdleRepeatedStopIncrements(t *testing.T) {
	prior := state.Failure{Reason: ReasonMaxIterationsUnprod, Count: 1}
	got := SettleIdle(Decision{Action: ActionStop, Reason: ReasonMaxIterationsUnprod}, prior)
	assert.Equal(t, state.Failure{Reason: ReasonMaxIterationsUnprod, Count: 2}, got)
}

func TestSettleIdleNewStopReasonRestartsCounter(t *testing.T) {
	prior := state.Failure{Reason: ReasonAgentRunFailed, Count: 2}
	got := SettleIdle(Decision{Action: ActionStop, Reason: ReasonMaxIterationsUnprod}, prior)
	assert.Equal(t, state.Failure{Reason: ReasonMaxIterationsUnprod, Count: 1}, got)
}

func TestSettleIdleWaitCarriesCounterForward(t *testing.T) {
	prior := state.Failure{Reason: ReasonAgentRunFailed, Count: 2}
	got := SettleIdle(Decision{Action: ActionWait, Reason: ReasonGateNotSuccess}, prior)
	assert.Equal(t, prior, got)
}
