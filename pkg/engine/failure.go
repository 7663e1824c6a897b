package engine

import (
	"strings"

	"keepalive/pkg/config"
	"keepalive/pkg/state"
)

// Runner result strings.
const (
	RunSuccess = "success"
	RunFailure = "failure"
	RunSkipped = "skipped"
)

// Transient failure kinds. None of them count against the failure budget.
const (
	KindDirtyWorkspace = "dirty-workspace"
	KindInfrastructure = "infrastructure"
	KindNetwork        = "network"
)

// RunOutcome describes what the external runner reported for one invocation.
type RunOutcome struct {
	Result    string `json:"result"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output,omitempty"`
	Transient bool   `json:"transient,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Phrases in agent output that mean the workspace is dirty and the agent
// stalled waiting for an answer rather than failing at the work itself.
var dirtyWorkspacePhrases = []string{
	"how would you like me to proceed",
	"uncommitted changes",
	"working tree is dirty",
}

var networkPhrases = []string{
	"connection reset by peer",
	"connection refused",
	"context deadline exceeded",
	"tls handshake timeout",
	"temporary failure in name resolution",
}

// ClassifyRun maps the runner's reported result onto the failure policy's
// vocabulary. A failure with a clean agent exit is runner infrastructure
// noise, not an agent failure.
func ClassifyRun(result string, exitCode int, output string) RunOutcome {
	out := RunOutcome{Result: result, ExitCode: exitCode, Output: output}
	if result != RunFailure {
		return out
	}
	lower := strings.ToLower(output)
	switch {
	case exitCode == 0:
		out.Transient, out.Kind = true, KindInfrastructure
	case containsAny(lower, dirtyWorkspacePhrases):
		out.Transient, out.Kind = true, KindDirtyWorkspace
	case containsAny(lower, networkPhrases):
		out.Transient, out.Kind = true, KindNetwork
	}
	return out
}

// SettleRun folds a runner outcome into the decision and failure counter.
// Success and transient failures wipe the counter; a non-transient failure
// streak that reaches the threshold elevates to a forced stop so a human
// gets paged exactly once.
func SettleRun(d Decision, prior state.State, outcome RunOutcome, cfg config.LoopConfig) (Decision, state.Failure) {
	if outcome.Result == RunSuccess || outcome.Transient {
		return d, state.Failure{}
	}
	if outcome.Result != RunFailure {
		return d, prior.Failure
	}

	next := state.Failure{Reason: ReasonAgentRunFailed, Count: 1}
	if prior.Failure.Reason == ReasonAgentRunFailed {
		next.Count = prior.Failure.Count + 1
	}
	if cfg.FailureThreshold > 0 && next.Count >= cfg.FailureThreshold {
		return routed(Decision{Action: ActionStop, Reason: ReasonAgentRunFailedRepeat}, cfg), next
	}
	return d, next
}

// Stop reasons that end the loop cleanly and wipe the failure slate. The
// disabled skip counts: switching the loop off is not a failure.
var clearingReasons = map[string]bool{
	ReasonTasksComplete:     true,
	ReasonNoChecklists:      true,
	ReasonKeepaliveDisabled: true,
}

// SettleIdle adjusts the failure counter for iterations that never invoke
// the runner. Waits and defers carry the prior counter forward untouched;
// stops either clear it or count against the identical-reason streak.
func SettleIdle(d Decision, prior state.Failure) state.Failure {
	if clearingReasons[d.Reason] {
		return state.Failure{}
	}
	if d.Action != ActionStop {
		return prior
	}
	if prior.Reason == d.Reason {
		return state.Failure{Reason: d.Reason, Count: prior.Count + 1}
	}
	return state.Failure{Reason: d.Reason, Count: 1}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
