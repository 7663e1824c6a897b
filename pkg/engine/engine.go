// Package engine decides what the keepalive loop does next. Decide is a pure
// ordered rule cascade over the signals one iteration gathers; nothing in
// here talks to the network, so every rule is testable in isolation.
package engine

import (
	"fmt"

	"keepalive/pkg/config"
	"keepalive/pkg/conflict"
	"keepalive/pkg/plan"
	"keepalive/pkg/prompts"
	"keepalive/pkg/ratelimit"
	"keepalive/pkg/state"
)

// Action is the engine's verdict for one iteration.
type Action string

const (
	ActionWait     Action = "wait"
	ActionSkip     Action = "skip"
	ActionStop     Action = "stop"
	ActionRun      Action = "run"
	ActionFix      Action = "fix"
	ActionConflict Action = "conflict"
	ActionDefer    Action = "defer"
	ActionReview   Action = "review"
)

// Fixed reason strings. Reasons with a dynamic tail (merge-conflict-<source>,
// progress-review-<n>, fix-<kind>) are built from the prefixes below.
const (
	ReasonReady                  = "ready"
	ReasonReadyExtended          = "ready-extended"
	ReasonMissingAgentLabel      = "missing-agent-label"
	ReasonKeepaliveDisabled      = "keepalive-disabled"
	ReasonNoChecklists           = "no-checklists"
	ReasonVerifyAcceptance       = "verify-acceptance"
	ReasonTasksComplete          = "tasks-complete"
	ReasonRateLimitExhausted     = "rate-limit-exhausted"
	ReasonBypassRateLimitGate    = "bypass-rate-limit-gate"
	ReasonGateCancelled          = "gate-cancelled"
	ReasonGateCancelledRateLimit = "gate-cancelled-rate-limit"
	ReasonGateNotSuccess         = "gate-not-success"
	ReasonForceRetryGate         = "force-retry-gate"
	ReasonCompleteGateFailureMax = "complete-gate-failure-max"
	ReasonMaxIterations          = "max-iterations"
	ReasonMaxIterationsUnprod    = "max-iterations-unproductive"
	ReasonAgentRunFailed         = "agent-run-failed"
	ReasonAgentRunFailedRepeat   = "agent-run-failed-repeat"

	ReasonPrefixMergeConflict  = "merge-conflict-"
	ReasonPrefixProgressReview = "progress-review-"
	ReasonPrefixFix            = "fix-"
)

// Inputs is everything one decision sees. The loop assembles it; the engine
// never fetches.
type Inputs struct {
	Tally      plan.Tally
	Prior      state.State
	Gate       GateStatus
	Conflict   conflict.Result
	RateLimit  ratelimit.Status
	Labels     []string
	Config     config.LoopConfig
	ForceRetry bool
}

// Decision is the engine's output for one iteration.
type Decision struct {
	Action     Action `json:"action"`
	Reason     string `json:"reason"`
	PromptMode string `json:"prompt_mode,omitempty"`
	PromptFile string `json:"prompt_file,omitempty"`
}

// Runs reports whether the decision invokes the agent runner.
func (d Decision) Runs() bool {
	return d.Action == ActionRun || d.Action == ActionFix || d.Action == ActionConflict || d.Action == ActionReview
}

// Decide evaluates the rule cascade and resolves the prompt route. The
// rate-limit defer is applied after the cascade so that every runner-invoking
// action can be overridden, except the explicit bypass which exists precisely
// to outlive it.
func Decide(in Inputs) Decision {
	d := cascade(in)
	if in.RateLimit.ShouldDefer && d.Runs() && d.Reason != ReasonBypassRateLimitGate {
		d = Decision{Action: ActionDefer, Reason: ReasonRateLimitExhausted}
	}
	return routed(d, in.Config)
}

func cascade(in Inputs) Decision {
	agent := AgentLabel(in.Labels)
	enabled := in.Config.KeepaliveEnabled && !HasLabel(in.Labels, LabelKeepalivePaused)

	// An unmergeable branch blocks everything else, but only the mergeability
	// API is trusted enough to act on.
	if in.Conflict.Definitive() && agent != "" && enabled {
		return Decision{Action: ActionConflict, Reason: ReasonPrefixMergeConflict + string(in.Conflict.PrimarySource)}
	}
	if agent == "" {
		return Decision{Action: ActionWait, Reason: ReasonMissingAgentLabel}
	}
	if !enabled {
		return Decision{Action: ActionSkip, Reason: ReasonKeepaliveDisabled}
	}
	if in.Tally.Total == 0 {
		return Decision{Action: ActionStop, Reason: ReasonNoChecklists}
	}
	if d, blocked := gateRule(in); blocked {
		return d
	}
	if in.Tally.Unchecked == 0 {
		// Verification runs exactly once per trace. Any recorded status,
		// including a failed one, counts as attempted.
		if in.Prior.Verification.Status == "" {
			return Decision{Action: ActionRun, Reason: ReasonVerifyAcceptance}
		}
		return Decision{Action: ActionStop, Reason: ReasonTasksComplete}
	}

	maxIter := in.Config.MaxIterations
	pastMax := maxIter > 0 && in.Prior.Iteration >= maxIter
	if pastMax {
		// Extended runway is finite even for a productive loop.
		if in.Prior.Iteration >= 2*maxIter {
			return Decision{Action: ActionStop, Reason: ReasonMaxIterations}
		}
		if !in.ForceRetry && ProductivityScore(in.Prior) < ProductivityThreshold {
			return Decision{Action: ActionStop, Reason: ReasonMaxIterationsUnprod}
		}
	}
	if in.Config.ProgressReviewThreshold > 0 && in.Prior.RoundsWithoutTaskCompletion >= in.Config.ProgressReviewThreshold {
		return Decision{
			Action: ActionReview,
			Reason: fmt.Sprintf("%s%d", ReasonPrefixProgressReview, in.Prior.RoundsWithoutTaskCompletion),
		}
	}
	if pastMax {
		return Decision{Action: ActionRun, Reason: ReasonReadyExtended}
	}
	return Decision{Action: ActionRun, Reason: ReasonReady}
}

// gateRule handles every branch taken when the external gate is not green.
func gateRule(in Inputs) (Decision, bool) {
	if !in.Gate.Blocks() {
		return Decision{}, false
	}

	tasksRemain := in.Tally.Unchecked > 0

	// A finished checklist stuck behind a red gate gets a bounded number of
	// rounds before the loop gives up.
	if !tasksRemain && in.Config.CompleteGateFailureRoundsMax > 0 &&
		in.Prior.CompleteGateFailureRounds >= in.Config.CompleteGateFailureRoundsMax {
		return Decision{Action: ActionStop, Reason: ReasonCompleteGateFailureMax}, true
	}

	if in.Gate.Conclusion == GateCancelled {
		if in.Gate.RateLimited {
			if tasksRemain && in.RateLimit.Remaining > 0 {
				return Decision{Action: ActionRun, Reason: ReasonBypassRateLimitGate}, true
			}
			if in.RateLimit.ShouldDefer {
				return Decision{Action: ActionDefer, Reason: ReasonGateCancelledRateLimit}, true
			}
			return Decision{Action: ActionWait, Reason: ReasonGateCancelledRateLimit}, true
		}
		if in.ForceRetry && tasksRemain {
			return Decision{Action: ActionRun, Reason: ReasonForceRetryGate}, true
		}
		return Decision{Action: ActionWait, Reason: ReasonGateCancelled}, true
	}

	switch in.Gate.FailureKind {
	case FailureKindTests, FailureKindTypeCheck:
		return Decision{Action: ActionFix, Reason: ReasonPrefixFix + in.Gate.FailureKind}, true
	}
	// Lint and unclassified failures belong to the autofix pathway, not the
	// agent.
	if in.ForceRetry && tasksRemain {
		return Decision{Action: ActionRun, Reason: ReasonForceRetryGate}, true
	}
	return Decision{Action: ActionWait, Reason: ReasonGateNotSuccess}, true
}

func routed(d Decision, cfg config.LoopConfig) Decision {
	route := prompts.Resolve(prompts.Request{
		Mode:     cfg.PromptMode,
		Action:   string(d.Action),
		Reason:   d.Reason,
		File:     cfg.PromptFile,
		Scenario: cfg.PromptScenario,
	})
	d.PromptMode = string(route.Mode)
	d.PromptFile = route.File
	return d
}
