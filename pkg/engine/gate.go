package engine

import (
	"strings"

	"keepalive/pkg/forge"
)

// Gate conclusions the cascade branches on.
const (
	GateSuccess   = "success"
	GateFailure   = "failure"
	GateCancelled = "cancelled"
	GateTimedOut  = "timed_out"
	GateNeutral   = "neutral"
	GateSkipped   = "skipped"
	GatePending   = "pending"
)

// Failure kinds a red gate classifies into. Tests and type errors go back to
// the agent; lint is left to the autofix pathway.
const (
	FailureKindTests     = "tests"
	FailureKindTypeCheck = "type-check"
	FailureKindLint      = "lint"
)

// Worst conclusion wins, mirroring how the gate workflow summarises its own
// matrix.
var gatePriority = map[string]int{
	GateFailure:   0,
	GateTimedOut:  1,
	GateCancelled: 2,
	GateSuccess:   3,
	GateSkipped:   4,
	GatePending:   5,
}

// GateStatus is the reduced verdict of the external CI gate for one head SHA.
type GateStatus struct {
	Conclusion  string `json:"conclusion"`
	CheckName   string `json:"check_name,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
	RateLimited bool   `json:"rate_limited,omitempty"`
}

// Blocks reports whether the gate verdict pauses checklist work. Pending,
// skipped, and neutral gates never block; the scheduler fires after the gate
// finishes, so an absent conclusion means there is no gate to wait for.
func (g GateStatus) Blocks() bool {
	switch g.Conclusion {
	case GateFailure, GateCancelled, GateTimedOut:
		return true
	}
	return false
}

// ResolveGate reduces check runs to a single gate verdict. The failing
// check's name and the failed-job logs classify what broke; cancelled gates
// are additionally scanned for rate-limit signatures so the engine can tell
// a starved gate from an aborted one.
func ResolveGate(checks []forge.CheckRun, logs []forge.JobLog) GateStatus {
	best := GatePending
	bestName := ""
	for _, c := range checks {
		concl := normalizeConclusion(c)
		p, known := gatePriority[concl]
		if !known {
			continue
		}
		if p < gatePriority[best] {
			best, bestName = concl, c.Name
		}
	}

	st := GateStatus{Conclusion: best, CheckName: bestName}
	if !st.Blocks() {
		return st
	}
	if best == GateCancelled {
		st.RateLimited = rateLimitSignal(logs)
		return st
	}
	st.FailureKind = classifyGateFailure(checks, logs)
	return st
}

func normalizeConclusion(c forge.CheckRun) string {
	if c.Status != "" && c.Status != "completed" {
		return GatePending
	}
	concl := strings.ToLower(c.Conclusion)
	if concl == GateNeutral {
		return GateSkipped
	}
	return concl
}

// classifyGateFailure names what broke, tests outranking type checks
// outranking lint. Check names are matched on tokens so that runner names
// like ubuntu-latest cannot masquerade as test jobs; log excerpts fall back
// to tool signatures.
func classifyGateFailure(checks []forge.CheckRun, logs []forge.JobLog) string {
	found := map[string]bool{}

	for _, c := range checks {
		concl := normalizeConclusion(c)
		if concl != GateFailure && concl != GateTimedOut {
			continue
		}
		if kind := kindFromName(c.Name); kind != "" {
			found[kind] = true
		}
	}
	for _, l := range logs {
		if kind := kindFromName(l.JobName); kind != "" {
			found[kind] = true
		}
		if kind := kindFromLog(l.Excerpt); kind != "" {
			found[kind] = true
		}
	}

	for _, kind := range []string{FailureKindTests, FailureKindTypeCheck, FailureKindLint} {
		if found[kind] {
			return kind
		}
	}
	return ""
}

func kindFromName(name string) string {
	for _, tok := range tokens(name) {
		switch tok {
		case "test", "tests", "pytest", "coverage":
			return FailureKindTests
		case "type", "types", "typecheck", "mypy":
			return FailureKindTypeCheck
		case "lint", "format", "ruff", "style":
			return FailureKindLint
		}
	}
	return ""
}

var logToolSignatures = []struct {
	needle string
	kind   string
}{
	{"--- fail", FailureKindTests},
	{"pytest", FailureKindTests},
	{"failed test", FailureKindTests},
	{"assertionerror", FailureKindTests},
	{"mypy", FailureKindTypeCheck},
	{"type error", FailureKindTypeCheck},
	{"ruff", FailureKindLint},
	{"lint", FailureKindLint},
}

func kindFromLog(excerpt string) string {
	lower := strings.ToLower(excerpt)
	for _, sig := range logToolSignatures {
		if strings.Contains(lower, sig.needle) {
			return sig.kind
		}
	}
	return ""
}

var rateLimitSignatures = []string{
	"rate limit exceeded",
	"secondary rate limit",
	"rate limited",
	"http 429",
	"status: 429",
}

func rateLimitSignal(logs []forge.JobLog) bool {
	for _, l := range logs {
		var b strings.Builder
		b.WriteString(l.Excerpt)
		for _, a := range l.Annotations {
			b.WriteString("\n")
			b.WriteString(a)
		}
		text := strings.ToLower(b.String())
		for _, sig := range rateLimitSignatures {
			if strings.Contains(text, sig) {
				return true
			}
		}
	}
	return false
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
