package engine

import "strings"

// Labels the loop consumes. Identity labels share the agent: prefix with a
// handful of meta labels, so presence checks have to exclude the meta set.
const (
	LabelAgentPrefix     = "agent:"
	LabelHighPrivilege   = "agent-high-privilege"
	LabelKeepalivePaused = "keepalive:paused"
	LabelTimeoutExtended = "timeout:extended"
	LabelRetry           = "agent:retry"
	LabelNeedsHuman      = "needs-human"
	LabelNeedsAttention  = "agent:needs-attention"
	LabelRateLimited     = "agent:rate-limited"
	LabelActivated       = "agent:activated"
)

var metaAgentLabels = map[string]struct{}{
	LabelRetry:          {},
	LabelNeedsAttention: {},
	LabelRateLimited:    {},
	LabelActivated:      {},
}

// HasLabel reports whether the named label is present.
func HasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

// AgentLabel returns the identity label (agent:<name>) or "" when none is
// present.
func AgentLabel(labels []string) string {
	for _, l := range labels {
		if !strings.HasPrefix(l, LabelAgentPrefix) {
			continue
		}
		if _, meta := metaAgentLabels[l]; meta {
			continue
		}
		return l
	}
	return ""
}

// AgentName strips the identity prefix for display.
func AgentName(label string) string {
	return strings.TrimPrefix(label, LabelAgentPrefix)
}

// ForceRetry reports whether the manual retry trigger is set.
func ForceRetry(labels []string) bool {
	return HasLabel(labels, LabelRetry)
}
