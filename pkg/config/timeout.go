package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Workflow timeout environment knobs, all in minutes except the ratio.
const (
	EnvTimeoutDefault        = "WORKFLOW_TIMEOUT_DEFAULT"
	EnvTimeoutExtended       = "WORKFLOW_TIMEOUT_EXTENDED"
	EnvTimeoutWarningRatio   = "WORKFLOW_TIMEOUT_WARNING_RATIO"
	EnvTimeoutWarningMinutes = "WORKFLOW_TIMEOUT_WARNING_MINUTES"

	defaultTimeoutMinutes        = 30
	defaultWarningRatio          = 0.8
	defaultWarningMinutes        = 5
	extendedTimeoutLabel         = "timeout:extended"
	minTimeoutMinutes            = 1
	maxWorkflowTimeoutMinutes    = 24 * 60
	warningRatioLowerBound       = 0.1
	warningRatioUpperBound       = 1.0
)

// TimeoutBudget is the wall-clock budget the hosting workflow runs under.
// The loop only observes it: it surfaces warnings into prompts and the
// summary but never aborts itself, the workflow runner owns the hard kill.
type TimeoutBudget struct {
	Total         time.Duration
	Extended      bool
	WarningRatio  float64
	WarningWindow time.Duration
}

// ResolveTimeout builds the budget from the environment and the PR's labels.
// The extended label doubles the default unless WORKFLOW_TIMEOUT_EXTENDED
// names an explicit extended budget.
func ResolveTimeout(labels []string) TimeoutBudget {
	base := envMinutes(EnvTimeoutDefault, defaultTimeoutMinutes)
	budget := TimeoutBudget{
		Total:         time.Duration(base) * time.Minute,
		WarningRatio:  envRatio(EnvTimeoutWarningRatio, defaultWarningRatio),
		WarningWindow: time.Duration(envMinutes(EnvTimeoutWarningMinutes, defaultWarningMinutes)) * time.Minute,
	}
	for _, label := range labels {
		if label == extendedTimeoutLabel {
			budget.Extended = true
			budget.Total = time.Duration(envMinutes(EnvTimeoutExtended, 2*base)) * time.Minute
			break
		}
	}
	return budget
}

// Remaining returns the budget left after elapsed, floored at zero.
func (b TimeoutBudget) Remaining(elapsed time.Duration) time.Duration {
	if remaining := b.Total - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

// InWarningBand reports whether the run has consumed enough of the budget
// that the current iteration should be treated as the wrap-up window: either
// the consumed ratio crossed the threshold or the absolute remainder is
// inside the warning window.
func (b TimeoutBudget) InWarningBand(elapsed time.Duration) bool {
	if b.Total <= 0 {
		return false
	}
	if float64(elapsed)/float64(b.Total) >= b.WarningRatio {
		return true
	}
	return b.Remaining(elapsed) <= b.WarningWindow
}

// Describe renders the budget for the summary comment, e.g. "24m / 30m (80%)".
func (b TimeoutBudget) Describe(elapsed time.Duration) string {
	if b.Total <= 0 {
		return "no budget"
	}
	percent := int(float64(elapsed) / float64(b.Total) * 100)
	if percent > 100 {
		percent = 100
	}
	return fmt.Sprintf("%dm / %dm (%d%%)",
		int(elapsed.Minutes()), int(b.Total.Minutes()), percent)
}

// envMinutes reads a positive minute count from the environment, clamped to
// a sane workflow range.
func envMinutes(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < minTimeoutMinutes {
		return fallback
	}
	if n > maxWorkflowTimeoutMinutes {
		return maxWorkflowTimeoutMinutes
	}
	return n
}

// envRatio reads the warning ratio, rejecting values outside (0.1, 1.0].
func envRatio(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < warningRatioLowerBound || f > warningRatioUpperBound {
		return fallback
	}
	return f
}
