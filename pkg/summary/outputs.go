package summary

import (
	"fmt"
	"os"
	"strings"
	"time"

	"keepalive/pkg/ratelimit"
)

// Workflow output conventions, set by the hosting runner.
const (
	EnvGithubOutput      = "GITHUB_OUTPUT"
	EnvGithubStepSummary = "GITHUB_STEP_SUMMARY"
)

// StepOutputs is the structured payload handed to the workflow when a rate
// limit aborts the summary update. A follow-up step with fallback credentials
// turns it into the user-visible notification.
type StepOutputs struct {
	PRNumber int
	Action   string
	Reason   string
	Rate     ratelimit.Status
}

// Pairs returns the output keys in a stable order.
func (o StepOutputs) Pairs() [][2]string {
	reset := ""
	if !o.Rate.Reset.IsZero() {
		reset = o.Rate.Reset.UTC().Format(time.RFC3339)
	}
	return [][2]string{
		{"rate_limit_hit", "true"},
		{"rate_limit_remaining", fmt.Sprintf("%d", o.Rate.Remaining)},
		{"rate_limit_reset", reset},
		{"pr_number", fmt.Sprintf("%d", o.PRNumber)},
		{"action", o.Action},
		{"reason", o.Reason},
	}
}

// WriteActionsOutputs appends key=value lines to the GITHUB_OUTPUT file.
// Outside a workflow run it is a no-op.
func WriteActionsOutputs(o StepOutputs) error {
	path := os.Getenv(EnvGithubOutput)
	if path == "" {
		return nil
	}
	var b strings.Builder
	for _, kv := range o.Pairs() {
		b.WriteString(kv[0] + "=" + kv[1] + "\n")
	}
	return appendFile(path, b.String())
}

// WriteStepSummary appends a markdown fragment to the workflow step summary.
// Outside a workflow run it is a no-op.
func WriteStepSummary(markdown string) error {
	path := os.Getenv(EnvGithubStepSummary)
	if path == "" {
		return nil
	}
	return appendFile(path, markdown)
}

func appendFile(path, content string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}

// rateLimitStepSummary renders the fragment posted to the step summary when
// the update itself was rate-limited.
func rateLimitStepSummary(o StepOutputs) string {
	var b strings.Builder
	b.WriteString("## ⛔ Rate limit hit during summary update\n\n")
	b.WriteString("| | |\n")
	b.WriteString("|---|---|\n")
	fmt.Fprintf(&b, "| **PR** | #%d |\n", o.PRNumber)
	fmt.Fprintf(&b, "| **Action** | `%s` (`%s`) |\n", o.Action, o.Reason)
	fmt.Fprintf(&b, "| **Remaining** | %d / %d |\n", o.Rate.Remaining, o.Rate.Limit)
	if !o.Rate.Reset.IsZero() {
		fmt.Fprintf(&b, "| **Resets** | %s |\n", o.Rate.Reset.UTC().Format(time.RFC3339))
	}
	b.WriteString("\nThis step fails intentionally; the follow-up notifier step posts the user-visible notice with fallback credentials.\n")
	return b.String()
}
