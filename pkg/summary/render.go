package summary

import (
	"fmt"
	"strings"
	"time"

	"keepalive/pkg/config"
	"keepalive/pkg/engine"
	"keepalive/pkg/plan"
	"keepalive/pkg/ratelimit"
	"keepalive/pkg/state"
)

const progressBarWidth = 10

// Input carries everything one summary render needs. The loop assembles it
// after the iteration settles; Build never fetches.
type Input struct {
	PRNumber int
	Labels   []string
	Decision engine.Decision
	State    state.State
	Tally    plan.Tally
	Gate     engine.GateStatus
	Config   config.LoopConfig
	Timeout  config.TimeoutBudget
	Elapsed  time.Duration
	Rate     ratelimit.Status

	// Outcome is the last agent run, nil when the iteration invoked no agent.
	Outcome      *engine.RunOutcome
	CommitSHA    string
	FilesChanged int

	// ReconcileNeeded flags a run that changed files without ticking any
	// checkbox.
	ReconcileNeeded bool
}

// Build renders the summary prose: marker first line, title, the state table,
// and whichever optional blocks the iteration earned. The state marker is not
// part of the prose; Update re-attaches whatever marker the live comment
// already carries.
func Build(in Input, repoPath string) string {
	var b strings.Builder

	b.WriteString(state.SummaryMarker + "\n")
	b.WriteString(title(in) + "\n\n")
	writeStateTable(&b, in)

	if in.Outcome != nil {
		writeLastRun(&b, in, repoPath)
	}
	if in.ReconcileNeeded {
		writeReconcileNeeded(&b, in)
	}
	if in.Outcome != nil && in.Outcome.Transient {
		writeTransient(&b, in.Outcome)
	}
	if in.State.Failure.Count > 0 {
		writeFailure(&b, in)
	}
	switch {
	case in.Decision.Action == engine.ActionStop && in.Decision.Reason == engine.ReasonAgentRunFailedRepeat:
		writePaused(&b, in)
	case in.Decision.Reason == engine.ReasonRateLimitExhausted:
		writeRateLimitStop(&b, in.Rate)
	}

	if in.State.Trace != "" {
		fmt.Fprintf(&b, "<sub>trace `%s`</sub>\n", in.State.Trace)
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func title(in Input) string {
	name := engine.AgentName(engine.AgentLabel(in.Labels))
	if name == "" {
		name = "agent"
	}
	return fmt.Sprintf("## 🤖 Keepalive status for PR #%d: %s (%s)", in.PRNumber, name, iterationBadge(in))
}

// iterationBadge renders "n/m", or "m+k extended" once the loop earned
// iterations past the configured maximum.
func iterationBadge(in Input) string {
	maxIter := in.Config.MaxIterations
	iter := in.State.Iteration
	switch {
	case maxIter > 0 && iter > maxIter:
		return fmt.Sprintf("iteration %d+%d extended", maxIter, iter-maxIter)
	case maxIter > 0:
		return fmt.Sprintf("iteration %d/%d", iter, maxIter)
	default:
		return fmt.Sprintf("iteration %d", iter)
	}
}

func writeStateTable(b *strings.Builder, in Input) {
	done := in.Tally.Total - in.Tally.Unchecked
	b.WriteString("| | |\n")
	b.WriteString("|---|---|\n")
	fmt.Fprintf(b, "| **Progress** | `%s` %d%% |\n", progressBar(done, in.Tally.Total), percentDone(done, in.Tally.Total))
	fmt.Fprintf(b, "| **Tasks** | %d of %d complete |\n", done, in.Tally.Total)
	fmt.Fprintf(b, "| **Action** | `%s` (`%s`) |\n", in.Decision.Action, in.Decision.Reason)
	fmt.Fprintf(b, "| **Disposition** | %s |\n", disposition(in.Decision))
	fmt.Fprintf(b, "| **Gate** | %s |\n", gateBadge(in.Gate))
	fmt.Fprintf(b, "| **Timeout budget** | %s |\n", in.Timeout.Describe(in.Elapsed))
	fmt.Fprintf(b, "| **Keepalive / autofix** | %s / %s |\n", toggle(in.Config.KeepaliveEnabled), toggle(in.Config.AutofixEnabled))
	b.WriteString("\n")
}

func progressBar(done, total int) string {
	if total <= 0 {
		return strings.Repeat("░", progressBarWidth)
	}
	filled := done * progressBarWidth / total
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
}

func percentDone(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

func disposition(d engine.Decision) string {
	switch d.Action {
	case engine.ActionRun, engine.ActionFix, engine.ActionConflict, engine.ActionReview:
		return "🔄 working"
	case engine.ActionWait:
		return "⏸️ waiting"
	case engine.ActionDefer:
		return "⏳ deferred"
	case engine.ActionSkip:
		return "⏭️ skipped"
	case engine.ActionStop:
		switch d.Reason {
		case engine.ReasonTasksComplete:
			return "✅ complete"
		case engine.ReasonAgentRunFailedRepeat:
			return "🛑 paused"
		default:
			return "🛑 stopped"
		}
	default:
		return string(d.Action)
	}
}

func gateBadge(g engine.GateStatus) string {
	switch g.Conclusion {
	case "":
		return "none yet"
	case engine.GateSuccess:
		return "✅ success"
	case engine.GateFailure:
		if g.FailureKind != "" {
			return fmt.Sprintf("❌ failure (%s)", g.FailureKind)
		}
		return "❌ failure"
	case engine.GateCancelled:
		if g.RateLimited {
			return "🚫 cancelled (rate limit)"
		}
		return "🚫 cancelled"
	case engine.GateTimedOut:
		return "⏱️ timed out"
	case engine.GatePending:
		return "⏳ pending"
	case engine.GateSkipped:
		return "➖ skipped"
	default:
		return g.Conclusion
	}
}

func toggle(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func writeLastRun(b *strings.Builder, in Input, repoPath string) {
	out := in.Outcome
	b.WriteString("### Last agent run\n\n")
	b.WriteString("| | |\n")
	b.WriteString("|---|---|\n")
	fmt.Fprintf(b, "| **Result** | %s (exit %d) |\n", runBadge(out), out.ExitCode)
	fmt.Fprintf(b, "| **Changes** | %d %s |\n", in.FilesChanged, plural(in.FilesChanged, "file", "files"))
	if in.CommitSHA != "" {
		fmt.Fprintf(b, "| **Commit** | %s |\n", commitLink(repoPath, in.CommitSHA))
	}
	b.WriteString("\n")

	if excerpt := TruncateTokens(strings.TrimSpace(out.Output), outputTokenLimit); excerpt != "" {
		b.WriteString("<details><summary>Output</summary>\n\n")
		b.WriteString("````\n" + excerpt + "\n````\n\n")
		b.WriteString("</details>\n\n")
	}
}

func runBadge(out *engine.RunOutcome) string {
	switch out.Result {
	case engine.RunSuccess:
		return "✅ success"
	case engine.RunSkipped:
		return "➖ skipped"
	default:
		if out.Transient {
			return fmt.Sprintf("⚠️ transient (%s)", out.Kind)
		}
		return "❌ failure"
	}
}

// commitLink renders a short-SHA link. Bare backticks when the repo path is
// unknown, so the summary never carries a dead link.
func commitLink(repoPath, sha string) string {
	short := sha
	if len(short) > 7 {
		short = short[:7]
	}
	if repoPath == "" {
		return "`" + short + "`"
	}
	return fmt.Sprintf("[`%s`](https://github.com/%s/commit/%s)", short, repoPath, sha)
}

func writeReconcileNeeded(b *strings.Builder, in Input) {
	b.WriteString("### ⚠️ Task reconciliation needed\n\n")
	fmt.Fprintf(b, "The last run changed %d %s but ticked no checkboxes. Review the task list and tick what the commits actually completed.\n\n",
		in.FilesChanged, plural(in.FilesChanged, "file", "files"))
}

func writeTransient(b *strings.Builder, out *engine.RunOutcome) {
	b.WriteString("### ⚠️ Transient issue detected\n\n")
	fmt.Fprintf(b, "The last run hit a `%s` issue. %s The failure counter was not incremented.\n\n",
		out.Kind, transientAdvice(out.Kind))
}

func transientAdvice(kind string) string {
	switch kind {
	case engine.KindDirtyWorkspace:
		return "A previous run left the checkout dirty; the next iteration starts from a fresh workspace."
	case engine.KindNetwork:
		return "The network flaked mid-run; the next iteration retries."
	default:
		return "The runner failed without the agent reporting an error; the next iteration retries."
	}
}

func writeFailure(b *strings.Builder, in Input) {
	b.WriteString("### ❌ Failure classification\n\n")
	b.WriteString("| | |\n")
	b.WriteString("|---|---|\n")
	fmt.Fprintf(b, "| **Type** | `%s` |\n", in.State.Failure.Reason)
	fmt.Fprintf(b, "| **Category** | %s |\n", failureCategory(in))
	fmt.Fprintf(b, "| **Counter** | %d/%d |\n", in.State.Failure.Count, failureThreshold(in))
	fmt.Fprintf(b, "| **Recovery** | Add the `%s` label to force another attempt, or push a commit. |\n", engine.LabelRetry)
	b.WriteString("\n")
}

func failureCategory(in Input) string {
	if in.Outcome != nil && in.Outcome.Transient {
		return fmt.Sprintf("transient (%s)", in.Outcome.Kind)
	}
	return "persistent"
}

func failureThreshold(in Input) int {
	if in.Config.FailureThreshold > 0 {
		return in.Config.FailureThreshold
	}
	return config.DefaultFailureThreshold
}

func writePaused(b *strings.Builder, in Input) {
	b.WriteString("### 🛑 Paused: human attention required\n\n")
	fmt.Fprintf(b, "The loop stopped after %d consecutive `%s` failures.\n\n",
		in.State.Failure.Count, in.State.Failure.Reason)
	b.WriteString("To resume:\n\n")
	b.WriteString("1. Check the last run output above and fix the underlying problem.\n")
	fmt.Fprintf(b, "2. Remove the `%s` label.\n", engine.LabelNeedsHuman)
	fmt.Fprintf(b, "3. Add `%s` or push a commit to start a fresh iteration.\n\n", engine.LabelRetry)
}

func writeRateLimitStop(b *strings.Builder, rate ratelimit.Status) {
	b.WriteString("### 🛑 Agent stopped: API capacity depleted\n\n")
	fmt.Fprintf(b, "%d of %d API calls remain.", rate.Remaining, rate.Limit)
	if !rate.Reset.IsZero() {
		fmt.Fprintf(b, " The window resets at %s.", rate.Reset.UTC().Format(time.RFC3339))
	}
	b.WriteString(" The loop resumes on the next scheduled trigger after the reset; no action needed.\n\n")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
