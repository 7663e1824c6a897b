package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"keepalive/pkg/cache"
	"keepalive/pkg/config"
	"keepalive/pkg/engine"
	"keepalive/pkg/llm"
	"keepalive/pkg/metrics"
	"keepalive/pkg/persistence"
	"keepalive/pkg/plan"
	"keepalive/pkg/prompts"
	"keepalive/pkg/reconcile"
	"keepalive/pkg/state"
	"keepalive/pkg/summary"
)

// Iterate runs one full iteration: gather, decide, invoke the runner when
// the decision calls for it, settle the outcome, persist state, refresh the
// summary, and record metrics. The order is fixed; racing invocations are
// serialised by the hosting scheduler.
func (l *Loop) Iterate(ctx context.Context, req Request) (*Report, error) {
	start := l.now()

	sig, err := l.gather(ctx, req)
	if err != nil {
		return nil, err
	}

	d := engine.Decide(sig.inputs())
	l.recorder.ObserveDecision(req.PRNumber, string(d.Action), d.Reason)
	l.logger.Info("🧠 PR #%d: %s (%s)", req.PRNumber, d.Action, d.Reason)

	rep := &Report{
		PRNumber: req.PRNumber,
		Trace:    sig.trace,
		Decision: d,
		Tally:    sig.pl.Checkboxes,
		Gate:     sig.gate,
		Rate:     sig.rate,
	}

	// A PR that never opted in gets no comments: report the wait, write
	// nothing.
	if d.Action == engine.ActionWait && d.Reason == engine.ReasonMissingAgentLabel && !sig.prior.Found {
		rep.State = sig.prior.State
		rep.DurationMS = l.now().Sub(start).Milliseconds()
		return rep, nil
	}

	if d.Action == engine.ActionReview {
		rep.Review, d = l.consultReviewer(ctx, sig, d)
		rep.Decision = d
	}

	verifying := d.Reason == engine.ReasonVerifyAcceptance
	focus := firstUnchecked(sig.pl)

	var (
		run     RunResult
		outcome *engine.RunOutcome
		invoked bool
	)
	failure := sig.prior.State.Failure

	if d.Runs() {
		prompt, err := l.buildPrompt(sig, d, rep.Review, req.Elapsed+l.now().Sub(start))
		if err != nil {
			return nil, err
		}
		agent, ok := l.agents.Select(sig.labels)
		if !ok {
			return nil, fmt.Errorf("label %q names no registered agent", engine.AgentLabel(sig.labels))
		}
		if err := l.summary.MarkRunning(ctx, req.PRNumber, sig.trace, sig.prior.State.Iteration, focus); err != nil {
			l.logger.Warn("Could not mark agent running: %v", err)
		}

		run, err = l.runner.Run(ctx, RunRequest{
			PRNumber:  req.PRNumber,
			Trace:     sig.trace,
			Iteration: sig.prior.State.Iteration,
			Agent:     *agent,
			Prompt:    prompt,
			Mode:      d.PromptMode,
			Timeout:   sig.budget.Remaining(req.Elapsed + l.now().Sub(start)),
		})
		if err != nil {
			return nil, fmt.Errorf("runner invocation failed: %w", err)
		}
		invoked = true
		rep.Dispatched = run.Detached

		if !run.Detached {
			oc := engine.ClassifyRun(run.Result, run.ExitCode, run.Output)
			outcome = &oc
			rep.Outcome = outcome
			d, failure = engine.SettleRun(d, sig.prior.State, oc, sig.cfg)
			rep.Decision = d

			// The run changed the world; cached PR data is stale now.
			l.cache.InvalidatePrefix(cache.PRPrefix(l.owner, l.repo, req.PRNumber))
		}
	} else {
		failure = engine.SettleIdle(d, sig.prior.State.Failure)
	}

	// Completion analysis and reconciliation follow a successful synchronous
	// run; the fresh body read afterwards picks up checkboxes the agent
	// ticked itself.
	freshTally := sig.pl.Checkboxes
	var recon *reconcile.Result
	if outcome != nil && outcome.Result == engine.RunSuccess {
		analysis := l.chain.AnalyzeCompletion(ctx, outcome.Output, uncheckedTexts(sig.pl))
		res, rerr := l.analyzer.Reconcile(ctx, reconcile.Inputs{
			PRNumber:     req.PRNumber,
			LLMCompleted: analysis.Completed,
		})
		if rerr != nil {
			l.logger.Warn("Reconciliation failed on PR #%d: %v", req.PRNumber, rerr)
		} else {
			recon = res
			rep.Reconcile = recon
		}
		if fresh, ferr := l.client.GetPR(ctx, req.PRNumber); ferr == nil {
			sig.pr = fresh
			freshTally = plan.Parse(fresh.Body).Checkboxes
		} else {
			l.logger.Warn("Could not refresh PR #%d after run: %v", req.PRNumber, ferr)
		}
	}

	tasksDelta := sig.pl.Checkboxes.Unchecked - freshTally.Unchecked
	if tasksDelta < 0 {
		tasksDelta = 0
	}
	filesChanged := 0
	if recon != nil {
		filesChanged = recon.FilesChanged
	}

	nextIteration := sig.prior.State.Iteration
	if outcome != nil && outcome.Result == engine.RunSuccess {
		nextIteration++
	}

	updates := map[string]any{
		"iteration":                        nextIteration,
		"max_iterations":                   sig.cfg.MaxIterations,
		"failure_threshold":                sig.cfg.FailureThreshold,
		"progress_review_threshold":        sig.cfg.ProgressReviewThreshold,
		"complete_gate_failure_rounds_max": sig.cfg.CompleteGateFailureRoundsMax,
		"last_action":                      string(d.Action),
		"last_reason":                      d.Reason,
		"gate_conclusion":                  sig.gate.Conclusion,
		"tasks":                            map[string]any{"total": freshTally.Total, "unchecked": freshTally.Unchecked},
		"failure":                          map[string]any{"reason": failure.Reason, "count": failure.Count},
		"complete_gate_failure_rounds": engine.NextCompleteGateFailureRounds(
			sig.prior.State.CompleteGateFailureRounds,
			freshTally.Total > 0 && freshTally.Unchecked == 0,
			sig.gate.Blocks()),
	}
	if !sig.prior.Found && sig.legacy.Round > 0 {
		updates["round"] = sig.legacy.Round
	}

	if invoked {
		updates["last_files_changed"] = filesChanged
		updates["prev_files_changed"] = sig.prior.State.LastFilesChanged
		updates["rounds_without_task_completion"] = engine.NextNoProgressRounds(
			sig.prior.State.RoundsWithoutTaskCompletion, tasksDelta)
		updates["attempts"] = state.AppendAttempt(sig.prior.State.Attempts, state.Attempt{
			Iteration:  nextIteration,
			Action:     string(d.Action),
			Reason:     d.Reason,
			RunResult:  run.Result,
			PromptMode: d.PromptMode,
			Gate:       sig.gate.Conclusion,
			TasksDelta: tasksDelta,
		})
		if focus != "" {
			updates["attempted_tasks"] = state.AppendAttemptedTask(sig.prior.State.AttemptedTasks, focus, l.now())
		}
	}

	if verifying && outcome != nil {
		status := "failed"
		if outcome.Result == engine.RunSuccess {
			status = "done"
		}
		updates["verification"] = map[string]any{
			"status":      status,
			"iteration":   nextIteration,
			"last_result": outcome.Result,
		}
	}

	elapsed := req.Elapsed + l.now().Sub(start)
	updates["timeout"] = timeoutPayload(sig.budget, elapsed)

	// Running clears on every terminal path; only a dispatch hand-off keeps
	// it set for the next invocation to observe.
	if !run.Detached {
		for k, v := range state.ClearRunning() {
			updates[k] = v
		}
	}

	snap, err := l.store.Save(ctx, req.PRNumber, sig.trace, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to save loop state for PR #%d: %w", req.PRNumber, err)
	}
	rep.State = snap.State
	rep.Tally = freshTally

	reconNeeded := recon != nil && recon.FilesChanged > 0 && tasksDelta == 0 && len(recon.Ticked) == 0
	if err := l.summary.Update(ctx, summary.Input{
		PRNumber:        req.PRNumber,
		Labels:          sig.labels,
		Decision:        d,
		State:           snap.State,
		Tally:           freshTally,
		Gate:            sig.gate,
		Config:          sig.cfg,
		Timeout:         sig.budget,
		Elapsed:         elapsed,
		Rate:            sig.rate,
		Outcome:         outcome,
		CommitSHA:       sig.pr.HeadSHA,
		FilesChanged:    filesChanged,
		ReconcileNeeded: reconNeeded,
	}); err != nil {
		return nil, err
	}

	duration := l.now().Sub(start)
	rep.DurationMS = duration.Milliseconds()
	l.recorder.ObserveIteration(req.PRNumber, string(d.Action), errorCategory(outcome), duration)
	l.emitMetrics(rep, duration)
	l.archiveIteration(rep, sig, run, tasksDelta, start, duration)
	return rep, nil
}

// consultReviewer grades the no-progress streak before the review prompt
// goes out. A stop verdict ends the loop without burning another run; a
// continue verdict re-routes to the normal next-task prompt; redirect keeps
// the review prompt and carries the feedback into it.
func (l *Loop) consultReviewer(ctx context.Context, sig *signals, d engine.Decision) (*llm.ReviewResult, engine.Decision) {
	in := llm.ReviewInput{
		Criteria: checklistTexts(sig.pl),
		Rounds:   sig.prior.State.RoundsWithoutTaskCompletion,
	}
	base := sig.pr.BaseSHA
	if base == "" {
		base = sig.pr.BaseBranch
	}
	head := sig.pr.HeadSHA
	if head == "" {
		head = sig.pr.HeadBranch
	}
	if cmp, err := l.client.CompareCommits(ctx, base, head); err != nil {
		l.logger.Warn("Could not compare %s..%s for review: %v", base, shortSHA(head), err)
	} else if cmp != nil {
		for _, c := range cmp.Commits {
			in.Commits = append(in.Commits, subject(c.Message))
		}
		for _, f := range cmp.Files {
			in.Files = append(in.Files, f.Filename)
		}
	}

	res := l.reviewer.Review(ctx, in)
	l.logger.Info("🔍 Progress review on PR #%d: %s (score %.1f, %s)",
		sig.pr.Number, res.Recommendation, res.AlignmentScore, res.Trajectory)

	switch res.Recommendation {
	case llm.RecommendStop:
		d.Action = engine.ActionStop
	case llm.RecommendContinue:
		d.Action = engine.ActionRun
		route := prompts.Resolve(prompts.Request{
			Mode:     sig.cfg.PromptMode,
			Action:   string(d.Action),
			Reason:   d.Reason,
			File:     sig.cfg.PromptFile,
			Scenario: sig.cfg.PromptScenario,
		})
		d.PromptMode = string(route.Mode)
		d.PromptFile = route.File
	}
	return res, d
}

// buildPrompt renders the routed template with the iteration's context and
// appends reviewer guidance when a redirect carried feedback.
func (l *Loop) buildPrompt(sig *signals, d engine.Decision, review *llm.ReviewResult, elapsed time.Duration) (string, error) {
	data := &prompts.Data{
		Repo:                  l.client.RepoPath(),
		PRNumber:              sig.pr.Number,
		PRTitle:               sig.pr.Title,
		Branch:                sig.pr.HeadBranch,
		Iteration:             sig.prior.State.Iteration,
		MaxIterations:         sig.cfg.MaxIterations,
		TasksTotal:            sig.pl.Checkboxes.Total,
		TasksUnchecked:        sig.pl.Checkboxes.Unchecked,
		TaskList:              taskList(sig.pl),
		Acceptance:            acceptanceList(sig.pl),
		SourceAppendix:        sig.pl.SourceAppendix(),
		GateConclusion:        sig.gate.Conclusion,
		FailureReason:         gateFailureDetail(sig.gate),
		ConflictFiles:         sig.confl.Files,
		AttemptedTasks:        attemptedTexts(sig.prior.State.AttemptedTasks),
		RoundsWithoutProgress: sig.prior.State.RoundsWithoutTaskCompletion,
	}
	if sig.budget.InWarningBand(elapsed) {
		data.TimeoutWarning = fmt.Sprintf(
			"The workflow budget is %s used. Wrap up: commit what is done and keep the next change small.",
			sig.budget.Describe(elapsed))
	}

	prompt, err := l.renderer.Render(prompts.Route{Mode: prompts.Mode(d.PromptMode), File: d.PromptFile}, data)
	if err != nil {
		return "", err
	}
	if review != nil && review.Feedback != "" {
		prompt += "\n\n## Reviewer guidance\n\n" + review.Feedback + "\n"
	}
	return prompt, nil
}

// emitMetrics appends the NDJSON iteration line. Best-effort: a metrics
// failure never fails the iteration.
func (l *Loop) emitMetrics(rep *Report, duration time.Duration) {
	rec := metrics.IterationRecord{
		PRNumber:      rep.PRNumber,
		Iteration:     rep.State.Iteration,
		Timestamp:     l.now().UTC().Format(time.RFC3339),
		Action:        string(rep.Decision.Action),
		ErrorCategory: errorCategory(rep.Outcome),
		DurationMS:    duration.Milliseconds(),
		TasksTotal:    rep.Tally.Total,
		TasksComplete: rep.Tally.Checked,
	}
	if err := l.emitter.Append(rec); err != nil {
		l.logger.Warn("Metrics append failed: %v", err)
	}
}

// archiveIteration records the iteration row in the local archive,
// best-effort.
func (l *Loop) archiveIteration(rep *Report, sig *signals, run RunResult, tasksDelta int, start time.Time, duration time.Duration) {
	commits, files := 0, 0
	if rep.Reconcile != nil {
		commits = rep.Reconcile.Commits
		files = rep.Reconcile.FilesChanged
	}
	rec := persistence.IterationRecord{
		Trace:          rep.Trace,
		PRNumber:       rep.PRNumber,
		Iteration:      rep.State.Iteration,
		Agent:          engine.AgentName(engine.AgentLabel(sig.labels)),
		Action:         string(rep.Decision.Action),
		Reason:         rep.Decision.Reason,
		PromptMode:     rep.Decision.PromptMode,
		RunResult:      archiveRunResult(run),
		ErrorCategory:  errorCategory(rep.Outcome),
		GateConclusion: sig.gate.Conclusion,
		HeadSHA:        sig.pr.HeadSHA,
		TasksTotal:     rep.Tally.Total,
		TasksUnchecked: rep.Tally.Unchecked,
		TasksTicked:    tasksDelta,
		Commits:        commits,
		FilesChanged:   files,
		DurationMS:     duration.Milliseconds(),
		StartedAt:      start.UTC().Format(time.RFC3339),
	}
	if err := l.archive.RecordIteration(&rec); err != nil {
		l.logger.Warn("Iteration archive write failed: %v", err)
	}
}

// archiveRunResult maps the runner result onto the archive column, which
// only distinguishes ran-and-succeeded from ran-and-failed. Hand-offs and
// idle iterations store the empty string.
func archiveRunResult(run RunResult) string {
	switch run.Result {
	case engine.RunSuccess, engine.RunFailure:
		return run.Result
	}
	return ""
}

// errorCategory labels the iteration's failure for the metrics line.
// Transient outcomes keep their kind; a real agent failure is "failure".
func errorCategory(outcome *engine.RunOutcome) string {
	switch {
	case outcome == nil:
		return ""
	case outcome.Transient:
		return outcome.Kind
	case outcome.Result == engine.RunFailure:
		return "failure"
	}
	return ""
}

// timeoutPayload snapshots the budget into the state marker.
func timeoutPayload(budget config.TimeoutBudget, elapsed time.Duration) map[string]any {
	source := "default"
	if budget.Extended {
		source = "label"
	}
	ratio := 0.0
	if budget.Total > 0 {
		ratio = float64(elapsed) / float64(budget.Total)
		if ratio > 1 {
			ratio = 1
		}
	}
	return map[string]any{
		"resolved_minutes": int(budget.Total.Minutes()),
		"source":           source,
		"usage_ratio":      ratio,
		"warning":          budget.InWarningBand(elapsed),
	}
}

// taskList renders the unchecked checklist for the next-task prompt, tasks
// before acceptance criteria.
func taskList(pl *plan.Plan) string {
	var b strings.Builder
	writeUnchecked(&b, pl.Tasks)
	writeUnchecked(&b, pl.Acceptance)
	return strings.TrimRight(b.String(), "\n")
}

func writeUnchecked(b *strings.Builder, sec plan.Section) {
	for _, item := range sec.Items {
		if !item.Checked {
			b.WriteString("- [ ] " + item.Text + "\n")
		}
	}
}

// acceptanceList renders every acceptance criterion with its current state,
// for the verification prompt.
func acceptanceList(pl *plan.Plan) string {
	var b strings.Builder
	for _, item := range pl.Acceptance.Items {
		mark := " "
		if item.Checked {
			mark = "x"
		}
		b.WriteString("- [" + mark + "] " + item.Text + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func uncheckedTexts(pl *plan.Plan) []string {
	var out []string
	for _, sec := range []plan.Section{pl.Tasks, pl.Acceptance} {
		for _, item := range sec.Items {
			if !item.Checked {
				out = append(out, item.Text)
			}
		}
	}
	return out
}

// checklistTexts returns every checklist item, done or not; the reviewer
// grades alignment against the whole plan.
func checklistTexts(pl *plan.Plan) []string {
	var out []string
	for _, sec := range []plan.Section{pl.Tasks, pl.Acceptance} {
		for _, item := range sec.Items {
			out = append(out, item.Text)
		}
	}
	return out
}

func firstUnchecked(pl *plan.Plan) string {
	if texts := uncheckedTexts(pl); len(texts) > 0 {
		return texts[0]
	}
	return ""
}

func attemptedTexts(tasks []state.AttemptedTask) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Text)
	}
	return out
}

func gateFailureDetail(g engine.GateStatus) string {
	switch {
	case g.FailureKind == "":
		return ""
	case g.CheckName != "":
		return fmt.Sprintf("%s failure in check %q", g.FailureKind, g.CheckName)
	}
	return g.FailureKind + " failure"
}

func subject(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		return message[:i]
	}
	return message
}
