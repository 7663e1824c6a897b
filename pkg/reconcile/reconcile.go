// Package reconcile grades unchecked tasks against what the commit range
// actually changed and ticks the ones the evidence supports. Only
// high-confidence matches and tasks the reviewing model confirmed are ever
// checked off; everything else is reported and left alone.
package reconcile

import (
	"context"
	"fmt"

	"keepalive/pkg/forge"
	"keepalive/pkg/logx"
	"keepalive/pkg/plan"
)

// Inputs names the commit range and completion hints for one reconciliation.
// Empty SHAs fall back to the pull request's base and head.
type Inputs struct {
	PRNumber     int
	BaseSHA      string
	HeadSHA      string
	LLMCompleted []string
}

// Result reports what reconciliation decided and did.
type Result struct {
	Matches      []TaskMatch `json:"matches"`
	Ticked       []string    `json:"ticked,omitempty"`
	NotFound     []string    `json:"not_found,omitempty"`
	Commits      int         `json:"commits"`
	FilesChanged int         `json:"files_changed"`
	BodyUpdated  bool        `json:"body_updated"`
}

// Analyzer reconciles the task checklist with the commit evidence.
type Analyzer struct {
	client forge.Client
	logger *logx.Logger
}

func NewAnalyzer(client forge.Client) *Analyzer {
	return &Analyzer{
		client: client,
		logger: logx.NewLogger("reconcile"),
	}
}

// Reconcile grades every unchecked task and checks off the confident ones in
// the pull-request body. The body is rewritten only when at least one
// checkbox pattern fired; a miss is reported, never guessed around.
func (a *Analyzer) Reconcile(ctx context.Context, in Inputs) (*Result, error) {
	pr, err := a.client.GetPR(ctx, in.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load PR #%d for reconciliation: %w", in.PRNumber, err)
	}

	ev, err := a.collect(ctx, pr, in)
	if err != nil {
		return nil, err
	}

	tasks := uncheckedTasks(plan.Parse(pr.Body))
	grader := NewGrader(*ev)
	res := &Result{
		Matches:      grader.GradeAll(tasks),
		Commits:      len(ev.Commits),
		FilesChanged: len(ev.Files),
	}

	candidates := tickCandidates(res.Matches, in.LLMCompleted)
	if len(candidates) == 0 {
		return res, nil
	}

	newBody, ticked, missing := TickTasks(pr.Body, candidates)
	res.Ticked = ticked
	res.NotFound = missing
	if len(missing) > 0 {
		a.logger.Warn("Checkbox patterns not found in body for %d task(s) on PR #%d", len(missing), in.PRNumber)
	}
	if len(ticked) == 0 {
		return res, nil
	}

	if err := a.client.UpdatePRBody(ctx, in.PRNumber, newBody); err != nil {
		return nil, fmt.Errorf("failed to update PR #%d body after reconciliation: %w", in.PRNumber, err)
	}
	res.BodyUpdated = true
	a.logger.Info("☑️ Reconciled %d task(s) on PR #%d from %d commit(s)", len(ticked), in.PRNumber, res.Commits)
	return res, nil
}

// collect gathers the commit-range evidence. An empty comparison falls back
// to the PR file listing, which survives force pushes.
func (a *Analyzer) collect(ctx context.Context, pr *forge.PullRequest, in Inputs) (*Evidence, error) {
	base, head := in.BaseSHA, in.HeadSHA
	if base == "" {
		base = pr.BaseSHA
	}
	if head == "" {
		head = pr.HeadSHA
	}

	ev := &Evidence{BaseSHA: base, HeadSHA: head, Title: pr.Title, Branch: pr.HeadBranch}
	cmp, err := a.client.CompareCommits(ctx, base, head)
	if err != nil {
		return nil, fmt.Errorf("failed to compare %s..%s: %w", shortSHA(base), shortSHA(head), err)
	}
	ev.Commits = cmp.Commits
	ev.Files = cmp.Files

	if len(ev.Files) == 0 {
		if files, listErr := a.client.ListPRFiles(ctx, in.PRNumber); listErr == nil {
			ev.Files = files
		} else {
			a.logger.Warn("Failed to list PR files for #%d: %v", in.PRNumber, listErr)
		}
	}
	return ev, nil
}

// tickCandidates orders the tasks to check off: model-confirmed completions
// first, then commit-derived high-confidence matches, deduplicated.
func tickCandidates(matches []TaskMatch, llmCompleted []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(text string) {
		key := NormalizeTaskKey(text)
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, text)
	}
	for _, task := range llmCompleted {
		add(task)
	}
	for _, m := range matches {
		if m.Grade == GradeHigh {
			add(m.Task)
		}
	}
	return out
}

func uncheckedTasks(pl *plan.Plan) []string {
	var out []string
	for _, item := range pl.Tasks.Items {
		if !item.Checked {
			out = append(out, item.Text)
		}
	}
	return out
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
