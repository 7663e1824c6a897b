package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"keepalive/pkg/logx"
)

// Progress review verdicts.
const (
	RecommendContinue = "CONTINUE"
	RecommendRedirect = "REDIRECT"
	RecommendStop     = "STOP"

	TrajectoryAdvancing = "advancing"
	TrajectoryPlateau   = "plateau"
	TrajectoryDiverging = "diverging"
)

// ReviewInput describes the work under review: what the agent should be
// doing, what it has been doing, and for how long nothing got checked off.
type ReviewInput struct {
	Criteria []string
	Commits  []string
	Files    []string
	Rounds   int
}

// ReviewAnalysis breaks the verdict down for the summary comment.
type ReviewAnalysis struct {
	PrepWork       []string `json:"prep_work_identified,omitempty"`
	ScopeDrift     []string `json:"scope_drift_identified,omitempty"`
	RoundsToFinish *int     `json:"estimated_rounds_to_completion,omitempty"`
	BlockingIssues []string `json:"blocking_issues,omitempty"`
}

// ReviewResult is the progress verdict: whether the agent's recent work is
// advancing toward the acceptance criteria even though no checkbox moved.
type ReviewResult struct {
	Recommendation string         `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	AlignmentScore float64        `json:"alignment_score"`
	Trajectory     string         `json:"trajectory"`
	Analysis       ReviewAnalysis `json:"analysis"`
	Feedback       string         `json:"feedback_for_agent"`
	Summary        string         `json:"summary"`
	UsedLLM        bool           `json:"used_llm"`
	Provider       string         `json:"provider_used,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Reviewer distinguishes legitimate prep work from scope drift and stalls.
// Decisive cases are settled locally by the alignment heuristic; ambiguous
// ones consult the provider chain.
type Reviewer struct {
	chain  *Chain
	logger *logx.Logger
}

func NewReviewer(chain *Chain) *Reviewer {
	return &Reviewer{chain: chain, logger: logx.NewLogger("review")}
}

// Review evaluates the agent's recent rounds. It always returns a result.
func (r *Reviewer) Review(ctx context.Context, in ReviewInput) *ReviewResult {
	files := FilterBookkeeping(in.Files)
	bookkeepingOnly := len(in.Files) > 0 && len(files) == 0

	if len(files) == 0 && in.Rounds >= 2 {
		return stalledResult(in.Rounds, bookkeepingOnly)
	}

	score, aligned, unaligned := HeuristicAlignment(in.Criteria, in.Commits)

	if score >= 8 && in.Rounds < 12 {
		return &ReviewResult{
			Recommendation: RecommendContinue,
			Confidence:     0.7,
			AlignmentScore: score,
			Trajectory:     TrajectoryAdvancing,
			Analysis:       ReviewAnalysis{PrepWork: firstN(aligned, 5), ScopeDrift: firstN(unaligned, 3)},
			Feedback:       "Work appears aligned. Continue toward task completion.",
			Summary:        fmt.Sprintf("Heuristic: %d/%d commits aligned with the acceptance criteria", len(aligned), len(in.Commits)),
		}
	}

	if score <= 2 && in.Rounds >= 10 {
		return &ReviewResult{
			Recommendation: RecommendStop,
			Confidence:     0.7,
			AlignmentScore: score,
			Trajectory:     TrajectoryDiverging,
			Analysis:       ReviewAnalysis{PrepWork: firstN(aligned, 3), ScopeDrift: firstN(unaligned, 5)},
			Feedback:       "Recent work appears unrelated to the acceptance criteria.",
			Summary:        fmt.Sprintf("Heuristic: only %d/%d commits aligned with the acceptance criteria", len(aligned), len(in.Commits)),
		}
	}

	prompt := reviewPrompt(in.Criteria, in.Commits, files, in.Rounds)
	text, provider, err := r.chain.Complete(ctx, prompt)
	if err != nil {
		r.logger.Warn("Progress review falling back to heuristic: %v", err)
		return heuristicReview(score, aligned, unaligned, len(in.Commits), err)
	}

	res, perr := parseReview(text)
	if perr != nil {
		r.logger.Warn("Progress review reply from %s unparseable: %v", provider, perr)
		return &ReviewResult{
			Recommendation: RecommendRedirect,
			Confidence:     0.3,
			AlignmentScore: 5,
			Trajectory:     TrajectoryPlateau,
			Feedback:       "Unable to analyze progress. Review the acceptance criteria before continuing.",
			Summary:        "model reply could not be parsed",
			UsedLLM:        true,
			Provider:       provider,
			Error:          perr.Error(),
		}
	}

	res.UsedLLM = true
	res.Provider = provider
	r.logger.Info("🔍 Progress review by %s: %s (alignment %.1f)", provider, res.Recommendation, res.AlignmentScore)
	return res
}

func stalledResult(rounds int, bookkeepingOnly bool) *ReviewResult {
	var summary, feedback string
	var blocking []string
	if bookkeepingOnly {
		summary = "Only bookkeeping artifacts were touched, so the agent produced no source changes."
		blocking = []string{
			fmt.Sprintf("Only orchestrator bookkeeping changed despite %d consecutive rounds without completion", rounds),
			"Agent output is not reaching source files",
		}
		feedback = fmt.Sprintf("The last %d rounds only produced prompts, outputs, and patches "+
			"without touching any source files. Investigate why the agent keeps re-emitting "+
			"bookkeeping instead of code changes.", rounds)
	} else {
		summary = "Zero source files changed in the latest round, likely an infrastructure or auth issue."
		blocking = []string{
			fmt.Sprintf("Zero source files changed after %d consecutive rounds without task completion", rounds),
			"Likely infrastructure failure: auth, permissions, or sandbox",
		}
		feedback = fmt.Sprintf("The latest round produced no source changes after %d rounds "+
			"without task completion. This usually means authentication, permissions, or "+
			"sandbox trouble. Human intervention is required.", rounds)
	}
	return &ReviewResult{
		Recommendation: RecommendStop,
		Confidence:     0.9,
		AlignmentScore: 0,
		Trajectory:     TrajectoryDiverging,
		Analysis:       ReviewAnalysis{BlockingIssues: blocking},
		Feedback:       feedback,
		Summary:        fmt.Sprintf("%s After %d rounds without task completion, human intervention is required.", summary, rounds),
	}
}

func heuristicReview(score float64, aligned, unaligned []string, total int, cause error) *ReviewResult {
	rec, traj := RecommendStop, TrajectoryDiverging
	switch {
	case score >= 6:
		rec, traj = RecommendContinue, TrajectoryAdvancing
	case score >= 3:
		rec, traj = RecommendRedirect, TrajectoryPlateau
	}
	return &ReviewResult{
		Recommendation: rec,
		Confidence:     0.5,
		AlignmentScore: score,
		Trajectory:     traj,
		Analysis:       ReviewAnalysis{PrepWork: firstN(aligned, 5), ScopeDrift: firstN(unaligned, 5)},
		Feedback:       "Review your recent work against the acceptance criteria.",
		Summary:        fmt.Sprintf("Heuristic review: %d/%d commits appear aligned", len(aligned), total),
		Error:          cause.Error(),
	}
}

const reviewPromptTmpl = `You are evaluating whether an automated coding agent is making meaningful
progress toward its acceptance criteria.

## Context
The agent has worked for %d consecutive rounds without completing a task
checkbox, while file changes show ongoing activity. Decide whether this is
legitimate prep work that will enable completion soon, scope drift onto
tangential improvements, or stalled work.

## Acceptance Criteria (what the agent SHOULD be working toward)
%s

## Recent Commit Messages (what the agent HAS been doing)
%s

## Files Changed Recently
%s

Respond with JSON only:
{
  "recommendation": "CONTINUE | REDIRECT | STOP",
  "confidence": 0.0-1.0,
  "alignment_score": 0-10,
  "trajectory": "advancing | plateau | diverging",
  "analysis": {
    "prep_work_identified": ["legitimate prep work items"],
    "scope_drift_identified": ["off-scope work items"],
    "estimated_rounds_to_completion": null,
    "blocking_issues": ["issues preventing progress"]
  },
  "feedback_for_agent": "specific guidance if the agent needs redirecting",
  "summary": "brief explanation of the recommendation"
}

Guidelines: CONTINUE when alignment >= 6 with a clear path to the criteria,
REDIRECT when some work is relevant but the agent needs course correction,
STOP when there is no visible path to the criteria or the time spent is
excessive.`

func reviewPrompt(criteria, commits, files []string, rounds int) string {
	return fmt.Sprintf(reviewPromptTmpl,
		rounds,
		bulletList(criteria, "No criteria provided"),
		bulletList(lastN(commits, 20), "No commits"),
		bulletList(lastN(files, 30), "No files"),
	)
}

func parseReview(content string) (*ReviewResult, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var res ReviewResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("malformed review JSON: %w", err)
	}

	res.Recommendation = strings.ToUpper(strings.TrimSpace(res.Recommendation))
	switch res.Recommendation {
	case RecommendContinue, RecommendRedirect, RecommendStop:
	default:
		res.Recommendation = RecommendRedirect
	}

	res.Trajectory = strings.ToLower(strings.TrimSpace(res.Trajectory))
	switch res.Trajectory {
	case TrajectoryAdvancing, TrajectoryPlateau, TrajectoryDiverging:
	default:
		res.Trajectory = TrajectoryPlateau
	}

	res.Confidence = clamp01(res.Confidence)
	if res.AlignmentScore < 0 {
		res.AlignmentScore = 0
	}
	if res.AlignmentScore > 10 {
		res.AlignmentScore = 10
	}
	return &res, nil
}

// Orchestrator bookkeeping files are written by the loop, not the coding
// agent, and must not count as agent work or inflate alignment.
var bookkeepingRe = regexp.MustCompile(`(?:^|/)(?:` +
	`(?:claude|codex|copilot|gemini|aider)-(?:prompt|output)-\d+\.md` +
	`|(?:claude|codex|copilot|gemini|aider)-(?:session|analysis)-\d+\.jsonl?` +
	`|\.agents/` +
	`|agents/(?:claude|codex|copilot|gemini|aider)-\d+\.md` +
	`|autofix-[^/]+\.patch$` +
	`|autofix-metrics\.ndjson$` +
	`|autofix-report-pr-\d+$` +
	`)`)

// FilterBookkeeping drops loop-generated artifacts from a changed-file list.
func FilterBookkeeping(files []string) []string {
	var out []string
	for _, f := range files {
		if !bookkeepingRe.MatchString(f) {
			out = append(out, f)
		}
	}
	return out
}

var (
	criteriaTokenRe = regexp.MustCompile(`\b[a-z0-9_]{4,}\b`)
	commitTokenRe   = regexp.MustCompile(`\b[a-z0-9_]{3,}\b`)
)

// Short tokens that carry meaning when split out of snake_case identifiers.
// Kept small so generic three-letter words cannot inflate alignment.
var shortTokenAllowlist = map[string]struct{}{
	"png": {}, "pdf": {}, "csv": {}, "json": {}, "yaml": {}, "yml": {},
}

// Infrastructure words mark supporting work. Alone they count as aligned
// only when the commit carries little else, because "refactor cleanup" is
// fine while "refactor the frobnicator dashboard" is probably drift.
var infraWords = map[string]struct{}{
	"test": {}, "tests": {}, "testing": {}, "fixture": {}, "mock": {}, "stub": {},
	"util": {}, "utils": {}, "utility": {}, "helper": {}, "helpers": {},
	"config": {}, "configuration": {}, "setup": {}, "init": {},
	"dependency": {}, "dependencies": {}, "requirements": {},
	"refactor": {}, "cleanup": {}, "lint": {}, "format": {}, "formatting": {},
	"type": {}, "types": {}, "typing": {}, "annotation": {}, "annotations": {},
	"doc": {}, "docs": {}, "documentation": {}, "docstring": {},
}

var genericPrefixes = map[string]struct{}{
	"fix": {}, "feat": {}, "chore": {}, "refactor": {}, "style": {}, "perf": {},
}

// HeuristicAlignment scores how many recent commits relate to the
// acceptance criteria, 0 to 10. Criteria keywords include snake_case parts
// so a criterion naming render_chart_png recognises a "render chart PNG"
// commit.
func HeuristicAlignment(criteria, commits []string) (float64, []string, []string) {
	keywords := make(map[string]struct{})
	for _, criterion := range criteria {
		for _, word := range criteriaTokenRe.FindAllString(strings.ToLower(criterion), -1) {
			keywords[word] = struct{}{}
			if !strings.Contains(word, "_") {
				continue
			}
			for _, part := range strings.Split(word, "_") {
				if len(part) >= 4 {
					keywords[part] = struct{}{}
					continue
				}
				if _, ok := shortTokenAllowlist[part]; ok {
					keywords[part] = struct{}{}
				}
			}
		}
	}

	var aligned, unaligned []string
	for _, commit := range commits {
		words := make(map[string]struct{})
		for _, w := range commitTokenRe.FindAllString(strings.ToLower(commit), -1) {
			words[w] = struct{}{}
		}

		criteriaHit, infraHit, offTopic := false, false, 0
		for w := range words {
			if _, ok := keywords[w]; ok {
				criteriaHit = true
			}
			if _, ok := infraWords[w]; ok {
				infraHit = true
				continue
			}
			if _, ok := genericPrefixes[w]; ok {
				continue
			}
			offTopic++
		}

		switch {
		case criteriaHit:
			aligned = append(aligned, commit)
		case infraHit && offTopic <= 2:
			aligned = append(aligned, commit)
		default:
			unaligned = append(unaligned, commit)
		}
	}

	if len(commits) == 0 {
		return 0, nil, nil
	}
	return 10 * float64(len(aligned)) / float64(len(commits)), aligned, unaligned
}

func bulletList(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
