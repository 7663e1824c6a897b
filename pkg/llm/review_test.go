package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepalive/pkg/testkit"
)

func TestFilterBookkeeping(t *testing.T) {
	files := []string{
		"pkg/loop/loop.go",
		"claude-prompt-3.md",
		"agents/codex-7.md",
		".agents/state.json",
		"work/autofix-lint.patch",
		"autofix-metrics.ndjson",
		"autofix-report-pr-12",
		"docs/usage.md",
	}

	assert.Equal(t, []string{"pkg/loop/loop.go", "docs/usage.md"}, FilterBookkeeping(files))
}

func TestReviewStopsWhenOnlyBookkeepingChanged(t *testing.T) {
	r := NewReviewer(NewChain())

	res := r.Review(context.Background(), ReviewInput{
		Criteria: []string{"Implement retry budget accounting"},
		Commits:  []string{"checkpoint"},
		Files:    []string{"claude-output-4.md", "work/autofix-lint.patch"},
		Rounds:   3,
	})

	assert.Equal(t, RecommendStop, res.Recommendation)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, TrajectoryDiverging, res.Trajectory)
	assert.Contains(t, res.Summary, "bookkeeping")
	assert.Contains(t, res.Summary, "human intervention is required")
	assert.Len(t, res.Analysis.BlockingIssues, 2)
	assert.False(t, res.UsedLLM)
}

func TestReviewStopsWhenNothingChanged(t *testing.T) {
	r := NewReviewer(NewChain())

	res := r.Review(context.Background(), ReviewInput{
		Criteria: []string{"Implement retry budget accounting"},
		Rounds:   2,
	})

	assert.Equal(t, RecommendStop, res.Recommendation)
	assert.Contains(t, res.Summary, "infrastructure")
	assert.Contains(t, res.Feedback, "Human intervention")
}

func TestReviewContinuesWhenAligned(t *testing.T) {
	r := NewReviewer(NewChain())

	res := r.Review(context.Background(), ReviewInput{
		Criteria: []string{"Implement retry budget accounting"},
		Commits:  []string{"add retry budget", "retry accounting tests"},
		Files:    []string{"pkg/retry/budget.go"},
		Rounds:   3,
	})

	assert.Equal(t, RecommendContinue, res.Recommendation)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, 10.0, res.AlignmentScore)
	assert.Equal(t, TrajectoryAdvancing, res.Trajectory)
	assert.Len(t, res.Analysis.PrepWork, 2)
	assert.False(t, res.UsedLLM, "a decisive score settles without consulting a provider")
}

func TestReviewStopsAfterLongDrift(t *testing.T) {
	r := NewReviewer(NewChain())

	res := r.Review(context.Background(), ReviewInput{
		Criteria: []string{"Implement retry budget accounting"},
		Commits:  []string{"polish website styling", "tweak colors"},
		Files:    []string{"web/styles.css"},
		Rounds:   10,
	})

	assert.Equal(t, RecommendStop, res.Recommendation)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, 0.0, res.AlignmentScore)
	assert.Equal(t, []string{"polish website styling", "tweak colors"}, res.Analysis.ScopeDrift)
}

func TestReviewAmbiguousFallsBackWithoutProviders(t *testing.T) {
	r := NewReviewer(NewChain())

	res := r.Review(context.Background(), ReviewInput{
		Criteria: []string{"Implement retry budget accounting"},
		Commits:  []string{"add tests", "polish website styling"},
		Files:    []string{"pkg/retry/budget.go"},
		Rounds:   5,
	})

	assert.Equal(t, RecommendRedirect, res.Recommendation)
	assert.Equal(t, 0.5, res.Confidence)
	assert.Equal(t, 5.0, res.AlignmentScore)
	assert.Equal(t, TrajectoryPlateau, res.Trajectory)
	assert.Contains(t, res.Summary, "1/2 commits appear aligned")
	assert.Equal(t, "no providers available", res.Error)
	assert.False(t, res.UsedLLM)
}

func TestReviewConsultsChainWhenAmbiguous(t *testing.T) {
	var prompt string
	srv := testkit.MockChatServer(func(p string) string {
		prompt = p
		return `{"recommendation": "redirect", "confidence": 0.85, "alignment_score": 4,
			"trajectory": "Plateau",
			"analysis": {"scope_drift_identified": ["website styling"], "estimated_rounds_to_completion": 2},
			"feedback_for_agent": "Focus on the retry budget.",
			"summary": "half the work is off scope"}`
	})
	defer srv.Close()

	p := NewOpenAIProvider("key")
	p.BaseURL = srv.URL
	r := NewReviewer(NewChain(p))

	res := r.Review(context.Background(), ReviewInput{
		Criteria: []string{"Implement retry budget accounting"},
		Commits:  []string{"add tests", "polish website styling"},
		Files:    []string{"pkg/retry/budget.go"},
		Rounds:   5,
	})

	assert.Equal(t, RecommendRedirect, res.Recommendation, "verdict casing is normalized")
	assert.Equal(t, TrajectoryPlateau, res.Trajectory)
	assert.Equal(t, 0.85, res.Confidence)
	assert.Equal(t, 4.0, res.AlignmentScore)
	require.NotNil(t, res.Analysis.RoundsToFinish)
	assert.Equal(t, 2, *res.Analysis.RoundsToFinish)
	assert.Equal(t, "Focus on the retry budget.", res.Feedback)
	assert.True(t, res.UsedLLM)
	assert.Equal(t, "openai", res.Provider)

	assert.Contains(t, prompt, "5 consecutive rounds")
	assert.Contains(t, prompt, "Implement retry budget accounting")
	assert.Contains(t, prompt, "pkg/retry/budget.go")
}

func TestReviewParseFailureYieldsRedirect(t *testing.T) {
	srv := testkit.MockChatServer(func(string) string { return "cannot help with that" })
	defer srv.Close()

	p := NewOpenAIProvider("key")
	p.BaseURL = srv.URL
	r := NewReviewer(NewChain(p))

	res := r.Review(context.Background(), ReviewInput{
		Criteria: []string{"Implement retry budget accounting"},
		Commits:  []string{"add tests", "polish website styling"},
		Files:    []string{"pkg/retry/budget.go"},
		Rounds:   5,
	})

	assert.Equal(t, RecommendRedirect, res.Recommendation)
	assert.Equal(t, 0.3, res.Confidence)
	assert.Equal(t, 5.0, res.AlignmentScore)
	assert.Equal(t, "model reply could not be parsed", res.Summary)
	assert.True(t, res.UsedLLM)
	assert.NotEmpty(t, res.Error)
}

func TestReviewFirstRoundWithoutFilesContinues(t *testing.T) {
	r := NewReviewer(NewChain())

	res := r.Review(context.Background(), ReviewInput{
		Criteria: []string{"Implement retry budget accounting"},
		Commits:  []string{"add retry budget"},
		Rounds:   1,
	})

	assert.Equal(t, RecommendContinue, res.Recommendation, "one quiet round is not yet a stall")
}

func TestHeuristicAlignmentSnakeCase(t *testing.T) {
	score, aligned, unaligned := HeuristicAlignment(
		[]string{"render_chart_png output matches baseline"},
		[]string{"Render chart PNG for weekly report", "update dashboard theme"},
	)

	assert.Equal(t, 5.0, score)
	assert.Equal(t, []string{"Render chart PNG for weekly report"}, aligned)
	assert.Equal(t, []string{"update dashboard theme"}, unaligned)
}

func TestHeuristicAlignmentInfraCommitNeedsLowNoise(t *testing.T) {
	score, aligned, unaligned := HeuristicAlignment(
		[]string{"Implement retry budget accounting"},
		[]string{"add tests", "add tests for the frobnicator dashboard gadget"},
	)

	assert.Equal(t, 5.0, score)
	assert.Equal(t, []string{"add tests"}, aligned, "a quiet infrastructure commit counts as prep work")
	assert.Len(t, unaligned, 1, "infrastructure words plus a pile of unrelated ones reads as drift")
}

func TestHeuristicAlignmentConventionalPrefix(t *testing.T) {
	score, aligned, _ := HeuristicAlignment(
		[]string{"Implement retry budget accounting"},
		[]string{"chore: fix lint formatting"},
	)

	assert.Equal(t, 10.0, score)
	assert.Len(t, aligned, 1)
}

func TestHeuristicAlignmentNoCommits(t *testing.T) {
	score, aligned, unaligned := HeuristicAlignment([]string{"anything"}, nil)

	assert.Zero(t, score)
	assert.Nil(t, aligned)
	assert.Nil(t, unaligned)
}
