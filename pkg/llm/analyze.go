package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	analysisTemperature = 0.1
	completionMaxTokens = 1024
	// Session output beyond this many bytes is cut so the prompt stays
	// inside the smallest provider's context window.
	analysisOutputLimit = 8000
)

// CompletionAnalysis is the verdict on which checklist tasks the session
// output shows finished, started, or stuck.
type CompletionAnalysis struct {
	Completed  []string `json:"completed"`
	InProgress []string `json:"in_progress"`
	Blocked    []string `json:"blocked"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Provider   string   `json:"provider,omitempty"`
}

const analysisPromptTmpl = `Analyze this coding agent session output and determine which tasks were completed.

## Tasks to Track
%s

## Session Output
%s

## Instructions
For each task, decide whether it was COMPLETED, IN_PROGRESS, BLOCKED, or
NOT_STARTED. Base the verdict on concrete evidence: files created or edited,
passing test runs, command output showing finished work, or a direct
statement of completion. If the output is short or vague, lower your
confidence accordingly.

Respond with JSON only:
{
  "completed": ["task text", ...],
  "in_progress": ["task text", ...],
  "blocked": ["task text", ...],
  "confidence": 0.85,
  "reasoning": "one or two sentences citing the evidence"
}

Only list a task when you have evidence for it. Be conservative: when unsure,
do not mark it completed.`

// AnalyzeCompletion maps agent session output to task completion status.
// Provider failures, including unparseable replies, fall through the chain;
// when every provider fails the keyword heuristic answers, so there is
// always a verdict.
func (c *Chain) AnalyzeCompletion(ctx context.Context, output string, tasks []string) *CompletionAnalysis {
	if len(tasks) == 0 {
		return &CompletionAnalysis{
			Confidence: 1,
			Reasoning:  "no unchecked tasks to analyze",
			Provider:   "none",
		}
	}

	prompt := analysisPrompt(output, tasks)
	var lastErr error
	for _, p := range c.providers {
		if !p.Available() {
			c.logger.Debug("Provider %s not available, skipping", p.Name())
			continue
		}
		text, err := p.Complete(ctx, prompt)
		if err == nil {
			analysis, perr := parseAnalysis(text)
			if perr == nil {
				analysis.Provider = p.Name()
				c.logger.Info("🧠 Completion analysis by %s: %d completed, confidence %.2f",
					p.Name(), len(analysis.Completed), analysis.Confidence)
				return analysis
			}
			err = perr
		}
		c.logger.Warn("Provider %s failed: %v", p.Name(), err)
		lastErr = err
	}

	if lastErr != nil {
		c.logger.Warn("All providers failed, using keyword heuristic: %v", lastErr)
	}
	return heuristicAnalysis(output, tasks)
}

func analysisPrompt(output string, tasks []string) string {
	var list strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&list, "- [ ] %s\n", t)
	}
	if len(output) > analysisOutputLimit {
		cut := analysisOutputLimit
		for cut > 0 && !utf8.RuneStart(output[cut]) {
			cut--
		}
		output = output[:cut]
	}
	return fmt.Sprintf(analysisPromptTmpl, strings.TrimRight(list.String(), "\n"), output)
}

func parseAnalysis(content string) (*CompletionAnalysis, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var a CompletionAnalysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("malformed analysis JSON: %w", err)
	}
	a.Confidence = clamp01(a.Confidence)
	return &a, nil
}

// extractJSON pulls the outermost JSON object out of a reply that may wrap
// it in prose or a code fence.
func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in response")
	}
	return []byte(content[start : end+1]), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Keyword sets for the last-resort analysis. Matching is deliberately
// crude: a task counts only when one of its longer words appears in the
// output alongside a matching signal phrase.
var (
	completionSignals = []string{"completed", "finished", "done", "fixed", "✓", "[x]"}
	progressSignals   = []string{"working on", "started", "implementing", "in progress"}
	blockerSignals    = []string{"blocked", "stuck", "failed", "error", "cannot"}
)

func heuristicAnalysis(output string, tasks []string) *CompletionAnalysis {
	lower := strings.ToLower(output)
	a := &CompletionAnalysis{
		Confidence: 0.3,
		Reasoning:  "keyword heuristic, no language model reachable",
		Provider:   "heuristic",
	}
	for _, task := range tasks {
		if !taskMentioned(lower, task) {
			continue
		}
		switch {
		case containsAny(lower, completionSignals):
			a.Completed = append(a.Completed, task)
		case containsAny(lower, blockerSignals):
			a.Blocked = append(a.Blocked, task)
		case containsAny(lower, progressSignals):
			a.InProgress = append(a.InProgress, task)
		}
	}
	return a
}

func taskMentioned(lowerOutput, task string) bool {
	for _, word := range strings.Fields(strings.ToLower(task)) {
		if len(word) > 3 && strings.Contains(lowerOutput, word) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
