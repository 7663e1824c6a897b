// Package config resolves loop configuration from the pull-request body's
// delimited config block, environment variables, and defaults, and manages
// the encrypted secrets file.
package config

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Default thresholds for the decision engine.
const (
	DefaultMaxIterations                = 5
	DefaultFailureThreshold             = 3
	DefaultProgressReviewThreshold      = 4
	DefaultCompleteGateFailureRoundsMax = 2
)

// LoopConfig is the per-PR configuration carried in the body's config block.
// All keys are optional; missing keys keep their defaults.
type LoopConfig struct {
	KeepaliveEnabled             bool   `json:"keepalive_enabled"`
	AutofixEnabled               bool   `json:"autofix_enabled"`
	Iteration                    int    `json:"iteration"`
	MaxIterations                int    `json:"max_iterations"`
	FailureThreshold             int    `json:"failure_threshold"`
	ProgressReviewThreshold      int    `json:"progress_review_threshold"`
	CompleteGateFailureRoundsMax int    `json:"complete_gate_failure_rounds_max"`
	Trace                        string `json:"trace"`
	PromptMode                   string `json:"prompt_mode"`
	PromptFile                   string `json:"prompt_file"`
	PromptScenario               string `json:"prompt_scenario"`
}

// Defaults returns a LoopConfig with every threshold at its default and the
// loop enabled.
func Defaults() LoopConfig {
	return LoopConfig{
		KeepaliveEnabled:             true,
		AutofixEnabled:               true,
		MaxIterations:                DefaultMaxIterations,
		FailureThreshold:             DefaultFailureThreshold,
		ProgressReviewThreshold:      DefaultProgressReviewThreshold,
		CompleteGateFailureRoundsMax: DefaultCompleteGateFailureRoundsMax,
	}
}

// Config block delimiters. The codex-config forms are the historical spelling;
// both are accepted on read, keepalive-config is what we write.
var (
	blockRe  = regexp.MustCompile(`(?s)<!--\s*(?:keepalive|codex)-config:start\s*-->(.*?)<!--\s*(?:keepalive|codex)-config:end\s*-->`)
	inlineRe = regexp.MustCompile(`<!--\s*(?:keepalive|codex)-config:\s*(\{.*?\})\s*-->`)
	fenceRe  = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")
)

// ParseBody extracts the config block from a PR body and applies it over the
// defaults. A missing or unparseable block returns plain defaults: a broken
// config never disables the loop by accident.
func ParseBody(body string) LoopConfig {
	cfg := Defaults()
	raw, ok := extractBlock(body)
	if !ok {
		return cfg
	}
	Apply(&cfg, parseValues(raw))
	return cfg
}

// HasConfigBlock reports whether the body carries any recognized config block.
func HasConfigBlock(body string) bool {
	_, ok := extractBlock(body)
	return ok
}

// extractBlock returns the config block content: delimited form first, then
// the single-line form.
func extractBlock(body string) (string, bool) {
	if m := blockRe.FindStringSubmatch(body); m != nil {
		content := fenceRe.ReplaceAllString(m[1], "")
		return strings.TrimSpace(content), true
	}
	if m := inlineRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// parseValues reads the block as JSON, falling back to key: value lines with
// scalar coercion.
func parseValues(raw string) map[string]any {
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err == nil {
		return values
	}

	values = make(map[string]any)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.Trim(strings.TrimSpace(key), `"'`)
		if key == "" {
			continue
		}
		values[key] = coerceScalar(strings.TrimSuffix(strings.TrimSpace(value), ","))
	}
	return values
}

// coerceScalar turns a raw string into bool, number, or trimmed string.
func coerceScalar(raw string) any {
	raw = strings.Trim(raw, `"'`)
	switch strings.ToLower(raw) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// Apply overlays parsed values onto cfg. Unknown keys are ignored; wrongly
// typed values keep the existing setting.
func Apply(cfg *LoopConfig, values map[string]any) {
	for key, value := range values {
		switch key {
		case "keepalive_enabled":
			cfg.KeepaliveEnabled = asBool(value, cfg.KeepaliveEnabled)
		case "autofix_enabled":
			cfg.AutofixEnabled = asBool(value, cfg.AutofixEnabled)
		case "iteration":
			cfg.Iteration = asInt(value, cfg.Iteration)
		case "max_iterations":
			cfg.MaxIterations = asInt(value, cfg.MaxIterations)
		case "failure_threshold":
			cfg.FailureThreshold = asInt(value, cfg.FailureThreshold)
		case "progress_review_threshold":
			cfg.ProgressReviewThreshold = asInt(value, cfg.ProgressReviewThreshold)
		case "complete_gate_failure_rounds_max":
			cfg.CompleteGateFailureRoundsMax = asInt(value, cfg.CompleteGateFailureRoundsMax)
		case "trace":
			cfg.Trace = asString(value, cfg.Trace)
		case "prompt_mode":
			cfg.PromptMode = asString(value, cfg.PromptMode)
		case "prompt_file":
			cfg.PromptFile = asString(value, cfg.PromptFile)
		case "prompt_scenario":
			cfg.PromptScenario = asString(value, cfg.PromptScenario)
		}
	}
}

func asBool(value any, fallback bool) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if b, ok := coerceScalar(v).(bool); ok {
			return b
		}
	}
	return fallback
}

func asInt(value any, fallback int) int {
	switch v := value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func asString(value any, fallback string) string {
	if s, ok := value.(string); ok && s != "" {
		return s
	}
	return fallback
}
