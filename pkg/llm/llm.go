// Package llm analyses agent session output with a chain of language-model
// providers. The chain walks GitHub Models, OpenAI, Anthropic, Gemini, and a
// local Ollama in order, skipping providers without credentials and falling
// through on errors; a keyword heuristic answers when every provider fails,
// so callers always get a verdict.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"keepalive/pkg/logx"
	"keepalive/pkg/metrics"
)

// Environment variables the chain reads.
const (
	EnvProviders    = "KEEPALIVE_LLM_PROVIDERS"
	EnvGitHubToken  = "GITHUB_TOKEN"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvOllamaHost   = "OLLAMA_HOST"
)

// Provider is one completion backend in the chain.
type Provider interface {
	Name() string
	// Available reports whether the provider has credentials to call.
	Available() bool
	Complete(ctx context.Context, prompt string) (string, error)
}

// Chain tries providers in order until one answers.
type Chain struct {
	providers []Provider
	logger    *logx.Logger
	recorder  metrics.Recorder
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{
		providers: providers,
		logger:    logx.NewLogger("llm"),
		recorder:  metrics.Nop(),
	}
}

// WithRecorder routes per-provider request metrics to r.
func (c *Chain) WithRecorder(r metrics.Recorder) *Chain {
	if r != nil {
		c.recorder = r
	}
	return c
}

var defaultOrder = []string{"github-models", "openai", "anthropic", "gemini", "ollama"}

// DefaultChain builds the chain from the environment. KEEPALIVE_LLM_PROVIDERS
// overrides the order with a comma-separated subset of the provider names;
// the keyword heuristic is always the implicit last resort, so listing
// "heuristic" alone yields an empty chain that answers locally.
func DefaultChain() *Chain {
	order := defaultOrder
	if names := os.Getenv(EnvProviders); names != "" {
		order = strings.Split(names, ",")
	}

	logger := logx.NewLogger("llm")
	var providers []Provider
	for _, name := range order {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "github-models":
			providers = append(providers, NewGitHubModelsProvider(os.Getenv(EnvGitHubToken)))
		case "openai":
			providers = append(providers, NewOpenAIProvider(os.Getenv(EnvOpenAIKey)))
		case "anthropic":
			providers = append(providers, NewAnthropicProvider(os.Getenv(EnvAnthropicKey)))
		case "gemini":
			providers = append(providers, NewGeminiProvider(os.Getenv(EnvGeminiKey)))
		case "ollama":
			providers = append(providers, NewOllamaProvider(os.Getenv(EnvOllamaHost)))
		case "heuristic", "":
			// Built-in last resort, nothing to construct.
		default:
			logger.Warn("Unknown provider %q in %s, skipping", name, EnvProviders)
		}
	}

	return NewChain(providers...)
}

// modelName reports the provider's configured model, when it exposes one.
func modelName(p Provider) string {
	if m, ok := p.(interface{ ModelName() string }); ok {
		return m.ModelName()
	}
	return ""
}

// Names lists the configured providers in chain order.
func (c *Chain) Names() []string {
	out := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p.Name())
	}
	return out
}

// Available reports whether at least one provider has credentials.
func (c *Chain) Available() bool {
	for _, p := range c.providers {
		if p.Available() {
			return true
		}
	}
	return false
}

// Complete returns the first available provider's answer and its name.
func (c *Chain) Complete(ctx context.Context, prompt string) (text, provider string, err error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.Available() {
			c.logger.Debug("Provider %s not available, skipping", p.Name())
			continue
		}
		start := time.Now()
		text, err := p.Complete(ctx, prompt)
		c.recorder.ObserveLLMRequest(p.Name(), modelName(p), err == nil, time.Since(start))
		if err != nil {
			c.logger.Warn("Provider %s failed: %v", p.Name(), err)
			lastErr = err
			continue
		}
		return text, p.Name(), nil
	}
	if lastErr != nil {
		return "", "", fmt.Errorf("all providers failed: %w", lastErr)
	}
	return "", "", errors.New("no providers available")
}
