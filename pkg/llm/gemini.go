package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const geminiModel = "gemini-2.0-flash"

// GeminiProvider analyses through the Google GenAI API.
type GeminiProvider struct {
	apiKey string
	client *genai.Client

	Model   string
	BaseURL string
}

func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, Model: geminiModel}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) ModelName() string { return p.Model }

func (p *GeminiProvider) Available() bool { return p.apiKey != "" }

// Complete defers client creation to the first call because the GenAI
// client constructor needs a context.
func (p *GeminiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if p.client == nil {
		cfg := &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if p.BaseURL != "" {
			cfg.HTTPOptions.BaseURL = p.BaseURL
		}
		client, err := genai.NewClient(ctx, cfg)
		if err != nil {
			return "", fmt.Errorf("failed to create gemini client: %w", err)
		}
		p.client = client
	}

	temp := float32(analysisTemperature)
	config := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: completionMaxTokens,
	}
	result, err := p.client.Models.GenerateContent(ctx, p.Model, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return "", errors.New("empty response from gemini")
	}
	return result.Text(), nil
}
