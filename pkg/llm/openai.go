package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// GitHub Models serves an OpenAI-compatible API, so one client covers both
// chat providers; they differ only in credentials and base URL.
const githubModelsBaseURL = "https://models.inference.ai.azure.com"

// gpt-4o-mini graded sessions too leniently and hits its token ceiling on
// large ones, so both chat providers default to gpt-4o.
const chatModel = "gpt-4o"

// ChatProvider talks to an OpenAI-compatible chat completions endpoint.
type ChatProvider struct {
	name   string
	apiKey string
	client *openai.Client

	// Model and BaseURL may be adjusted before the first Complete call.
	Model   string
	BaseURL string
}

// NewGitHubModelsProvider analyses through the GitHub Models inference
// endpoint using the workflow token, so it needs no extra credentials.
func NewGitHubModelsProvider(token string) *ChatProvider {
	return &ChatProvider{
		name:    "github-models",
		apiKey:  token,
		Model:   chatModel,
		BaseURL: githubModelsBaseURL,
	}
}

func NewOpenAIProvider(apiKey string) *ChatProvider {
	return &ChatProvider{
		name:   "openai",
		apiKey: apiKey,
		Model:  chatModel,
	}
}

func (p *ChatProvider) Name() string { return p.name }

func (p *ChatProvider) ModelName() string { return p.Model }

func (p *ChatProvider) Available() bool { return p.apiKey != "" }

func (p *ChatProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if p.client == nil {
		opts := []option.RequestOption{option.WithAPIKey(p.apiKey)}
		if p.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(p.BaseURL))
		}
		client := openai.NewClient(opts...)
		p.client = &client
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(analysisTemperature),
		MaxTokens:   openai.Int(completionMaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", p.name)
	}
	return resp.Choices[0].Message.Content, nil
}
