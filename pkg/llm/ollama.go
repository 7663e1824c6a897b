package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const (
	defaultOllamaHost = "http://localhost:11434"
	ollamaModel       = "qwen2.5-coder"
)

// OllamaProvider analyses through a local Ollama runtime. It is only
// considered available when OLLAMA_HOST is set explicitly; probing
// localhost on every run would stall chains that never installed it.
type OllamaProvider struct {
	host   string
	client *api.Client

	Model string
}

func NewOllamaProvider(host string) *OllamaProvider {
	return &OllamaProvider{host: host, Model: ollamaModel}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) ModelName() string { return p.Model }

func (p *OllamaProvider) Available() bool { return p.host != "" }

func (p *OllamaProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if p.client == nil {
		parsed, err := url.Parse(p.host)
		if err != nil {
			parsed, _ = url.Parse(defaultOllamaHost)
		}
		p.client = api.NewClient(parsed, http.DefaultClient)
	}

	stream := false
	req := &api.ChatRequest{
		Model:    p.Model,
		Messages: []api.Message{{Role: "user", Content: prompt}},
		Stream:   &stream,
		Options: map[string]any{
			"temperature": analysisTemperature,
			"num_predict": completionMaxTokens,
		},
	}

	var out strings.Builder
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	if out.Len() == 0 {
		return "", errors.New("empty response from ollama")
	}
	return out.String(), nil
}
