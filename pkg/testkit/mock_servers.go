package testkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"
)

// Responder maps the last user prompt to the assistant reply a mock server
// should return. A nil Responder yields a fixed completion verdict.
type Responder func(prompt string) string

func defaultVerdict(string) string {
	return `{"complete": false, "confidence": 0.8, "reason": "unchecked items remain"}`
}

// MockChatServer emulates an OpenAI-compatible chat completions endpoint.
// It serves both the OpenAI and GitHub Models providers, which differ only
// in base URL.
func MockChatServer(respond Responder) *httptest.Server {
	if respond == nil {
		respond = defaultVerdict
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var request struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		var prompt string
		if len(request.Messages) > 0 {
			prompt = request.Messages[len(request.Messages)-1].Content
		}

		response := map[string]any{
			"id":      "chatcmpl-mock12345",
			"object":  "chat.completion",
			"created": 1699999999,
			"model":   request.Model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]any{
						"role":    "assistant",
						"content": respond(prompt),
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     50,
				"completion_tokens": 100,
				"total_tokens":      150,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
}

// MockMessagesServer emulates the Anthropic messages endpoint.
func MockMessagesServer(respond Responder) *httptest.Server {
	if respond == nil {
		respond = defaultVerdict
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var request struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		var prompt string
		if n := len(request.Messages); n > 0 && len(request.Messages[n-1].Content) > 0 {
			prompt = request.Messages[n-1].Content[0].Text
		}

		response := map[string]any{
			"id":    "msg_mock_12345",
			"type":  "message",
			"role":  "assistant",
			"model": request.Model,
			"content": []map[string]any{
				{"type": "text", "text": respond(prompt)},
			},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  100,
				"output_tokens": 200,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
}

// MockOllamaServer emulates the Ollama chat endpoint with streaming disabled.
func MockOllamaServer(respond Responder) *httptest.Server {
	if respond == nil {
		respond = defaultVerdict
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/chat") {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var request struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		var prompt string
		if len(request.Messages) > 0 {
			prompt = request.Messages[len(request.Messages)-1].Content
		}

		response := map[string]any{
			"model":      request.Model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message": map[string]any{
				"role":    "assistant",
				"content": respond(prompt),
			},
			"done":        true,
			"done_reason": "stop",
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
}
