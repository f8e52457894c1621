package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwrity/llm-router/internal/provider"
)

func newTestAdapter(serverURL string) *OpenRouterAdapter {
	return &OpenRouterAdapter{
		apiKey:     "test-key",
		baseURL:    serverURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestGenerate_Text(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", got)
		}
		resp := chatResponse{
			ID:    "gen-1",
			Model: "openai/gpt-4-turbo",
			Choices: []chatChoice{
				{Message: chatMessage{Role: "assistant", Content: "Hello from OpenRouter"}},
			},
			Usage: chatUsage{PromptTokens: 20, CompletionTokens: 9},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &provider.Request{
		Prompt: "hi",
		Model:  "openai/gpt-4-turbo",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text != "Hello from OpenRouter" {
		t.Errorf("unexpected text: %s", resp.Text)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 9 {
		t.Errorf("unexpected usage: %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestGenerate_AttributionHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("HTTP-Referer"); got != "https://example.com" {
			t.Errorf("missing HTTP-Referer, got %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "Example App" {
			t.Errorf("missing X-Title, got %q", got)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: "ok"}}},
			Usage:   chatUsage{PromptTokens: 1, CompletionTokens: 1},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	_, err := a.Generate(context.Background(), &provider.Request{
		Prompt: "hi",
		Model:  "openai/gpt-4-turbo",
		Attribution: provider.Attribution{
			Referrer: "https://example.com",
			Title:    "Example App",
		},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
}

func TestGenerate_StructuredSetsResponseFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Error("expected response_format json_object for openai/ model")
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: `{"title":"t"}`}}},
			Usage:   chatUsage{PromptTokens: 3, CompletionTokens: 2},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	resp, err := a.Generate(context.Background(), &provider.Request{
		Prompt: "make json",
		Model:  "openai/gpt-4-turbo",
		Schema: map[string]any{"type": "object", "required": []any{"title"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if string(resp.Structured) != `{"title":"t"}` {
		t.Errorf("unexpected structured payload: %s", resp.Structured)
	}
}

// Contract test for the error translation table.
func TestGenerate_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   provider.ErrorKind
	}{
		{"bad key", 401, `{"error":{"code":401,"message":"No auth credentials found"}}`, provider.KindAuth},
		{"moderation", 403, `{"error":{"code":403,"message":"Your input was flagged"}}`, provider.KindContentPolicy},
		{"out of credits", 402, `{"error":{"code":402,"message":"Insufficient credits"}}`, provider.KindAuth},
		{"rate limited", 429, `{"error":{"code":429,"message":"Rate limit exceeded"}}`, provider.KindRateLimited},
		{"model down", 502, `{"error":{"code":502,"message":"Provider returned error"}}`, provider.KindTransient},
		{"upstream timeout", 504, `{"error":{"code":504,"message":"Gateway timeout"}}`, provider.KindTimeout},
		{"bad request", 400, `{"error":{"code":400,"message":"max_tokens must be positive"}}`, provider.KindInvalidRequest},
		{"too large", 413, `{"error":{"code":413,"message":"Prompt too long"}}`, provider.KindInvalidRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			a := newTestAdapter(server.URL)
			_, err := a.Generate(context.Background(), &provider.Request{Prompt: "hi", Model: "m"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := provider.KindOf(err); got != tc.kind {
				t.Errorf("status %d mapped to %s, want %s", tc.status, got, tc.kind)
			}
		})
	}
}

func TestGenerate_ContentFilterFinish(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: ""}, FinishReason: "content_filter"}},
		})
	}))
	defer server.Close()

	a := newTestAdapter(server.URL)
	_, err := a.Generate(context.Background(), &provider.Request{Prompt: "hi", Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.KindOf(err) != provider.KindContentPolicy {
		t.Errorf("expected content policy violation, got %s", provider.KindOf(err))
	}
}
