package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alwrity/llm-router/internal/provider"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterAdapter speaks OpenRouter's OpenAI-compatible chat API.
type OpenRouterAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type errorBody struct {
	Error struct {
		Code     int            `json:"code"`
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata,omitempty"`
	} `json:"error"`
}

func New(apiKey string) provider.Adapter {
	return &OpenRouterAdapter{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *OpenRouterAdapter) Name() string { return "openrouter" }

func (a *OpenRouterAdapter) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(a.Name(), provider.KindInvalidRequest, 0, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewError(a.Name(), provider.KindInvalidRequest, 0, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	// Attribution headers are passed through unchanged; OpenRouter uses them
	// for app ranking.
	if req.Attribution.Referrer != "" {
		httpReq.Header.Set("HTTP-Referer", req.Attribution.Referrer)
	}
	if req.Attribution.Title != "" {
		httpReq.Header.Set("X-Title", req.Attribution.Title)
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.FromTransport(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, a.mapError(resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.NewError(a.Name(), provider.KindUnknown, resp.StatusCode, "failed to decode response", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, provider.NewError(a.Name(), provider.KindUnknown, resp.StatusCode, "no choices returned", nil)
	}
	if chatResp.Choices[0].FinishReason == "content_filter" {
		return nil, provider.NewError(a.Name(), provider.KindContentPolicy, resp.StatusCode, "response stopped by content filter", nil)
	}

	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	model := chatResp.Model
	if model == "" {
		model = req.Model
	}

	out := &provider.Response{
		Text:         text,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
		Provider:     a.Name(),
		Model:        model,
	}
	if out.InputTokens == 0 && out.OutputTokens == 0 {
		out.InputTokens = provider.EstimateTokens(req.Prompt)
		out.OutputTokens = provider.EstimateTokens(text)
		out.UsageEstimated = true
	}

	if req.Structured() {
		structured, err := provider.ParseStructured(a.Name(), text, req.Schema)
		if err != nil {
			return nil, err
		}
		out.Structured = structured
		out.Text = ""
	}

	return out, nil
}

func (a *OpenRouterAdapter) mapRequest(req *provider.Request) chatRequest {
	prompt := req.Prompt
	out := chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Structured() {
		prompt = provider.SchemaPrompt(prompt, req.Schema)
		// json_object mode is only reliable on OpenAI-served models.
		if strings.HasPrefix(req.Model, "openai/") {
			out.ResponseFormat = &responseFormat{Type: "json_object"}
		}
	}

	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	out.Messages = append(out.Messages, chatMessage{Role: "user", Content: prompt})
	return out
}

// mapError is OpenRouter's translation table. OpenRouter reports moderation
// blocks as 403, which must not be confused with a credential problem.
func (a *OpenRouterAdapter) mapError(status int, body []byte) *provider.Error {
	var parsed errorBody
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	kind := provider.KindFromStatus(status)
	switch status {
	case http.StatusForbidden:
		kind = provider.KindContentPolicy
	case http.StatusPaymentRequired:
		// Out of credits behaves like a credential problem: skip to the next
		// provider, retrying will not help.
		kind = provider.KindAuth
	case http.StatusRequestEntityTooLarge:
		kind = provider.KindInvalidRequest
	}

	return provider.NewError(a.Name(), kind, status, message, nil)
}
