package huggingface

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

const defaultBaseURL = "https://router.huggingface.co/v1"

// HuggingFaceAdapter speaks the Hugging Face inference router, which exposes
// an OpenAI-compatible chat surface. Structured output is not offered; the
// registry lists this provider as text-only.
type HuggingFaceAdapter struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func New(token string) provider.Adapter {
	return &HuggingFaceAdapter{
		token:      token,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *HuggingFaceAdapter) Name() string { return "huggingface" }

func (a *HuggingFaceAdapter) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Structured() {
		return nil, provider.NewError(a.Name(), provider.KindInvalidRequest, 0, "structured output is not supported", nil)
	}

	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(a.Name(), provider.KindInvalidRequest, 0, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewError(a.Name(), provider.KindInvalidRequest, 0, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.token)

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
	return out, nil
}

func (a *HuggingFaceAdapter) mapRequest(req *provider.Request) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	out.Messages = append(out.Messages, chatMessage{Role: "user", Content: req.Prompt})
	return out
}

// mapError is the Hugging Face translation table. The router returns 503
// while a model is cold-loading, which is retryable.
func (a *HuggingFaceAdapter) mapError(status int, body []byte) *provider.Error {
	var parsed errorBody
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	kind := provider.KindFromStatus(status)
	if status == http.StatusNotFound {
		// Unknown model id: the request will not work here no matter what,
		// but other providers may still serve it.
		kind = provider.KindInvalidRequest
	}
	return provider.NewError(a.Name(), kind, status, message, nil)
}
