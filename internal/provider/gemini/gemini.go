package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alwrity/llm-router/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type GeminiAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *promptFeedback   `json:"promptFeedback,omitempty"`
	UsageMetadata  usageMetadata     `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func New(apiKey string) provider.Adapter {
	return &GeminiAdapter{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(a.Name(), provider.KindInvalidRequest, 0, "failed to encode request", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, req.Model, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewError(a.Name(), provider.KindInvalidRequest, 0, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.NewError(a.Name(), provider.KindUnknown, resp.StatusCode, "failed to decode response", err)
	}

	if geminiResp.PromptFeedback != nil && geminiResp.PromptFeedback.BlockReason != "" {
		return nil, provider.NewError(a.Name(), provider.KindContentPolicy, resp.StatusCode,
			"prompt blocked: "+geminiResp.PromptFeedback.BlockReason, nil)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.NewError(a.Name(), provider.KindUnknown, resp.StatusCode, "no candidates returned", nil)
	}
	if reason := geminiResp.Candidates[0].FinishReason; reason == "SAFETY" || reason == "PROHIBITED_CONTENT" {
		return nil, provider.NewError(a.Name(), provider.KindContentPolicy, resp.StatusCode,
			"response blocked: "+reason, nil)
	}

	text := geminiResp.Candidates[0].Content.Parts[0].Text
	out := &provider.Response{
		Text:         text,
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		LatencyMs:    time.Since(start).Milliseconds(),
		Provider:     a.Name(),
		Model:        req.Model,
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

func (a *GeminiAdapter) mapRequest(req *provider.Request) geminiRequest {
	prompt := req.Prompt
	cfg := generationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
	}
	if req.Structured() {
		prompt = provider.SchemaPrompt(prompt, req.Schema)
		cfg.ResponseMimeType = "application/json"
	}

	out := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: cfg,
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return out
}

// mapError is gemini's translation table into the fixed taxonomy. Gemini
// reports an invalid API key as 400 INVALID_ARGUMENT/API_KEY_INVALID rather
// than 401, so the body has to be inspected.
func (a *GeminiAdapter) mapError(status int, body []byte) *provider.Error {
	var parsed geminiErrorBody
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	kind := provider.KindFromStatus(status)
	switch {
	case status == http.StatusBadRequest && strings.Contains(message, "API key not valid"):
		kind = provider.KindAuth
	case status == http.StatusBadRequest && strings.Contains(parsed.Error.Status, "API_KEY_INVALID"):
		kind = provider.KindAuth
	case parsed.Error.Status == "RESOURCE_EXHAUSTED":
		kind = provider.KindRateLimited
	}

	return provider.NewError(a.Name(), kind, status, message, nil)
}
