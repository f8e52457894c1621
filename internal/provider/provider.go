package provider

import (
	"context"
	"encoding/json"
	"strings"
)

// Attribution carries optional referrer/title headers handed through to
// adapters unchanged. Only OpenRouter consumes them today.
type Attribution struct {
	Referrer string
	Title    string
}

// Request is the normalized generation request an adapter receives. It is
// read-only for the adapter.
type Request struct {
	Prompt       string
	SystemPrompt string
	// Schema, when non-nil, requests structured JSON output conforming to
	// this JSON-schema shape.
	Schema      map[string]any
	Model       string
	Temperature float64
	MaxTokens   int
	// Metadata for accounting
	UserID      string
	RequestID   string
	Attribution Attribution
}

// Structured reports whether the request wants schema-conforming output.
func (r *Request) Structured() bool { return r.Schema != nil }

// Response is the normalized result of one successful provider call.
type Response struct {
	Text string
	// Structured is set instead of Text when the request carried a schema.
	Structured     json.RawMessage
	InputTokens    int
	OutputTokens   int
	UsageEstimated bool
	LatencyMs      int64
	Provider       string
	Model          string
}

// Adapter translates the normalized request into one backend's native call
// and maps every failure into a *provider.Error.
type Adapter interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// EstimateTokens approximates a token count from whitespace-separated words.
// Used when a backend reports no usage; matches the accounting heuristic the
// rest of the platform uses (words x 1.3).
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}
