package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/alwrity/llm-router/internal/provider"
	"github.com/alwrity/llm-router/internal/router"
	"github.com/alwrity/llm-router/internal/usage"
)

// Generator is the routing surface the handler calls into.
type Generator interface {
	Execute(ctx context.Context, req *router.Request) (*provider.Response, error)
}

// Aggregator reads usage summaries from the in-memory ledger.
type Aggregator interface {
	AggregateByUser(userID string, from, to time.Time) []usage.Aggregate
}

// RecordLister reads persisted ledger rows.
type RecordLister interface {
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*usage.Record, error)
}

type Handler struct {
	router          Generator
	aggregates      Aggregator
	records         RecordLister
	cache           *usage.AggregateCache
	validate        *validator.Validate
	logger          *zap.Logger
	attribution     provider.Attribution
	defaultProvider string
}

// Options carries the optional handler collaborators. Records and Cache may
// be nil when the deployment runs without Postgres or Redis.
type Options struct {
	Records         RecordLister
	Cache           *usage.AggregateCache
	Attribution     provider.Attribution
	DefaultProvider string
	Logger          *zap.Logger
}

func NewHandler(gen Generator, agg Aggregator, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		router:          gen,
		aggregates:      agg,
		records:         opts.Records,
		cache:           opts.Cache,
		validate:        validator.New(),
		logger:          logger,
		attribution:     opts.Attribution,
		defaultProvider: opts.DefaultProvider,
	}
}

type generateRequest struct {
	Prompt       string         `json:"prompt" validate:"required"`
	SystemPrompt string         `json:"system_prompt"`
	Schema       map[string]any `json:"schema"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Temperature  float64        `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens    int            `json:"max_tokens" validate:"gte=0"`
	UserID       string         `json:"user_id"`
}

type generateResponse struct {
	RequestID    string          `json:"request_id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Text         string          `json:"text,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Estimated    bool            `json:"usage_estimated,omitempty"`
	LatencyMs    int64           `json:"latency_ms"`
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := body.UserID
	if userID == "" {
		userID = "anonymous"
	}
	// A request-level provider wins over the deployment-wide preference.
	if body.Provider == "" {
		body.Provider = h.defaultProvider
	}

	req := &router.Request{
		Prompt:           body.Prompt,
		SystemPrompt:     body.SystemPrompt,
		Schema:           body.Schema,
		ProviderOverride: body.Provider,
		ModelOverride:    body.Model,
		Temperature:      body.Temperature,
		MaxTokens:        body.MaxTokens,
		UserID:           userID,
		Attribution:      h.attribution,
	}

	resp, err := h.router.Execute(r.Context(), req)
	if err != nil {
		h.logger.Warn("generate failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(generateResponse{
		RequestID:    req.RequestID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Text:         resp.Text,
		Structured:   resp.Structured,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Estimated:    resp.UsageEstimated,
		LatencyMs:    resp.LatencyMs,
	})
}

// statusFor maps routing-layer errors onto HTTP statuses. Request-side faults
// are 4xx, provider-side exhaustion is 502, and an unusable deployment is 503.
func statusFor(err error) int {
	var confErr *router.ConfigurationError
	if errors.As(err, &confErr) {
		return http.StatusServiceUnavailable
	}
	var allFailed *router.AllProvidersFailedError
	if errors.As(err, &allFailed) {
		return http.StatusBadGateway
	}

	switch provider.KindOf(err) {
	case provider.KindInvalidRequest:
		return http.StatusBadRequest
	case provider.KindContentPolicy:
		return http.StatusUnprocessableEntity
	case provider.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	from, to, ok := parseWindow(w, r)
	if !ok {
		return
	}

	if h.cache != nil {
		if aggs, hit := h.cache.Get(r.Context(), userID, from, to); hit {
			writeUsage(w, userID, from, to, aggs)
			return
		}
	}

	aggs := h.aggregates.AggregateByUser(userID, from, to)
	if h.cache != nil {
		h.cache.Set(r.Context(), userID, from, to, aggs)
	}
	writeUsage(w, userID, from, to, aggs)
}

func (h *Handler) HandleUsageRecords(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		writeError(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	from, to, ok := parseWindow(w, r)
	if !ok {
		return
	}

	records, err := h.records.ListByUser(r.Context(), userID, from, to)
	if err != nil {
		h.logger.Error("failed to list usage records", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list usage records")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"user_id": userID,
		"from":    from,
		"to":      to,
		"records": records,
	})
}

// parseWindow reads from/to query params as RFC3339, defaulting to the last
// 30 days.
func parseWindow(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return time.Time{}, time.Time{}, false
		}
		from = parsed
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return time.Time{}, time.Time{}, false
		}
		to = parsed
	}
	return from, to, true
}

func writeUsage(w http.ResponseWriter, userID string, from, to time.Time, aggs []usage.Aggregate) {
	totalCost := 0.0
	for _, a := range aggs {
		totalCost += a.Cost
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"user_id":        userID,
		"from":           from,
		"to":             to,
		"total_cost_usd": totalCost,
		"providers":      aggs,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
