package usage

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alwrity/llm-router/internal/provider"
	"github.com/alwrity/llm-router/internal/registry"
)

// OutcomeKind tags one ledger entry.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
)

// Skip reasons.
const (
	SkipOverrideUnavailable = "override unavailable"
	SkipCircuitOpen         = "circuit open"
)

// Record is one append-only ledger entry for one attempt (or skip). Records
// are never mutated or deleted by this layer.
type Record struct {
	RequestID      string    `json:"request_id"`
	Provider       string    `json:"provider"`
	UserID         string    `json:"user_id"`
	Model          string    `json:"model,omitempty"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	UsageEstimated bool      `json:"usage_estimated,omitempty"`
	Cost           float64   `json:"cost"`
	Outcome        OutcomeKind `json:"outcome"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	LatencyMs      int64     `json:"latency_ms,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the external persistence sink for usage records.
type Store interface {
	Append(ctx context.Context, rec *Record) error
}

// costPrecision fixes currency rounding at 6 decimal places.
const costPrecision = 1e6

func roundCost(c float64) float64 {
	return math.Round(c*costPrecision) / costPrecision
}

// Tracker is the append-only usage ledger. The in-memory ledger is the
// ordered source of truth for aggregation; a configured Store is drained
// asynchronously by a single writer goroutine so persistence latency never
// blocks the record path.
type Tracker struct {
	registry *registry.Registry
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.RWMutex
	records     []Record
	seenSuccess map[string]bool

	sink    Store
	ch      chan Record
	done    chan struct{}
	dropped int64
}

// NewTracker creates a tracker over the given registry's pricing table. The
// sink may be nil; the logger defaults to a no-op.
func NewTracker(reg *registry.Registry, sink Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		registry:    reg,
		logger:      logger,
		now:         time.Now,
		seenSuccess: make(map[string]bool),
		sink:        sink,
	}
	if sink != nil {
		t.ch = make(chan Record, 1024)
		t.done = make(chan struct{})
		go t.drain()
	}
	return t
}

// RecordSuccess appends the success entry for one attempt. A second success
// for the same request id is a routing bug; it is rejected and logged rather
// than double-billed.
func (t *Tracker) RecordSuccess(requestID, providerName, userID string, resp *provider.Response) {
	rec := Record{
		RequestID:      requestID,
		Provider:       providerName,
		UserID:         userID,
		Model:          resp.Model,
		TokensIn:       resp.InputTokens,
		TokensOut:      resp.OutputTokens,
		UsageEstimated: resp.UsageEstimated,
		Cost:           t.cost(providerName, resp.InputTokens, resp.OutputTokens),
		Outcome:        OutcomeSuccess,
		LatencyMs:      resp.LatencyMs,
	}

	t.mu.Lock()
	if t.seenSuccess[requestID] {
		t.mu.Unlock()
		t.logger.Error("duplicate success record rejected",
			zap.String("request_id", requestID),
			zap.String("provider", providerName))
		return
	}
	t.seenSuccess[requestID] = true
	t.append(rec)
	t.mu.Unlock()
}

// RecordFailure appends the entry for one failed attempt.
func (t *Tracker) RecordFailure(requestID, providerName, userID string, perr *provider.Error) {
	rec := Record{
		RequestID: requestID,
		Provider:  providerName,
		UserID:    userID,
		Outcome:   OutcomeFailed,
		ErrorKind: string(perr.Kind),
		Detail:    perr.Message,
	}
	t.mu.Lock()
	t.append(rec)
	t.mu.Unlock()
}

// RecordSkip notes a provider that was bypassed without being attempted.
func (t *Tracker) RecordSkip(requestID, providerName, userID, reason string) {
	rec := Record{
		RequestID: requestID,
		Provider:  providerName,
		UserID:    userID,
		Outcome:   OutcomeSkipped,
		Detail:    reason,
	}
	t.mu.Lock()
	t.append(rec)
	t.mu.Unlock()
}

// append runs under t.mu so the ledger and the sink channel observe the same
// order.
func (t *Tracker) append(rec Record) {
	rec.CreatedAt = t.now()
	t.records = append(t.records, rec)

	if t.ch == nil {
		return
	}
	select {
	case t.ch <- rec:
	default:
		t.dropped++
		t.logger.Warn("usage sink backlog full, record not persisted",
			zap.String("request_id", rec.RequestID),
			zap.Int64("dropped_total", t.dropped))
	}
}

func (t *Tracker) drain() {
	defer close(t.done)
	for rec := range t.ch {
		if err := t.sink.Append(context.Background(), &rec); err != nil {
			t.logger.Error("failed to persist usage record",
				zap.String("request_id", rec.RequestID),
				zap.Error(err))
		}
	}
}

// Close flushes the sink writer. Safe to call when no sink is configured.
func (t *Tracker) Close() {
	if t.ch == nil {
		return
	}
	close(t.ch)
	<-t.done
}

func (t *Tracker) cost(providerName string, tokensIn, tokensOut int) float64 {
	desc, ok := t.registry.Get(providerName)
	if !ok {
		return 0
	}
	return roundCost(float64(tokensIn)*desc.Pricing.InputPerToken + float64(tokensOut)*desc.Pricing.OutputPerToken)
}

// RecordsForRequest returns the ledger entries for one request id in append
// order.
func (t *Tracker) RecordsForRequest(requestID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for _, rec := range t.records {
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	return out
}

// Aggregate summarizes usage for one (user, provider) pair over a window.
type Aggregate struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Attempts  int       `json:"attempts"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Cost      float64   `json:"cost"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// AggregateByUser summarizes a user's ledger per provider within [from, to].
// The read path takes only a read lock, so concurrent record calls are never
// blocked by monitoring reads.
func (t *Tracker) AggregateByUser(userID string, from, to time.Time) []Aggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byProvider := make(map[string]*Aggregate)
	var order []string

	for _, rec := range t.records {
		if rec.UserID != userID {
			continue
		}
		if rec.CreatedAt.Before(from) || rec.CreatedAt.After(to) {
			continue
		}
		agg, ok := byProvider[rec.Provider]
		if !ok {
			agg = &Aggregate{UserID: userID, Provider: rec.Provider, From: from, To: to}
			byProvider[rec.Provider] = agg
			order = append(order, rec.Provider)
		}
		switch rec.Outcome {
		case OutcomeSuccess:
			agg.Attempts++
			agg.Successes++
		case OutcomeFailed:
			agg.Attempts++
			agg.Failures++
		}
		agg.TokensIn += rec.TokensIn
		agg.TokensOut += rec.TokensOut
		agg.Cost = roundCost(agg.Cost + rec.Cost)
	}

	out := make([]Aggregate, 0, len(order))
	for _, name := range order {
		out = append(out, *byProvider[name])
	}
	return out
}
