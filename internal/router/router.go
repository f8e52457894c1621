package router

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/alwrity/llm-router/internal/credentials"
	"github.com/alwrity/llm-router/internal/provider"
	"github.com/alwrity/llm-router/internal/registry"
	"github.com/alwrity/llm-router/internal/usage"
)

// Request is one generation request entering the routing layer.
type Request struct {
	Prompt           string
	SystemPrompt     string
	Schema           map[string]any
	ProviderOverride string
	ModelOverride    string
	Temperature      float64
	MaxTokens        int
	UserID           string
	RequestID        string
	Attribution      provider.Attribution
}

// Structured reports whether the caller asked for schema-shaped output.
func (r *Request) Structured() bool { return r.Schema != nil }

// Skip is a provider bypassed without an attempt.
type Skip struct {
	Provider string
	Reason   string
}

// Router resolves the fallback chain for each request and walks it in order,
// retrying within a provider per the retry policy and failing over between
// providers per the error taxonomy.
type Router struct {
	registry *registry.Registry
	detector *credentials.Detector
	adapters map[string]provider.Adapter
	retry    RetryPolicy
	tracker  *usage.Tracker
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
	tracer   trace.Tracer
}

func New(reg *registry.Registry, det *credentials.Detector, adapters map[string]provider.Adapter, retry RetryPolicy, tracker *usage.Tracker, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for name := range adapters {
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
		breakers[name] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		registry: reg,
		detector: det,
		adapters: adapters,
		retry:    retry,
		tracker:  tracker,
		breakers: breakers,
		logger:   logger,
		tracer:   otel.Tracer("router"),
	}
}

// ResolveChain builds the ordered provider chain for a request. Providers are
// taken in registry priority order, keeping only those with usable
// credentials and the required capability. An override is a priority hint: a
// usable override moves to the front, an unusable one is reported as a skip
// and the normal order stands.
func (r *Router) ResolveChain(req *Request) ([]registry.Descriptor, []Skip, error) {
	snapshot := r.detector.Detect()
	if snapshot.Empty() {
		return nil, nil, &ConfigurationError{Reason: "no provider credentials configured"}
	}

	needed := registry.CapabilityText
	if req.Structured() {
		needed = registry.CapabilityStructured
	}

	var chain []registry.Descriptor
	for _, desc := range r.registry.InPriorityOrder() {
		if !snapshot.Usable(desc.Name) {
			continue
		}
		if !desc.Supports(needed) {
			continue
		}
		if _, ok := r.adapters[desc.Name]; !ok {
			continue
		}
		chain = append(chain, desc)
	}

	var skips []Skip
	if req.ProviderOverride != "" {
		name := registry.CanonicalName(req.ProviderOverride)
		idx := -1
		for i, desc := range chain {
			if desc.Name == name {
				idx = i
				break
			}
		}
		if idx > 0 {
			front := chain[idx]
			chain = append(chain[:idx], chain[idx+1:]...)
			chain = append([]registry.Descriptor{front}, chain...)
		} else if idx < 0 {
			skipped := name
			if skipped == "" {
				skipped = req.ProviderOverride
			}
			skips = append(skips, Skip{Provider: skipped, Reason: usage.SkipOverrideUnavailable})
		}
	}

	if len(chain) == 0 {
		return nil, skips, &ConfigurationError{Reason: "no provider matches the request's requirements"}
	}
	return chain, skips, nil
}

// Execute walks the resolved chain until one provider succeeds. Every attempt
// and skip is recorded in the ledger as it happens, so the per-request record
// order mirrors execution order.
func (r *Router) Execute(ctx context.Context, req *Request) (*provider.Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ctx, span := r.tracer.Start(ctx, "router.execute",
		trace.WithAttributes(attribute.String("request.id", req.RequestID)))
	defer span.End()

	chain, skips, err := r.ResolveChain(req)
	for _, s := range skips {
		r.tracker.RecordSkip(req.RequestID, s.Provider, req.UserID, s.Reason)
	}
	if err != nil {
		r.logger.Warn("chain resolution failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return nil, err
	}

	var failures []ProviderFailure
	for _, desc := range chain {
		if r.breakers[desc.Name].State() == gobreaker.StateOpen {
			r.tracker.RecordSkip(req.RequestID, desc.Name, req.UserID, usage.SkipCircuitOpen)
			continue
		}

		resp, perr := r.attemptProvider(ctx, desc, req)
		if perr == nil {
			r.tracker.RecordSuccess(req.RequestID, desc.Name, req.UserID, resp)
			r.logger.Info("request served",
				zap.String("request_id", req.RequestID),
				zap.String("provider", desc.Name),
				zap.String("model", resp.Model),
				zap.Int64("latency_ms", resp.LatencyMs))
			return resp, nil
		}

		failures = append(failures, ProviderFailure{Provider: desc.Name, Err: perr})

		if perr.Kind.AbortsChain() {
			// The request itself is at fault; no other provider will do better.
			r.logger.Warn("request aborted",
				zap.String("request_id", req.RequestID),
				zap.String("provider", desc.Name),
				zap.String("kind", string(perr.Kind)))
			return nil, perr
		}
		if ctx.Err() != nil {
			return nil, perr
		}

		r.logger.Warn("provider failed, trying next",
			zap.String("request_id", req.RequestID),
			zap.String("provider", desc.Name),
			zap.String("kind", string(perr.Kind)))
	}

	if len(failures) == 0 {
		return nil, &ConfigurationError{Reason: "every provider in the chain was skipped"}
	}
	return nil, &AllProvidersFailedError{Failures: failures}
}

// attemptProvider runs the retry loop against one provider. Each attempt's
// failure is recorded immediately; the returned error is the terminal one for
// this provider.
func (r *Router) attemptProvider(ctx context.Context, desc registry.Descriptor, req *Request) (*provider.Response, *provider.Error) {
	ctx, span := r.tracer.Start(ctx, "router.attempt",
		trace.WithAttributes(attribute.String("provider.name", desc.Name)))
	defer span.End()

	model := req.ModelOverride
	if model == "" {
		model = desc.DefaultModel
	}
	preq := &provider.Request{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Schema:       req.Schema,
		Model:        model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		UserID:       req.UserID,
		RequestID:    req.RequestID,
		Attribution:  req.Attribution,
	}

	adapter := r.adapters[desc.Name]
	cb := r.breakers[desc.Name]

	attempts := 0
	op := func() (*provider.Response, error) {
		attempts++
		result, err := cb.Execute(func() (interface{}, error) {
			return adapter.Generate(ctx, preq)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				perr := provider.NewError(desc.Name, provider.KindTransient, 0, "circuit open", err)
				r.tracker.RecordFailure(req.RequestID, desc.Name, req.UserID, perr)
				return nil, backoff.Permanent(perr)
			}
			perr := provider.AsError(desc.Name, err)
			r.tracker.RecordFailure(req.RequestID, desc.Name, req.UserID, perr)
			if ctx.Err() != nil {
				return nil, backoff.Permanent(perr)
			}
			if !r.retryAgain(perr.Kind, attempts) {
				return nil, backoff.Permanent(perr)
			}
			return nil, perr
		}
		return result.(*provider.Response), nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.retry.backOff()),
		backoff.WithMaxTries(uint(r.retry.MaxAttempts)),
	)
	if err == nil {
		return resp, nil
	}

	var perr *provider.Error
	if !errors.As(err, &perr) {
		// Context cancellation during the backoff wait surfaces here without
		// having passed through an adapter; ledger it like an aborted call.
		perr = provider.FromTransport(desc.Name, err)
		r.tracker.RecordFailure(req.RequestID, desc.Name, req.UserID, perr)
	}
	return nil, perr
}

// retryAgain decides whether the same provider gets another attempt after a
// failure of the given kind. Unknown errors get exactly one retry; retryable
// kinds run up to the policy's attempt cap.
func (r *Router) retryAgain(kind provider.ErrorKind, attempts int) bool {
	if kind == provider.KindUnknown {
		return attempts < 2
	}
	return kind.Retryable()
}
