package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alwrity/llm-router/internal/credentials"
	"github.com/alwrity/llm-router/internal/provider"
	"github.com/alwrity/llm-router/internal/registry"
	"github.com/alwrity/llm-router/internal/usage"
)

type step struct {
	resp *provider.Response
	err  error
}

func ok(text string) step {
	return step{resp: &provider.Response{Text: text, InputTokens: 10, OutputTokens: 5}}
}

func fail(name string, kind provider.ErrorKind) step {
	return step{err: provider.NewError(name, kind, 0, "induced failure", nil)}
}

// scriptAdapter replays a fixed sequence of outcomes, repeating the last one.
type scriptAdapter struct {
	name string

	mu        sync.Mutex
	calls     int
	lastModel string
	steps     []step
}

func (a *scriptAdapter) Name() string { return a.name }

func (a *scriptAdapter) Generate(_ context.Context, req *provider.Request) (*provider.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	a.calls++
	a.lastModel = req.Model

	s := a.steps[i]
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.resp
	resp.Provider = a.name
	resp.Model = req.Model
	return &resp, nil
}

func (a *scriptAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fixture struct {
	router  *Router
	tracker *usage.Tracker
	alpha   *scriptAdapter
	beta    *scriptAdapter
}

// newFixture wires two providers: alpha (rank 1, text+structured, ALPHA_KEY)
// and beta (rank 2, text only, BETA_KEY).
func newFixture(t *testing.T, creds map[string]string, alphaSteps, betaSteps []step) *fixture {
	t.Helper()

	reg, err := registry.New(
		registry.Descriptor{
			Name:                "alpha",
			RequiredCredentials: []string{"ALPHA_KEY"},
			Capabilities:        []registry.Capability{registry.CapabilityText, registry.CapabilityStructured},
			DefaultModel:        "alpha-1",
			PriorityRank:        1,
			Pricing:             registry.Pricing{InputPerToken: 0.001, OutputPerToken: 0.002},
		},
		registry.Descriptor{
			Name:                "beta",
			RequiredCredentials: []string{"BETA_KEY"},
			Capabilities:        []registry.Capability{registry.CapabilityText},
			DefaultModel:        "beta-1",
			PriorityRank:        2,
			Pricing:             registry.Pricing{InputPerToken: 0.0001, OutputPerToken: 0.0002},
		},
	)
	require.NoError(t, err)

	source := credentials.SourceFunc(func(name string) (string, bool) {
		v, found := creds[name]
		return v, found
	})
	det := credentials.NewDetector(reg, source, 0)

	alpha := &scriptAdapter{name: "alpha", steps: alphaSteps}
	beta := &scriptAdapter{name: "beta", steps: betaSteps}
	tracker := usage.NewTracker(reg, nil, nil)

	retry := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0}
	r := New(reg, det, map[string]provider.Adapter{"alpha": alpha, "beta": beta}, retry, tracker, nil)

	return &fixture{router: r, tracker: tracker, alpha: alpha, beta: beta}
}

func allCreds() map[string]string {
	return map[string]string{"ALPHA_KEY": "a", "BETA_KEY": "b"}
}

func TestExecute_RetriesTimeoutThenSucceeds(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{fail("alpha", provider.KindTimeout), fail("alpha", provider.KindTimeout), ok("done")},
		[]step{ok("unused")})

	resp, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u", RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, "alpha", resp.Provider)
	assert.Equal(t, 3, f.alpha.callCount())
	assert.Equal(t, 0, f.beta.callCount())

	recs := f.tracker.RecordsForRequest("req-1")
	require.Len(t, recs, 3)
	assert.Equal(t, usage.OutcomeFailed, recs[0].Outcome)
	assert.Equal(t, usage.OutcomeFailed, recs[1].Outcome)
	assert.Equal(t, usage.OutcomeSuccess, recs[2].Outcome)
}

func TestExecute_AuthErrorFailsOverImmediately(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{fail("alpha", provider.KindAuth)},
		[]step{ok("from beta")})

	resp, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u", RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 1, f.alpha.callCount())
	assert.Equal(t, 1, f.beta.callCount())

	recs := f.tracker.RecordsForRequest("req-1")
	require.Len(t, recs, 2)
	assert.Equal(t, string(provider.KindAuth), recs[0].ErrorKind)
	assert.Equal(t, usage.OutcomeSuccess, recs[1].Outcome)
}

func TestExecute_RateLimitedExhaustsAttemptsThenFailsOver(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{fail("alpha", provider.KindRateLimited)},
		[]step{ok("from beta")})

	resp, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 3, f.alpha.callCount())
}

func TestExecute_UnknownErrorGetsOneRetry(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{fail("alpha", provider.KindUnknown), fail("alpha", provider.KindUnknown), ok("never reached")},
		[]step{ok("from beta")})

	resp, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 2, f.alpha.callCount())
}

func TestExecute_AllProvidersFailed(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{fail("alpha", provider.KindTransient)},
		[]step{fail("beta", provider.KindRateLimited)})

	_, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})
	require.Error(t, err)

	var allFailed *AllProvidersFailedError
	require.ErrorAs(t, err, &allFailed)
	require.Len(t, allFailed.Failures, 2)
	assert.Equal(t, "alpha", allFailed.Failures[0].Provider)
	assert.Equal(t, provider.KindTransient, allFailed.Failures[0].Err.Kind)
	assert.Equal(t, "beta", allFailed.Failures[1].Provider)
	assert.Equal(t, provider.KindRateLimited, allFailed.Failures[1].Err.Kind)
}

func TestExecute_SingleProviderExhaustion(t *testing.T) {
	f := newFixture(t, map[string]string{"ALPHA_KEY": "a"},
		[]step{fail("alpha", provider.KindRateLimited)},
		[]step{ok("unreachable")})

	_, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})

	var allFailed *AllProvidersFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Len(t, allFailed.Failures, 1)
	assert.Equal(t, 3, f.alpha.callCount())
	assert.Equal(t, 0, f.beta.callCount())
}

func TestExecute_InvalidRequestAbortsChain(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{fail("alpha", provider.KindInvalidRequest)},
		[]step{ok("unreachable")})

	_, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidRequest, provider.KindOf(err))
	assert.Equal(t, 1, f.alpha.callCount())
	assert.Equal(t, 0, f.beta.callCount())
}

func TestExecute_ContentPolicyAbortsChain(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{fail("alpha", provider.KindContentPolicy)},
		[]step{ok("unreachable")})

	_, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})
	require.Error(t, err)
	assert.Equal(t, provider.KindContentPolicy, provider.KindOf(err))
	assert.Equal(t, 0, f.beta.callCount())
}

func TestExecute_OverridePromotesProvider(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{ok("from alpha")},
		[]step{ok("from beta")})

	resp, err := f.router.Execute(context.Background(), &Request{
		Prompt:           "hi",
		UserID:           "u",
		ProviderOverride: "beta",
	})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 0, f.alpha.callCount())
}

func TestExecute_OverrideStillFallsBack(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{ok("from alpha")},
		[]step{fail("beta", provider.KindAuth)})

	resp, err := f.router.Execute(context.Background(), &Request{
		Prompt:           "hi",
		UserID:           "u",
		ProviderOverride: "beta",
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Provider)
}

func TestExecute_OverrideUnavailableIsSkipRecorded(t *testing.T) {
	f := newFixture(t, map[string]string{"ALPHA_KEY": "a"},
		[]step{ok("from alpha")},
		[]step{ok("unreachable")})

	resp, err := f.router.Execute(context.Background(), &Request{
		Prompt:           "hi",
		UserID:           "u",
		RequestID:        "req-1",
		ProviderOverride: "beta",
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Provider)

	recs := f.tracker.RecordsForRequest("req-1")
	require.Len(t, recs, 2)
	assert.Equal(t, usage.OutcomeSkipped, recs[0].Outcome)
	assert.Equal(t, "beta", recs[0].Provider)
	assert.Equal(t, "override unavailable", recs[0].Detail)
	assert.Equal(t, usage.OutcomeSuccess, recs[1].Outcome)
}

func TestExecute_StructuredExcludesTextOnlyProviders(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{fail("alpha", provider.KindAuth)},
		[]step{ok("unreachable")})

	_, err := f.router.Execute(context.Background(), &Request{
		Prompt: "hi",
		UserID: "u",
		Schema: map[string]any{"type": "object"},
	})

	var allFailed *AllProvidersFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Len(t, allFailed.Failures, 1)
	// beta lacks the structured capability and must never be called.
	assert.Equal(t, 0, f.beta.callCount())
}

func TestExecute_MissingCredentialExcludesProvider(t *testing.T) {
	f := newFixture(t, map[string]string{"BETA_KEY": "b"},
		[]step{ok("unreachable")},
		[]step{ok("from beta")})

	resp, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 0, f.alpha.callCount())
}

func TestExecute_NoCredentialsIsConfigurationError(t *testing.T) {
	f := newFixture(t, map[string]string{},
		[]step{ok("unreachable")},
		[]step{ok("unreachable")})

	_, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})

	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, 0, f.alpha.callCount())
	assert.Equal(t, 0, f.beta.callCount())
}

func TestExecute_ModelOverridePassedVerbatim(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{ok("from alpha")},
		[]step{ok("unused")})

	resp, err := f.router.Execute(context.Background(), &Request{
		Prompt:        "hi",
		UserID:        "u",
		ModelOverride: "alpha-experimental",
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha-experimental", resp.Model)
	assert.Equal(t, "alpha-experimental", f.alpha.lastModel)
}

func TestExecute_DefaultModelWhenNoOverride(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{ok("from alpha")},
		[]step{ok("unused")})

	resp, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "alpha-1", resp.Model)
}

func TestExecute_AssignsRequestID(t *testing.T) {
	f := newFixture(t, allCreds(),
		[]step{ok("from alpha")},
		[]step{ok("unused")})

	req := &Request{Prompt: "hi", UserID: "u"}
	_, err := f.router.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, req.RequestID)
	assert.Len(t, f.tracker.RecordsForRequest(req.RequestID), 1)
}

// blockingAdapter parks until the context is cancelled.
type blockingAdapter struct {
	name  string
	calls int
}

func (a *blockingAdapter) Name() string { return a.name }

func (a *blockingAdapter) Generate(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
	a.calls++
	<-ctx.Done()
	return nil, provider.FromTransport(a.name, ctx.Err())
}

func TestExecute_CancellationStopsTheChain(t *testing.T) {
	f := newFixture(t, allCreds(), []step{ok("unused")}, []step{ok("unused")})
	blocking := &blockingAdapter{name: "alpha"}
	f.router.adapters["alpha"] = blocking

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := f.router.Execute(ctx, &Request{Prompt: "hi", UserID: "u", RequestID: "req-1"})
	require.Error(t, err)
	assert.Equal(t, provider.KindTimeout, provider.KindOf(err))
	assert.Equal(t, 1, blocking.calls)
	assert.Equal(t, 0, f.beta.callCount())

	recs := f.tracker.RecordsForRequest("req-1")
	require.Len(t, recs, 1)
	assert.Equal(t, usage.OutcomeFailed, recs[0].Outcome)
	assert.Equal(t, string(provider.KindTimeout), recs[0].ErrorKind)
	assert.Equal(t, "cancelled", recs[0].Detail)
}

func TestExecute_CircuitOpenSkipsProvider(t *testing.T) {
	f := newFixture(t, map[string]string{"ALPHA_KEY": "a"},
		[]step{fail("alpha", provider.KindTransient)},
		[]step{ok("unreachable")})

	// Two exhausted requests push alpha past the breaker threshold.
	for i := 0; i < 2; i++ {
		_, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u"})
		require.Error(t, err)
	}

	callsBefore := f.alpha.callCount()
	_, err := f.router.Execute(context.Background(), &Request{Prompt: "hi", UserID: "u", RequestID: "req-open"})
	require.Error(t, err)
	assert.Equal(t, callsBefore, f.alpha.callCount())

	recs := f.tracker.RecordsForRequest("req-open")
	require.Len(t, recs, 1)
	assert.Equal(t, usage.OutcomeSkipped, recs[0].Outcome)
	assert.Equal(t, "circuit open", recs[0].Detail)
}
