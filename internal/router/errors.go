package router

import (
	"fmt"
	"strings"

	"github.com/alwrity/llm-router/internal/provider"
)

// ConfigurationError means no provider could even be attempted: the fallback
// chain resolved to nothing before the first call.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "no usable providers: " + e.Reason
}

// ProviderFailure is the terminal error one attempted provider ended with.
type ProviderFailure struct {
	Provider string
	Err      *provider.Error
}

// AllProvidersFailedError aggregates one terminal failure per attempted
// provider, in chain order.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Provider, f.Err.Kind))
	}
	return "all providers failed: " + strings.Join(parts, ", ")
}
