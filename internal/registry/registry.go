package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Capability names a request feature a provider can serve.
type Capability string

const (
	CapabilityText       Capability = "text"
	CapabilityStructured Capability = "structured"
)

// Pricing holds per-token USD rates.
type Pricing struct {
	InputPerToken  float64
	OutputPerToken float64
}

// Descriptor describes one upstream provider. Descriptors are value types and
// never mutated after the registry is built.
type Descriptor struct {
	Name                string
	RequiredCredentials []string
	Capabilities        []Capability
	DefaultModel        string
	PriorityRank        int
	Pricing             Pricing
}

// Supports reports whether the provider advertises the given capability.
func (d Descriptor) Supports(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Registry is the static table of known providers. It is built once at startup
// and read-only afterwards, so no locking is needed.
type Registry struct {
	byName  map[string]Descriptor
	ordered []Descriptor
}

// New builds a registry from descriptors. Names must be unique and ranks must
// not collide; the table is sorted by ascending priority rank.
func New(descriptors ...Descriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("registry requires at least one provider descriptor")
	}

	byName := make(map[string]Descriptor, len(descriptors))
	ranks := make(map[int]string, len(descriptors))
	ordered := make([]Descriptor, 0, len(descriptors))

	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("provider descriptor with empty name")
		}
		if d.DefaultModel == "" {
			return nil, fmt.Errorf("provider %s: default model is required", d.Name)
		}
		if len(d.RequiredCredentials) == 0 {
			return nil, fmt.Errorf("provider %s: at least one required credential", d.Name)
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate provider descriptor: %s", d.Name)
		}
		if prev, dup := ranks[d.PriorityRank]; dup {
			return nil, fmt.Errorf("providers %s and %s share priority rank %d", prev, d.Name, d.PriorityRank)
		}
		byName[d.Name] = d
		ranks[d.PriorityRank] = d.Name
		ordered = append(ordered, d)
	}

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].PriorityRank < ordered[j].PriorityRank
	})

	return &Registry{byName: byName, ordered: ordered}, nil
}

// Get returns the descriptor for a provider name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// InPriorityOrder returns all descriptors sorted by ascending rank. The slice
// is a copy; callers may reorder it freely.
func (r *Registry) InPriorityOrder() []Descriptor {
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Names returns all provider names in priority order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, d := range r.ordered {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// Provider names and credential identifiers.
const (
	ProviderGemini      = "gemini"
	ProviderOpenRouter  = "openrouter"
	ProviderHuggingFace = "huggingface"

	CredentialGeminiAPIKey     = "GEMINI_API_KEY"
	CredentialOpenRouterAPIKey = "OPENROUTER_API_KEY"
	CredentialHFToken          = "HF_TOKEN"
)

// ModelOverrides replaces built-in default models per provider.
type ModelOverrides struct {
	Gemini      string
	OpenRouter  string
	HuggingFace string
}

// Builtin returns the default provider table. Pricing is USD per token.
func Builtin(overrides ModelOverrides) []Descriptor {
	pick := func(override, fallback string) string {
		if override != "" {
			return override
		}
		return fallback
	}

	return []Descriptor{
		{
			Name:                ProviderGemini,
			RequiredCredentials: []string{CredentialGeminiAPIKey},
			Capabilities:        []Capability{CapabilityText, CapabilityStructured},
			DefaultModel:        pick(overrides.Gemini, "gemini-2.0-flash-001"),
			PriorityRank:        1,
			Pricing:             Pricing{InputPerToken: 0.0000001, OutputPerToken: 0.0000004},
		},
		{
			Name:                ProviderOpenRouter,
			RequiredCredentials: []string{CredentialOpenRouterAPIKey},
			Capabilities:        []Capability{CapabilityText, CapabilityStructured},
			DefaultModel:        pick(overrides.OpenRouter, "openai/gpt-4-turbo"),
			PriorityRank:        2,
			Pricing:             Pricing{InputPerToken: 0.00001, OutputPerToken: 0.00003},
		},
		{
			Name:                ProviderHuggingFace,
			RequiredCredentials: []string{CredentialHFToken},
			Capabilities:        []Capability{CapabilityText},
			DefaultModel:        pick(overrides.HuggingFace, "openai/gpt-oss-120b:groq"),
			PriorityRank:        3,
			Pricing:             Pricing{InputPerToken: 0.00000015, OutputPerToken: 0.0000006},
		},
	}
}

// CanonicalName maps accepted provider aliases to registry names. Unrecognized
// input passes through normalized, so lookups against the registry decide
// whether it names anything.
func CanonicalName(s string) string {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "gemini", "google":
		return ProviderGemini
	case "openrouter", "or":
		return ProviderOpenRouter
	case "huggingface", "hf", "hf_response_api":
		return ProviderHuggingFace
	default:
		return normalized
	}
}
