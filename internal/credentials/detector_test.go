package credentials

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alwrity/llm-router/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New(registry.Builtin(registry.ModelOverrides{})...)
	require.NoError(t, err)
	return r
}

func mapSource(creds map[string]string) Source {
	return SourceFunc(func(name string) (string, bool) {
		v, ok := creds[name]
		return v, ok
	})
}

func TestDetect_OnlyProvidersWithAllCredentials(t *testing.T) {
	d := NewDetector(testRegistry(t), mapSource(map[string]string{
		registry.CredentialGeminiAPIKey: "g-key",
		registry.CredentialHFToken:      "hf-token",
	}), 0)

	snap := d.Detect()
	assert.True(t, snap.Usable(registry.ProviderGemini))
	assert.False(t, snap.Usable(registry.ProviderOpenRouter))
	assert.True(t, snap.Usable(registry.ProviderHuggingFace))
	assert.Equal(t, []string{registry.ProviderGemini, registry.ProviderHuggingFace}, d.UsableNames())
}

func TestDetect_BlankCredentialExcludes(t *testing.T) {
	d := NewDetector(testRegistry(t), mapSource(map[string]string{
		registry.CredentialGeminiAPIKey: "",
	}), 0)

	snap := d.Detect()
	assert.False(t, snap.Usable(registry.ProviderGemini))
	assert.True(t, snap.Empty())
}

func TestDetect_CacheRespectsTTL(t *testing.T) {
	creds := map[string]string{registry.CredentialGeminiAPIKey: "g-key"}
	d := NewDetector(testRegistry(t), mapSource(creds), time.Minute)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	assert.True(t, d.Detect().Usable(registry.ProviderGemini))

	// Credential removed: cached snapshot still serves within the TTL.
	delete(creds, registry.CredentialGeminiAPIKey)
	clock = clock.Add(30 * time.Second)
	assert.True(t, d.Detect().Usable(registry.ProviderGemini))

	// Past the TTL the removal must be observed.
	clock = clock.Add(31 * time.Second)
	assert.False(t, d.Detect().Usable(registry.ProviderGemini))
}

func TestDetect_NoCacheWhenTTLZero(t *testing.T) {
	creds := map[string]string{registry.CredentialHFToken: "tok"}
	d := NewDetector(testRegistry(t), mapSource(creds), 0)

	assert.True(t, d.Detect().Usable(registry.ProviderHuggingFace))
	delete(creds, registry.CredentialHFToken)
	assert.False(t, d.Detect().Usable(registry.ProviderHuggingFace))
}
