package credentials

import (
	"sync"
	"time"

	"github.com/alwrity/llm-router/internal/registry"
)

// Source resolves credential identifiers to values. The config package is the
// production implementation.
type Source interface {
	Credential(name string) (string, bool)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(name string) (string, bool)

func (f SourceFunc) Credential(name string) (string, bool) { return f(name) }

// Snapshot is the set of providers whose credentials were all present at one
// detection pass. A snapshot is immutable once returned.
type Snapshot struct {
	usable  map[string]bool
	TakenAt time.Time
}

// Usable reports whether the named provider had all credentials at detection.
func (s Snapshot) Usable(name string) bool { return s.usable[name] }

// Empty reports whether no provider at all is usable.
func (s Snapshot) Empty() bool { return len(s.usable) == 0 }

// Names returns usable provider names in registry priority order.
func (s Snapshot) names(reg *registry.Registry) []string {
	var out []string
	for _, d := range reg.InPriorityOrder() {
		if s.usable[d.Name] {
			out = append(out, d.Name)
		}
	}
	return out
}

// Detector derives which registered providers are currently usable. Detection
// results are cached for at most ttl; a refresh swaps in a fully re-derived
// snapshot, never a partial one.
type Detector struct {
	registry *registry.Registry
	source   Source
	ttl      time.Duration

	mu       sync.RWMutex
	snapshot Snapshot

	now func() time.Time
}

// NewDetector creates a detector over the given registry and credential
// source. A non-positive ttl disables caching and every Detect re-derives.
func NewDetector(reg *registry.Registry, src Source, ttl time.Duration) *Detector {
	return &Detector{
		registry: reg,
		source:   src,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Detect returns the current credential snapshot, refreshing it when stale.
// A provider with any missing or blank credential is simply absent from the
// snapshot; the zero-provider case is escalated by the router, not here.
func (d *Detector) Detect() Snapshot {
	d.mu.RLock()
	snap := d.snapshot
	d.mu.RUnlock()

	if snap.usable != nil && d.ttl > 0 && d.now().Sub(snap.TakenAt) < d.ttl {
		return snap
	}
	return d.refresh()
}

// UsableNames returns the usable provider names in priority order.
func (d *Detector) UsableNames() []string {
	return d.Detect().names(d.registry)
}

func (d *Detector) refresh() Snapshot {
	usable := make(map[string]bool)
	for _, desc := range d.registry.InPriorityOrder() {
		if d.hasAllCredentials(desc) {
			usable[desc.Name] = true
		}
	}
	snap := Snapshot{usable: usable, TakenAt: d.now()}

	d.mu.Lock()
	d.snapshot = snap
	d.mu.Unlock()
	return snap
}

func (d *Detector) hasAllCredentials(desc registry.Descriptor) bool {
	for _, cred := range desc.RequiredCredentials {
		v, ok := d.source.Credential(cred)
		if !ok || v == "" {
			return false
		}
	}
	return true
}
