package provider

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultClientTimeout = 60 * time.Second

// Candidate is a registered backend together with its current descriptor
// for one capability.
type Candidate struct {
	Provider   Provider
	Descriptor Descriptor
}

type entry struct {
	provider Provider
	descs    map[Capability]Descriptor
}

// Registry is the explicit provider map. It is populated at startup from
// config and may be updated while running: Register with an existing id
// replaces the backend and its descriptors in place.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	preferences map[Capability][]string
	logger      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		preferences: make(map[Capability][]string),
		logger:      logger,
	}
}

// Register adds or hot-swaps a backend. Each descriptor must name a
// capability the provider implements.
func (r *Registry) Register(p Provider, descs ...Descriptor) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("register: provider without id")
	}
	e := &entry{provider: p, descs: make(map[Capability]Descriptor, len(descs))}
	for _, d := range descs {
		if !Supports(p, d.Capability) {
			return fmt.Errorf("register %s: does not implement %s", p.ID(), d.Capability)
		}
		d.ID = p.ID()
		if d.Name == "" {
			d.Name = p.Name()
		}
		if d.Availability == "" {
			d.Availability = Online
		}
		d.UpdatedAt = time.Now()
		e.descs[d.Capability] = d
	}

	r.mu.Lock()
	_, swapped := r.entries[p.ID()]
	r.entries[p.ID()] = e
	r.mu.Unlock()

	r.logger.Info("registered provider",
		zap.String("id", p.ID()),
		zap.String("name", p.Name()),
		zap.Int("capabilities", len(descs)),
		zap.Bool("swapped", swapped))
	return nil
}

// Remove unregisters a backend. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// SetPreference replaces the ordered preference list for a capability.
func (r *Registry) SetPreference(c Capability, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferences[c] = slices.Clone(ids)
}

// Preference returns the configured order for a capability.
func (r *Registry) Preference(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.preferences[c])
}

// Candidates returns every backend serving c: preferred ids first in
// configured order, then any remaining backends sorted by id. Availability
// is not filtered here; that policy belongs to the caller.
func (r *Registry) Candidates(c Capability) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	seen := make(map[string]bool)
	for _, id := range r.preferences[c] {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		if d, ok := e.descs[c]; ok {
			out = append(out, Candidate{Provider: e.provider, Descriptor: d})
			seen[id] = true
		}
	}
	var rest []string
	for id, e := range r.entries {
		if _, ok := e.descs[c]; ok && !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		e := r.entries[id]
		out = append(out, Candidate{Provider: e.provider, Descriptor: e.descs[c]})
	}
	return out
}

// SetAvailability updates every descriptor of provider id and reports
// whether anything changed.
func (r *Registry) SetAvailability(id string, a Availability) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	changed := false
	for c, d := range e.descs {
		if d.Availability == a {
			continue
		}
		d.Availability = a
		d.UpdatedAt = time.Now()
		e.descs[c] = d
		changed = true
	}
	return changed
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Providers returns all registered backends sorted by id.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.provider)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Descriptors returns a copy of every descriptor, ordered by id then
// capability.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, e := range r.entries {
		for _, d := range e.descs {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Capability < out[j].Capability
	})
	return out
}

// New builds a backend from its config.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "local", "ollama", "llamacpp":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	}
	return nil, fmt.Errorf("provider %s: unknown type %q", cfg.ID, cfg.Type)
}

// RegisterConfig builds the backend for cfg and registers one descriptor
// per configured capability.
func (r *Registry) RegisterConfig(cfg ProviderConfig) error {
	p, err := New(cfg, r.logger)
	if err != nil {
		return err
	}
	caps := cfg.Capabilities
	if len(caps) == 0 {
		caps = []Capability{CapInference}
	}
	descs := make([]Descriptor, 0, len(caps))
	for _, c := range caps {
		descs = append(descs, Descriptor{
			Capability:     c,
			OfflineCapable: cfg.OfflineCapable,
		})
	}
	return r.Register(p, descs...)
}
