package llmprovider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/chatcore/core/internal/circuitbreaker"
	"github.com/chatcore/core/internal/resilience"
	"github.com/chatcore/core/internal/telemetry"
)

// Registry holds named Provider instances and the fallback groups, one per
// requested list of provider names, used to select between them. It is
// safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
	breakerCfg  circuitbreaker.Config
	metrics     *telemetry.Metrics
	groups      map[string]*resilience.FallbackGroup[Provider] // keyed by the requested provider-name list
}

// NewRegistry returns an empty, ready-to-use Registry. breakerCfg governs
// every provider's circuit breaker within a fallback group. metrics may be
// nil, in which case breaker state and rejections are not reported.
func NewRegistry(breakerCfg circuitbreaker.Config, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		providers:  make(map[string]Provider),
		breakerCfg: breakerCfg,
		metrics:    metrics,
		groups:     make(map[string]*resilience.FallbackGroup[Provider]),
	}
}

// Register adds a provider under its own Name(). It overwrites any
// previously registered provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
	r.mu.Unlock()
}

// SetDefault marks name as the provider used when a session specifies no
// explicit provider.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	r.defaultName = name
	r.mu.Unlock()
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llmprovider: %q not registered", name)
	}
	return p, nil
}

// Default returns the default provider, or an error if none is registered.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("llmprovider: no default provider registered")
	}
	return r.Get(name)
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// FallbackGroup builds (and caches) a resilience.FallbackGroup for
// requested, trying names in order until one succeeds or all fail. Unknown
// names are skipped with no error, since a misconfigured fallback chain
// should degrade rather than hard-fail session creation.
func (r *Registry) FallbackGroup(requested ...string) *resilience.FallbackGroup[Provider] {
	key := fmt.Sprint(requested)

	r.mu.RLock()
	if g, ok := r.groups[key]; ok {
		r.mu.RUnlock()
		return g
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[key]; ok {
		return g
	}

	g := resilience.NewFallbackGroup[Provider](resilience.FallbackConfig{CircuitBreaker: r.breakerCfg, Metrics: r.metrics})
	for _, name := range requested {
		if p, ok := r.providers[name]; ok {
			g.AddFallback(name, p)
		}
	}
	r.groups[key] = g
	return g
}

// Complete runs a non-streaming completion against the first healthy
// provider in the fallback chain, returning the provider name that served
// the request alongside its response.
func Complete(ctx context.Context, g *resilience.FallbackGroup[Provider], req CompletionRequest) (string, *CompletionResponse, error) {
	var servedBy string
	resp, err := resilience.ExecuteWithResult(ctx, g, func(p Provider) (*CompletionResponse, error) {
		servedBy = p.Name()
		return p.Complete(ctx, req)
	})
	return servedBy, resp, err
}

// StreamCompletion runs a streaming completion against the first healthy
// provider in the fallback chain. Unlike Complete, a mid-stream error
// (reported via a Chunk.Err) is not retried against the next provider: the
// orchestrator surfaces it as a turn-level fallback decision instead, since
// a caller downstream may already have committed partial output.
func StreamCompletion(ctx context.Context, g *resilience.FallbackGroup[Provider], req CompletionRequest) (string, <-chan Chunk, error) {
	var servedBy string
	ch, err := resilience.ExecuteWithResult(ctx, g, func(p Provider) (<-chan Chunk, error) {
		servedBy = p.Name()
		return p.StreamCompletion(ctx, req)
	})
	return servedBy, ch, err
}
