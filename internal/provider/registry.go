package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrNoProvider is returned by Recommend when no configured provider can
// serve the requirements.
var ErrNoProvider = errors.New("no provider can serve the requested certificate")

// Requirements describes what an issuance needs from a CA.
type Requirements struct {
	CertType       string
	ValidationType string
	NeedAutoRenew  bool
	PreferLowCost  bool
	Platform       string
}

// Health is one provider's probe result.
type Health struct {
	Provider  string         `json:"provider"`
	Healthy   bool           `json:"healthy"`
	Info      ConnectionInfo `json:"info"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// entry is one configured adapter plus its operator-set priority and a
// semaphore bounding concurrent calls against that CA.
type entry struct {
	adapter  Adapter
	priority int
	sem      chan struct{}
}

// healthCache is a time-bounded snapshot of probe results. It is a value
// handed out by the registry, not ambient mutable state; ForceRefresh
// replaces it wholesale.
type healthCache struct {
	results   map[string]Health
	fetchedAt time.Time
}

// Registry holds all configured provider adapters and answers capability
// and recommendation queries.
type Registry struct {
	logger    zerolog.Logger
	healthTTL time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	cache   *healthCache

	refresh singleflight.Group
}

const defaultHealthTTL = 5 * time.Minute

// NewRegistry creates an empty registry. healthTTL <= 0 selects the
// default of five minutes.
func NewRegistry(logger zerolog.Logger, healthTTL time.Duration) *Registry {
	if healthTTL <= 0 {
		healthTTL = defaultHealthTTL
	}
	return &Registry{
		logger:    logger.With().Str("component", "provider-registry").Logger(),
		healthTTL: healthTTL,
		entries:   map[string]*entry{},
	}
}

// Register adds an adapter under its own name. maxConcurrent bounds
// simultaneous calls to this CA; <= 0 selects a cap of 4.
func (r *Registry) Register(a Adapter, priority, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[a.Name()] = &entry{
		adapter:  a,
		priority: priority,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// Available returns the names of all configured providers, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the adapter registered under name. Explicit lookups
// succeed even for providers currently failing health checks; an
// operator override is never silently blocked.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured: %w", name, ErrNoProvider)
	}
	return e.adapter, nil
}

// CapabilitiesOf returns the capabilities of the named provider.
func (r *Registry) CapabilitiesOf(name string) (Capabilities, error) {
	a, err := r.Get(name)
	if err != nil {
		return Capabilities{}, err
	}
	return a.Capabilities(), nil
}

// Acquire blocks until a call slot for the named provider is free, or
// the context is done. The returned release function must be called when
// the provider call finishes.
func (r *Registry) Acquire(ctx context.Context, name string) (func(), error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured: %w", name, ErrNoProvider)
	}
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recommend scores every configured, currently healthy provider against
// the requirements and returns the highest-scoring name.
func (r *Registry) Recommend(ctx context.Context, req Requirements) (string, error) {
	health := r.HealthCheck(ctx, false)

	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	bestScore := -1
	for name, e := range r.entries {
		if h, ok := health[name]; ok && !h.Healthy {
			continue
		}
		caps := e.adapter.Capabilities()
		if !caps.SupportsCertType(req.CertType) {
			continue
		}
		score := scoreProvider(caps, e.priority, req)
		if score > bestScore || (score == bestScore && name < best) {
			best = name
			bestScore = score
		}
	}
	if best == "" {
		return "", ErrNoProvider
	}
	return best, nil
}

// scoreProvider combines certificate-type match, cost preference,
// auto-renewal support, configured priority, and platform affinity.
func scoreProvider(caps Capabilities, priority int, req Requirements) int {
	score := priority * 10

	if req.ValidationType != "" {
		for _, v := range caps.ValidationTypes {
			if v == req.ValidationType {
				score += 20
				break
			}
		}
	}
	if req.NeedAutoRenew && caps.AutoRenewal {
		score += 30
	}
	if req.PreferLowCost {
		switch caps.Cost {
		case CostFree:
			score += 25
		case CostPaid:
			score += 10
		}
	}
	if req.Platform != "" {
		for _, p := range caps.PlatformAffinity {
			if p == req.Platform {
				score += 15
				break
			}
		}
	}
	return score
}

// HealthCheck returns per-provider connectivity. Results are served from
// a time-bounded cache; force replaces the cache, with concurrent forced
// refreshes collapsed into one probe round.
func (r *Registry) HealthCheck(ctx context.Context, force bool) map[string]Health {
	r.mu.RLock()
	cache := r.cache
	r.mu.RUnlock()

	if !force && cache != nil && time.Since(cache.fetchedAt) < r.healthTTL {
		return cache.results
	}

	v, _, _ := r.refresh.Do("health", func() (any, error) {
		results := r.probeAll(ctx)
		r.mu.Lock()
		r.cache = &healthCache{results: results, fetchedAt: time.Now()}
		r.mu.Unlock()
		return results, nil
	})
	return v.(map[string]Health)
}

func (r *Registry) probeAll(ctx context.Context) map[string]Health {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.entries))
	for _, e := range r.entries {
		adapters = append(adapters, e.adapter)
	}
	r.mu.RUnlock()

	var resMu sync.Mutex
	results := make(map[string]Health, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, a := range adapters {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()

			h := Health{Provider: a.Name(), CheckedAt: time.Now()}
			info, err := a.TestConnection(probeCtx)
			if err != nil {
				h.Error = err.Error()
				r.logger.Warn().Str("provider", a.Name()).Err(err).Msg("provider health check failed")
			} else {
				h.Healthy = info.Success
				h.Info = *info
			}

			resMu.Lock()
			results[a.Name()] = h
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
