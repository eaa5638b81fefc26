package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/pendant/internal/resilience"
	"github.com/MrWong99/pendant/pkg/provider/stt"
)

// ErrNotConfigured is returned for a slot that has no provider entry.
var ErrNotConfigured = errors.New("router: provider slot not configured")

// Builder constructs provider clients. The config registry implements it.
type Builder interface {
	// Configured reports whether slot has a provider entry.
	Configured(slot Slot) bool

	// Build creates the client for slot in region.
	Build(slot Slot, region string) (stt.Provider, error)
}

type poolEntry struct {
	provider stt.Provider
	breaker  *resilience.CircuitBreaker
}

// Pool is a read-through cache of provider clients keyed by slot and region.
// Concurrent first use of a key builds the client once. Each key has its own
// circuit breaker around stream starts.
type Pool struct {
	builder Builder
	breaker resilience.CircuitBreakerConfig
	log     *slog.Logger

	mu      sync.RWMutex
	entries map[string]*poolEntry
	group   singleflight.Group
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithBreaker sets the breaker template used for every key. Name is
// overwritten with the key.
func WithBreaker(cfg resilience.CircuitBreakerConfig) PoolOption {
	return func(p *Pool) { p.breaker = cfg }
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// NewPool returns an empty pool over b.
func NewPool(b Builder, opts ...PoolOption) *Pool {
	p := &Pool{
		builder: b,
		log:     slog.Default(),
		entries: make(map[string]*poolEntry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func poolKey(slot Slot, region string) string {
	return string(slot) + "/" + region
}

// Configured reports whether slot can be used.
func (p *Pool) Configured(slot Slot) bool { return p.builder.Configured(slot) }

func (p *Pool) entry(slot Slot, region string) (*poolEntry, error) {
	key := poolKey(slot, region)
	p.mu.RLock()
	e, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return e, nil
	}
	if !p.builder.Configured(slot) {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, slot)
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		p.mu.RLock()
		e, ok := p.entries[key]
		p.mu.RUnlock()
		if ok {
			return e, nil
		}
		prov, err := p.builder.Build(slot, region)
		if err != nil {
			return nil, err
		}
		cfg := p.breaker
		cfg.Name = key
		e = &poolEntry{provider: prov, breaker: resilience.NewCircuitBreaker(cfg)}
		p.mu.Lock()
		p.entries[key] = e
		p.mu.Unlock()
		p.log.Info("router: provider client ready", "slot", slot, "region", region, "provider", prov.Name())
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("router: build %s: %w", key, err)
	}
	return v.(*poolEntry), nil
}

// StartStream opens a stream on the provider for slot and region. An open
// breaker fails fast with a terminal transport error.
func (p *Pool) StartStream(ctx context.Context, slot Slot, region string, cfg stt.StreamConfig) (stt.SessionHandle, string, error) {
	e, err := p.entry(slot, region)
	if err != nil {
		return nil, "", err
	}
	var h stt.SessionHandle
	err = e.breaker.Execute(func() error {
		var err error
		h, err = e.provider.StartStream(ctx, cfg)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, e.provider.Name(), fmt.Errorf("%w: %s: %w", stt.ErrTransport, e.provider.Name(), err)
	}
	if err != nil {
		return nil, e.provider.Name(), err
	}
	return h, e.provider.Name(), nil
}

// Invalidate drops every cached client for slot so the next session rebuilds
// it, for example after a credentials change.
func (p *Pool) Invalidate(slot Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.entries {
		if strings.HasPrefix(k, string(slot)+"/") {
			delete(p.entries, k)
		}
	}
}
