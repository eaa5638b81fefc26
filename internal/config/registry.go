package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/pendant/internal/router"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// STTFactory builds an STT provider for one region. An empty region selects
// the entry's default.
type STTFactory func(entry ProviderEntry, region string) (stt.Provider, error)

// VADFactory builds a VAD engine from the vad section.
type VADFactory func(cfg VADConfig) (vad.Engine, error)

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]STTFactory
	vad map[string]VADFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]STTFactory),
		vad: make(map[string]VADFactory),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry, region string) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, region)
}

// CreateVAD instantiates a VAD engine using the factory registered under cfg.Engine.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// SlotBuilder adapts a Registry and the providers section to
// [router.Builder].
type SlotBuilder struct {
	Registry  *Registry
	Providers ProvidersConfig
}

var _ router.Builder = SlotBuilder{}

func (b SlotBuilder) entry(slot router.Slot) ProviderEntry {
	switch slot {
	case router.SlotA:
		return b.Providers.A
	case router.SlotB:
		return b.Providers.B
	case router.SlotC:
		return b.Providers.C
	}
	return ProviderEntry{}
}

// Configured implements [router.Builder].
func (b SlotBuilder) Configured(slot router.Slot) bool {
	return b.entry(slot).Configured()
}

// Build implements [router.Builder].
func (b SlotBuilder) Build(slot router.Slot, region string) (stt.Provider, error) {
	e := b.entry(slot)
	if !e.Configured() {
		return nil, fmt.Errorf("%w: %s", router.ErrNotConfigured, slot)
	}
	if region == "" {
		region = e.Region
	}
	return b.Registry.CreateSTT(e, region)
}
