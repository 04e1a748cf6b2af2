package config

import "sync/atomic"

// Provider hands out the current configuration snapshot. Hot reload swaps
// the whole snapshot atomically; readers call Get per request and never
// see a half-written config.
type Provider struct {
	current atomic.Pointer[Config]
}

// NewProvider wraps an initial snapshot.
func NewProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.current.Store(cfg)
	return p
}

// Get returns the current snapshot. Callers must not mutate it.
func (p *Provider) Get() *Config {
	return p.current.Load()
}

// Swap replaces the snapshot; in-flight requests keep the one they read.
func (p *Provider) Swap(cfg *Config) {
	p.current.Store(cfg)
}
