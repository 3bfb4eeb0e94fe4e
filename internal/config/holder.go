package config

import "sync"

// Holder keeps the current configuration and swaps it on Reload. Readers
// always see a complete, validated config.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
	cli  CLIFlags
}

// NewHolder wraps an already loaded config read from path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// WithCLI keeps flags applied on every reload.
func (h *Holder) WithCLI(f CLIFlags) *Holder {
	h.mu.Lock()
	h.cli = f
	h.mu.Unlock()
	return h
}

// Get returns the current config. Callers must not modify it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload re-reads the YAML file and environment. On error the previous
// config stays in place.
func (h *Holder) Reload() error {
	h.mu.RLock()
	path, cli := h.path, h.cli
	h.mu.RUnlock()

	cfg, err := load(path, cli)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}
