// Package secrets holds credentials that can rotate while the host runs.
package secrets

import (
	"fmt"
	"sync"
)

// Names of the secrets the host reads.
const (
	APIKey    = "api_key"
	MCPAPIKey = "mcp_api_key"
)

// Loader returns the current secret values by name.
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and swaps them atomically on Reload.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling loader once to populate it.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret called name, or "" if it is not set.
func (v *Vault) Get(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[name]
}

// Getter binds Get to name for consumers that re-read a secret per use.
func (v *Vault) Getter(name string) func() string {
	return func() string { return v.Get(name) }
}

// Redacted returns the secret masked for logs: the first two characters
// followed by ****, or just **** for short values.
func (v *Vault) Redacted(name string) string {
	s := v.Get(name)
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:2] + "****"
	}
}

// Reload calls the loader and swaps in the new values. On error the
// previous values stay in place.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}
