package sandbox

import (
	"fmt"
	"slices"
	"sync"
)

// Factory creates a Loader from string settings.
type Factory func(config map[string]string) (Loader, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a loader factory available by module kind.
// It is typically called from an init() function in the adapter package.
func Register(kind string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("sandbox: duplicate registration for %q", kind))
	}
	factories[kind] = factory
}

// New creates a Loader for kind using the registered factory.
func New(kind string, config map[string]string) (Loader, error) {
	mu.RLock()
	factory, ok := factories[kind]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("sandbox: unknown module kind %q", kind)
	}
	return factory(config)
}

// Available returns the registered module kinds, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}
