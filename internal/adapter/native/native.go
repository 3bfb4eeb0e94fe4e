// Package native implements the sandbox port for agents written as Go
// handlers. Native agents run in-process, so isolation is limited to panic
// recovery, deadlines and the host capability surface; it is meant for
// trusted system agents.
package native

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

// Kind is the module kind served by this loader.
const Kind = "native"

func init() {
	sandbox.Register(Kind, func(_ map[string]string) (sandbox.Loader, error) {
		return NewLoader(), nil
	})
}

// Handler is the body of a native agent.
type Handler interface {
	HandleMessage(ctx context.Context, host sandbox.Host, m fipa.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, host sandbox.Host, m fipa.Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, host sandbox.Host, m fipa.Message) error {
	return f(ctx, host, m)
}

// Footprinter is implemented by handlers that report their memory use.
type Footprinter interface {
	Footprint() uint64
}

// Factory creates a fresh handler for each instance so restarts start from
// clean state.
type Factory func() Handler

var (
	mu       sync.RWMutex
	handlers = make(map[string]Factory)
)

// Handle registers a handler factory for module name in every loader.
func Handle(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := handlers[name]; exists {
		panic(fmt.Sprintf("native: duplicate handler %q", name))
	}
	handlers[name] = f
}

// Loader resolves native modules by name.
type Loader struct {
	mu    sync.RWMutex
	local map[string]Factory
}

// Option configures a Loader.
type Option func(*Loader)

// WithHandler registers a factory on this loader only.
func WithHandler(name string, f Factory) Option {
	return func(l *Loader) { l.local[name] = f }
}

// NewLoader creates a loader seeing the package handlers plus opts.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{local: make(map[string]Factory)}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Handle registers a factory on this loader only.
func (l *Loader) Handle(name string, f Factory) {
	l.mu.Lock()
	l.local[name] = f
	l.mu.Unlock()
}

// Names returns every handler this loader can instantiate.
func (l *Loader) Names() []string {
	seen := make(map[string]bool)
	mu.RLock()
	for n := range handlers {
		seen[n] = true
	}
	mu.RUnlock()
	l.mu.RLock()
	for n := range l.local {
		seen[n] = true
	}
	l.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (l *Loader) factory(name string) (Factory, bool) {
	l.mu.RLock()
	f, ok := l.local[name]
	l.mu.RUnlock()
	if ok {
		return f, true
	}
	mu.RLock()
	defer mu.RUnlock()
	f, ok = handlers[name]
	return f, ok
}

func (l *Loader) Kind() string { return Kind }

func (l *Loader) Validate(_ context.Context, m sandbox.Module) error {
	if _, ok := l.factory(m.Name); !ok {
		return fmt.Errorf("%w: unknown native handler %q", domain.ErrValidation, m.Name)
	}
	return nil
}

func (l *Loader) Instantiate(_ context.Context, m sandbox.Module, cfg sandbox.Config) (sandbox.Instance, error) {
	f, ok := l.factory(m.Name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown native handler %q", domain.ErrValidation, m.Name)
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("%w: native instance requires a host", domain.ErrValidation)
	}
	return &instance{handler: f(), host: cfg.Host}, nil
}

func (l *Loader) Close(context.Context) error { return nil }

type instance struct {
	handler  Handler
	host     sandbox.Host
	poisoned atomic.Bool
}

// HandleMessage runs the handler on its own goroutine so a handler that
// ignores ctx still returns control at the deadline. Such an instance is
// poisoned: the goroutine may still be running and owns the handler state.
func (i *instance) HandleMessage(ctx context.Context, m fipa.Message) error {
	if i.poisoned.Load() {
		return fmt.Errorf("%w: instance abandoned after a previous deadline", domain.ErrSandboxTrap)
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: panic: %v", domain.ErrSandboxTrap, r)
			}
		}()
		done <- i.handler.HandleMessage(ctx, i.host, m)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		i.poisoned.Store(true)
		return ctx.Err()
	}
}

func (i *instance) MemoryBytes() uint64 {
	if f, ok := i.handler.(Footprinter); ok {
		return f.Footprint()
	}
	return 0
}

func (i *instance) Close(context.Context) error {
	if c, ok := i.handler.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
