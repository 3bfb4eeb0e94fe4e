package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/protocol"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/port/cache"
	"github.com/Strob0t/AgentHost/internal/port/database"
	"github.com/Strob0t/AgentHost/internal/port/extension"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

// RuntimeConfig gathers the settings of every core component.
type RuntimeConfig struct {
	Supervisor         SupervisorConfig
	Conversation       ConversationConfig
	Router             RouterConfig
	DedupTTL           time.Duration
	DeadLetterCapacity int
	JournalBuffer      int
}

// RuntimeDeps are the adapters the runtime is assembled from. Cache is
// required; Store is optional.
type RuntimeDeps struct {
	Hub        *Hub
	Loaders    []sandbox.Loader
	Cache      cache.Cache
	Store      database.Store
	Extensions []extension.Extension
	Protocols  []*protocol.Definition
}

// Runtime is the assembled agent host.
type Runtime struct {
	Hub           *Hub
	Executor      *Executor
	Supervisor    *Supervisor
	Conversations *ConversationManager
	Router        *Router
	DeadLetters   *DeadLetters

	journal *Journal
	store   database.Store

	mu      sync.RWMutex
	modules map[string]sandbox.Module
}

// NewRuntime wires the core components together.
func NewRuntime(cfg RuntimeConfig, deps RuntimeDeps) *Runtime {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = 1000
	}
	if cfg.JournalBuffer <= 0 {
		cfg.JournalBuffer = 1024
	}

	rt := &Runtime{
		Hub:         deps.Hub,
		DeadLetters: NewDeadLetters(cfg.DeadLetterCapacity),
		store:       deps.Store,
		modules:     make(map[string]sandbox.Module),
	}
	rt.Executor = NewExecutor(deps.Hub, deps.Loaders...)

	opts := []SupervisorOption{WithDeadLetters(rt.DeadLetters), WithExtensions(deps.Extensions...)}
	if deps.Store != nil {
		rt.journal = NewJournal(deps.Store, cfg.JournalBuffer)
		opts = append(opts, WithJournal(rt.journal))
	}
	rt.Supervisor = NewSupervisor(rt.Executor, deps.Hub, cfg.Supervisor, opts...)
	rt.Conversations = NewConversationManager(protocol.NewRegistry(deps.Protocols...), deps.Hub, cfg.Conversation)
	rt.Router = NewRouter(rt.Supervisor, rt.Conversations, NewDeduper(deps.Cache, cfg.DedupTTL), deps.Hub, cfg.Router)
	return rt
}

// Run starts background maintenance and blocks until ctx ends.
func (rt *Runtime) Run(ctx context.Context) {
	rt.Conversations.Run(ctx)
}

// AddModule validates and registers a module binary for spawning.
func (rt *Runtime) AddModule(ctx context.Context, kind, name string, code []byte) (sandbox.Module, error) {
	m := sandbox.NewModule(kind, name, code)
	if err := rt.Executor.Validate(ctx, m); err != nil {
		return sandbox.Module{}, err
	}
	if rt.store != nil {
		if err := rt.store.SaveModule(ctx, m); err != nil {
			return sandbox.Module{}, fmt.Errorf("save module: %w", err)
		}
	}
	rt.mu.Lock()
	rt.modules[m.Digest] = m
	rt.mu.Unlock()
	slog.Info("module registered", "kind", kind, "name", name, "digest", m.Digest, "size", m.Size)
	return m, nil
}

// Module resolves a registered module by digest, consulting the store on
// a miss.
func (rt *Runtime) Module(ctx context.Context, digest string) (sandbox.Module, error) {
	rt.mu.RLock()
	m, ok := rt.modules[digest]
	rt.mu.RUnlock()
	if ok {
		return m, nil
	}
	if rt.store == nil {
		return sandbox.Module{}, fmt.Errorf("module %s: %w", digest, domain.ErrNotFound)
	}
	m, err := rt.store.GetModule(ctx, digest)
	if err != nil {
		return sandbox.Module{}, err
	}
	rt.mu.Lock()
	rt.modules[digest] = m
	rt.mu.Unlock()
	return m, nil
}

// Modules lists registered modules by name.
func (rt *Runtime) Modules() []sandbox.Module {
	rt.mu.RLock()
	out := make([]sandbox.Module, 0, len(rt.modules))
	for _, m := range rt.modules {
		out = append(out, m)
	}
	rt.mu.RUnlock()
	slices.SortFunc(out, func(a, b sandbox.Module) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return a.Added.Compare(b.Added)
	})
	return out
}

// SpawnNative starts a built-in agent by handler name.
func (rt *Runtime) SpawnNative(ctx context.Context, name, handler string, limits resource.Limits) (agent.Record, error) {
	return rt.Supervisor.Spawn(ctx, SpawnRequest{
		Name:   name,
		Module: sandbox.NewModule("native", handler, nil),
		Limits: limits,
	})
}

// Send routes a message from outside the sandbox.
func (rt *Runtime) Send(ctx context.Context, m fipa.Message) (*Receipt, error) {
	return rt.Router.Send(ctx, m)
}

// Stats is a point-in-time view of the runtime.
type Stats struct {
	Agents        map[agent.State]int `json:"agents"`
	Router        RouterStats         `json:"router"`
	Conversations ConversationStats   `json:"conversations"`
	DeadLetters   int64               `json:"dead_letters"`
	DroppedEvents int64               `json:"dropped_events"`
}

// Stats collects counters from every component.
func (rt *Runtime) Stats() Stats {
	s := Stats{
		Agents:        make(map[agent.State]int),
		Router:        rt.Router.Stats(),
		Conversations: rt.Conversations.Stats(),
		DeadLetters:   rt.DeadLetters.Total(),
		DroppedEvents: rt.Hub.Dropped(),
	}
	for _, r := range rt.Supervisor.List() {
		s.Agents[r.State]++
	}
	return s
}

// Shutdown stops every agent, flushes the journal and closes loaders.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := rt.Supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop agents: %w", err))
	}
	rt.journal.Close()
	if err := rt.Executor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close loaders: %w", err))
	}
	return errors.Join(errs...)
}
