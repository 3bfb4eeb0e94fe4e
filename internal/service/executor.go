package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/port/observability"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

var errBudgetExhausted = errors.New("invocation budget exhausted")

// Executor runs agent modules through the loader of their kind and turns
// every way a call can go wrong into a domain error kind.
type Executor struct {
	loaders map[string]sandbox.Loader
	hub     *Hub
}

// NewExecutor creates an executor over the given loaders, keyed by kind.
func NewExecutor(hub *Hub, loaders ...sandbox.Loader) *Executor {
	e := &Executor{loaders: make(map[string]sandbox.Loader, len(loaders)), hub: hub}
	for _, l := range loaders {
		e.loaders[l.Kind()] = l
	}
	return e
}

// Kinds returns the module kinds this executor can run.
func (e *Executor) Kinds() []string {
	out := make([]string, 0, len(e.loaders))
	for k := range e.loaders {
		out = append(out, k)
	}
	return out
}

func (e *Executor) loader(kind string) (sandbox.Loader, error) {
	l, ok := e.loaders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no loader for module kind %q", domain.ErrValidation, kind)
	}
	return l, nil
}

// Validate checks a module without instantiating it.
func (e *Executor) Validate(ctx context.Context, m sandbox.Module) error {
	l, err := e.loader(m.Kind)
	if err != nil {
		return err
	}
	if err := l.Validate(ctx, m); err != nil {
		return fmt.Errorf("validate module %s: %w", m.Name, err)
	}
	return nil
}

// Instantiate creates a fresh isolated instance of m.
func (e *Executor) Instantiate(ctx context.Context, m sandbox.Module, cfg sandbox.Config) (inst sandbox.Instance, err error) {
	l, err := e.loader(m.Kind)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, fmt.Errorf("%w: instantiate panicked: %v", domain.ErrSandboxTrap, r)
		}
	}()

	inst, err = l.Instantiate(ctx, m, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate module %s: %w", m.Name, err)
	}
	if mem := inst.MemoryBytes(); mem > cfg.Limits.MaxMemoryBytes {
		_ = inst.Close(ctx)
		return nil, fmt.Errorf("%w: memory %d bytes over limit %d at instantiation", domain.ErrResourceExceeded, mem, cfg.Limits.MaxMemoryBytes)
	}
	return inst, nil
}

// Invoke delivers m to inst under limits. The call is bounded by the
// smaller of the CPU-time slice and the wall-clock timeout; breaching it,
// or leaving the memory image over its quota, yields ErrResourceExceeded.
// Faults inside the sandbox yield ErrSandboxTrap. Any other error is the
// agent's own result.
func (e *Executor) Invoke(ctx context.Context, inst sandbox.Instance, limits resource.Limits, m fipa.Message) error {
	budget, reason := limits.InvocationDeadline()
	callCtx, cancel := context.WithTimeoutCause(ctx, budget, errBudgetExhausted)
	defer cancel()

	callCtx, span := e.hub.StartSpan(callCtx, "agent.invoke")
	defer span.End()
	span.SetAttribute("conversation_id", m.ConversationID())
	span.SetAttribute("performative", string(m.Performative()))

	start := time.Now()
	err := e.call(callCtx, inst, m)
	elapsed := time.Since(start)
	e.hub.RecordMetric(observability.MetricInvocationTime, float64(elapsed.Microseconds())/1000, map[string]string{
		"performative": string(m.Performative()),
	})

	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(callCtx), errBudgetExhausted) {
		err = fmt.Errorf("%w: %s budget of %s exhausted after %s", domain.ErrResourceExceeded, reason, budget, elapsed.Round(time.Millisecond))
	}
	// A guest that aborts after a refused grow is still a memory breach.
	if !errors.Is(err, domain.ErrResourceExceeded) {
		if mem := inst.MemoryBytes(); mem > limits.MaxMemoryBytes {
			err = fmt.Errorf("%w: memory %d bytes over limit %d", domain.ErrResourceExceeded, mem, limits.MaxMemoryBytes)
		}
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (e *Executor) call(ctx context.Context, inst sandbox.Instance, m fipa.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent call panicked", "conversation_id", m.ConversationID(), "panic", r)
			err = fmt.Errorf("%w: panic: %v", domain.ErrSandboxTrap, r)
		}
	}()
	return inst.HandleMessage(ctx, m)
}

// Close releases every loader.
func (e *Executor) Close(ctx context.Context) error {
	var errs []error
	for _, l := range e.loaders {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
