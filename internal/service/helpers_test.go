package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentHost/internal/adapter/native"
	"github.com/Strob0t/AgentHost/internal/adapter/ristretto"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
	"github.com/Strob0t/AgentHost/internal/service"
)

// inbox records every message an agent handles.
type inbox struct {
	mu  sync.Mutex
	got []fipa.Message
	ch  chan fipa.Message
}

func newInbox() *inbox { return &inbox{ch: make(chan fipa.Message, 64)} }

func (b *inbox) factory() native.Factory {
	return func() native.Handler {
		return native.HandlerFunc(func(_ context.Context, _ sandbox.Host, m fipa.Message) error {
			b.mu.Lock()
			b.got = append(b.got, m)
			b.mu.Unlock()
			b.ch <- m
			return nil
		})
	}
}

func (b *inbox) messages() []fipa.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fipa.Message(nil), b.got...)
}

func (b *inbox) next(t *testing.T) fipa.Message {
	t.Helper()
	select {
	case m := <-b.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return fipa.Message{}
	}
}

func (b *inbox) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-b.ch:
		t.Fatalf("expected no delivery, got %s", m)
	case <-time.After(d):
	}
}

type env struct {
	rt     *service.Runtime
	loader *native.Loader
}

type envOption func(*service.RuntimeConfig)

func withBackpressure(b service.Backpressure) envOption {
	return func(c *service.RuntimeConfig) { c.Router.Backpressure = b }
}

func withRestartPolicy(p agent.RestartPolicy) envOption {
	return func(c *service.RuntimeConfig) { c.Supervisor.RestartPolicy = p }
}

func withNotices() envOption {
	return func(c *service.RuntimeConfig) { c.Router.NotifyNotUnderstood = true }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	cfg := service.RuntimeConfig{
		Supervisor: service.SupervisorConfig{
			RestartPolicy: agent.RestartPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2},
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	loader := native.NewLoader()
	rt := service.NewRuntime(cfg, service.RuntimeDeps{
		Loaders: []sandbox.Loader{loader},
		Cache:   c,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return &env{rt: rt, loader: loader}
}

func (e *env) spawn(t *testing.T, name string, f native.Factory, limits resource.Limits) agent.ID {
	t.Helper()
	e.loader.Handle(name, f)
	rec, err := e.rt.Supervisor.Spawn(context.Background(), service.SpawnRequest{
		Name:   name,
		Module: sandbox.NewModule(native.Kind, name, nil),
		Limits: limits,
	})
	if err != nil {
		t.Fatalf("spawn %s: %v", name, err)
	}
	if rec.State != agent.StateReady {
		t.Fatalf("expected ready after spawn, got %s", rec.State)
	}
	return rec.ID
}

func (e *env) wait(t *testing.T, id agent.ID, states ...agent.State) agent.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := e.rt.Supervisor.Wait(ctx, id, states...)
	if err != nil {
		t.Fatalf("wait for %v: %v (state %s)", states, err, rec.State)
	}
	return rec
}

func msg(t *testing.T, p fipa.Params) fipa.Message {
	t.Helper()
	if p.Performative == "" {
		p.Performative = fipa.Inform
	}
	if p.Sender == "" {
		p.Sender = "driver"
	}
	if p.Content == nil {
		p.Content = []byte("hello")
	}
	m, err := fipa.New(p)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return m
}

// blocker holds every call until release is closed or the call deadline.
func blocker(started chan<- fipa.Message, release <-chan struct{}) native.Factory {
	return func() native.Handler {
		return native.HandlerFunc(func(ctx context.Context, _ sandbox.Host, m fipa.Message) error {
			if started != nil {
				started <- m
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		})
	}
}
