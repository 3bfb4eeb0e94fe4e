package native_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/Strob0t/AgentHost/internal/adapter/native"
	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

type nopHost struct{}

func (nopHost) Self() agent.ID                          { return "self" }
func (nopHost) Send(context.Context, fipa.Params) error { return nil }
func (nopHost) Now() time.Time                          { return time.Now() }
func (nopHost) Log(slog.Level, string)                  {}

type sizedHandler struct{ size uint64 }

func (h *sizedHandler) HandleMessage(context.Context, sandbox.Host, fipa.Message) error { return nil }
func (h *sizedHandler) Footprint() uint64                                               { return h.size }

func testMessage(t *testing.T) fipa.Message {
	t.Helper()
	m, err := fipa.New(fipa.Params{Performative: fipa.Inform, Sender: "a", Receivers: []agent.ID{"b"}, Content: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func instantiate(t *testing.T, l *native.Loader, name string) sandbox.Instance {
	t.Helper()
	inst, err := l.Instantiate(context.Background(), sandbox.NewModule(native.Kind, name, nil), sandbox.Config{
		Agent: "self", Limits: resource.Default(), Host: nopHost{},
	})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return inst
}

func TestLoader_UnknownHandler(t *testing.T) {
	l := native.NewLoader()
	err := l.Validate(context.Background(), sandbox.NewModule(native.Kind, "missing", nil))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestInstance_Panics(t *testing.T) {
	l := native.NewLoader(native.WithHandler("boom", func() native.Handler {
		return native.HandlerFunc(func(context.Context, sandbox.Host, fipa.Message) error { panic("kaboom") })
	}))
	err := instantiate(t, l, "boom").HandleMessage(context.Background(), testMessage(t))
	if !errors.Is(err, domain.ErrSandboxTrap) {
		t.Fatalf("expected ErrSandboxTrap, got %v", err)
	}
}

func TestInstance_DeadlinePoisons(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	l := native.NewLoader(native.WithHandler("stuck", func() native.Handler {
		return native.HandlerFunc(func(context.Context, sandbox.Host, fipa.Message) error {
			<-release
			return nil
		})
	}))
	inst := instantiate(t, l, "stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := inst.HandleMessage(ctx, testMessage(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := inst.HandleMessage(context.Background(), testMessage(t)); !errors.Is(err, domain.ErrSandboxTrap) {
		t.Fatalf("expected poisoned instance to trap, got %v", err)
	}
}

func TestInstance_Footprint(t *testing.T) {
	l := native.NewLoader(native.WithHandler("sized", func() native.Handler { return &sizedHandler{size: 42} }))
	if got := instantiate(t, l, "sized").MemoryBytes(); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestLoader_FreshHandlerPerInstance(t *testing.T) {
	calls := 0
	l := native.NewLoader(native.WithHandler("count", func() native.Handler {
		calls++
		return &sizedHandler{}
	}))
	instantiate(t, l, "count")
	instantiate(t, l, "count")
	if calls != 2 {
		t.Errorf("expected factory called twice, got %d", calls)
	}
}
