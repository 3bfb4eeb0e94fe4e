package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
	"github.com/Strob0t/AgentHost/internal/service"
)

type fakeInstance struct {
	handle func(ctx context.Context) error
	mem    uint64
	closed bool
}

func (f *fakeInstance) HandleMessage(ctx context.Context, _ fipa.Message) error {
	if f.handle == nil {
		return nil
	}
	return f.handle(ctx)
}
func (f *fakeInstance) MemoryBytes() uint64         { return f.mem }
func (f *fakeInstance) Close(context.Context) error { f.closed = true; return nil }

type fakeLoader struct{ inst *fakeInstance }

func (l *fakeLoader) Kind() string                                   { return "fake" }
func (l *fakeLoader) Validate(context.Context, sandbox.Module) error { return nil }
func (l *fakeLoader) Close(context.Context) error                    { return nil }
func (l *fakeLoader) Instantiate(context.Context, sandbox.Module, sandbox.Config) (sandbox.Instance, error) {
	return l.inst, nil
}

func sleepUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestExecutor_Invoke(t *testing.T) {
	errAgent := errors.New("agent said no")
	limits := resource.Limits{MaxMemoryBytes: 1 << 20, MaxCPUTime: 20 * time.Millisecond, Timeout: time.Second, MaxMessagesInFlight: 1, MaxMessageBytes: 1024}
	wallBound := limits
	wallBound.MaxCPUTime, wallBound.Timeout = time.Second, 20*time.Millisecond

	tests := []struct {
		name     string
		inst     *fakeInstance
		limits   resource.Limits
		wantKind error
		wantText string
	}{
		{"ok", &fakeInstance{}, limits, nil, ""},
		{"agent error passes through", &fakeInstance{handle: func(context.Context) error { return errAgent }}, limits, errAgent, ""},
		{"cpu budget", &fakeInstance{handle: sleepUntilDone}, limits, domain.ErrResourceExceeded, "cpu-time"},
		{"wall clock budget", &fakeInstance{handle: sleepUntilDone}, wallBound, domain.ErrResourceExceeded, "timeout"},
		{"panic is a trap", &fakeInstance{handle: func(context.Context) error { panic("boom") }}, limits, domain.ErrSandboxTrap, ""},
		{"memory over quota", &fakeInstance{mem: 2 << 20}, limits, domain.ErrResourceExceeded, "memory"},
		{"trap after memory breach", &fakeInstance{mem: 2 << 20, handle: func(context.Context) error { return domain.ErrSandboxTrap }}, limits, domain.ErrResourceExceeded, "memory"},
	}

	exec := service.NewExecutor(nil)
	m := msg(t, fipa.Params{Receivers: []agent.ID{"x"}})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exec.Invoke(context.Background(), tt.inst, tt.limits, m)
			if tt.wantKind == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("expected %v, got %v", tt.wantKind, err)
			}
			if tt.wantText != "" && !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("expected error to mention %q, got %v", tt.wantText, err)
			}
		})
	}
}

func TestExecutor_CallerCancelIsNotABreach(t *testing.T) {
	exec := service.NewExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := exec.Invoke(ctx, &fakeInstance{handle: sleepUntilDone}, resource.Default(), msg(t, fipa.Params{Receivers: []agent.ID{"x"}}))
	if errors.Is(err, domain.ErrResourceExceeded) {
		t.Errorf("expected caller cancellation to stay a context error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExecutor_Instantiate(t *testing.T) {
	big := &fakeInstance{mem: 4 << 20}
	exec := service.NewExecutor(nil, &fakeLoader{inst: big})
	mod := sandbox.NewModule("fake", "big", []byte("x"))

	_, err := exec.Instantiate(context.Background(), mod, sandbox.Config{Limits: resource.Default()})
	if err != nil {
		t.Fatalf("expected instance within the default quota, got %v", err)
	}

	small := resource.Default()
	small.MaxMemoryBytes = 1 << 20
	_, err = exec.Instantiate(context.Background(), mod, sandbox.Config{Limits: small})
	if !errors.Is(err, domain.ErrResourceExceeded) {
		t.Fatalf("expected ErrResourceExceeded, got %v", err)
	}
	if !big.closed {
		t.Error("expected oversize instance to be closed")
	}

	_, err = exec.Instantiate(context.Background(), sandbox.NewModule("wasm", "m", nil), sandbox.Config{Limits: small})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for an unknown kind, got %v", err)
	}
}
