package service_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/AgentHost/internal/adapter/native"
	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
	"github.com/Strob0t/AgentHost/internal/service"
)

func TestSpawnStop_NoResidualMessages(t *testing.T) {
	e := newEnv(t)
	started := make(chan fipa.Message, 4)
	release := make(chan struct{})
	id := e.spawn(t, "slow", blocker(started, release), resource.Limits{MaxMessagesInFlight: 4})

	first := msg(t, fipa.Params{Receivers: []agent.ID{id}})
	if _, err := e.rt.Send(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	<-started
	for range 2 {
		rcpt, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}}))
		if err != nil || rcpt.Err() != nil {
			t.Fatalf("queue message: %v %v", err, rcpt.Err())
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = e.rt.Supervisor.Stop(ctx, id) // in-flight call still holds the agent

	rec, err := e.rt.Supervisor.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != agent.StateStopped {
		t.Fatalf("expected stopped, got %s", rec.State)
	}
	if rec.QueueDepth != 0 {
		t.Errorf("expected empty queue, got %d", rec.QueueDepth)
	}
	if got := len(e.rt.DeadLetters.List()); got != 2 {
		t.Errorf("expected 2 undeliverable messages, got %d", got)
	}

	close(release)
	time.Sleep(30 * time.Millisecond)
	if rec, _ := e.rt.Supervisor.Get(id); rec.State != agent.StateStopped {
		t.Errorf("expected agent to stay stopped after in-flight call, got %s", rec.State)
	}

	rcpt, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}}))
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(rcpt.Err(), domain.ErrRoutingFailure) {
		t.Errorf("expected ErrRoutingFailure after stop, got %v", rcpt.Err())
	}
}

func TestStop_ReturnsQueueToLocalSender(t *testing.T) {
	e := newEnv(t)
	box := newInbox()
	sender := e.spawn(t, "sender", box.factory(), resource.Limits{MaxMessagesInFlight: 4})
	started := make(chan fipa.Message, 4)
	release := make(chan struct{})
	defer close(release)
	slow := e.spawn(t, "slow", blocker(started, release), resource.Limits{MaxMessagesInFlight: 4})

	if _, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Sender: sender, Receivers: []agent.ID{slow}})); err != nil {
		t.Fatal(err)
	}
	<-started
	queued := msg(t, fipa.Params{Sender: sender, Receivers: []agent.ID{slow}, ReplyWith: "r1"})
	if rcpt, err := e.rt.Send(context.Background(), queued); err != nil || rcpt.Err() != nil {
		t.Fatalf("queue message: %v %v", err, rcpt.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = e.rt.Supervisor.Stop(ctx, slow)

	got := box.next(t)
	if got.Performative() != fipa.Failure || got.Sender() != service.SystemAgent {
		t.Fatalf("expected failure from %s, got %s from %s", service.SystemAgent, got.Performative(), got.Sender())
	}
	if got.InReplyTo() != "r1" || got.ConversationID() != queued.ConversationID() {
		t.Errorf("expected reply to r1 in %s, got %q in %s", queued.ConversationID(), got.InReplyTo(), got.ConversationID())
	}
	if !strings.Contains(string(got.Content()), queued.ID()) {
		t.Errorf("expected notice to name message %s, got %s", queued.ID(), got.Content())
	}
	box.none(t, 50*time.Millisecond)
}

func TestRestartPolicy_FailsAfterCap(t *testing.T) {
	e := newEnv(t, withRestartPolicy(agent.RestartPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}))
	id := e.spawn(t, "crash", func() native.Handler {
		return native.HandlerFunc(func(context.Context, sandbox.Host, fipa.Message) error { panic("boom") })
	}, resource.Limits{MaxMessagesInFlight: 8})

	for range 4 {
		rcpt, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}}))
		if err != nil || rcpt.Err() != nil {
			t.Fatalf("send: %v %v", err, rcpt.Err())
		}
	}

	rec := e.wait(t, id, agent.StateFailed)
	time.Sleep(20 * time.Millisecond)
	rec, _ = e.rt.Supervisor.Get(id)
	if rec.State != agent.StateFailed {
		t.Fatalf("expected permanently failed, got %s", rec.State)
	}
	if rec.RestartCount != 3 {
		t.Errorf("expected 3 restarts, got %d", rec.RestartCount)
	}
	if !strings.Contains(rec.LastFailure, "sandbox trap") {
		t.Errorf("expected trap reason, got %q", rec.LastFailure)
	}

	rcpt, _ := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}}))
	if !errors.Is(rcpt.Err(), domain.ErrRoutingFailure) {
		t.Errorf("expected ErrRoutingFailure for failed agent, got %v", rcpt.Err())
	}
}

func TestRestartPolicy_SuccessResetsFaults(t *testing.T) {
	e := newEnv(t, withRestartPolicy(agent.RestartPolicy{MaxRetries: 1, InitialBackoff: time.Millisecond, Multiplier: 1}))
	box := newInbox()
	id := e.spawn(t, "flaky", func() native.Handler {
		h := box.factory()()
		return native.HandlerFunc(func(ctx context.Context, host sandbox.Host, m fipa.Message) error {
			if string(m.Content()) == "boom" {
				panic("boom")
			}
			return h.HandleMessage(ctx, host, m)
		})
	}, resource.Limits{})

	for _, body := range []string{"boom", "ok", "boom", "ok"} {
		if _, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}, Content: []byte(body)})); err != nil {
			t.Fatal(err)
		}
		if body == "ok" {
			box.next(t)
		}
	}

	rec := e.wait(t, id, agent.StateReady)
	if rec.RestartCount != 2 {
		t.Errorf("expected 2 restarts, got %d", rec.RestartCount)
	}
}

func TestCPUTimeBreach(t *testing.T) {
	e := newEnv(t, withRestartPolicy(agent.RestartPolicy{MaxRetries: 0, InitialBackoff: time.Millisecond}))
	id := e.spawn(t, "spin", blocker(nil, nil), resource.Limits{MaxCPUTime: 20 * time.Millisecond, Timeout: time.Second})

	if _, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}})); err != nil {
		t.Fatal(err)
	}
	rec := e.wait(t, id, agent.StateFailed)
	if !strings.Contains(rec.LastFailure, "resource exceeded") || !strings.Contains(rec.LastFailure, "cpu-time") {
		t.Errorf("expected cpu-time resource breach, got %q", rec.LastFailure)
	}
}

type growing struct{ size atomic.Uint64 }

func (g *growing) HandleMessage(context.Context, sandbox.Host, fipa.Message) error {
	g.size.Add(1 << 20)
	return nil
}

func (g *growing) Footprint() uint64 { return g.size.Load() }

func TestMemoryBreach(t *testing.T) {
	e := newEnv(t, withRestartPolicy(agent.RestartPolicy{MaxRetries: 0, InitialBackoff: time.Millisecond}))
	id := e.spawn(t, "grow", func() native.Handler { return &growing{} }, resource.Limits{MaxMemoryBytes: 1<<20 + 1})

	for range 2 {
		if _, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}})); err != nil {
			t.Fatal(err)
		}
	}
	rec := e.wait(t, id, agent.StateFailed)
	if !strings.Contains(rec.LastFailure, "memory") {
		t.Errorf("expected memory breach, got %q", rec.LastFailure)
	}
}

func TestSuspendResume(t *testing.T) {
	e := newEnv(t)
	box := newInbox()
	id := e.spawn(t, "pausable", box.factory(), resource.Limits{})

	if err := e.rt.Supervisor.Suspend(id); err != nil {
		t.Fatal(err)
	}
	if _, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}})); err != nil {
		t.Fatal(err)
	}
	box.none(t, 30*time.Millisecond)

	if err := e.rt.Supervisor.Resume(id); err != nil {
		t.Fatal(err)
	}
	box.next(t)

	var terr *agent.TransitionError
	if err := e.rt.Supervisor.Resume(id); !errors.As(err, &terr) {
		t.Errorf("expected TransitionError resuming a ready agent, got %v", err)
	}
}

func TestRestart_KeepsSuspension(t *testing.T) {
	e := newEnv(t, withRestartPolicy(agent.RestartPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}))
	box := newInbox()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	id := e.spawn(t, "flaky", func() native.Handler {
		inner := box.factory()()
		return native.HandlerFunc(func(ctx context.Context, h sandbox.Host, m fipa.Message) error {
			if calls.Add(1) == 1 {
				started <- struct{}{}
				<-release
				panic("boom")
			}
			return inner.HandleMessage(ctx, h, m)
		})
	}, resource.Limits{MaxMessagesInFlight: 4})

	if _, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}})); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := e.rt.Supervisor.Suspend(id); err != nil {
		t.Fatalf("suspend mid-call: %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := e.rt.Supervisor.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.RestartCount == 1 && rec.State == agent.StateSuspended {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected suspended after restart, got %s with %d restarts", rec.State, rec.RestartCount)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := e.rt.Send(context.Background(), msg(t, fipa.Params{Receivers: []agent.ID{id}})); err != nil {
		t.Fatal(err)
	}
	box.none(t, 30*time.Millisecond)
	if err := e.rt.Supervisor.Resume(id); err != nil {
		t.Fatal(err)
	}
	box.next(t)
}

func TestSpawn_FailureIsReported(t *testing.T) {
	e := newEnv(t)
	rec, err := e.rt.Supervisor.Spawn(context.Background(), service.SpawnRequest{
		Module: sandbox.NewModule(native.Kind, "does-not-exist", nil),
	})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if rec.State != agent.StateFailed {
		t.Errorf("expected failed record, got %s", rec.State)
	}
}

func TestSpawn_InvalidLimits(t *testing.T) {
	e := newEnv(t)
	_, err := e.rt.Supervisor.Spawn(context.Background(), service.SpawnRequest{
		Module:        sandbox.NewModule(native.Kind, "x", nil),
		RestartPolicy: &agent.RestartPolicy{MaxRetries: -1},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

type vetoExtension struct{ after atomic.Int32 }

func (v *vetoExtension) Name() string { return "veto" }

func (v *vetoExtension) BeforeMessage(_ context.Context, _ agent.ID, m fipa.Message) error {
	if string(m.Content()) == "forbidden" {
		return errors.New("content not allowed")
	}
	return nil
}

func (v *vetoExtension) AfterMessage(context.Context, agent.ID, fipa.Message, error) {
	v.after.Add(1)
}

func TestExtensions(t *testing.T) {
	ext := &vetoExtension{}
	loader := native.NewLoader()
	box := newInbox()
	loader.Handle("ext", box.factory())
	exec := service.NewExecutor(nil, loader)
	dead := service.NewDeadLetters(8)
	sup := service.NewSupervisor(exec, nil, service.SupervisorConfig{}, service.WithExtensions(ext), service.WithDeadLetters(dead))
	defer func() { _ = sup.Shutdown(context.Background()) }()

	rec, err := sup.Spawn(context.Background(), service.SpawnRequest{Module: sandbox.NewModule(native.Kind, "ext", nil)})
	if err != nil {
		t.Fatal(err)
	}
	for _, body := range []string{"forbidden", "fine"} {
		res, err := sup.Reserve(context.Background(), rec.ID, false)
		if err != nil {
			t.Fatal(err)
		}
		if err := res.Commit(msg(t, fipa.Params{Receivers: []agent.ID{rec.ID}, Content: []byte(body)}), time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	if got := string(box.next(t).Content()); got != "fine" {
		t.Errorf("expected only the allowed message, got %q", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sup.Wait(ctx, rec.ID, agent.StateReady); err != nil {
		t.Fatal(err)
	}
	if got := dead.List(); len(got) != 1 || !strings.Contains(got[0].Reason, "content not allowed") {
		t.Errorf("expected vetoed message in dead letters, got %+v", got)
	}
	if ext.after.Load() != 1 {
		t.Errorf("expected AfterMessage once, got %d", ext.after.Load())
	}
}

func TestList_OrderedByCreation(t *testing.T) {
	e := newEnv(t)
	a := e.spawn(t, "a", newInbox().factory(), resource.Limits{})
	b := e.spawn(t, "b", newInbox().factory(), resource.Limits{})

	list := e.rt.Supervisor.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(list))
	}
	if list[0].ID != a || list[1].ID != b {
		t.Errorf("expected [%s %s], got [%s %s]", a, b, list[0].ID, list[1].ID)
	}
	if _, err := e.rt.Supervisor.Get("nope"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}
