package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/port/messagequeue"
	"github.com/Strob0t/AgentHost/internal/port/observability"
	"github.com/Strob0t/AgentHost/internal/resilience"
	"github.com/Strob0t/AgentHost/internal/service"
)

type published struct {
	subject string
	data    []byte
}

type memQueue struct {
	mu       sync.Mutex
	handlers map[string]messagequeue.Handler
	out      chan published
	fail     error
}

func newMemQueue() *memQueue {
	return &memQueue{handlers: make(map[string]messagequeue.Handler), out: make(chan published, 16)}
}

func (q *memQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	fail := q.fail
	q.mu.Unlock()
	if fail != nil {
		return fail
	}
	q.out <- published{subject: subject, data: data}
	return nil
}

func (q *memQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	q.handlers[subject] = h
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.handlers, subject)
		q.mu.Unlock()
	}, nil
}

func (q *memQueue) Drain() error      { return nil }
func (q *memQueue) Close() error      { return nil }
func (q *memQueue) IsConnected() bool { return true }

func (q *memQueue) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-q.out:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return published{}
	}
}

type stubSender struct {
	mu      sync.Mutex
	got     []fipa.Message
	receipt func(fipa.Message) (*service.Receipt, error)
}

func (s *stubSender) Send(_ context.Context, m fipa.Message) (*service.Receipt, error) {
	s.mu.Lock()
	s.got = append(s.got, m)
	s.mu.Unlock()
	if s.receipt == nil {
		return &service.Receipt{MessageID: m.ID()}, nil
	}
	return s.receipt(m)
}

func testMessage(t *testing.T, receivers ...agent.ID) fipa.Message {
	t.Helper()
	m, err := fipa.New(fipa.Params{
		Performative: fipa.Inform,
		Sender:       "remote",
		Receivers:    receivers,
		Content:      []byte("hi"),
	})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return m
}

func encode(t *testing.T, m fipa.Message) []byte {
	t.Helper()
	data, err := fipa.CBORCodec{}.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func startBridge(t *testing.T, q *memQueue, s Sender, b *resilience.Breaker, cfg BridgeConfig, dead *service.DeadLetters) *Bridge {
	t.Helper()
	br := NewBridge(q, s, b, cfg)
	stop, err := br.Start(context.Background(), dead)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(stop)
	return br
}

func TestBridge_InboundRoutes(t *testing.T) {
	q := newMemQueue()
	s := &stubSender{}
	startBridge(t, q, s, nil, BridgeConfig{}, nil)

	m := testMessage(t, "a1")
	q.mu.Lock()
	h := q.handlers[messagequeue.SubjectInbound]
	q.mu.Unlock()
	if h == nil {
		t.Fatal("expected inbound subscription")
	}
	if err := h(context.Background(), messagequeue.SubjectInbound, encode(t, m)); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) != 1 || !s.got[0].Equal(m) {
		t.Fatalf("expected routed message %s, got %v", m.ID(), s.got)
	}
}

func TestBridge_InboundMalformed(t *testing.T) {
	br := NewBridge(newMemQueue(), &stubSender{}, nil, BridgeConfig{})
	err := br.HandleInbound(context.Background(), messagequeue.SubjectInbound, []byte{0xff, 0x00})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestBridge_InboundFailuresReported(t *testing.T) {
	tests := []struct {
		name      string
		receipt   func(fipa.Message) (*service.Receipt, error)
		receivers []agent.ID
		want      []string
	}{
		{
			name: "whole message rejected",
			receipt: func(fipa.Message) (*service.Receipt, error) {
				return nil, domain.ErrProtocolViolation
			},
			receivers: []agent.ID{"a1", "a2"},
			want:      []string{"a1", "a2"},
		},
		{
			name: "one receiver full",
			receipt: func(m fipa.Message) (*service.Receipt, error) {
				return &service.Receipt{MessageID: m.ID(), Outcomes: []service.Outcome{
					{Receiver: "a1"},
					{Receiver: "a2", Err: domain.ErrQueueFull},
					{Receiver: "a3", Err: fmt.Errorf("%w: seen", domain.ErrDuplicate)},
				}}, nil
			},
			receivers: []agent.ID{"a1", "a2", "a3"},
			want:      []string{"a2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newMemQueue()
			br := startBridge(t, q, &stubSender{receipt: tt.receipt}, nil, BridgeConfig{}, nil)

			m := testMessage(t, tt.receivers...)
			if err := br.HandleInbound(context.Background(), messagequeue.SubjectInbound, encode(t, m)); err != nil {
				t.Fatalf("expected nil, got %v", err)
			}

			for _, want := range tt.want {
				p := q.next(t)
				if p.subject != messagequeue.SubjectUndeliverable {
					t.Fatalf("expected subject %s, got %s", messagequeue.SubjectUndeliverable, p.subject)
				}
				if err := messagequeue.Validate(p.subject, p.data); err != nil {
					t.Fatalf("payload invalid: %v", err)
				}
				var got messagequeue.UndeliverablePayload
				if err := json.Unmarshal(p.data, &got); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if got.Receiver != want || got.MessageID != m.ID() || got.Sender != "remote" {
					t.Errorf("expected notice for %s/%s, got %+v", want, m.ID(), got)
				}
				back, err := fipa.CBORCodec{}.Decode(got.Envelope)
				if err != nil || !back.Equal(m) {
					t.Errorf("expected original envelope, got %v (%v)", back, err)
				}
			}
			select {
			case p := <-q.out:
				t.Errorf("unexpected extra publish on %s", p.subject)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestBridge_DeadLettersPublished(t *testing.T) {
	q := newMemQueue()
	dead := service.NewDeadLetters(4)
	startBridge(t, q, &stubSender{}, nil, BridgeConfig{}, dead)

	m := testMessage(t, "a1")
	dead.Add(m, "a1", errors.New("agent stopped"))

	p := q.next(t)
	var got messagequeue.UndeliverablePayload
	if err := json.Unmarshal(p.data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Reason != "agent stopped" || got.Receiver != "a1" {
		t.Errorf("expected agent stopped for a1, got %+v", got)
	}
}

func TestBridge_StopUnhooksDeadLetters(t *testing.T) {
	q := newMemQueue()
	dead := service.NewDeadLetters(4)
	br := NewBridge(q, &stubSender{}, nil, BridgeConfig{})
	stop, err := br.Start(context.Background(), dead)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
	stop()

	dead.Add(testMessage(t, "a1"), "a1", errors.New("late"))
	select {
	case p := <-q.out:
		t.Errorf("expected no publish after stop, got %s", p.subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridge_EventsForwarding(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
	}{
		{"enabled", true},
		{"disabled", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newMemQueue()
			br := startBridge(t, q, &stubSender{}, nil, BridgeConfig{Events: tt.enabled}, nil)

			var p observability.Provider = br
			p.Emit(observability.Event{Type: observability.EventAgentState, AgentID: "a1", Time: time.Now().UTC()})

			if !tt.enabled {
				select {
				case got := <-q.out:
					t.Errorf("expected no publish, got %s", got.subject)
				case <-time.After(50 * time.Millisecond):
				}
				return
			}
			got := q.next(t)
			if got.subject != messagequeue.SubjectEvents {
				t.Fatalf("expected %s, got %s", messagequeue.SubjectEvents, got.subject)
			}
			if err := messagequeue.Validate(got.subject, got.data); err != nil {
				t.Errorf("event payload invalid: %v", err)
			}
		})
	}
}

func TestBridge_PublishThroughBreaker(t *testing.T) {
	q := newMemQueue()
	q.fail = errors.New("nats down")
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "nats", MaxFailures: 2, Timeout: time.Hour})
	br := NewBridge(q, &stubSender{}, b, BridgeConfig{})

	for range 3 {
		_ = br.publish(context.Background(), outbound{subject: messagequeue.SubjectEvents, data: []byte(`{}`)})
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	err := br.publish(context.Background(), outbound{subject: messagequeue.SubjectEvents, data: []byte(`{}`)})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}
