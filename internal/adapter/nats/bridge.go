package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/port/messagequeue"
	"github.com/Strob0t/AgentHost/internal/port/observability"
	"github.com/Strob0t/AgentHost/internal/resilience"
	"github.com/Strob0t/AgentHost/internal/service"
)

// Sender routes a message into the host.
type Sender interface {
	Send(ctx context.Context, m fipa.Message) (*service.Receipt, error)
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Outbox bounds the number of pending outbound publishes. Notices past
	// the bound are dropped and logged.
	Outbox         int
	PublishTimeout time.Duration
	// Events also publishes observability events to agenthost.events.
	Events bool
}

// Bridge connects the router to a message queue. Inbound CBOR envelopes are
// routed into the host; undeliverable messages and, optionally, events are
// published back out. Outbound publishes share one circuit breaker.
type Bridge struct {
	q       messagequeue.Queue
	sender  Sender
	breaker *resilience.Breaker
	codec   fipa.CBORCodec
	cfg     BridgeConfig

	mu     sync.RWMutex
	closed bool
	outbox chan outbound
	wg     sync.WaitGroup
}

type outbound struct {
	subject string
	data    []byte
}

// NewBridge creates a bridge. A nil breaker publishes unprotected.
func NewBridge(q messagequeue.Queue, sender Sender, breaker *resilience.Breaker, cfg BridgeConfig) *Bridge {
	if cfg.Outbox < 1 {
		cfg.Outbox = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Bridge{
		q:       q,
		sender:  sender,
		breaker: breaker,
		cfg:     cfg,
		outbox:  make(chan outbound, cfg.Outbox),
	}
}

// Start subscribes to agenthost.inbound, hooks dead letters, and starts the
// publisher. The returned function undoes all three.
func (b *Bridge) Start(ctx context.Context, dead *service.DeadLetters) (stop func(), err error) {
	unsub, err := b.q.Subscribe(ctx, messagequeue.SubjectInbound, b.HandleInbound)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectInbound, err)
	}

	var unhook func()
	if dead != nil {
		unhook = dead.OnReturn(b.Undeliverable)
	}

	b.wg.Add(1)
	go b.publishLoop()

	return func() {
		unsub()
		if unhook != nil {
			unhook()
		}
		b.mu.Lock()
		if !b.closed {
			b.closed = true
			close(b.outbox)
		}
		b.mu.Unlock()
		b.wg.Wait()
	}, nil
}

// HandleInbound decodes a CBOR envelope and routes it. Malformed envelopes
// are returned as errors so the queue retries and then dead-letters them;
// routing rejections are final and acknowledged. Receivers that did not
// accept the message are reported on agenthost.undeliverable.
func (b *Bridge) HandleInbound(ctx context.Context, _ string, data []byte) error {
	m, err := b.codec.Decode(data)
	if err != nil {
		return err
	}

	receipt, err := b.sender.Send(ctx, m)
	if err != nil {
		slog.Warn("inbound message rejected", "message_id", m.ID(), "sender", m.Sender(), "error", err)
		for _, to := range m.Receivers() {
			b.enqueueUndeliverable(m, to, err, time.Now().UTC())
		}
		return nil
	}
	for _, o := range receipt.Outcomes {
		if o.Err != nil && !errors.Is(o.Err, domain.ErrDuplicate) {
			b.enqueueUndeliverable(m, o.Receiver, o.Err, time.Now().UTC())
		}
	}
	return nil
}

// Undeliverable publishes a dead letter. It never blocks.
func (b *Bridge) Undeliverable(dl service.DeadLetter) {
	b.enqueue(messagequeue.SubjectUndeliverable, undeliverablePayload(dl.Message, dl.Receiver, dl.Reason, dl.At))
}

func (b *Bridge) enqueueUndeliverable(m fipa.Message, to agent.ID, reason error, at time.Time) {
	b.enqueue(messagequeue.SubjectUndeliverable, undeliverablePayload(m, to, reason.Error(), at))
}

func undeliverablePayload(m fipa.Message, to agent.ID, reason string, at time.Time) any {
	env, err := fipa.CBORCodec{}.Encode(m)
	if err != nil {
		env = nil
	}
	return messagequeue.UndeliverablePayload{
		MessageID:      m.ID(),
		ConversationID: m.ConversationID(),
		Sender:         string(m.Sender()),
		Receiver:       string(to),
		Reason:         reason,
		Envelope:       env,
		At:             at,
	}
}

func (b *Bridge) enqueue(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal outbound payload", "subject", subject, "error", err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.outbox <- outbound{subject: subject, data: data}:
	default:
		slog.Warn("bridge outbox full, payload dropped", "subject", subject)
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for o := range b.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
		err := b.publish(ctx, o)
		cancel()
		if err != nil {
			slog.Error("bridge publish failed", "subject", o.subject, "error", err)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, o outbound) error {
	if b.breaker == nil {
		return b.q.Publish(ctx, o.subject, o.data)
	}
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.q.Publish(ctx, o.subject, o.data)
	})
}

// Name implements observability.Provider.
func (b *Bridge) Name() string { return "nats" }

// RecordMetric is a no-op.
func (b *Bridge) RecordMetric(string, float64, map[string]string) {}

// StartSpan is a no-op.
func (b *Bridge) StartSpan(ctx context.Context, _ string) (context.Context, observability.Span) {
	return ctx, observability.NopSpan{}
}

// Emit publishes e to agenthost.events when event forwarding is enabled.
func (b *Bridge) Emit(e observability.Event) {
	if !b.cfg.Events {
		return
	}
	b.enqueue(messagequeue.SubjectEvents, messagequeue.EventPayload{
		Type:           e.Type,
		AgentID:        e.AgentID,
		ConversationID: e.ConversationID,
		Fields:         e.Fields,
		Time:           e.Time,
	})
}
