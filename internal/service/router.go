package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/logger"
	"github.com/Strob0t/AgentHost/internal/port/observability"
)

// SystemAgent is the sender of notices generated by the host itself.
const SystemAgent agent.ID = "agenthost"

// Backpressure selects what happens when a receiver's queue is full.
type Backpressure string

const (
	BackpressureReject Backpressure = "reject"
	BackpressureBlock  Backpressure = "block"
)

// RouterConfig configures routing.
type RouterConfig struct {
	Backpressure        Backpressure
	FanOut              int
	NotifyNotUnderstood bool
	Now                 func() time.Time
}

// Outcome is the result of routing a message to one receiver.
type Outcome struct {
	Receiver  agent.ID
	Err       error
	Duplicate bool
}

// MarshalJSON renders the error as its message.
func (o Outcome) MarshalJSON() ([]byte, error) {
	v := struct {
		Receiver  agent.ID `json:"receiver"`
		Delivered bool     `json:"delivered"`
		Duplicate bool     `json:"duplicate,omitempty"`
		Error     string   `json:"error,omitempty"`
	}{Receiver: o.Receiver, Delivered: o.Err == nil && !o.Duplicate, Duplicate: o.Duplicate}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return json.Marshal(v)
}

// Receipt collects the per-receiver outcomes of one Send.
type Receipt struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Outcomes       []Outcome `json:"outcomes"`
}

// Err returns the combined receiver errors, or nil when every receiver
// accepted the message or had already seen it.
func (r *Receipt) Err() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return errors.Join(errs...)
}

// Delivered counts receivers that had the message enqueued.
func (r *Receipt) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil && !o.Duplicate {
			n++
		}
	}
	return n
}

// RouterStats are cumulative routing counters.
type RouterStats struct {
	Sent       int64 `json:"sent"`
	Delivered  int64 `json:"delivered"`
	Rejected   int64 `json:"rejected"`
	Duplicates int64 `json:"duplicates"`
	Violations int64 `json:"violations"`
	Notices    int64 `json:"not_understood_notices"`
}

// Router resolves receivers, applies backpressure and conversation rules,
// and hands messages to the supervisor.
type Router struct {
	sup   *Supervisor
	conv  *ConversationManager
	dedup *Deduper
	hub   *Hub
	cfg   RouterConfig

	sent, delivered, rejected, duplicates, violations, notices atomic.Int64
}

// NewRouter creates a router and attaches it to sup as the agents' sender.
func NewRouter(sup *Supervisor, conv *ConversationManager, dedup *Deduper, hub *Hub, cfg RouterConfig) *Router {
	if cfg.Backpressure == "" {
		cfg.Backpressure = BackpressureReject
	}
	if cfg.FanOut < 1 {
		cfg.FanOut = 16
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Router{sup: sup, conv: conv, dedup: dedup, hub: hub, cfg: cfg}
	sup.SetSender(r)
	return r
}

type leg struct {
	to  agent.ID
	res *Reservation
	out *Outcome
}

// Send routes m to each of its receivers. Receiver-level failures are
// reported in the receipt; the returned error is set only when the message
// as a whole was rejected, which happens for protocol violations and
// unknown conversations.
func (r *Router) Send(ctx context.Context, m fipa.Message) (*Receipt, error) {
	r.sent.Add(1)
	ctx = logger.WithConversationID(ctx, m.ConversationID())
	ctx, span := r.hub.StartSpan(ctx, "router.send")
	defer span.End()
	span.SetAttribute("message_id", m.ID())
	span.SetAttribute("conversation_id", m.ConversationID())

	receivers := m.Receivers()
	rcpt := &Receipt{MessageID: m.ID(), ConversationID: m.ConversationID(), Outcomes: make([]Outcome, len(receivers))}
	legs := make([]*leg, len(receivers))
	for i, to := range receivers {
		rcpt.Outcomes[i].Receiver = to
		legs[i] = &leg{to: to, out: &rcpt.Outcomes[i]}
	}

	// Reserve a slot on every receiver first so the conversation only
	// advances for messages that can actually be enqueued.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FanOut)
	for _, l := range legs {
		g.Go(func() error {
			l.res, l.out.Err = r.reserve(gctx, l.to, m)
			if errors.Is(l.out.Err, domain.ErrDuplicate) {
				l.out.Err, l.out.Duplicate = nil, true
			}
			return nil
		})
	}
	_ = g.Wait()

	var held []*leg
	for _, l := range legs {
		if l.res != nil {
			held = append(held, l)
		}
	}
	if len(held) == 0 {
		r.account(rcpt)
		return rcpt, nil
	}

	if err := r.conv.Accept(m); err != nil {
		for _, l := range held {
			l.res.Release()
			r.dedup.Abandon(l.to, m.ID())
			l.out.Err = err
		}
		r.violations.Add(1)
		span.RecordError(err)
		r.notUnderstood(ctx, m, err)
		r.account(rcpt)
		return rcpt, err
	}

	now := r.cfg.Now()
	for _, l := range held {
		if err := l.res.Commit(m, now); err != nil {
			l.res.Release()
			r.dedup.Abandon(l.to, m.ID())
			l.out.Err = err
			continue
		}
		r.dedup.Confirm(ctx, l.to, m.ID())
	}
	r.account(rcpt)
	return rcpt, nil
}

func (r *Router) reserve(ctx context.Context, to agent.ID, m fipa.Message) (*Reservation, error) {
	rec, err := r.sup.Get(to)
	if err != nil {
		return nil, err
	}
	if !rec.Accepting() {
		return nil, fmt.Errorf("%w: agent %s is %s", domain.ErrRoutingFailure, to, rec.State)
	}
	if m.ContentSize() > rec.Limits.MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d for agent %s", domain.ErrMessageTooLarge, m.ContentSize(), rec.Limits.MaxMessageBytes, to)
	}
	if !r.dedup.Claim(ctx, to, m.ID()) {
		return nil, domain.ErrDuplicate
	}
	res, err := r.sup.Reserve(ctx, to, r.cfg.Backpressure == BackpressureBlock)
	if err != nil {
		r.dedup.Abandon(to, m.ID())
		return nil, err
	}
	return res, nil
}

func (r *Router) account(rcpt *Receipt) {
	for _, o := range rcpt.Outcomes {
		attrs := map[string]string{"receiver": o.Receiver.String()}
		switch {
		case o.Duplicate:
			r.duplicates.Add(1)
			r.hub.Emit(observability.Event{
				Type:           observability.EventMessageDuplicate,
				AgentID:        o.Receiver.String(),
				ConversationID: rcpt.ConversationID,
				Fields:         map[string]any{"message_id": rcpt.MessageID},
			})
		case o.Err != nil:
			r.rejected.Add(1)
			r.hub.RecordMetric(observability.MetricMessagesFailed, 1, attrs)
			r.hub.Emit(observability.Event{
				Type:           observability.EventMessageRejected,
				AgentID:        o.Receiver.String(),
				ConversationID: rcpt.ConversationID,
				Fields:         map[string]any{"message_id": rcpt.MessageID, "error": o.Err.Error()},
			})
		default:
			r.delivered.Add(1)
			r.hub.RecordMetric(observability.MetricMessagesRouted, 1, attrs)
		}
	}
}

type noticeContent struct {
	Error     string   `json:"error"`
	Expected  []string `json:"expected,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

// notUnderstood tells a local sender that its message was rejected. The
// notice bypasses the conversation so it never alters protocol state.
func (r *Router) notUnderstood(ctx context.Context, m fipa.Message, cause error) {
	if !r.cfg.NotifyNotUnderstood || m.Performative() == fipa.NotUnderstood || m.Sender() == SystemAgent {
		return
	}
	if !r.conv.AllowsNotUnderstood(m) {
		return
	}
	if _, err := r.sup.Get(m.Sender()); err != nil {
		return
	}

	body := noticeContent{Error: cause.Error()}
	var pv *domain.ProtocolViolationError
	if errors.As(cause, &pv) {
		body.Expected = pv.Expected
	}
	content, _ := json.Marshal(body)
	notice, err := fipa.New(fipa.Params{
		Performative:   fipa.NotUnderstood,
		Sender:         SystemAgent,
		Receivers:      []agent.ID{m.Sender()},
		ConversationID: m.ConversationID(),
		InReplyTo:      m.ReplyWith(),
		Protocol:       m.Protocol(),
		Ontology:       m.Ontology(),
		Language:       fipa.LanguageJSON,
		Content:        content,
	})
	if err != nil {
		return
	}

	res, err := r.sup.Reserve(ctx, m.Sender(), false)
	if err != nil {
		slog.Debug("not-understood notice dropped", "agent_id", m.Sender(), "error", err)
		return
	}
	if err := res.Commit(notice, r.cfg.Now()); err != nil {
		res.Release()
		return
	}
	r.notices.Add(1)
}

// Stats returns cumulative counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Sent:       r.sent.Load(),
		Delivered:  r.delivered.Load(),
		Rejected:   r.rejected.Load(),
		Duplicates: r.duplicates.Load(),
		Violations: r.violations.Load(),
		Notices:    r.notices.Load(),
	}
}

var _ Sender = (*Router)(nil)
