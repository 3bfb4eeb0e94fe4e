package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/port/observability"
)

// EventLog is an observability provider that writes runtime events to a
// slog logger. Metrics and spans are logged at debug level.
type EventLog struct {
	log *slog.Logger
}

// NewEventLog returns a provider writing to l, or to slog.Default when l
// is nil.
func NewEventLog(l *slog.Logger) *EventLog {
	if l == nil {
		l = slog.Default()
	}
	return &EventLog{log: l}
}

func (p *EventLog) Name() string { return "slog" }

func (p *EventLog) RecordMetric(name string, value float64, attrs map[string]string) {
	if !p.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	args := make([]any, 0, 2+2*len(attrs))
	args = append(args, "metric", name, "value", value)
	for k, v := range attrs {
		args = append(args, k, v)
	}
	p.log.Debug("metric", args...)
}

func (p *EventLog) StartSpan(ctx context.Context, name string) (context.Context, observability.Span) {
	if !p.log.Enabled(ctx, slog.LevelDebug) {
		return ctx, observability.NopSpan{}
	}
	return ctx, &logSpan{log: p.log, ctx: ctx, name: name, start: time.Now()}
}

// Emit logs faults and rejections at warn, everything else at info.
func (p *EventLog) Emit(e observability.Event) {
	level := slog.LevelInfo
	switch e.Type {
	case observability.EventSandboxTrap, observability.EventResourceExceeded,
		observability.EventMessageRejected, observability.EventMessageUndelivered,
		observability.EventProtocolViolation:
		level = slog.LevelWarn
	case observability.EventMessageDelivered, observability.EventMessageDuplicate:
		level = slog.LevelDebug
	}
	ctx := context.Background()
	if !p.log.Enabled(ctx, level) {
		return
	}
	args := make([]any, 0, 6+2*len(e.Fields))
	args = append(args, "event", e.Type)
	if e.AgentID != "" {
		args = append(args, "agent_id", e.AgentID)
	}
	if e.ConversationID != "" {
		args = append(args, "conversation_id", e.ConversationID)
	}
	for k, v := range e.Fields {
		args = append(args, k, v)
	}
	p.log.Log(ctx, level, "runtime event", args...)
}

type logSpan struct {
	log   *slog.Logger
	ctx   context.Context
	name  string
	start time.Time
	attrs []any
	err   error
}

func (s *logSpan) SetAttribute(key string, value any) { s.attrs = append(s.attrs, key, value) }
func (s *logSpan) RecordError(err error)              { s.err = err }

func (s *logSpan) End() {
	args := append([]any{"span", s.name, "duration_ms", time.Since(s.start).Milliseconds()}, s.attrs...)
	if s.err != nil {
		args = append(args, "error", s.err)
	}
	s.log.DebugContext(s.ctx, "span", args...)
}

// DeliveryLog is a delivery extension that logs failed invocations with
// their message metadata.
type DeliveryLog struct{}

func (DeliveryLog) Name() string { return "delivery-log" }

func (DeliveryLog) BeforeMessage(context.Context, agent.ID, fipa.Message) error { return nil }

func (DeliveryLog) AfterMessage(ctx context.Context, to agent.ID, m fipa.Message, err error) {
	if err == nil {
		return
	}
	slog.WarnContext(ctx, "delivery failed",
		"receiver", to,
		"message_id", m.ID(),
		"performative", m.Performative(),
		"sender", m.Sender(),
		"error", err,
	)
}
