// Package observability defines the passive telemetry sink contract.
// Providers never influence control flow.
package observability

import (
	"context"
	"time"
)

// Event types emitted by the runtime.
const (
	EventAgentState         = "agent.state"
	EventAgentRestart       = "agent.restart"
	EventResourceExceeded   = "agent.resource_exceeded"
	EventSandboxTrap        = "agent.trap"
	EventMessageDelivered   = "message.delivered"
	EventMessageRejected    = "message.rejected"
	EventMessageDuplicate   = "message.duplicate"
	EventMessageUndelivered = "message.undeliverable"
	EventConversationOpened = "conversation.opened"
	EventConversationClosed = "conversation.closed"
	EventProtocolViolation  = "conversation.violation"
)

// Metric names.
const (
	MetricDeliveryLatency = "agenthost.delivery.latency_ms"
	MetricQueueDepth      = "agenthost.queue.depth"
	MetricMessagesRouted  = "agenthost.messages.routed"
	MetricMessagesFailed  = "agenthost.messages.failed"
	MetricInvocationTime  = "agenthost.invocation.duration_ms"
	MetricRestarts        = "agenthost.agent.restarts"
	MetricLogsDropped     = "agenthost.logs.dropped"
)

// Event is a structured occurrence in the runtime.
type Event struct {
	Type           string         `json:"type"`
	AgentID        string         `json:"agent_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	Time           time.Time      `json:"time"`
}

// Span is an open unit of work. End must be called exactly once.
type Span interface {
	SetAttribute(key string, value any)
	RecordError(err error)
	End()
}

// Provider receives telemetry. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	RecordMetric(name string, value float64, attrs map[string]string)
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Emit(e Event)
}

// NopSpan is a Span that does nothing.
type NopSpan struct{}

func (NopSpan) SetAttribute(string, any) {}
func (NopSpan) RecordError(error)        {}
func (NopSpan) End()                     {}
