package otel

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/AgentHost/internal/port/observability"
)

const instrumentationName = "github.com/Strob0t/AgentHost"

// Metrics holds the runtime's metric instruments.
type Metrics struct {
	DeliveryLatency metric.Float64Histogram
	InvocationTime  metric.Float64Histogram
	QueueDepth      metric.Float64Gauge
	MessagesRouted  metric.Float64Counter
	MessagesFailed  metric.Float64Counter
	Restarts        metric.Float64Counter
	Events          metric.Int64Counter
}

// NewMetrics creates all metric instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DeliveryLatency, err = meter.Float64Histogram(observability.MetricDeliveryLatency,
		metric.WithDescription("Time from enqueue to handler start"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	m.InvocationTime, err = meter.Float64Histogram(observability.MetricInvocationTime,
		metric.WithDescription("Duration of one sandboxed handler call"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Float64Gauge(observability.MetricQueueDepth,
		metric.WithDescription("Messages waiting in an agent queue"))
	if err != nil {
		return nil, err
	}

	m.MessagesRouted, err = meter.Float64Counter(observability.MetricMessagesRouted,
		metric.WithDescription("Messages enqueued to a receiver"))
	if err != nil {
		return nil, err
	}

	m.MessagesFailed, err = meter.Float64Counter(observability.MetricMessagesFailed,
		metric.WithDescription("Messages that could not be routed to a receiver"))
	if err != nil {
		return nil, err
	}

	m.Restarts, err = meter.Float64Counter(observability.MetricRestarts,
		metric.WithDescription("Agent restarts after a fault"))
	if err != nil {
		return nil, err
	}

	m.Events, err = meter.Int64Counter("agenthost.events",
		metric.WithDescription("Runtime events by type"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
