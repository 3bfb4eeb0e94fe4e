package otel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Strob0t/AgentHost/internal/port/observability"
)

// Provider forwards runtime telemetry to OpenTelemetry instruments and
// tracers.
type Provider struct {
	metrics *Metrics
	tracer  trace.Tracer
}

// NewProvider creates a provider over the given OpenTelemetry providers.
func NewProvider(mp metric.MeterProvider, tp trace.TracerProvider) (*Provider, error) {
	m, err := NewMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}
	return &Provider{metrics: m, tracer: tp.Tracer(instrumentationName)}, nil
}

func (p *Provider) Name() string { return "otel" }

func (p *Provider) RecordMetric(name string, value float64, attrs map[string]string) {
	ctx := context.Background()
	opt := metric.WithAttributes(toAttributes(attrs)...)
	switch name {
	case observability.MetricDeliveryLatency:
		p.metrics.DeliveryLatency.Record(ctx, value, opt)
	case observability.MetricInvocationTime:
		p.metrics.InvocationTime.Record(ctx, value, opt)
	case observability.MetricQueueDepth:
		p.metrics.QueueDepth.Record(ctx, value, opt)
	case observability.MetricMessagesRouted:
		p.metrics.MessagesRouted.Add(ctx, value, opt)
	case observability.MetricMessagesFailed:
		p.metrics.MessagesFailed.Add(ctx, value, opt)
	case observability.MetricRestarts:
		p.metrics.Restarts.Add(ctx, value, opt)
	default:
		slog.Debug("otel: unknown metric", "name", name)
	}
}

func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, observability.Span) {
	ctx, s := p.tracer.Start(ctx, name)
	return ctx, span{s}
}

// Emit counts the event by type.
func (p *Provider) Emit(e observability.Event) {
	attrs := []attribute.KeyValue{attribute.String("event.type", e.Type)}
	p.metrics.Events.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

type span struct{ trace.Span }

func (s span) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.Span.SetAttributes(attribute.String(key, v))
	case int:
		s.Span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.Span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.Span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.Span.SetAttributes(attribute.Bool(key, v))
	case fmt.Stringer:
		s.Span.SetAttributes(attribute.String(key, v.String()))
	default:
		s.Span.SetAttributes(attribute.String(key, fmt.Sprint(v)))
	}
}

func (s span) RecordError(err error) {
	s.Span.RecordError(err)
	s.Span.SetStatus(codes.Error, err.Error())
}

func (s span) End() { s.Span.End() }

func toAttributes(attrs map[string]string) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, attribute.String(k, attrs[k]))
	}
	return out
}
