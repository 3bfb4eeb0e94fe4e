package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/Strob0t/AgentHost/internal/port/observability"
	"github.com/Strob0t/AgentHost/internal/service"
)

type recordingProvider struct {
	mu      sync.Mutex
	events  []observability.Event
	metrics []string
	spans   int
	ended   int
	panics  bool
	block   chan struct{}
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) RecordMetric(name string, _ float64, _ map[string]string) {
	if p.panics {
		panic("metric sink down")
	}
	p.mu.Lock()
	p.metrics = append(p.metrics, name)
	p.mu.Unlock()
}

func (p *recordingProvider) StartSpan(ctx context.Context, _ string) (context.Context, observability.Span) {
	if p.panics {
		panic("tracer down")
	}
	p.mu.Lock()
	p.spans++
	p.mu.Unlock()
	return ctx, &recordingSpan{p: p}
}

func (p *recordingProvider) Emit(e observability.Event) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

type recordingSpan struct{ p *recordingProvider }

func (s *recordingSpan) SetAttribute(string, any) {}
func (s *recordingSpan) RecordError(error)        {}
func (s *recordingSpan) End() {
	s.p.mu.Lock()
	s.p.ended++
	s.p.mu.Unlock()
}

func TestHub_DeliversToProviders(t *testing.T) {
	p := &recordingProvider{}
	h := service.NewHub(16, 1, p)
	h.Emit(observability.Event{Type: observability.EventAgentState})
	h.RecordMetric(observability.MetricMessagesRouted, 1, nil)
	_, span := h.StartSpan(context.Background(), "op")
	span.End()
	h.Close()

	if len(p.events) != 1 || p.events[0].Time.IsZero() {
		t.Errorf("expected one stamped event, got %+v", p.events)
	}
	if len(p.metrics) != 1 {
		t.Errorf("expected one metric, got %v", p.metrics)
	}
	if p.spans != 1 || p.ended != 1 {
		t.Errorf("expected one started and ended span, got %d/%d", p.spans, p.ended)
	}
}

func TestHub_SwallowsProviderPanics(t *testing.T) {
	bad := &recordingProvider{panics: true}
	good := &recordingProvider{}
	h := service.NewHub(16, 1, bad, good)

	_, span := h.StartSpan(context.Background(), "op")
	span.End()
	h.RecordMetric("m", 1, nil)
	h.Close()

	if len(good.metrics) != 1 {
		t.Errorf("expected healthy provider to receive the metric, got %v", good.metrics)
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	p := &recordingProvider{block: make(chan struct{})}
	h := service.NewHub(1, 1, p)
	for range 10 {
		h.Emit(observability.Event{Type: "x"})
	}
	if h.Dropped() == 0 {
		t.Error("expected events to be dropped while the provider is stuck")
	}
	close(p.block)
	h.Close()
}

func TestHub_NilIsNoop(t *testing.T) {
	var h *service.Hub
	h.Emit(observability.Event{})
	h.RecordMetric("m", 1, nil)
	_, span := h.StartSpan(context.Background(), "op")
	span.End()
	h.Close()
	if h.Dropped() != 0 {
		t.Error("expected zero drops on nil hub")
	}
}
