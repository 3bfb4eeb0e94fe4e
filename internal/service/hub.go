package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/AgentHost/internal/port/observability"
)

// Hub fans telemetry out to providers without blocking the caller. Metrics
// and events go through a buffered channel drained by workers; when the
// buffer is full the item is dropped and counted. A nil *Hub is a valid
// no-op sink.
type Hub struct {
	providers []observability.Provider
	ch        chan hubItem
	wg        sync.WaitGroup
	dropped   atomic.Int64
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type hubItem struct {
	metric string
	value  float64
	attrs  map[string]string
	event  *observability.Event
}

// NewHub starts a hub with the given buffer size and worker count.
func NewHub(bufSize, workers int, providers ...observability.Provider) *Hub {
	if bufSize < 1 {
		bufSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	h := &Hub{
		providers: providers,
		ch:        make(chan hubItem, bufSize),
	}
	for range workers {
		h.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *Hub) drain() {
	defer h.wg.Done()
	for it := range h.ch {
		for _, p := range h.providers {
			h.dispatch(p, it)
		}
	}
}

func (h *Hub) dispatch(p observability.Provider, it hubItem) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observability provider panicked", "provider", p.Name(), "panic", r)
		}
	}()
	if it.event != nil {
		p.Emit(*it.event)
		return
	}
	p.RecordMetric(it.metric, it.value, it.attrs)
}

func (h *Hub) enqueue(it hubItem) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.ch <- it:
	default:
		h.dropped.Add(1)
	}
}

// Name implements observability.Provider.
func (h *Hub) Name() string { return "hub" }

// RecordMetric queues a metric sample.
func (h *Hub) RecordMetric(name string, value float64, attrs map[string]string) {
	h.enqueue(hubItem{metric: name, value: value, attrs: attrs})
}

// Emit queues an event, stamping its time when unset.
func (h *Hub) Emit(e observability.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.enqueue(hubItem{event: &e})
}

// StartSpan opens a span on every provider. Provider panics yield a no-op
// span for that provider.
func (h *Hub) StartSpan(ctx context.Context, name string) (context.Context, observability.Span) {
	if h == nil || len(h.providers) == 0 {
		return ctx, observability.NopSpan{}
	}
	spans := make(multiSpan, 0, len(h.providers))
	for _, p := range h.providers {
		var s observability.Span
		ctx, s = startSpanSafe(ctx, p, name)
		spans = append(spans, s)
	}
	return ctx, spans
}

func startSpanSafe(ctx context.Context, p observability.Provider, name string) (out context.Context, s observability.Span) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observability provider panicked", "provider", p.Name(), "panic", r)
			out, s = ctx, observability.NopSpan{}
		}
	}()
	return p.StartSpan(ctx, name)
}

// Dropped returns the number of items discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting telemetry and waits for queued items to drain.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.ch)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

type multiSpan []observability.Span

func (m multiSpan) SetAttribute(key string, value any) {
	for _, s := range m {
		safeSpanCall(func() { s.SetAttribute(key, value) })
	}
}

func (m multiSpan) RecordError(err error) {
	for _, s := range m {
		safeSpanCall(func() { s.RecordError(err) })
	}
}

func (m multiSpan) End() {
	for _, s := range m {
		safeSpanCall(s.End)
	}
}

func safeSpanCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
