package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes buffered records. Dropped counts records lost because the
// buffer was full.
type Closer interface {
	Close()
	Dropped() int64
}

type nopCloser struct{}

func (nopCloser) Close()         {}
func (nopCloser) Dropped() int64 { return 0 }

// errorGrace bounds how long an error record waits for buffer space.
const errorGrace = 50 * time.Millisecond

type queued struct {
	h   slog.Handler
	rec slog.Record
}

// asyncQueue is shared by an AsyncHandler and every handler derived from it.
type asyncQueue struct {
	mu      sync.RWMutex // guards closed and sends on ch
	closed  bool
	ch      chan queued
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// AsyncHandler writes records on background workers so a slow sink never
// stalls an agent worker. Records below error level are dropped when the
// buffer is full; error records wait briefly for space first. Each record
// keeps the attributes and groups of the handler that produced it.
type AsyncHandler struct {
	inner slog.Handler
	q     *asyncQueue
}

// NewAsyncHandler starts workers draining a buffer of size records.
func NewAsyncHandler(inner slog.Handler, size, workers int) *AsyncHandler {
	q := &asyncQueue{ch: make(chan queued, size)}
	for range max(workers, 1) {
		q.wg.Add(1)
		go q.drain()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (q *asyncQueue) drain() {
	defer q.wg.Done()
	for item := range q.ch {
		_ = item.h.Handle(context.Background(), item.rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues rec. It never returns an error; lost records are counted.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	q := h.q
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return nil
	}
	item := queued{h: h.inner, rec: rec}
	select {
	case q.ch <- item:
		return nil
	default:
	}
	if rec.Level < slog.LevelError {
		q.dropped.Add(1)
		return nil
	}
	t := time.NewTimer(errorGrace)
	defer t.Stop()
	select {
	case q.ch <- item:
	case <-t.C:
		q.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// Dropped returns the number of records lost so far.
func (h *AsyncHandler) Dropped() int64 { return h.q.dropped.Load() }

// Close stops accepting records and waits for queued ones to be written.
// It is safe to call more than once.
func (h *AsyncHandler) Close() {
	q := h.q
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// ReportDrops calls report with the number of records dropped since the
// previous tick, skipping ticks with no loss, until ctx ends.
func ReportDrops(ctx context.Context, c Closer, every time.Duration, report func(n int64)) {
	t := time.NewTicker(every)
	defer t.Stop()
	var seen int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Dropped(); n > seen {
				report(n - seen)
				seen = n
			}
		}
	}
}
