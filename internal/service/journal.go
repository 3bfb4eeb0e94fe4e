package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/port/database"
)

// Journal mirrors agent record changes to a store in the background. Writes
// are applied in order; when the buffer is full the change is dropped and
// the next one for the same agent catches the store up. A nil *Journal
// discards everything.
type Journal struct {
	store   database.AgentStore
	ch      chan agent.Record
	wg      sync.WaitGroup
	dropped atomic.Int64
	timeout time.Duration
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewJournal starts a journal writing to store.
func NewJournal(store database.AgentStore, bufSize int) *Journal {
	if bufSize < 1 {
		bufSize = 1
	}
	j := &Journal{store: store, ch: make(chan agent.Record, bufSize), timeout: 5 * time.Second}
	j.wg.Add(1)
	go j.drain()
	return j
}

func (j *Journal) drain() {
	defer j.wg.Done()
	for rec := range j.ch {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		if err := j.store.SaveAgent(ctx, rec); err != nil {
			slog.Error("persist agent record failed", "agent_id", rec.ID, "state", rec.State, "error", err)
		}
		cancel()
	}
}

// Record queues a snapshot for persistence.
func (j *Journal) Record(rec agent.Record) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- rec:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many snapshots were discarded.
func (j *Journal) Dropped() int64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// Close flushes queued snapshots and stops the writer.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.ch)
		j.mu.Unlock()
		j.wg.Wait()
	})
}
