package service

import (
	"sync"
	"time"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
)

// DeadLetter is a message that could not be delivered to one receiver.
type DeadLetter struct {
	Message  fipa.Message
	Receiver agent.ID
	Reason   string
	At       time.Time
}

// DeadLetters keeps the most recent undeliverable messages in a ring and
// notifies return listeners. Listeners run synchronously on the caller's
// goroutine and must not block.
type DeadLetters struct {
	mu        sync.Mutex
	ring      []DeadLetter
	next      int
	full      bool
	total     int64
	listeners map[int]func(DeadLetter)
	nextID    int
	now       func() time.Time
}

// NewDeadLetters creates a buffer retaining up to capacity entries.
func NewDeadLetters(capacity int) *DeadLetters {
	if capacity < 1 {
		capacity = 1
	}
	return &DeadLetters{
		ring:      make([]DeadLetter, capacity),
		listeners: make(map[int]func(DeadLetter)),
		now:       time.Now,
	}
}

// Add records an undeliverable message.
func (d *DeadLetters) Add(m fipa.Message, to agent.ID, reason error) {
	dl := DeadLetter{Message: m, Receiver: to, At: d.now().UTC()}
	if reason != nil {
		dl.Reason = reason.Error()
	}

	d.mu.Lock()
	d.ring[d.next] = dl
	d.next = (d.next + 1) % len(d.ring)
	if d.next == 0 {
		d.full = true
	}
	d.total++
	fns := make([]func(DeadLetter), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(dl)
	}
}

// OnReturn registers fn for every future dead letter. The returned function
// unregisters it.
func (d *DeadLetters) OnReturn(fn func(DeadLetter)) (cancel func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// List returns the retained dead letters, oldest first.
func (d *DeadLetters) List() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.full {
		return append([]DeadLetter(nil), d.ring[:d.next]...)
	}
	out := make([]DeadLetter, 0, len(d.ring))
	out = append(out, d.ring[d.next:]...)
	return append(out, d.ring[:d.next]...)
}

// Total returns the number of dead letters ever recorded.
func (d *DeadLetters) Total() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}
