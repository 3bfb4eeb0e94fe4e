package wasm

import (
	"sync/atomic"

	"github.com/tetratelabs/wazero/experimental"
)

// quotaMemory backs a guest's linear memory and refuses to grow past quota
// bytes. The largest size ever requested is kept, so a guest that ignores
// a failed memory.grow is still reported over its limit.
type quotaMemory struct {
	buf   []byte
	quota uint64
	peak  atomic.Uint64
}

func newQuotaMemory(capacity, quota uint64) *quotaMemory {
	if capacity > quota {
		capacity = quota
	}
	return &quotaMemory{buf: make([]byte, 0, capacity), quota: quota}
}

func (q *quotaMemory) Reallocate(size uint64) []byte {
	for {
		p := q.peak.Load()
		if size <= p || q.peak.CompareAndSwap(p, size) {
			break
		}
	}
	if size > q.quota {
		return nil
	}
	if n := uint64(len(q.buf)); size > n {
		q.buf = append(q.buf, make([]byte, size-n)...)
	}
	return q.buf[:size]
}

func (q *quotaMemory) Free() { q.buf = nil }

// Peak returns the largest size requested so far.
func (q *quotaMemory) Peak() uint64 { return q.peak.Load() }

// quotaAllocator hands out a single quotaMemory and remembers it.
type quotaAllocator struct {
	quota uint64
	mem   *quotaMemory
}

var _ experimental.MemoryAllocator = (*quotaAllocator)(nil)

func (a *quotaAllocator) Allocate(capacity, _ uint64) experimental.LinearMemory {
	a.mem = newQuotaMemory(capacity, a.quota)
	return a.mem
}
