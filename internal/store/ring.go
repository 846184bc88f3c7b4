package store

import (
	"sync"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// DefaultCapacity is the number of detections kept in memory.
const DefaultCapacity = 1000

// Ring is a bounded append-only log of recent detections. The oldest
// entry is evicted once capacity is reached.
type Ring struct {
	mu    sync.RWMutex
	buf   []types.Detection
	next  int
	count int
	total uint64
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]types.Detection, capacity)}
}

// Append stores detections in arrival order.
func (r *Ring) Append(ds ...types.Detection) {
	if len(ds) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		r.buf[r.next] = d
		r.next = (r.next + 1) % len(r.buf)
		if r.count < len(r.buf) {
			r.count++
		}
		r.total++
	}
}

// Recent returns up to limit detections, newest first.
func (r *Ring) Recent(limit int) []types.Detection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]types.Detection, 0, limit)
	idx := r.next
	for i := 0; i < limit; i++ {
		idx = (idx - 1 + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of detections currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the retention bound.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// Total returns how many detections were ever appended.
func (r *Ring) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Clear drops every stored detection.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.next, r.count = 0, 0
}
