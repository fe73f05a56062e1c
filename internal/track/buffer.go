// Package track keeps bounded per-ride ring buffers of recent driver
// position samples. Buffers are created lazily on first push and discarded
// by the caller when the ride reaches a terminal state.
package track

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultCapacity = 50

// BufferSet is a set of ring buffers keyed by ride id. Safe for use from
// multiple goroutines (channel listener plus poller).
type BufferSet struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring
}

type ring struct {
	samples []models.LocationSample
	head    int // next write slot
	size    int
}

func NewBufferSet(capacity int) *BufferSet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &BufferSet{capacity: capacity, rings: make(map[string]*ring)}
}

// Push appends a sample to the ride's buffer, evicting the oldest sample
// when full.
func (b *BufferSet) Push(rideID string, s models.LocationSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[rideID]
	if !ok {
		r = &ring{samples: make([]models.LocationSample, b.capacity)}
		b.rings[rideID] = r
	}
	r.samples[r.head] = s
	r.head = (r.head + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
}

// Recent returns up to n samples for the ride, most recent first. It never
// blocks and never fails; an unknown ride yields an empty slice.
func (b *BufferSet) Recent(rideID string, n int) []models.LocationSample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rings[rideID]
	if !ok || n <= 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	out := make([]models.LocationSample, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.head - i + len(r.samples)) % len(r.samples)
		out = append(out, r.samples[idx])
	}
	return out
}

// Len reports the number of buffered samples for the ride.
func (b *BufferSet) Len(rideID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rings[rideID]; ok {
		return r.size
	}
	return 0
}

// Discard drops the ride's buffer. Called when the ride goes terminal.
func (b *BufferSet) Discard(rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, rideID)
}
