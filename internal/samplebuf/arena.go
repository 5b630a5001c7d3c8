// Package samplebuf stores per-node rolling windows of accelerometer
// samples.
//
// Buffers live in a fixed arena indexed by the small integer slot the
// registry assigns at registration. Slots are reused on removal, so the
// arena never grows and per-node heap churn is avoided. Each ring has a
// constant capacity sized to cover the spectral analysis window; pushing
// into a full ring overwrites the oldest sample and bumps an overflow
// counter, it never blocks.
//
// Ownership: only the ingestion goroutine pushes. The processing tick
// reads through WindowInto, which copies the window into a caller-held
// buffer under the ring lock, so the tick always works on an immutable
// snapshot.
package samplebuf

import (
	"sync"
	"time"
)

// Sample is one timestamped tri-axis reading in raw sensor counts.
type Sample struct {
	TimestampMicros uint64
	X, Y, Z         int16
}

// Ring is a fixed-capacity circular store of samples for one node.
type Ring struct {
	mu        sync.Mutex
	samples   []Sample
	head      int // next write position
	size      int
	overflows uint64
}

func newRing(capacity int) *Ring {
	return &Ring{samples: make([]Sample, capacity)}
}

// Push appends a sample in O(1), overwriting the oldest entry when full.
func (r *Ring) Push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.head] = s
	r.head = (r.head + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	} else {
		r.overflows++
	}
}

// Len returns the number of stored samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Overflows returns how many samples have been overwritten before they
// were a full buffer old. Overflow is observable, never fatal.
func (r *Ring) Overflows() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflows
}

// WindowInto copies the most recent samples spanning at least d into dst,
// reusing dst's backing array when it is large enough. It returns the
// window oldest-first and short == true when the buffered data does not
// yet cover d. The copy never blocks on the writer beyond the push lock
// and does not allocate once dst has reached steady-state capacity.
func (r *Ring) WindowInto(d time.Duration, dst []Sample) (out []Sample, short bool) {
	wantMicros := uint64(d / time.Microsecond)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return dst[:0], true
	}

	newest := r.samples[(r.head-1+len(r.samples))%len(r.samples)].TimestampMicros

	// Walk backwards from the newest sample until the span covers d.
	count := 0
	for count < r.size {
		idx := (r.head - 1 - count + 2*len(r.samples)) % len(r.samples)
		if newest-r.samples[idx].TimestampMicros >= wantMicros && count > 0 {
			count++
			break
		}
		count++
	}

	oldest := r.samples[(r.head-count+2*len(r.samples))%len(r.samples)].TimestampMicros
	short = newest-oldest < wantMicros

	out = dst[:0]
	if cap(out) < count {
		out = make([]Sample, 0, count)
	}
	start := (r.head - count + 2*len(r.samples)) % len(r.samples)
	if start+count <= len(r.samples) {
		out = append(out, r.samples[start:start+count]...)
	} else {
		out = append(out, r.samples[start:]...)
		out = append(out, r.samples[:start+count-len(r.samples)]...)
	}
	return out, short
}

// Reset drops all buffered samples and counters, for slot reuse.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
	r.overflows = 0
}

// Arena is the fixed set of rings, one per registry slot.
type Arena struct {
	rings []*Ring
}

// NewArena builds slots rings of the given per-ring sample capacity.
func NewArena(slots, capacity int) *Arena {
	a := &Arena{rings: make([]*Ring, slots)}
	for i := range a.rings {
		a.rings[i] = newRing(capacity)
	}
	return a
}

// Ring returns the ring for a slot. Slot indices come from the registry
// and are always in range.
func (a *Arena) Ring(slot int) *Ring { return a.rings[slot] }

// Slots returns the number of rings in the arena.
func (a *Arena) Slots() int { return len(a.rings) }

// ReleaseSlot clears a ring when its node is removed so a later
// registration starts from an empty buffer.
func (a *Arena) ReleaseSlot(slot int) { a.rings[slot].Reset() }
