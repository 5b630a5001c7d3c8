// Package registry tracks per-node identity, liveness and sequence state.
//
// The registry is the single shared structure between the ingestion
// goroutine (which writes liveness and sequence fields) and the processing
// tick (which only reads, via Snapshot). Records are never deleted
// automatically; a silent node is merely excluded from snapshots until it
// reconnects, and only an explicit Remove evicts it.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/roadhum/vibesense/internal/timeutil"
	"github.com/roadhum/vibesense/internal/wire"
)

// DefaultFreshnessWindow is the maximum silence before a node is excluded
// from live snapshots. Nodes send HELLO heartbeats and DATA frames well
// inside this window under normal operation.
const DefaultFreshnessWindow = 500 * time.Millisecond

// ClientRecord is the registry's per-node state. It is owned exclusively by
// the Registry; other components see value copies via Snapshot or Lookup.
type ClientRecord struct {
	ClientID        wire.ClientID
	DisplayName     string
	Addr            *net.UDPAddr // source address of the most recent frame
	ControlPort     uint16
	SampleRateHz    uint16
	FrameSamples    uint16
	FirmwareVersion string

	// Slot is the node's index into the sample-buffer arena, assigned at
	// registration and reused after removal.
	Slot int

	NextExpectedSeq    uint32
	LastSeq            uint32 // highest seq received, for DATA_ACK
	DroppedFrames      uint64 // cumulative gap between expected and received seqs
	OutOfOrderFrames   uint64 // regressed/duplicate seqs, discarded without reordering
	QueueOverflowDrops uint32 // node-reported send-queue drops from HELLO
	FramesReceived     uint64
	LastSeenAt         time.Time

	seqInitialized bool
}

// Registry is the authoritative map of known sensor nodes.
type Registry struct {
	mu        sync.RWMutex
	clients   map[wire.ClientID]*ClientRecord
	freeSlots []int // released arena slots, reused before growing
	nextSlot  int
	maxSlots  int
	clock     timeutil.Clock
	freshness time.Duration
}

// Config controls registry behaviour. Zero values pick defaults.
type Config struct {
	// MaxClients bounds the number of concurrently registered nodes and
	// therefore the arena size. Defaults to 32.
	MaxClients int

	// FreshnessWindow overrides DefaultFreshnessWindow.
	FreshnessWindow time.Duration

	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 32
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Registry{
		clients:   make(map[wire.ClientID]*ClientRecord),
		maxSlots:  cfg.MaxClients,
		clock:     cfg.Clock,
		freshness: cfg.FreshnessWindow,
	}
}

// MaxClients returns the registration capacity (and arena size).
func (r *Registry) MaxClients() int { return r.maxSlots }

// RegisterOrRefresh creates a record on first HELLO and refreshes its
// metadata and liveness on every subsequent one. The returned copy reflects
// the record after the update. ok is false when the registry is full.
func (r *Registry) RegisterOrRefresh(h wire.Hello, addr *net.UDPAddr) (ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.clients[h.ClientID]
	if !exists {
		slot, ok := r.allocSlotLocked()
		if !ok {
			return ClientRecord{}, false
		}
		rec = &ClientRecord{ClientID: h.ClientID, Slot: slot}
		r.clients[h.ClientID] = rec
	}
	rec.DisplayName = h.Name
	rec.Addr = addr
	rec.ControlPort = h.ControlPort
	rec.SampleRateHz = h.SampleRateHz
	rec.FrameSamples = h.FrameSamples
	rec.FirmwareVersion = h.Firmware
	rec.QueueOverflowDrops = h.QueueOverflowDrops
	rec.LastSeenAt = r.clock.Now()
	return *rec, true
}

func (r *Registry) allocSlotLocked() (int, bool) {
	if n := len(r.freeSlots); n > 0 {
		slot := r.freeSlots[n-1]
		r.freeSlots = r.freeSlots[:n-1]
		return slot, true
	}
	if r.nextSlot >= r.maxSlots {
		return 0, false
	}
	slot := r.nextSlot
	r.nextSlot++
	return slot, true
}

// Touch records receipt of a DATA frame. It updates liveness, advances the
// expected sequence, and keeps loss accounting:
//
//   - a gap (seq ahead of expected) adds the gap size to DroppedFrames and
//     resumes from the new seq;
//   - a regressed or duplicate seq increments OutOfOrderFrames and the
//     frame is discarded (accept == false) — there is no reordering buffer.
//
// Sequence comparison is a signed difference on the 32-bit space, so a
// counter rollover reads as +1 rather than a four-billion-frame gap.
// The returned slot is valid only when accept is true.
func (r *Registry) Touch(id wire.ClientID, seq uint32, addr *net.UDPAddr) (slot int, accept bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[id]
	if !ok {
		// DATA before HELLO: the node is unknown, nothing to attribute
		// samples to. The receiver counts these separately.
		return 0, false
	}
	rec.LastSeenAt = r.clock.Now()
	if addr != nil {
		rec.Addr = addr
	}

	if !rec.seqInitialized {
		rec.seqInitialized = true
		rec.NextExpectedSeq = seq + 1
		rec.LastSeq = seq
		rec.FramesReceived++
		return rec.Slot, true
	}

	delta := wire.SeqDelta(rec.NextExpectedSeq, seq)
	switch {
	case delta < 0:
		rec.OutOfOrderFrames++
		return 0, false
	case delta > 0:
		rec.DroppedFrames += uint64(delta)
	}
	rec.NextExpectedSeq = seq + 1
	rec.LastSeq = seq
	rec.FramesReceived++
	return rec.Slot, true
}

// Remove evicts a node, releasing its arena slot for reuse. Returns the
// freed slot and whether the node was known.
func (r *Registry) Remove(id wire.ClientID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[id]
	if !ok {
		return 0, false
	}
	delete(r.clients, id)
	r.freeSlots = append(r.freeSlots, rec.Slot)
	return rec.Slot, true
}

// Lookup returns a copy of the record for id.
func (r *Registry) Lookup(id wire.ClientID) (ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[id]
	if !ok {
		return ClientRecord{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records seen within the freshness window
// as of now. Filtering is a pure function of now minus LastSeenAt; stale
// records stay registered and reappear when the node resumes sending.
func (r *Registry) Snapshot(now time.Time) []ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		if now.Sub(rec.LastSeenAt) > r.freshness {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// All returns copies of every record regardless of freshness, for the
// operator API.
func (r *Registry) All() []ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		out = append(out, *rec)
	}
	return out
}
