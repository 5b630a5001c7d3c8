package ingest

import (
	"sync/atomic"

	"github.com/roadhum/vibesense/internal/monitoring"
)

// StatsInterface provides frame statistics management.
type StatsInterface interface {
	AddFrame(bytes int)
	AddSamples(count int)
	AddDecodeError()
	AddUnknownData()
	AddDiscarded()
	LogStats()
}

// noopStats is a StatsInterface implementation that does nothing. It is
// used as a safe default when no stats collector is provided.
type noopStats struct{}

func (n *noopStats) AddFrame(bytes int)  {}
func (n *noopStats) AddSamples(count int) {}
func (n *noopStats) AddDecodeError()     {}
func (n *noopStats) AddUnknownData()     {}
func (n *noopStats) AddDiscarded()       {}
func (n *noopStats) LogStats()           {}

// FrameStats counts ingest traffic with atomic counters so the read loop
// never takes a lock.
type FrameStats struct {
	frames       atomic.Uint64
	bytes        atomic.Uint64
	samples      atomic.Uint64
	decodeErrors atomic.Uint64
	unknownData  atomic.Uint64
	discarded    atomic.Uint64
}

// NewFrameStats creates a zeroed stats collector.
func NewFrameStats() *FrameStats { return &FrameStats{} }

func (s *FrameStats) AddFrame(bytes int) {
	s.frames.Add(1)
	s.bytes.Add(uint64(bytes))
}

func (s *FrameStats) AddSamples(count int) { s.samples.Add(uint64(count)) }
func (s *FrameStats) AddDecodeError()      { s.decodeErrors.Add(1) }
func (s *FrameStats) AddUnknownData()      { s.unknownData.Add(1) }
func (s *FrameStats) AddDiscarded()        { s.discarded.Add(1) }

// Counts returns the current counter values.
func (s *FrameStats) Counts() (frames, bytes, samples, decodeErrors, unknownData, discarded uint64) {
	return s.frames.Load(), s.bytes.Load(), s.samples.Load(),
		s.decodeErrors.Load(), s.unknownData.Load(), s.discarded.Load()
}

func (s *FrameStats) LogStats() {
	frames, bytes, samples, decodeErrors, unknownData, discarded := s.Counts()
	monitoring.Logf("ingest: %d frames (%d bytes), %d samples, %d decode errors, %d unknown-node data, %d discarded",
		frames, bytes, samples, decodeErrors, unknownData, discarded)
}
