// Package pipeline runs the processing tick: every interval it snapshots
// the live nodes, pulls each node's latest sample window from the arena,
// computes spectra on a bounded worker pool, matches peaks against the
// current order bands and feeds the diagnostics aggregator. The tick is
// the only writer of spectra and diagnostics state; the ingest loop never
// blocks on it.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roadhum/vibesense/internal/db"
	"github.com/roadhum/vibesense/internal/diag"
	"github.com/roadhum/vibesense/internal/monitoring"
	"github.com/roadhum/vibesense/internal/order"
	"github.com/roadhum/vibesense/internal/registry"
	"github.com/roadhum/vibesense/internal/samplebuf"
	"github.com/roadhum/vibesense/internal/spectral"
	"github.com/roadhum/vibesense/internal/speed"
	"github.com/roadhum/vibesense/internal/timeutil"
)

// SnapshotSchemaVersion is bumped whenever the snapshot JSON shape
// changes, so consumers can detect incompatibility instead of
// misparsing.
const SnapshotSchemaVersion = 1

// SpeedStatus is the speed reading embedded in a snapshot.
type SpeedStatus struct {
	Mps   float64 `json:"mps"`
	Valid bool    `json:"valid"`
}

// ClientStatus is one node's health as of a snapshot.
type ClientStatus struct {
	ClientID           string    `json:"client_id"`
	Name               string    `json:"name,omitempty"`
	SampleRateHz       uint16    `json:"sample_rate_hz"`
	Firmware           string    `json:"firmware,omitempty"`
	FramesReceived     uint64    `json:"frames_received"`
	DroppedFrames      uint64    `json:"dropped_frames"`
	OutOfOrderFrames   uint64    `json:"out_of_order_frames"`
	QueueOverflowDrops uint32    `json:"queue_overflow_drops"`
	RingOverflows      uint64    `json:"ring_overflows"`
	LastSeenAt         time.Time `json:"last_seen_at"`
	Live               bool      `json:"live"`
}

// Snapshot is the full live diagnostics state published after every tick.
type Snapshot struct {
	SchemaVersion int            `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Speed         SpeedStatus    `json:"speed"`
	Bands         order.BandSet  `json:"bands"`
	Clients       []ClientStatus `json:"clients"`
	Diagnostics   diag.Snapshot  `json:"diagnostics"`
	ShortWindows  uint64         `json:"short_windows"`
	NonFinite     uint64         `json:"non_finite_ticks"`
}

// Publisher receives every published snapshot and the per-tick events.
type Publisher interface {
	PublishSnapshot(Snapshot)
	PublishEvents([]diag.Event)
}

// Recorder persists tick samples and events. *db.DB satisfies it.
type Recorder interface {
	StartRun(runID string, startedAt time.Time, vehicle any) error
	RecordTickSample(db.TickSample) error
	RecordEvent(db.EventRow) error
}

// Config wires the pipeline's collaborators.
type Config struct {
	Registry   *registry.Registry
	Arena      *samplebuf.Arena
	Speed      *speed.Source
	Aggregator *diag.Aggregator
	Vehicle    order.VehicleConfig

	TickInterval time.Duration
	Workers      int
	Spectral     spectral.Config

	// DefaultSampleRateHz is used for nodes whose HELLO declared no rate.
	DefaultSampleRateHz int

	Clock     timeutil.Clock
	Publisher Publisher // optional
	Recorder  Recorder  // optional
}

// Pipeline drives the periodic processing tick.
type Pipeline struct {
	cfg   Config
	clock timeutil.Clock

	// One processor and scratch window per worker; both are reused across
	// ticks and owned by exactly one worker during a tick.
	processors []*spectral.Processor
	scratch    [][]samplebuf.Sample

	mu       sync.Mutex
	lastTick time.Time

	countMu      sync.Mutex
	shortWindows uint64
	nonFinite    uint64

	vehicleMu sync.RWMutex
	vehicle   order.VehicleConfig
}

// New creates a pipeline. The worker pool size is fixed at construction.
func New(cfg Config) (*Pipeline, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultSampleRateHz <= 0 {
		cfg.DefaultSampleRateHz = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	processors := make([]*spectral.Processor, cfg.Workers)
	scratch := make([][]samplebuf.Sample, cfg.Workers)
	for i := range processors {
		p, err := spectral.NewProcessor(cfg.Spectral)
		if err != nil {
			return nil, err
		}
		processors[i] = p
		scratch[i] = make([]samplebuf.Sample, 0, 2*p.Config().FFTSize)
	}

	return &Pipeline{
		cfg:        cfg,
		clock:      cfg.Clock,
		processors: processors,
		scratch:    scratch,
		vehicle:    cfg.Vehicle,
	}, nil
}

// StartRun begins a new diagnostics run, resetting the aggregator. This is
// the only reset path; node removal or reconfiguration never clears
// accumulated evidence.
func (p *Pipeline) StartRun() (string, error) {
	runID := uuid.NewString()
	now := p.clock.Now()
	p.cfg.Aggregator.StartRun(runID, now)
	if p.cfg.Recorder != nil {
		if err := p.cfg.Recorder.StartRun(runID, now, p.Vehicle()); err != nil {
			return runID, err
		}
	}
	return runID, nil
}

// Vehicle returns the active drivetrain configuration.
func (p *Pipeline) Vehicle() order.VehicleConfig {
	p.vehicleMu.RLock()
	defer p.vehicleMu.RUnlock()
	return p.vehicle
}

// SetVehicle swaps the drivetrain configuration. It takes effect on the
// next tick; accumulated diagnostics are kept.
func (p *Pipeline) SetVehicle(v order.VehicleConfig) {
	p.vehicleMu.Lock()
	defer p.vehicleMu.Unlock()
	p.vehicle = v
}

// RemoveClient evicts a node and releases its arena slot.
func (p *Pipeline) RemoveClient(id string) bool {
	for _, rec := range p.cfg.Registry.All() {
		if rec.ClientID.String() == id {
			if slot, ok := p.cfg.Registry.Remove(rec.ClientID); ok {
				p.cfg.Arena.ReleaseSlot(slot)
				return true
			}
			return false
		}
	}
	return false
}

// Run drives the tick loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			p.Tick(now)
		}
	}
}

type tickJob struct {
	rec  registry.ClientRecord
	rate float64
}

// Tick runs one processing pass at the given time and returns the
// published snapshot.
func (p *Pipeline) Tick(now time.Time) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.cfg.TickInterval
	if !p.lastTick.IsZero() {
		elapsed = now.Sub(p.lastTick)
	}
	p.lastTick = now

	speedMps, speedValid := 0.0, false
	if p.cfg.Speed != nil {
		speedMps, speedValid = p.cfg.Speed.Current()
	}
	bands := order.Compute(speedMps, speedValid, p.Vehicle())

	live := p.cfg.Registry.Snapshot(now)

	jobs := make(chan tickJob)
	var obsMu sync.Mutex
	observations := make([]diag.Observation, 0, len(live))

	var wg sync.WaitGroup
	for w := 0; w < len(p.processors); w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			proc := p.processors[worker]
			windowDur := proc.Config().WindowDuration(float64(p.cfg.DefaultSampleRateHz))
			for job := range jobs {
				if job.rate > 0 {
					windowDur = proc.Config().WindowDuration(job.rate)
				}
				window, short := p.cfg.Arena.Ring(job.rec.Slot).WindowInto(windowDur, p.scratch[worker])
				p.scratch[worker] = window[:0]
				if short {
					p.countShortWindow()
					continue
				}
				res, err := proc.Process(window, job.rate)
				if err != nil {
					p.countProcessError(err)
					continue
				}
				obsMu.Lock()
				observations = append(observations, diag.Observation{
					SensorID: job.rec.ClientID.String(),
					Result:   res,
				})
				obsMu.Unlock()
			}
		}(w)
	}

	for _, rec := range live {
		rate := float64(p.cfg.DefaultSampleRateHz)
		if rec.SampleRateHz > 0 {
			rate = float64(rec.SampleRateHz)
		}
		jobs <- tickJob{rec: rec, rate: rate}
	}
	close(jobs)
	wg.Wait()

	events := p.cfg.Aggregator.ProcessTick(now, elapsed, bands, observations)

	snap := p.buildSnapshot(now, speedMps, speedValid, bands, live)
	p.record(now, speedMps, speedValid, observations, events)

	if p.cfg.Publisher != nil {
		p.cfg.Publisher.PublishSnapshot(snap)
		if len(events) > 0 {
			p.cfg.Publisher.PublishEvents(events)
		}
	}
	return snap
}

func (p *Pipeline) countShortWindow() {
	p.countMu.Lock()
	p.shortWindows++
	p.countMu.Unlock()
}

func (p *Pipeline) countProcessError(err error) {
	p.countMu.Lock()
	p.nonFinite++
	p.countMu.Unlock()
	monitoring.Logf("pipeline: skipping node tick: %v", err)
}

// Clients reports every registered node and its liveness as of now.
func (p *Pipeline) Clients() []ClientStatus {
	return p.clientStatuses(p.cfg.Registry.Snapshot(p.clock.Now()))
}

func (p *Pipeline) clientStatuses(live []registry.ClientRecord) []ClientStatus {
	liveSet := make(map[string]bool, len(live))
	for _, rec := range live {
		liveSet[rec.ClientID.String()] = true
	}

	all := p.cfg.Registry.All()
	clients := make([]ClientStatus, 0, len(all))
	for _, rec := range all {
		clients = append(clients, ClientStatus{
			ClientID:           rec.ClientID.String(),
			Name:               rec.DisplayName,
			SampleRateHz:       rec.SampleRateHz,
			Firmware:           rec.FirmwareVersion,
			FramesReceived:     rec.FramesReceived,
			DroppedFrames:      rec.DroppedFrames,
			OutOfOrderFrames:   rec.OutOfOrderFrames,
			QueueOverflowDrops: rec.QueueOverflowDrops,
			RingOverflows:      p.cfg.Arena.Ring(rec.Slot).Overflows(),
			LastSeenAt:         rec.LastSeenAt,
			Live:               liveSet[rec.ClientID.String()],
		})
	}
	return clients
}

func (p *Pipeline) buildSnapshot(now time.Time, speedMps float64, speedValid bool, bands order.BandSet, live []registry.ClientRecord) Snapshot {
	clients := p.clientStatuses(live)

	p.countMu.Lock()
	short, nonFinite := p.shortWindows, p.nonFinite
	p.countMu.Unlock()

	return Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		GeneratedAt:   now,
		Speed:         SpeedStatus{Mps: speedMps, Valid: speedValid},
		Bands:         bands,
		Clients:       clients,
		Diagnostics:   p.cfg.Aggregator.Snapshot(),
		ShortWindows:  short,
		NonFinite:     nonFinite,
	}
}

// record persists the tick best-effort; storage failures are logged, not
// allowed to stall the tick.
func (p *Pipeline) record(now time.Time, speedMps float64, speedValid bool, observations []diag.Observation, events []diag.Event) {
	if p.cfg.Recorder == nil {
		return
	}
	runID := p.cfg.Aggregator.RunID()
	if runID == "" {
		return
	}

	for _, obs := range observations {
		peaks, err := json.Marshal(obs.Result.Peaks)
		if err != nil {
			continue
		}
		sample := db.TickSample{
			RunID:       runID,
			At:          now,
			SensorID:    obs.SensorID,
			SpeedMps:    speedMps,
			SpeedValid:  speedValid,
			NoiseFloorG: obs.Result.NoiseFloorAmp,
			PeaksJSON:   string(peaks),
		}
		if err := p.cfg.Recorder.RecordTickSample(sample); err != nil {
			monitoring.Logf("pipeline: failed to record tick sample: %v", err)
		}
	}
	for _, ev := range events {
		row := db.EventRow{
			RunID:      runID,
			At:         ev.Timestamp,
			Severity:   ev.SeverityKey,
			Class:      ev.ClassKey,
			PeakHz:     ev.PeakHz,
			StrengthDB: ev.StrengthDB,
			SensorIDs:  ev.SensorIDs,
		}
		if err := p.cfg.Recorder.RecordEvent(row); err != nil {
			monitoring.Logf("pipeline: failed to record event: %v", err)
		}
	}
}
