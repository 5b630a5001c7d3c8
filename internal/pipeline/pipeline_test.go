package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadhum/vibesense/internal/db"
	"github.com/roadhum/vibesense/internal/diag"
	"github.com/roadhum/vibesense/internal/order"
	"github.com/roadhum/vibesense/internal/registry"
	"github.com/roadhum/vibesense/internal/samplebuf"
	"github.com/roadhum/vibesense/internal/spectral"
	"github.com/roadhum/vibesense/internal/speed"
	"github.com/roadhum/vibesense/internal/timeutil"
	"github.com/roadhum/vibesense/internal/wire"
)

const (
	testRate = 1024
	testFFT  = 256
)

var nodeID = wire.ClientID{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}

func testVehicle() order.VehicleConfig {
	return order.VehicleConfig{
		TireWidthMM:          285,
		TireAspectPct:        30,
		RimDiameterIn:        21,
		FinalDriveRatio:      3.08,
		GearRatio:            0.64,
		MinBandHalfWidthHz:   0.5,
		MaxBandHalfWidthFrac: 0.15,
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	runs    []string
	samples []db.TickSample
	events  []db.EventRow
}

func (f *fakeRecorder) StartRun(runID string, startedAt time.Time, vehicle any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, runID)
	return nil
}

func (f *fakeRecorder) RecordTickSample(s db.TickSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeRecorder) RecordEvent(ev db.EventRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	snapshots []Snapshot
	events    [][]diag.Event
}

func (f *fakePublisher) PublishSnapshot(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, s)
}

func (f *fakePublisher) PublishEvents(evs []diag.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

type fixture struct {
	pipeline  *Pipeline
	registry  *registry.Registry
	arena     *samplebuf.Arena
	speed     *speed.Source
	clock     *timeutil.MockClock
	recorder  *fakeRecorder
	publisher *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(10_000, 0))
	reg := registry.New(registry.Config{MaxClients: 4, Clock: clock})
	arena := samplebuf.NewArena(4, 8192)
	src := speed.NewSource(clock, time.Minute)
	rec := &fakeRecorder{}
	pub := &fakePublisher{}

	p, err := New(Config{
		Registry:            reg,
		Arena:               arena,
		Speed:               src,
		Aggregator:          diag.New(diag.Config{SurfaceMinDB: 12}),
		Vehicle:             testVehicle(),
		TickInterval:        500 * time.Millisecond,
		Workers:             2,
		Spectral:            spectral.Config{FFTSize: testFFT},
		DefaultSampleRateHz: testRate,
		Clock:               clock,
		Publisher:           pub,
		Recorder:            rec,
	})
	require.NoError(t, err)
	return &fixture{pipeline: p, registry: reg, arena: arena, speed: src, clock: clock, recorder: rec, publisher: pub}
}

func (f *fixture) registerNode(t *testing.T) {
	t.Helper()
	_, ok := f.registry.RegisterOrRefresh(wire.Hello{
		ClientID:     nodeID,
		SampleRateHz: testRate,
		Name:         "front-left",
	}, nil)
	require.True(t, ok)
}

// fillSine loads the node's ring with a pure tone on the x axis.
func (f *fixture) fillSine(freqHz, ampG float64) {
	const countsPerG = 16384
	ring := f.arena.Ring(0)
	step := uint64(1_000_000 / testRate)
	for i := 0; i < 2*testFFT; i++ {
		v := ampG * math.Sin(2*math.Pi*freqHz*float64(i)/testRate)
		ring.Push(samplebuf.Sample{
			TimestampMicros: uint64(i) * step,
			X:               int16(v * countsPerG),
		})
	}
}

// wheelSpeed returns the road speed that puts wheel 1x exactly on the
// given frequency.
func wheelSpeed(hz float64) float64 {
	return hz * math.Pi * testVehicle().TireDiameterM()
}

func TestTickMatchesWheelTone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerNode(t)

	// 12 Hz sits exactly on a bin at 1024 Hz / 256 points (4 Hz/bin).
	f.speed.SetManual(wheelSpeed(12.0))
	f.fillSine(12.0, 0.3)

	_, err := f.pipeline.StartRun()
	require.NoError(t, err)
	snap := f.pipeline.Tick(f.clock.Now())

	assert.Equal(t, SnapshotSchemaVersion, snap.SchemaVersion)
	assert.True(t, snap.Speed.Valid)
	require.Len(t, snap.Clients, 1)
	assert.True(t, snap.Clients[0].Live)
	assert.Equal(t, "front-left", snap.Clients[0].Name)

	row, ok := snap.Diagnostics.Matrix[order.SourceWheel]
	require.True(t, ok, "wheel tone must land in the wheel row, matrix %+v", snap.Diagnostics.Matrix)
	total := uint64(0)
	for _, cell := range row {
		total += cell.Count
	}
	assert.NotZero(t, total)

	// The run was recorded along with the tick's sample.
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	require.Len(t, f.recorder.runs, 1)
	require.NotEmpty(t, f.recorder.samples)
	assert.Equal(t, nodeID.String(), f.recorder.samples[0].SensorID)
	assert.Contains(t, f.recorder.samples[0].PeaksJSON, "hz")
}

func TestTickShortWindowSkipsNode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerNode(t)
	f.speed.SetManual(wheelSpeed(12.0))

	// Only a handful of samples: not enough to cover the FFT window.
	ring := f.arena.Ring(0)
	for i := 0; i < 10; i++ {
		ring.Push(samplebuf.Sample{TimestampMicros: uint64(i) * 976})
	}

	snap := f.pipeline.Tick(f.clock.Now())
	assert.Equal(t, uint64(1), snap.ShortWindows)
	assert.Empty(t, snap.Diagnostics.Matrix)
	assert.Equal(t, uint64(1), snap.Diagnostics.Ticks)
}

func TestTickWithoutSpeedOmitsBands(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerNode(t)
	f.fillSine(12.0, 0.3)

	snap := f.pipeline.Tick(f.clock.Now())
	assert.Empty(t, snap.Bands.Bands)
	assert.NotEmpty(t, snap.Bands.Omitted)
	assert.False(t, snap.Speed.Valid)

	// The tone still classifies, but as "other".
	_, ok := snap.Diagnostics.Matrix[order.SourceOther]
	assert.True(t, ok)
}

func TestStaleNodeExcludedFromTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerNode(t)
	f.speed.SetManual(wheelSpeed(12.0))
	f.fillSine(12.0, 0.3)

	f.clock.Advance(time.Hour)
	snap := f.pipeline.Tick(f.clock.Now())

	require.Len(t, snap.Clients, 1)
	assert.False(t, snap.Clients[0].Live)
	assert.Empty(t, snap.Diagnostics.Matrix, "stale node contributes no spectrum")
}

func TestStartRunIssuesUUID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	runID, err := f.pipeline.StartRun()
	require.NoError(t, err)
	_, err = uuid.Parse(runID)
	assert.NoError(t, err)

	second, err := f.pipeline.StartRun()
	require.NoError(t, err)
	assert.NotEqual(t, runID, second)
}

func TestRemoveClientReleasesSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerNode(t)
	f.fillSine(12.0, 0.3)

	require.True(t, f.pipeline.RemoveClient(nodeID.String()))
	assert.Empty(t, f.registry.All())
	assert.Zero(t, f.arena.Ring(0).Len(), "ring reset on release")

	assert.False(t, f.pipeline.RemoveClient(nodeID.String()), "second removal is a no-op")
}

func TestSetVehicleTakesEffectNextTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerNode(t)
	f.speed.SetManual(27.78)

	before := f.pipeline.Tick(f.clock.Now()).Bands
	require.NotEmpty(t, before.Bands)

	v := testVehicle()
	v.FinalDriveRatio = 0 // invalid: driveshaft and engine bands drop out
	f.pipeline.SetVehicle(v)

	after := f.pipeline.Tick(f.clock.Now()).Bands
	assert.Less(t, len(after.Bands), len(before.Bands))
	assert.NotEmpty(t, after.Omitted)
}

func TestRunLoopPublishesSnapshots(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{MaxClients: 2})
	arena := samplebuf.NewArena(2, 1024)
	pub := &fakePublisher{}
	p, err := New(Config{
		Registry:     reg,
		Arena:        arena,
		Aggregator:   diag.New(diag.Config{}),
		Vehicle:      testVehicle(),
		TickInterval: 10 * time.Millisecond,
		Workers:      1,
		Spectral:     spectral.Config{FFTSize: 64},
		Publisher:    pub,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop on cancellation")
	}
}
