// Package diag matches spectral peaks against expected order bands and
// maintains the live source x severity diagnostics state for a run.
//
// Every processing tick feeds the aggregator one spectrum per live sensor
// plus the current band set. Peaks are attributed to the band whose centre
// is closest among those whose tolerance contains the peak; unmatched
// peaks classify as "other". The matrix is append-only within a run and is
// reset only by an explicit run-start signal, never implicitly.
//
// Only the processing tick writes the aggregator; readers get deep copies
// via Snapshot.
package diag

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/roadhum/vibesense/internal/order"
	"github.com/roadhum/vibesense/internal/spectral"
)

// Cell is one matrix entry. Counts and seconds never decrease within a
// run.
type Cell struct {
	Count        uint64            `json:"count"`
	Seconds      float64           `json:"seconds"`
	Contributors map[string]uint64 `json:"contributors"`
}

// Matrix maps source key x severity key to accumulated evidence.
type Matrix map[order.Source]map[string]*Cell

// Event is one surfaced diagnostic observation, kept in a bounded live
// feed and not persisted here.
type Event struct {
	SeverityKey string    `json:"severity"`
	ClassKey    string    `json:"class"`
	PeakHz      float64   `json:"peak_hz"`
	StrengthDB  float64   `json:"strength_db"`
	SensorIDs   []string  `json:"sensor_ids"`
	Timestamp   time.Time `json:"timestamp"`
}

// Config controls aggregation.
type Config struct {
	// Severities ascending by MinDB. Defaults to DefaultSeverities.
	Severities []SeverityBand

	// SurfaceMinDB gates the live event feed: only observations at least
	// this strong produce an Event. Matrix accumulation is not gated.
	SurfaceMinDB float64

	// FeedCapacity bounds the live event feed. Defaults to 128.
	FeedCapacity int
}

// Aggregator owns the diagnostics matrix and event feed for the current
// run.
type Aggregator struct {
	mu         sync.Mutex
	severities []SeverityBand
	surfaceDB  float64
	feedCap    int

	runID      string
	runStarted time.Time
	matrix     Matrix
	feed       []Event

	ticks          uint64
	unmatchedPeaks uint64
}

// New creates an aggregator with an empty matrix.
func New(cfg Config) *Aggregator {
	if len(cfg.Severities) == 0 {
		cfg.Severities = DefaultSeverities()
	}
	if cfg.FeedCapacity <= 0 {
		cfg.FeedCapacity = 128
	}
	sevs := append([]SeverityBand(nil), cfg.Severities...)
	sort.Slice(sevs, func(i, j int) bool { return sevs[i].MinDB < sevs[j].MinDB })
	return &Aggregator{
		severities: sevs,
		surfaceDB:  cfg.SurfaceMinDB,
		feedCap:    cfg.FeedCapacity,
		matrix:     make(Matrix),
	}
}

// StartRun resets the matrix and feed for a new run. This is the only
// reset path.
func (a *Aggregator) StartRun(runID string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runID = runID
	a.runStarted = now
	a.matrix = make(Matrix)
	a.feed = a.feed[:0]
	a.ticks = 0
	a.unmatchedPeaks = 0
}

// RunID returns the current run identifier, empty before the first
// StartRun.
func (a *Aggregator) RunID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runID
}

// Observation couples one sensor's spectrum to its id for a tick.
type Observation struct {
	SensorID string
	Result   *spectral.Result
}

// ProcessTick matches every peak of every observation against the band
// set, classifies severities, accumulates the matrix, and returns the
// events surfaced this tick (already appended to the feed). elapsed is
// the wall time this tick accounts for.
func (a *Aggregator) ProcessTick(now time.Time, elapsed time.Duration, bands order.BandSet, observations []Observation) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ticks++

	// Events from different sensors that agree on class and severity in
	// the same tick collapse into one entry carrying all sensor ids.
	type eventKey struct{ severity, class string }
	pending := make(map[eventKey]*Event)

	for _, obs := range observations {
		if obs.Result == nil {
			continue
		}
		for _, peak := range obs.Result.Peaks {
			src, classKey, band, matched := matchPeak(bands, peak.Hz)
			if !matched {
				a.unmatchedPeaks++
			}

			// Strength is computed over the matched band's bins; an
			// unmatched peak uses a narrow band around itself.
			var lo, hw float64
			if matched {
				lo, hw = band.CenterHz, band.HalfWidthHz
			} else {
				lo, hw = peak.Hz, 2*obs.Result.BinWidthHz
			}
			rms, ok := spectral.BandRMS(obs.Result, lo, hw)
			if !ok {
				rms = peak.Amp
			}
			strength := spectral.StrengthDB(rms, obs.Result.NoiseFloorAmp)

			severity, ok := classify(a.severities, strength)
			if !ok {
				continue
			}

			cell := a.cell(src, severity.Key)
			cell.Count++
			cell.Seconds += elapsed.Seconds()
			cell.Contributors[obs.SensorID]++

			if strength >= a.surfaceDB {
				k := eventKey{severity.Key, classKey}
				ev, exists := pending[k]
				if !exists {
					ev = &Event{
						SeverityKey: severity.Key,
						ClassKey:    classKey,
						PeakHz:      peak.Hz,
						StrengthDB:  strength,
						Timestamp:   now,
					}
					pending[k] = ev
				}
				if strength > ev.StrengthDB {
					ev.StrengthDB = strength
					ev.PeakHz = peak.Hz
				}
				ev.SensorIDs = appendUnique(ev.SensorIDs, obs.SensorID)
			}
		}
	}

	if len(pending) == 0 {
		return nil
	}
	events := make([]Event, 0, len(pending))
	for _, ev := range pending {
		events = append(events, *ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].StrengthDB > events[j].StrengthDB })
	for _, ev := range events {
		a.appendEvent(ev)
	}
	return events
}

func (a *Aggregator) cell(src order.Source, severityKey string) *Cell {
	row, ok := a.matrix[src]
	if !ok {
		row = make(map[string]*Cell)
		a.matrix[src] = row
	}
	cell, ok := row[severityKey]
	if !ok {
		cell = &Cell{Contributors: make(map[string]uint64)}
		row[severityKey] = cell
	}
	return cell
}

// appendEvent keeps the feed bounded by dropping the oldest entry.
func (a *Aggregator) appendEvent(ev Event) {
	if len(a.feed) == a.feedCap {
		copy(a.feed, a.feed[1:])
		a.feed = a.feed[:a.feedCap-1]
	}
	a.feed = append(a.feed, ev)
}

// matchPeak attributes a peak to the band with the closest centre among
// those containing it. A merged driveshaft/engine band resolves its source
// to whichever constituent centre lies closer, so overlapping evidence is
// counted once but attributed as precisely as possible.
func matchPeak(bands order.BandSet, hz float64) (order.Source, string, order.Band, bool) {
	bestDist := math.Inf(1)
	var best order.Band
	found := false
	for _, b := range bands.Bands {
		if !b.Contains(hz) {
			continue
		}
		if d := math.Abs(hz - b.CenterHz); d < bestDist {
			bestDist = d
			best = b
			found = true
		}
	}
	if !found {
		return order.SourceOther, string(order.SourceOther), order.Band{}, false
	}
	src := best.Source
	if len(best.MergedFrom) > 0 {
		if math.Abs(hz-bands.EngineHz) < math.Abs(hz-bands.DriveshaftHz) {
			src = order.SourceEngine
		} else {
			src = order.SourceDriveshaft
		}
	}
	return src, string(best.Key), best, true
}

func appendUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}

// Snapshot is a deep copy of the aggregator state for publication.
type Snapshot struct {
	RunID          string    `json:"run_id"`
	RunStarted     time.Time `json:"run_started"`
	Ticks          uint64    `json:"ticks"`
	UnmatchedPeaks uint64    `json:"unmatched_peaks"`
	Matrix         Matrix    `json:"matrix"`
	Events         []Event   `json:"events"`
}

// Snapshot returns a deep copy safe to hand across goroutines.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	matrix := make(Matrix, len(a.matrix))
	for src, row := range a.matrix {
		rowCopy := make(map[string]*Cell, len(row))
		for sev, cell := range row {
			contributors := make(map[string]uint64, len(cell.Contributors))
			for id, n := range cell.Contributors {
				contributors[id] = n
			}
			rowCopy[sev] = &Cell{Count: cell.Count, Seconds: cell.Seconds, Contributors: contributors}
		}
		matrix[src] = rowCopy
	}
	return Snapshot{
		RunID:          a.runID,
		RunStarted:     a.runStarted,
		Ticks:          a.ticks,
		UnmatchedPeaks: a.unmatchedPeaks,
		Matrix:         matrix,
		Events:         append([]Event(nil), a.feed...),
	}
}
