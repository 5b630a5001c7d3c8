// Package speed supplies the current road speed for order tracking. The
// primary source is a GPS receiver streaming NMEA sentences over a serial
// port; an operator can also set a manual override through the API, which
// wins over the serial feed until cleared.
//
// A reading goes stale after MaxAge without an update, at which point
// Current reports it invalid and order bands are omitted rather than
// computed from an old speed.
package speed

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/roadhum/vibesense/internal/monitoring"
	"github.com/roadhum/vibesense/internal/timeutil"
)

// SerialPorter is the minimal serial port surface the monitor needs.
// The abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.Reader
	io.Closer
}

// OpenSerial opens a real serial port for NMEA input.
func OpenSerial(path string, baud int) (SerialPorter, error) {
	return serial.Open(path, &serial.Mode{BaudRate: baud})
}

// Reading is one speed observation.
type Reading struct {
	Mps    float64   `json:"mps"`
	At     time.Time `json:"at"`
	Source string    `json:"source"` // "gps" or "manual"
}

// Source tracks the latest speed reading.
type Source struct {
	mu       sync.Mutex
	latest   Reading
	override bool

	clock  timeutil.Clock
	maxAge time.Duration
}

// NewSource creates a speed source. maxAge bounds how long a reading
// stays valid without refresh.
func NewSource(clock timeutil.Clock, maxAge time.Duration) *Source {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Second
	}
	return &Source{clock: clock, maxAge: maxAge}
}

// Current returns the latest speed in m/s. valid is false when no reading
// has arrived yet or the latest one is older than the staleness bound.
// A manual override never goes stale.
func (s *Source) Current() (mps float64, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest.At.IsZero() {
		return 0, false
	}
	if !s.override && s.clock.Since(s.latest.At) > s.maxAge {
		return 0, false
	}
	return s.latest.Mps, true
}

// Latest returns the most recent reading regardless of staleness.
func (s *Source) Latest() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, !s.latest.At.IsZero()
}

// SetManual installs a manual speed override. It persists until
// ClearManual.
func (s *Source) SetManual(mps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = Reading{Mps: mps, At: s.clock.Now(), Source: "manual"}
	s.override = true
}

// ClearManual drops the override; the next GPS sentence takes over.
func (s *Source) ClearManual() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = false
	s.latest = Reading{}
}

func (s *Source) setGPS(mps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override {
		return
	}
	s.latest = Reading{Mps: mps, At: s.clock.Now(), Source: "gps"}
}

// Monitor reads NMEA sentences from the port until the context is
// cancelled or the port closes. Malformed sentences are logged and
// skipped; the feed keeps running.
func (s *Source) Monitor(ctx context.Context, port SerialPorter) error {
	scan := bufio.NewScanner(port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the outer loop
	// can await both lines and context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}
			mps, isRMC, err := parseRMC(line)
			if err != nil {
				monitoring.Logf("speed: dropping NMEA sentence: %v", err)
				continue
			}
			if isRMC {
				s.setGPS(mps)
			}
		}
	}
}
