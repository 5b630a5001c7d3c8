package speed

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadhum/vibesense/internal/timeutil"
)

// rmcActive is the canonical RMC example sentence: 22.4 knots over ground.
const rmcActive = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"

func TestParseRMC(t *testing.T) {
	t.Parallel()

	t.Run("active fix with checksum", func(t *testing.T) {
		mps, ok, err := parseRMC(rmcActive)
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, 22.4*0.514444, mps, 1e-9)
	})

	t.Run("void fix is an error", func(t *testing.T) {
		_, ok, err := parseRMC("$GPRMC,123519,V,,,,,022.4,,230394,,")
		assert.False(t, ok)
		assert.Error(t, err)
	})

	t.Run("non-RMC sentences are ignored", func(t *testing.T) {
		for _, line := range []string{
			"$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,",
			"not nmea at all",
			"",
		} {
			_, ok, err := parseRMC(line)
			assert.NoError(t, err, "line %q", line)
			assert.False(t, ok, "line %q", line)
		}
	})

	t.Run("checksum mismatch rejected", func(t *testing.T) {
		bad := rmcActive[:len(rmcActive)-2] + "00"
		_, _, err := parseRMC(bad)
		assert.Error(t, err)
	})

	t.Run("garbage speed field rejected", func(t *testing.T) {
		_, _, err := parseRMC("$GPRMC,123519,A,4807.038,N,01131.000,E,fast,084.4,230394,003.1,W")
		assert.Error(t, err)
	})
}

func TestSourceStaleness(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	src := NewSource(clock, 2*time.Second)

	_, valid := src.Current()
	assert.False(t, valid, "no reading yet")

	src.setGPS(10)
	mps, valid := src.Current()
	require.True(t, valid)
	assert.Equal(t, 10.0, mps)

	clock.Advance(3 * time.Second)
	_, valid = src.Current()
	assert.False(t, valid, "reading went stale")
}

func TestManualOverride(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	src := NewSource(clock, 2*time.Second)

	src.SetManual(27.78)
	src.setGPS(5) // ignored while overridden
	mps, valid := src.Current()
	require.True(t, valid)
	assert.Equal(t, 27.78, mps)

	// Overrides do not expire.
	clock.Advance(time.Hour)
	_, valid = src.Current()
	assert.True(t, valid)

	src.ClearManual()
	_, valid = src.Current()
	assert.False(t, valid, "cleared override leaves no reading")

	src.setGPS(5)
	mps, valid = src.Current()
	require.True(t, valid)
	assert.Equal(t, 5.0, mps)
}

func TestMonitorFeedsSource(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	src := NewSource(timeutil.RealClock{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- src.Monitor(ctx, r) }()

	_, err := io.WriteString(w, rmcActive+"\r\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, valid := src.Current()
		return valid
	}, time.Second, 5*time.Millisecond)

	reading, ok := src.Latest()
	require.True(t, ok)
	assert.Equal(t, "gps", reading.Source)
	assert.InDelta(t, 22.4*0.514444, reading.Mps, 1e-9)

	// A malformed sentence must not kill the monitor.
	_, err = io.WriteString(w, "$GPRMC,borked*ZZ\r\n")
	require.NoError(t, err)

	w.Close()
	select {
	case merr := <-done:
		assert.NoError(t, merr)
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit on port close")
	}
}
