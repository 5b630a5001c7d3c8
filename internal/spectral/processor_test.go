package spectral

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadhum/vibesense/internal/samplebuf"
)

const (
	testRate = 1024.0 // Hz
	testFFT  = 2048
)

// sineWindow synthesizes n samples of a pure X-axis sinusoid at f0 with
// amplitude ampG, quantized the way the sensor would.
func sineWindow(n int, f0, ampG float64) []samplebuf.Sample {
	cfg := DefaultConfig()
	out := make([]samplebuf.Sample, n)
	for i := range out {
		t := float64(i) / testRate
		v := ampG * math.Sin(2*math.Pi*f0*t)
		out[i] = samplebuf.Sample{
			TimestampMicros: uint64(t * 1e6),
			X:               int16(math.Round(v * cfg.CountsPerG)),
		}
	}
	return out
}

func noiseWindow(n int, sigmaG float64, seed int64) []samplebuf.Sample {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewSource(seed))
	out := make([]samplebuf.Sample, n)
	for i := range out {
		out[i] = samplebuf.Sample{
			TimestampMicros: uint64(float64(i) / testRate * 1e6),
			X:               int16(rng.NormFloat64() * sigmaG * cfg.CountsPerG),
			Y:               int16(rng.NormFloat64() * sigmaG * cfg.CountsPerG),
			Z:               int16(rng.NormFloat64() * sigmaG * cfg.CountsPerG),
		}
	}
	return out
}

func TestSinusoidProducesSinglePeakAtF0(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(Config{FFTSize: testFFT})
	require.NoError(t, err)

	const f0, amp = 60.0, 0.25
	res, err := p.Process(sineWindow(testFFT, f0, amp), testRate)
	require.NoError(t, err)

	require.NotEmpty(t, res.Peaks)
	// Strongest peak within one bin of f0, amplitude close to A.
	best := res.Peaks[0]
	for _, pk := range res.Peaks {
		if pk.Amp > best.Amp {
			best = pk
		}
	}
	assert.InDelta(t, f0, best.Hz, res.BinWidthHz)
	assert.InDelta(t, amp, best.Amp, amp*0.05)

	// The sinusoid lives on X only, so X and combined agree at the peak
	// while Y and Z stay near zero there.
	bin := int(math.Round(best.Hz / res.BinWidthHz))
	assert.InDelta(t, res.PerAxisAmp[0][bin], res.CombinedAmp[bin], amp*0.01)
	assert.Less(t, res.PerAxisAmp[1][bin], amp*0.01)
	assert.Less(t, res.PerAxisAmp[2][bin], amp*0.01)
}

func TestProcessReusesScratchAcrossCalls(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(Config{FFTSize: testFFT})
	require.NoError(t, err)

	// Scratch buffers (axis, coeffs, sorted) live for the Processor's
	// lifetime, so successive windows must come out independent.
	const amp = 0.4
	for _, f0 := range []float64{120, 48, 200} {
		res, err := p.Process(sineWindow(testFFT, f0, amp), testRate)
		require.NoError(t, err)
		require.NotEmpty(t, res.Peaks)

		best := res.Peaks[0]
		for _, pk := range res.Peaks {
			if pk.Amp > best.Amp {
				best = pk
			}
		}
		assert.InDelta(t, f0, best.Hz, res.BinWidthHz)
		assert.InDelta(t, amp, best.Amp, amp*0.05)
	}
}

func TestCombinedSpectrumIsEuclidean(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(Config{FFTSize: testFFT})
	require.NoError(t, err)

	// Equal sinusoids on all three axes: combined = sqrt(3) x per-axis.
	const f0, amp = 80.0, 0.1
	window := sineWindow(testFFT, f0, amp)
	for i := range window {
		window[i].Y = window[i].X
		window[i].Z = window[i].X
	}
	res, err := p.Process(window, testRate)
	require.NoError(t, err)

	bin := int(math.Round(f0 / res.BinWidthHz))
	assert.InDelta(t, math.Sqrt(3)*res.PerAxisAmp[0][bin], res.CombinedAmp[bin], amp*0.02)
}

func TestPureNoiseYieldsNoPeaks(t *testing.T) {
	t.Parallel()

	// The peak gate is relative to the noise floor: with a margin safely
	// above the expected max-to-floor ratio of white noise, noise alone
	// must never surface a peak.
	p, err := NewProcessor(Config{FFTSize: testFFT, PeakMargin: 10})
	require.NoError(t, err)

	res, err := p.Process(noiseWindow(testFFT, 0.02, 42), testRate)
	require.NoError(t, err)
	assert.Empty(t, res.Peaks)
	assert.Greater(t, res.NoiseFloorAmp, 0.0)
}

func TestSinusoidRidesAboveNoise(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(Config{FFTSize: testFFT})
	require.NoError(t, err)

	const f0, amp = 42.0, 0.3
	window := sineWindow(testFFT, f0, amp)
	noise := noiseWindow(testFFT, 0.005, 7)
	for i := range window {
		window[i].X += noise[i].X
		window[i].Y += noise[i].Y
		window[i].Z += noise[i].Z
	}

	res, err := p.Process(window, testRate)
	require.NoError(t, err)
	require.NotEmpty(t, res.Peaks)

	best := res.Peaks[0]
	for _, pk := range res.Peaks {
		if pk.Amp > best.Amp {
			best = pk
		}
	}
	assert.InDelta(t, f0, best.Hz, res.BinWidthHz)

	rms, ok := BandRMS(res, best.Hz, 2.0)
	require.True(t, ok)
	db := StrengthDB(rms, res.NoiseFloorAmp)
	assert.Greater(t, db, 20.0, "a 0.3 g tone over 5 mg noise should be loud")
}

func TestProcessShortWindow(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(Config{FFTSize: testFFT})
	require.NoError(t, err)

	_, err = p.Process(sineWindow(testFFT/2, 60, 0.1), testRate)
	assert.ErrorIs(t, err, ErrShortWindow)

	_, err = p.Process(sineWindow(testFFT, 60, 0.1), 0)
	assert.Error(t, err)
}

func TestProcessorRejectsBadFFTSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{3, 100, 8} {
		_, err := NewProcessor(Config{FFTSize: size})
		assert.Error(t, err, "size %d", size)
	}
}

func TestStrengthDB(t *testing.T) {
	t.Parallel()

	// 10x over the floor is 20 dB.
	assert.InDelta(t, 20.0, StrengthDB(0.1, 0.01), 0.01)
	// Equal to the floor is 0 dB.
	assert.InDelta(t, 0.0, StrengthDB(0.01, 0.01), 0.001)
	// Epsilon guard: all-zero inputs stay finite.
	assert.False(t, math.IsInf(StrengthDB(0, 0), 0))
	assert.False(t, math.IsNaN(StrengthDB(0, 0)))
	assert.InDelta(t, 0.0, StrengthDB(0, 0), 0.001)
}

func TestStrengthDBMonotonic(t *testing.T) {
	t.Parallel()

	prev := math.Inf(-1)
	for _, rms := range []float64{0, 0.001, 0.01, 0.1, 1.0} {
		db := StrengthDB(rms, 0.01)
		assert.Greater(t, db, prev)
		prev = db
	}
}

func TestBandRMS(t *testing.T) {
	t.Parallel()

	res := &Result{
		Freqs:       []float64{0, 1, 2, 3, 4, 5},
		CombinedAmp: []float64{0, 3, 4, 0, 0, 0},
	}
	rms, ok := BandRMS(res, 1.5, 0.5)
	require.True(t, ok)
	// Bins at 1 Hz and 2 Hz: sqrt((9+16)/2).
	assert.InDelta(t, math.Sqrt(12.5), rms, 1e-9)

	_, ok = BandRMS(res, 100, 0.5)
	assert.False(t, ok)
}

func TestWindowDuration(t *testing.T) {
	t.Parallel()

	cfg := Config{FFTSize: 1024}
	d := cfg.WindowDuration(1024)
	// One second of samples plus slack.
	assert.Greater(t, d.Seconds(), 1.0)
	assert.Less(t, d.Seconds(), 1.2)
	assert.Zero(t, cfg.WindowDuration(0))
}
