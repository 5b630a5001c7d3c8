// Package spectral turns a window of tri-axis accelerometer samples into
// an amplitude spectrum with noise floor and detected peaks.
//
// The per-tick algorithm, in order: take the latest analysis window, remove
// the per-axis mean (gravity and sensor bias sit at DC and would otherwise
// dominate the low bins), apply a Hann window against edge leakage, run a
// real FFT per axis, convert to amplitude, combine the three axes per bin
// as sqrt(x^2+y^2+z^2) — the combined spectrum is the canonical signal for
// every downstream consumer — then estimate the noise floor as the 20th
// percentile of the combined amplitudes and pick local maxima above
// margin x floor with a minimum bin separation.
//
// A Processor holds reusable scratch buffers and is not safe for
// concurrent use; the processing tick keeps one Processor per worker.
package spectral

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/roadhum/vibesense/internal/samplebuf"
)

// ErrNonFinite is returned when any intermediate of a tick's computation
// produces NaN or Inf. The caller skips the affected client's tick and
// counts the anomaly; a poisoned spectrum must never reach diagnostics.
var ErrNonFinite = errors.New("spectral: non-finite value in computation")

// ErrShortWindow is returned when fewer samples than the FFT size are
// available.
var ErrShortWindow = errors.New("spectral: window shorter than FFT size")

// epsilonG guards the strength ratio against a zero noise floor. The value
// is far below any physical accelerometer noise level in g.
const epsilonG = 1e-9

// Config holds the spectral processing parameters.
type Config struct {
	// FFTSize is the analysis window length in samples. Power of two.
	FFTSize int

	// CountsPerG converts raw sensor counts to g (16384 for a +/-2g
	// full-scale 16-bit part).
	CountsPerG float64

	// PeakMargin is the multiple of the noise floor a local maximum must
	// exceed to count as a peak.
	PeakMargin float64

	// MinPeakSeparationBins suppresses secondary maxima closer than this
	// many bins to a stronger accepted peak (prominence gate).
	MinPeakSeparationBins int

	// MaxPeaks bounds the peak list per tick.
	MaxPeaks int

	// NoiseFloorQuantile selects the amplitude quantile used as the noise
	// floor estimate.
	NoiseFloorQuantile float64
}

// DefaultConfig returns the standard processing parameters.
func DefaultConfig() Config {
	return Config{
		FFTSize:               2048,
		CountsPerG:            16384,
		PeakMargin:            3.0,
		MinPeakSeparationBins: 3,
		MaxPeaks:              8,
		NoiseFloorQuantile:    0.20,
	}
}

// WindowDuration returns the time span the FFT window covers at the given
// sample rate, plus a small slack so ring reads land a full window.
func (c Config) WindowDuration(sampleRateHz float64) time.Duration {
	if sampleRateHz <= 0 {
		return 0
	}
	secs := float64(c.FFTSize) / sampleRateHz
	return time.Duration(secs * 1.05 * float64(time.Second))
}

// Peak is one detected spectral peak in the combined spectrum.
type Peak struct {
	Hz  float64 `json:"hz"`
	Amp float64 `json:"amp_g"`
}

// Result is one tick's spectrum for one node. Results are recomputed
// wholesale every tick; the previous result is discarded, never patched.
type Result struct {
	// Freqs holds the bin centre frequencies in Hz.
	Freqs []float64

	// PerAxisAmp holds the amplitude spectrum per axis (x, y, z) in g.
	PerAxisAmp [3][]float64

	// CombinedAmp is the per-bin Euclidean combination of the three axes.
	CombinedAmp []float64

	// NoiseFloorAmp is the noise floor estimate in g.
	NoiseFloorAmp float64

	// Peaks are the detected peaks, ascending by frequency.
	Peaks []Peak

	// BinWidthHz is the frequency resolution.
	BinWidthHz float64
}

// Processor computes spectra. Scratch buffers are reused across calls, so
// each concurrent worker needs its own Processor.
type Processor struct {
	cfg  Config
	fft  *fourier.FFT
	hann []float64
	// windowSum is the sum of the Hann coefficients, used to undo the
	// window's coherent gain when scaling coefficients to amplitude.
	windowSum float64

	axis   []float64
	coeffs []complex128
	sorted []float64
}

// NewProcessor builds a Processor for the given config. Zero config fields
// fall back to DefaultConfig values.
func NewProcessor(cfg Config) (*Processor, error) {
	def := DefaultConfig()
	if cfg.FFTSize == 0 {
		cfg.FFTSize = def.FFTSize
	}
	if cfg.FFTSize < 16 || cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		return nil, fmt.Errorf("spectral: FFT size must be a power of two >= 16, got %d", cfg.FFTSize)
	}
	if cfg.CountsPerG <= 0 {
		cfg.CountsPerG = def.CountsPerG
	}
	if cfg.PeakMargin <= 0 {
		cfg.PeakMargin = def.PeakMargin
	}
	if cfg.MinPeakSeparationBins <= 0 {
		cfg.MinPeakSeparationBins = def.MinPeakSeparationBins
	}
	if cfg.MaxPeaks <= 0 {
		cfg.MaxPeaks = def.MaxPeaks
	}
	if cfg.NoiseFloorQuantile <= 0 || cfg.NoiseFloorQuantile >= 1 {
		cfg.NoiseFloorQuantile = def.NoiseFloorQuantile
	}

	n := cfg.FFTSize
	hann := make([]float64, n)
	sum := 0.0
	for i := range hann {
		hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		sum += hann[i]
	}

	return &Processor{
		cfg:       cfg,
		fft:       fourier.NewFFT(n),
		hann:      hann,
		windowSum: sum,
		axis:      make([]float64, n),
		coeffs:    make([]complex128, n/2+1),
		sorted:    make([]float64, n/2+1),
	}, nil
}

// Config returns the effective configuration.
func (p *Processor) Config() Config { return p.cfg }

// Process computes the spectrum over the most recent FFTSize samples of
// window at the given sample rate. The window must be oldest-first, as
// returned by the ring buffer.
func (p *Processor) Process(window []samplebuf.Sample, sampleRateHz float64) (*Result, error) {
	n := p.cfg.FFTSize
	if len(window) < n {
		return nil, fmt.Errorf("%w: have %d samples, need %d", ErrShortWindow, len(window), n)
	}
	if sampleRateHz <= 0 {
		return nil, fmt.Errorf("spectral: invalid sample rate %v", sampleRateHz)
	}
	window = window[len(window)-n:]

	bins := n/2 + 1
	res := &Result{
		Freqs:       make([]float64, bins),
		CombinedAmp: make([]float64, bins),
		BinWidthHz:  sampleRateHz / float64(n),
	}
	for i := range res.Freqs {
		res.Freqs[i] = float64(i) * res.BinWidthHz
	}

	for axis := 0; axis < 3; axis++ {
		amp, err := p.axisSpectrum(window, axis)
		if err != nil {
			return nil, err
		}
		res.PerAxisAmp[axis] = amp
	}

	for i := 0; i < bins; i++ {
		x := res.PerAxisAmp[0][i]
		y := res.PerAxisAmp[1][i]
		z := res.PerAxisAmp[2][i]
		c := math.Sqrt(x*x + y*y + z*z)
		if !isFinite(c) {
			return nil, ErrNonFinite
		}
		res.CombinedAmp[i] = c
	}

	floor, err := p.noiseFloor(res.CombinedAmp)
	if err != nil {
		return nil, err
	}
	res.NoiseFloorAmp = floor
	res.Peaks = p.detectPeaks(res)
	return res, nil
}

// axisSpectrum extracts one axis, removes its mean, applies the Hann
// window and returns the single-sided amplitude spectrum in g.
func (p *Processor) axisSpectrum(window []samplebuf.Sample, axis int) ([]float64, error) {
	n := p.cfg.FFTSize

	mean := 0.0
	for i, s := range window {
		v := float64(axisValue(s, axis)) / p.cfg.CountsPerG
		p.axis[i] = v
		mean += v
	}
	mean /= float64(n)
	for i := range p.axis {
		p.axis[i] = (p.axis[i] - mean) * p.hann[i]
	}

	// Coefficients requires dst to be nil or exactly n/2+1 long.
	p.coeffs = p.fft.Coefficients(p.coeffs, p.axis)

	amp := make([]float64, len(p.coeffs))
	for i, c := range p.coeffs {
		// Single-sided scaling: interior bins carry half the energy of the
		// two-sided spectrum; dividing by the window sum undoes the Hann
		// coherent gain.
		scale := 2.0 / p.windowSum
		if i == 0 || i == len(p.coeffs)-1 {
			scale = 1.0 / p.windowSum
		}
		a := scale * cmplxAbs(c)
		if !isFinite(a) {
			return nil, ErrNonFinite
		}
		amp[i] = a
	}
	return amp, nil
}

func (p *Processor) noiseFloor(combined []float64) (float64, error) {
	copy(p.sorted, combined)
	sorted := p.sorted[:len(combined)]
	sort.Float64s(sorted)
	floor := stat.Quantile(p.cfg.NoiseFloorQuantile, stat.Empirical, sorted, nil)
	if !isFinite(floor) {
		return 0, ErrNonFinite
	}
	return floor, nil
}

// StrengthDB is the canonical severity metric: the peak-band RMS amplitude
// against the noise floor, in decibels. The epsilon guard keeps a silent
// band or zero floor from producing +/-Inf.
func StrengthDB(bandRMSAmpG, noiseFloorAmpG float64) float64 {
	return 20 * math.Log10((bandRMSAmpG+epsilonG)/(noiseFloorAmpG+epsilonG))
}

// BandRMS returns the RMS of the combined amplitude across the bins inside
// [centerHz-halfWidthHz, centerHz+halfWidthHz]. ok is false when the band
// covers no bins.
func BandRMS(res *Result, centerHz, halfWidthHz float64) (rms float64, ok bool) {
	lo := centerHz - halfWidthHz
	hi := centerHz + halfWidthHz
	sum := 0.0
	count := 0
	for i, f := range res.Freqs {
		if f < lo {
			continue
		}
		if f > hi {
			break
		}
		sum += res.CombinedAmp[i] * res.CombinedAmp[i]
		count++
	}
	if count == 0 {
		return 0, false
	}
	return math.Sqrt(sum / float64(count)), true
}

func axisValue(s samplebuf.Sample, axis int) int16 {
	switch axis {
	case 0:
		return s.X
	case 1:
		return s.Y
	default:
		return s.Z
	}
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
