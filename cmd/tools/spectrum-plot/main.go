// Package main renders the amplitude spectrum of a captured sample window
// to a PNG. Input is a CSV of raw accelerometer counts (timestamp_us,x,y,z
// per line, as exported from a node or the debug console); the output chart
// shows the combined spectrum with the detected peaks and noise floor
// overlaid, matching what the live pipeline would compute for the same
// window.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/roadhum/vibesense/internal/samplebuf"
	"github.com/roadhum/vibesense/internal/spectral"
)

var (
	input      = flag.String("in", "", "CSV of raw samples: timestamp_us,x,y,z (required)")
	output     = flag.String("out", "spectrum.png", "Output PNG path")
	rate       = flag.Float64("rate", 1024, "Sample rate in Hz")
	fftSize    = flag.Int("fft", 2048, "FFT size in samples (power of two)")
	countsPerG = flag.Float64("counts-per-g", 16384, "Raw counts per g")
	maxHz      = flag.Float64("max-hz", 0, "Clip the frequency axis (0 = Nyquist)")
)

func main() {
	flag.Parse()
	if *input == "" {
		log.Fatal("an -in CSV file is required")
	}

	window, err := readSamples(*input)
	if err != nil {
		log.Fatalf("failed to read samples: %v", err)
	}
	if len(window) > *fftSize {
		// Use the most recent full window, like the live tick does.
		window = window[len(window)-*fftSize:]
	}

	proc, err := spectral.NewProcessor(spectral.Config{
		FFTSize:    *fftSize,
		CountsPerG: *countsPerG,
	})
	if err != nil {
		log.Fatalf("bad spectral config: %v", err)
	}
	res, err := proc.Process(window, *rate)
	if err != nil {
		log.Fatalf("failed to compute spectrum: %v", err)
	}

	if err := renderSpectrum(res, *output); err != nil {
		log.Fatalf("failed to render plot: %v", err)
	}
	log.Printf("wrote %s: %d bins at %.3f Hz, noise floor %.5f g, %d peaks",
		*output, len(res.Freqs), res.BinWidthHz, res.NoiseFloorAmp, len(res.Peaks))
	for _, p := range res.Peaks {
		log.Printf("  peak %.2f Hz  %.5f g", p.Hz, p.Amp)
	}
}

func readSamples(path string) ([]samplebuf.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	samples := make([]samplebuf.Sample, 0, len(records))
	for i, rec := range records {
		ts, err := strconv.ParseUint(rec[0], 10, 64)
		if err != nil {
			if i == 0 {
				continue // header row
			}
			return nil, fmt.Errorf("line %d: bad timestamp %q", i+1, rec[0])
		}
		var axes [3]int16
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseInt(rec[j+1], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad count %q", i+1, rec[j+1])
			}
			axes[j] = int16(v)
		}
		samples = append(samples, samplebuf.Sample{
			TimestampMicros: ts,
			X:               axes[0],
			Y:               axes[1],
			Z:               axes[2],
		})
	}
	return samples, nil
}

func renderSpectrum(res *spectral.Result, path string) error {
	p := plot.New()
	p.Title.Text = "Combined amplitude spectrum"
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Label.Text = "Amplitude (g)"

	limit := len(res.Freqs)
	if *maxHz > 0 {
		for i, f := range res.Freqs {
			if f > *maxHz {
				limit = i
				break
			}
		}
	}

	pts := make(plotter.XYs, limit)
	for i := 0; i < limit; i++ {
		pts[i].X = res.Freqs[i]
		pts[i].Y = res.CombinedAmp[i]
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{B: 200, A: 255}
	p.Add(line)
	p.Legend.Add("spectrum", line)

	floorPts := plotter.XYs{
		{X: res.Freqs[0], Y: res.NoiseFloorAmp},
		{X: res.Freqs[limit-1], Y: res.NoiseFloorAmp},
	}
	floorLine, err := plotter.NewLine(floorPts)
	if err != nil {
		return err
	}
	floorLine.Color = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	floorLine.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(floorLine)
	p.Legend.Add("noise floor", floorLine)

	peakPts := make(plotter.XYs, 0, len(res.Peaks))
	for _, pk := range res.Peaks {
		if *maxHz > 0 && pk.Hz > *maxHz {
			continue
		}
		peakPts = append(peakPts, plotter.XY{X: pk.Hz, Y: pk.Amp})
	}
	if len(peakPts) > 0 {
		scatter, err := plotter.NewScatter(peakPts)
		if err != nil {
			return err
		}
		scatter.Color = color.RGBA{R: 220, A: 255}
		scatter.Radius = vg.Points(3)
		p.Add(scatter)
		p.Legend.Add("peaks", scatter)
	}

	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}
