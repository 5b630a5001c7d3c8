package spectral

import "sort"

// detectPeaks finds local maxima of the combined spectrum that clear the
// noise floor by the configured margin, then greedily keeps the strongest
// ones while suppressing neighbours closer than the minimum bin
// separation. The DC bin is never a peak.
func (p *Processor) detectPeaks(res *Result) []Peak {
	threshold := res.NoiseFloorAmp * p.cfg.PeakMargin
	amp := res.CombinedAmp

	type candidate struct {
		bin int
		amp float64
	}
	var cands []candidate
	for i := 1; i < len(amp)-1; i++ {
		if amp[i] <= threshold {
			continue
		}
		if amp[i] >= amp[i-1] && amp[i] > amp[i+1] {
			cands = append(cands, candidate{bin: i, amp: amp[i]})
		}
	}
	if len(cands) == 0 {
		return nil
	}

	// Strongest first; a weaker maximum within the separation distance of
	// an already accepted peak is treated as the same physical peak.
	sort.Slice(cands, func(i, j int) bool { return cands[i].amp > cands[j].amp })

	accepted := make([]candidate, 0, p.cfg.MaxPeaks)
	for _, c := range cands {
		if len(accepted) == p.cfg.MaxPeaks {
			break
		}
		tooClose := false
		for _, a := range accepted {
			if abs(a.bin-c.bin) < p.cfg.MinPeakSeparationBins {
				tooClose = true
				break
			}
		}
		if !tooClose {
			accepted = append(accepted, c)
		}
	}

	peaks := make([]Peak, len(accepted))
	for i, c := range accepted {
		peaks[i] = Peak{Hz: res.Freqs[c.bin], Amp: c.amp}
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].Hz < peaks[j].Hz })
	return peaks
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
