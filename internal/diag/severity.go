package diag

// SeverityBand is one bucket of the severity scale. Buckets are configured
// ascending by MinDB; a strength classifies into the highest bucket whose
// MinDB it reaches.
type SeverityBand struct {
	Key   string  `json:"key"`
	MinDB float64 `json:"min_db"`
}

// DefaultSeverities is the standard four-step scale. The lowest step
// starts at 0 dB: a band that does not even clear the noise floor carries
// no severity at all.
func DefaultSeverities() []SeverityBand {
	return []SeverityBand{
		{Key: "faint", MinDB: 0},
		{Key: "moderate", MinDB: 12},
		{Key: "strong", MinDB: 20},
		{Key: "severe", MinDB: 28},
	}
}

// classify returns the highest bucket whose MinDB is less than or equal to
// strengthDB. The boundary is inclusive: a strength exactly at a bucket's
// MinDB lands in that bucket. ok is false below every bucket.
func classify(severities []SeverityBand, strengthDB float64) (SeverityBand, bool) {
	var out SeverityBand
	found := false
	for _, s := range severities {
		if strengthDB >= s.MinDB {
			out = s
			found = true
		}
	}
	return out, found
}
