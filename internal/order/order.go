// Package order derives the expected vibration frequency bands for a
// vehicle's rotating assemblies from the current road speed and drivetrain
// configuration.
//
// An "order" is a vibration frequency that scales linearly with a rotating
// component's speed. At a given road speed the wheel, driveshaft and engine
// spin at frequencies fixed by tire size and gearing, so a spectral peak
// landing inside one of their tolerance bands points at that subsystem.
// Band computation is a pure function of (speed, VehicleConfig); bands are
// recomputed every tick and never persisted.
package order

import (
	"math"
)

// BandKey identifies one expected order band.
type BandKey string

const (
	BandWheel1x           BandKey = "wheel_1x"
	BandWheel2x           BandKey = "wheel_2x"
	BandDriveshaft1x      BandKey = "driveshaft_1x"
	BandEngine1x          BandKey = "engine_1x"
	BandEngine2x          BandKey = "engine_2x"
	BandDriveshaftEngine1 BandKey = "driveshaft_engine_1x"
)

// Source identifies the vehicle subsystem a band (or matched peak)
// belongs to.
type Source string

const (
	SourceWheel      Source = "wheel"
	SourceDriveshaft Source = "driveshaft"
	SourceEngine     Source = "engine"
	SourceOther      Source = "other"
)

// OmitReason explains why an order's band is absent from a band set.
type OmitReason string

const (
	ReasonSpeedUnavailable       OmitReason = "speed_unavailable"
	ReasonInvalidVehicleSettings OmitReason = "invalid_vehicle_settings"
)

// VehicleConfig is the drivetrain description the band computation needs.
// It is supplied externally and read-only to this package.
type VehicleConfig struct {
	// Tire size in the usual width/aspect/rim notation (e.g. 285/30 R21).
	TireWidthMM   float64 `json:"tire_width_mm"`
	TireAspectPct float64 `json:"tire_aspect_pct"`
	RimDiameterIn float64 `json:"rim_diameter_in"`

	FinalDriveRatio float64 `json:"final_drive_ratio"`
	GearRatio       float64 `json:"gear_ratio"` // current gear, engine rev per driveshaft rev

	// BandwidthPct is the nominal tolerance fraction per band (0.05 means
	// +/-5% of the band centre before uncertainty widening).
	BandwidthPct map[BandKey]float64 `json:"bandwidth_pct"`

	// Relative measurement uncertainty per input source, combined
	// root-sum-square through the drivetrain chain.
	SpeedUncertaintyPct      float64 `json:"speed_uncertainty_pct"`
	TireUncertaintyPct       float64 `json:"tire_uncertainty_pct"`
	FinalDriveUncertaintyPct float64 `json:"final_drive_uncertainty_pct"`
	GearUncertaintyPct       float64 `json:"gear_uncertainty_pct"`

	// Band half-width clamps: never narrower than MinBandHalfWidthHz,
	// never wider than MaxBandHalfWidthFrac of the centre.
	MinBandHalfWidthHz   float64 `json:"min_band_half_width_hz"`
	MaxBandHalfWidthFrac float64 `json:"max_band_half_width_frac"`
}

// DefaultBandwidthPct is used for bands missing from BandwidthPct.
const DefaultBandwidthPct = 0.04

// TireDiameterM returns the overall tire diameter in metres.
func (c VehicleConfig) TireDiameterM() float64 {
	sidewall := c.TireWidthMM / 1000 * c.TireAspectPct / 100
	return c.RimDiameterIn*0.0254 + 2*sidewall
}

// tireValid reports whether the tire geometry yields a positive diameter.
func (c VehicleConfig) tireValid() bool {
	return c.TireWidthMM > 0 && c.TireAspectPct > 0 && c.RimDiameterIn > 0
}

// Band is one expected order band for the current speed.
type Band struct {
	Key           BandKey `json:"key"`
	Source        Source  `json:"source"`
	CenterHz      float64 `json:"center_hz"`
	HalfWidthHz   float64 `json:"half_width_hz"`
	ToleranceFrac float64 `json:"tolerance_frac"`

	// MergedFrom lists the band keys folded into a merged band, empty
	// otherwise.
	MergedFrom []BandKey `json:"merged_from,omitempty"`
}

// Contains reports whether hz falls inside the band.
func (b Band) Contains(hz float64) bool {
	return math.Abs(hz-b.CenterHz) <= b.HalfWidthHz
}

// Omitted records an order that could not produce a band and why.
type Omitted struct {
	Key    BandKey    `json:"key"`
	Reason OmitReason `json:"reason"`
}

// BandSet is the result of one band computation.
type BandSet struct {
	Bands   []Band    `json:"bands"`
	Omitted []Omitted `json:"omitted,omitempty"`

	WheelHz      float64 `json:"wheel_hz"`
	DriveshaftHz float64 `json:"driveshaft_hz"`
	EngineHz     float64 `json:"engine_hz"`
}

func rss(a, b float64) float64 {
	return math.Sqrt(a*a + b*b)
}

func (c VehicleConfig) bandwidth(key BandKey) float64 {
	if v, ok := c.BandwidthPct[key]; ok && v > 0 {
		return v
	}
	return DefaultBandwidthPct
}

// halfWidth applies uncertainty widening and the configured clamps.
func (c VehicleConfig) halfWidth(centerHz, bandwidthPct, uncertainty float64) float64 {
	w := centerHz * bandwidthPct * (1 + uncertainty)
	if maxW := centerHz * c.MaxBandHalfWidthFrac; c.MaxBandHalfWidthFrac > 0 && w > maxW {
		w = maxW
	}
	if w < c.MinBandHalfWidthHz {
		w = c.MinBandHalfWidthHz
	}
	return w
}

// Compute derives the band set for the given road speed in m/s.
// speedValid is false when no speed source is available; a zero or
// negative speed is treated the same way. Orders whose inputs are missing
// or invalid are listed in Omitted with a reason code instead of
// producing a zero or garbage band.
func Compute(speedMps float64, speedValid bool, cfg VehicleConfig) BandSet {
	var set BandSet

	allKeys := []BandKey{BandWheel1x, BandWheel2x, BandDriveshaft1x, BandEngine1x, BandEngine2x}

	if !speedValid || speedMps <= 0 {
		for _, k := range allKeys {
			set.Omitted = append(set.Omitted, Omitted{Key: k, Reason: ReasonSpeedUnavailable})
		}
		return set
	}
	if !cfg.tireValid() {
		for _, k := range allKeys {
			set.Omitted = append(set.Omitted, Omitted{Key: k, Reason: ReasonInvalidVehicleSettings})
		}
		return set
	}

	// wheel_hz = v / (pi * D); each later stage multiplies in its ratio
	// and widens the relative uncertainty in root-sum-square fashion.
	set.WheelHz = speedMps / (math.Pi * cfg.TireDiameterM())
	wheelU := rss(cfg.SpeedUncertaintyPct, cfg.TireUncertaintyPct)

	set.Bands = append(set.Bands,
		cfg.makeBand(BandWheel1x, SourceWheel, set.WheelHz, wheelU),
		cfg.makeBand(BandWheel2x, SourceWheel, 2*set.WheelHz, wheelU),
	)

	if cfg.FinalDriveRatio <= 0 {
		set.Omitted = append(set.Omitted,
			Omitted{Key: BandDriveshaft1x, Reason: ReasonInvalidVehicleSettings},
			Omitted{Key: BandEngine1x, Reason: ReasonInvalidVehicleSettings},
			Omitted{Key: BandEngine2x, Reason: ReasonInvalidVehicleSettings},
		)
		return set
	}

	set.DriveshaftHz = set.WheelHz * cfg.FinalDriveRatio
	driveshaftU := rss(wheelU, cfg.FinalDriveUncertaintyPct)
	driveshaft := cfg.makeBand(BandDriveshaft1x, SourceDriveshaft, set.DriveshaftHz, driveshaftU)

	if cfg.GearRatio <= 0 {
		set.Bands = append(set.Bands, driveshaft)
		set.Omitted = append(set.Omitted,
			Omitted{Key: BandEngine1x, Reason: ReasonInvalidVehicleSettings},
			Omitted{Key: BandEngine2x, Reason: ReasonInvalidVehicleSettings},
		)
		return set
	}

	set.EngineHz = set.DriveshaftHz * cfg.GearRatio
	engineU := rss(driveshaftU, cfg.GearUncertaintyPct)
	engine := cfg.makeBand(BandEngine1x, SourceEngine, set.EngineHz, engineU)

	// When driveshaft 1x and engine 1x land within their combined
	// tolerance of each other, a peak there is ambiguous between the two.
	// Report one merged band so the evidence is never double-counted.
	if math.Abs(set.DriveshaftHz-set.EngineHz) < driveshaft.HalfWidthHz+engine.HalfWidthHz {
		set.Bands = append(set.Bands, mergeBands(driveshaft, engine))
	} else {
		set.Bands = append(set.Bands, driveshaft, engine)
	}

	set.Bands = append(set.Bands, cfg.makeBand(BandEngine2x, SourceEngine, 2*set.EngineHz, engineU))
	return set
}

func (c VehicleConfig) makeBand(key BandKey, src Source, centerHz, uncertainty float64) Band {
	hw := c.halfWidth(centerHz, c.bandwidth(key), uncertainty)
	return Band{
		Key:           key,
		Source:        src,
		CenterHz:      centerHz,
		HalfWidthHz:   hw,
		ToleranceFrac: hw / centerHz,
	}
}

// mergeBands folds two overlapping bands into one enclosing band. The
// merged source stays ambiguous; matching resolves it to whichever
// constituent centre lies closer to the peak.
func mergeBands(a, b Band) Band {
	lo := math.Min(a.CenterHz-a.HalfWidthHz, b.CenterHz-b.HalfWidthHz)
	hi := math.Max(a.CenterHz+a.HalfWidthHz, b.CenterHz+b.HalfWidthHz)
	center := (lo + hi) / 2
	return Band{
		Key:           BandDriveshaftEngine1,
		Source:        SourceDriveshaft,
		CenterHz:      center,
		HalfWidthHz:   (hi - lo) / 2,
		ToleranceFrac: (hi - lo) / 2 / center,
		MergedFrom:    []BandKey{a.Key, b.Key},
	}
}
