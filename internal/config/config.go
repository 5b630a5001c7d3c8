// Package config loads the server configuration from JSON. All fields are
// optional pointers so a partial file only overrides what it names; the
// Get* accessors supply defaults for everything else. The vehicle section
// shares its schema with the /api/vehicle endpoint so the same JSON works
// for startup configuration and runtime updates.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roadhum/vibesense/internal/order"
)

// Config is the root server configuration.
type Config struct {
	// Network
	UDPListenAddr  *string `json:"udp_listen_addr,omitempty"`
	HTTPListenAddr *string `json:"http_listen_addr,omitempty"`

	// Node management
	MaxClients          *int    `json:"max_clients,omitempty"`
	FreshnessWindow     *string `json:"freshness_window,omitempty"` // duration string like "500ms"
	RingSeconds         *int    `json:"ring_seconds,omitempty"`
	DefaultSampleRateHz *int    `json:"default_sample_rate_hz,omitempty"`
	AckInterval         *string `json:"ack_interval,omitempty"`
	CommandTimeout      *string `json:"command_timeout,omitempty"`
	CommandRetries      *int    `json:"command_retries,omitempty"`

	// Processing
	TickInterval          *string  `json:"tick_interval,omitempty"`
	FFTSize               *int     `json:"fft_size,omitempty"`
	CountsPerG            *float64 `json:"counts_per_g,omitempty"`
	PeakMargin            *float64 `json:"peak_margin,omitempty"`
	MinPeakSeparationBins *int     `json:"min_peak_separation_bins,omitempty"`
	MaxPeaks              *int     `json:"max_peaks,omitempty"`
	NoiseFloorQuantile    *float64 `json:"noise_floor_quantile,omitempty"`
	Workers               *int     `json:"workers,omitempty"`

	// Diagnostics
	SurfaceMinDB *float64 `json:"surface_min_db,omitempty"`
	FeedCapacity *int     `json:"feed_capacity,omitempty"`

	// Speed source
	SpeedSerialPort *string  `json:"speed_serial_port,omitempty"`
	SpeedBaud       *int     `json:"speed_baud,omitempty"`
	SpeedMaxAge     *string  `json:"speed_max_age,omitempty"`
	SpeedUncertain  *float64 `json:"speed_uncertainty_pct,omitempty"`

	// Storage
	DBPath *string `json:"db_path,omitempty"`

	// Vehicle describes the drivetrain for order tracking.
	Vehicle *order.VehicleConfig `json:"vehicle,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads and validates a Config from a JSON file. Fields omitted from
// the file fall back to defaults via the Get* accessors, so partial
// configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field. Unset fields are always valid because
// the accessor defaults are.
func (c *Config) Validate() error {
	if c.MaxClients != nil && *c.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive, got %d", *c.MaxClients)
	}
	if c.FFTSize != nil {
		n := *c.FFTSize
		if n < 16 || n&(n-1) != 0 {
			return fmt.Errorf("fft_size must be a power of two >= 16, got %d", n)
		}
	}
	if c.NoiseFloorQuantile != nil {
		if q := *c.NoiseFloorQuantile; q <= 0 || q >= 1 {
			return fmt.Errorf("noise_floor_quantile must be in (0, 1), got %f", q)
		}
	}
	if c.Workers != nil && *c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", *c.Workers)
	}
	if c.RingSeconds != nil && *c.RingSeconds <= 0 {
		return fmt.Errorf("ring_seconds must be positive, got %d", *c.RingSeconds)
	}
	for name, v := range map[string]*string{
		"freshness_window": c.FreshnessWindow,
		"ack_interval":     c.AckInterval,
		"command_timeout":  c.CommandTimeout,
		"tick_interval":    c.TickInterval,
		"speed_max_age":    c.SpeedMaxAge,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return nil
}

func (c *Config) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetUDPListenAddr returns the udp_listen_addr value or the default.
func (c *Config) GetUDPListenAddr() string {
	if c.UDPListenAddr == nil {
		return ":9123"
	}
	return *c.UDPListenAddr
}

// GetHTTPListenAddr returns the http_listen_addr value or the default.
func (c *Config) GetHTTPListenAddr() string {
	if c.HTTPListenAddr == nil {
		return ":8080"
	}
	return *c.HTTPListenAddr
}

// GetMaxClients returns the max_clients value or the default.
func (c *Config) GetMaxClients() int {
	if c.MaxClients == nil {
		return 32
	}
	return *c.MaxClients
}

// GetFreshnessWindow returns the freshness_window value or the default.
func (c *Config) GetFreshnessWindow() time.Duration {
	return c.duration(c.FreshnessWindow, 500*time.Millisecond)
}

// GetRingSeconds returns the ring_seconds value or the default.
func (c *Config) GetRingSeconds() int {
	if c.RingSeconds == nil {
		return 8
	}
	return *c.RingSeconds
}

// GetDefaultSampleRateHz returns the default_sample_rate_hz value or the default.
func (c *Config) GetDefaultSampleRateHz() int {
	if c.DefaultSampleRateHz == nil {
		return 1024
	}
	return *c.DefaultSampleRateHz
}

// GetAckInterval returns the ack_interval value or the default.
func (c *Config) GetAckInterval() time.Duration {
	return c.duration(c.AckInterval, time.Second)
}

// GetCommandTimeout returns the command_timeout value or the default.
func (c *Config) GetCommandTimeout() time.Duration {
	return c.duration(c.CommandTimeout, 2*time.Second)
}

// GetCommandRetries returns the command_retries value or the default.
func (c *Config) GetCommandRetries() int {
	if c.CommandRetries == nil {
		return 3
	}
	return *c.CommandRetries
}

// GetTickInterval returns the tick_interval value or the default.
func (c *Config) GetTickInterval() time.Duration {
	return c.duration(c.TickInterval, 500*time.Millisecond)
}

// GetFFTSize returns the fft_size value or the default.
func (c *Config) GetFFTSize() int {
	if c.FFTSize == nil {
		return 2048
	}
	return *c.FFTSize
}

// GetCountsPerG returns the counts_per_g value or the default.
func (c *Config) GetCountsPerG() float64 {
	if c.CountsPerG == nil {
		return 16384
	}
	return *c.CountsPerG
}

// GetPeakMargin returns the peak_margin value or the default.
func (c *Config) GetPeakMargin() float64 {
	if c.PeakMargin == nil {
		return 3.0
	}
	return *c.PeakMargin
}

// GetMinPeakSeparationBins returns the min_peak_separation_bins value or the default.
func (c *Config) GetMinPeakSeparationBins() int {
	if c.MinPeakSeparationBins == nil {
		return 3
	}
	return *c.MinPeakSeparationBins
}

// GetMaxPeaks returns the max_peaks value or the default.
func (c *Config) GetMaxPeaks() int {
	if c.MaxPeaks == nil {
		return 8
	}
	return *c.MaxPeaks
}

// GetNoiseFloorQuantile returns the noise_floor_quantile value or the default.
func (c *Config) GetNoiseFloorQuantile() float64 {
	if c.NoiseFloorQuantile == nil {
		return 0.20
	}
	return *c.NoiseFloorQuantile
}

// GetWorkers returns the workers value or the default.
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}

// GetSurfaceMinDB returns the surface_min_db value or the default.
func (c *Config) GetSurfaceMinDB() float64 {
	if c.SurfaceMinDB == nil {
		return 12.0
	}
	return *c.SurfaceMinDB
}

// GetFeedCapacity returns the feed_capacity value or the default.
func (c *Config) GetFeedCapacity() int {
	if c.FeedCapacity == nil {
		return 128
	}
	return *c.FeedCapacity
}

// GetSpeedSerialPort returns the speed_serial_port value, empty when no
// serial speed source is configured.
func (c *Config) GetSpeedSerialPort() string {
	if c.SpeedSerialPort == nil {
		return ""
	}
	return *c.SpeedSerialPort
}

// GetSpeedBaud returns the speed_baud value or the default.
func (c *Config) GetSpeedBaud() int {
	if c.SpeedBaud == nil {
		return 9600
	}
	return *c.SpeedBaud
}

// GetSpeedMaxAge returns the speed_max_age value or the default.
func (c *Config) GetSpeedMaxAge() time.Duration {
	return c.duration(c.SpeedMaxAge, 2*time.Second)
}

// GetDBPath returns the db_path value or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "vibesense.db"
	}
	return *c.DBPath
}

// GetVehicle returns the vehicle section with tolerance defaults filled
// in. Missing drivetrain numbers are left zero; the order computation
// reports them as invalid settings rather than guessing.
func (c *Config) GetVehicle() order.VehicleConfig {
	var v order.VehicleConfig
	if c.Vehicle != nil {
		v = *c.Vehicle
	}
	if v.MinBandHalfWidthHz == 0 {
		v.MinBandHalfWidthHz = 0.5
	}
	if v.MaxBandHalfWidthFrac == 0 {
		v.MaxBandHalfWidthFrac = 0.15
	}
	if v.SpeedUncertaintyPct == 0 && c.SpeedUncertain != nil {
		v.SpeedUncertaintyPct = *c.SpeedUncertain
	}
	return v
}
