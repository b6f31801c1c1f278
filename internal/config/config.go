// Package config provides configuration structures and defaults for the BLE tracker
package config

import (
	"fmt"
	"time"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/particle"
	"ble-tracker/internal/ranging"
)

// Config represents the complete application configuration
type Config struct {
	Area      AreaConfig      `yaml:"area" mapstructure:"area"`           // Tracking area
	Anchors   []AnchorConfig  `yaml:"anchors" mapstructure:"anchors"`     // Fixed anchors
	Ranging   RangingConfig   `yaml:"ranging" mapstructure:"ranging"`     // RSSI ranging filter
	Filter    FilterConfig    `yaml:"filter" mapstructure:"filter"`       // Particle filter
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"` // Report input and estimate output
	Site      SiteConfig      `yaml:"site" mapstructure:"site"`           // Geo-reference of the area origin
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`       // Track export
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`     // Logging configuration
}

// AreaConfig is the rectangle the node moves in, in meters
type AreaConfig struct {
	Width  float64 `yaml:"width" mapstructure:"width"`
	Height float64 `yaml:"height" mapstructure:"height"`
}

// AnchorConfig places one anchor inside the area
type AnchorConfig struct {
	ID int     `yaml:"id" mapstructure:"id"`
	X  float64 `yaml:"x" mapstructure:"x"`
	Y  float64 `yaml:"y" mapstructure:"y"`
}

// RangingConfig contains the Kalman and path-loss constants
type RangingConfig struct {
	ErrorCovariance   float64 `yaml:"error_covariance" mapstructure:"error_covariance"`     // Initial Kalman error covariance (P0)
	ProcessNoise      float64 `yaml:"process_noise" mapstructure:"process_noise"`           // Kalman process noise (Q)
	MeasurementNoise  float64 `yaml:"measurement_noise" mapstructure:"measurement_noise"`   // Kalman measurement noise (R)
	TxPower           float64 `yaml:"tx_power" mapstructure:"tx_power"`                     // RSSI at 1 m in dBm
	EnvironmentFactor float64 `yaml:"environment_factor" mapstructure:"environment_factor"` // Path-loss exponent
	LocalAnchor       int     `yaml:"local_anchor" mapstructure:"local_anchor"`             // Anchor id ranged from raw samples on this host (0 disables)
}

// FilterConfig contains the particle filter parameters
type FilterConfig struct {
	Particles             int     `yaml:"particles" mapstructure:"particles"`                             // Particle count N
	OrientationVariance   float64 `yaml:"orientation_variance" mapstructure:"orientation_variance"`       // Heading change variance in rad²
	PositionMean          float64 `yaml:"position_mean" mapstructure:"position_mean"`                     // Mean step length in meters
	PositionVariance      float64 `yaml:"position_variance" mapstructure:"position_variance"`             // Step length variance in m²
	APMeasurementVariance float64 `yaml:"ap_measurement_variance" mapstructure:"ap_measurement_variance"` // Observation model spread
	RatioCoefficient      float64 `yaml:"ratio_coefficient" mapstructure:"ratio_coefficient"`             // Resample when n_eff < N * ratio
	ReportScale           string  `yaml:"report_scale" mapstructure:"report_scale"`                       // "area" or "relative"
	Seed                  uint64  `yaml:"seed" mapstructure:"seed"`                                       // RNG seed, 0 for random
}

// TransportConfig contains the ingestion and publishing endpoints
type TransportConfig struct {
	Listen       string `yaml:"listen" mapstructure:"listen"`               // UDP address for report datagrams, empty disables
	SamplePort   string `yaml:"sample_port" mapstructure:"sample_port"`     // Serial port delivering raw RSSI samples
	SampleBaud   int    `yaml:"sample_baud" mapstructure:"sample_baud"`     // Sample port baud rate
	OutputPort   string `yaml:"output_port" mapstructure:"output_port"`     // Serial port receiving estimates, empty writes to stdout
	OutputBaud   int    `yaml:"output_baud" mapstructure:"output_baud"`     // Output port baud rate
	OutputFormat string `yaml:"output_format" mapstructure:"output_format"` // "node" (x,y) or "particles" (p,x,y ... n,x,y)
	Websocket    string `yaml:"websocket" mapstructure:"websocket"`         // HTTP address of the live websocket feed, empty disables
}

// SiteConfig geo-references the area origin (anchor 1 corner)
type SiteConfig struct {
	Mode      string        `yaml:"mode" mapstructure:"mode"`             // "nmea", "gpsd", or "manual"
	Port      string        `yaml:"port" mapstructure:"port"`             // Serial port device path (for NMEA mode)
	BaudRate  int           `yaml:"baud_rate" mapstructure:"baud_rate"`   // Serial communication baud rate (for NMEA mode)
	GPSDHost  string        `yaml:"gpsd_host" mapstructure:"gpsd_host"`   // GPSD host address (for gpsd mode)
	GPSDPort  string        `yaml:"gpsd_port" mapstructure:"gpsd_port"`   // GPSD port (for gpsd mode)
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`       // Timeout for GPS fix acquisition
	Latitude  float64       `yaml:"latitude" mapstructure:"latitude"`     // Manual latitude in decimal degrees
	Longitude float64       `yaml:"longitude" mapstructure:"longitude"`   // Manual longitude in decimal degrees
	Altitude  float64       `yaml:"altitude" mapstructure:"altitude"`     // Manual altitude in meters
	Heading   float64       `yaml:"heading" mapstructure:"heading"`       // Bearing of the area x axis in degrees from north
}

// ExportConfig contains track export settings
type ExportConfig struct {
	Dir      string `yaml:"dir" mapstructure:"dir"`           // Output directory for track files
	Database string `yaml:"database" mapstructure:"database"` // SQLite file receiving every estimate, empty disables
	GeoJSON  bool   `yaml:"geojson" mapstructure:"geojson"`   // Write a GeoJSON feature collection
	CSV      bool   `yaml:"csv" mapstructure:"csv"`           // Write a CSV track
	KML      bool   `yaml:"kml" mapstructure:"kml"`           // Write a KML document
	Plot     bool   `yaml:"plot" mapstructure:"plot"`         // Render a PNG track plot
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"` // Log level: debug adds per-report and per-cycle output, info is the default
	File  string `yaml:"file" mapstructure:"file"`   // Log file path, empty logs to stderr
}

// DefaultConfig returns the 3x2 m four-anchor deployment
func DefaultConfig() *Config {
	return &Config{
		Area: AreaConfig{Width: 3, Height: 2},
		Anchors: []AnchorConfig{
			{ID: 1, X: 0, Y: 0},
			{ID: 2, X: 3, Y: 0},
			{ID: 3, X: 0, Y: 2},
			{ID: 4, X: 3, Y: 2},
		},
		Ranging: RangingConfig{
			ErrorCovariance:   1,     // P0
			ProcessNoise:      0.005, // Q
			MeasurementNoise:  20,    // R
			TxPower:           -60,   // -60 dBm at 1 m
			EnvironmentFactor: 2,     // Free space
			LocalAnchor:       1,     // This host acts as anchor 1
		},
		Filter: FilterConfig{
			Particles:             400,
			OrientationVariance:   0.39,
			PositionMean:          0.05,
			PositionVariance:      0.01,
			APMeasurementVariance: 0.05,
			RatioCoefficient:      0.95,
			ReportScale:           "area",
			Seed:                  0,
		},
		Transport: TransportConfig{
			Listen:       ":5683",
			SampleBaud:   115200,
			OutputBaud:   115200,
			OutputFormat: "node",
		},
		Site: SiteConfig{
			Mode:     "manual",         // Fixed coordinates by default
			Port:     "/dev/ttyUSB0",   // Common USB GPS device path
			BaudRate: 9600,             // Standard NMEA baud rate
			GPSDHost: "localhost",      // Default gpsd host
			GPSDPort: "2947",           // Default gpsd port
			Timeout:  30 * time.Second, // 30 second GPS fix timeout
		},
		Export: ExportConfig{
			Dir:     "./tracks",
			GeoJSON: true,
			CSV:     true,
			KML:     true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for values the filters cannot run with
func (c *Config) Validate() error {
	area := c.AreaBounds()
	if area.Empty() {
		return fmt.Errorf("invalid area %vx%v", c.Area.Width, c.Area.Height)
	}

	if len(c.Anchors) == 0 {
		return fmt.Errorf("no anchors configured")
	}
	seen := make(map[int]bool, len(c.Anchors))
	for _, a := range c.Anchors {
		if seen[a.ID] {
			return fmt.Errorf("duplicate anchor id %d", a.ID)
		}
		seen[a.ID] = true
		if !area.Contains(geom.Point{X: a.X, Y: a.Y}) {
			return fmt.Errorf("anchor %d at (%.2f, %.2f) is outside the area", a.ID, a.X, a.Y)
		}
	}
	if c.Ranging.LocalAnchor != 0 && !seen[c.Ranging.LocalAnchor] {
		return fmt.Errorf("local anchor %d is not configured", c.Ranging.LocalAnchor)
	}

	if c.Ranging.EnvironmentFactor <= 0 {
		return fmt.Errorf("environment factor must be positive, got %v", c.Ranging.EnvironmentFactor)
	}
	if c.Ranging.MeasurementNoise <= 0 || c.Ranging.ProcessNoise < 0 || c.Ranging.ErrorCovariance < 0 {
		return fmt.Errorf("invalid Kalman noise settings")
	}

	if c.Filter.Particles <= 0 || c.Filter.Particles > particle.MaxParticles {
		return fmt.Errorf("particle count must be in [1, %d], got %d", particle.MaxParticles, c.Filter.Particles)
	}
	switch c.Filter.ReportScale {
	case string(particle.ScaleArea), string(particle.ScaleRelative):
	default:
		return fmt.Errorf("invalid report scale: %s (must be 'area' or 'relative')", c.Filter.ReportScale)
	}

	switch c.Transport.OutputFormat {
	case "node", "particles":
	default:
		return fmt.Errorf("invalid output format: %s (must be 'node' or 'particles')", c.Transport.OutputFormat)
	}

	switch c.Site.Mode {
	case "manual":
		if c.Site.Latitude < -90 || c.Site.Latitude > 90 {
			return fmt.Errorf("invalid latitude: %.8f (must be between -90 and 90 degrees)", c.Site.Latitude)
		}
		if c.Site.Longitude < -180 || c.Site.Longitude > 180 {
			return fmt.Errorf("invalid longitude: %.8f (must be between -180 and 180 degrees)", c.Site.Longitude)
		}
	case "nmea":
		if c.Site.Port == "" {
			return fmt.Errorf("GPS port not specified for NMEA mode")
		}
	case "gpsd":
		if c.Site.GPSDHost == "" || c.Site.GPSDPort == "" {
			return fmt.Errorf("GPSD host and port must be specified for gpsd mode")
		}
	default:
		return fmt.Errorf("invalid site mode: %s (must be 'nmea', 'gpsd', or 'manual')", c.Site.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info":
	default:
		return fmt.Errorf("invalid log level: %s (must be 'debug' or 'info')", c.Logging.Level)
	}
	return nil
}

// AreaBounds returns the tracking area
func (c *Config) AreaBounds() geom.Area {
	return geom.Area{Width: c.Area.Width, Height: c.Area.Height}
}

// AnchorList converts the configured anchors for the aggregator
func (c *Config) AnchorList() []aggregator.Anchor {
	anchors := make([]aggregator.Anchor, len(c.Anchors))
	for i, a := range c.Anchors {
		anchors[i] = aggregator.Anchor{ID: a.ID, Position: geom.Point{X: a.X, Y: a.Y}}
	}
	return anchors
}

// RangingParams converts the ranging section
func (c *Config) RangingParams() ranging.Params {
	return ranging.Params{
		ErrorCovariance:   c.Ranging.ErrorCovariance,
		ProcessNoise:      c.Ranging.ProcessNoise,
		MeasurementNoise:  c.Ranging.MeasurementNoise,
		TxPower:           c.Ranging.TxPower,
		EnvironmentFactor: c.Ranging.EnvironmentFactor,
	}
}

// EngineConfig converts the filter section
func (c *Config) EngineConfig() particle.Config {
	return particle.Config{
		Area:                  c.AreaBounds(),
		Particles:             c.Filter.Particles,
		OrientationVariance:   c.Filter.OrientationVariance,
		PositionMean:          c.Filter.PositionMean,
		PositionVariance:      c.Filter.PositionVariance,
		APMeasurementVariance: c.Filter.APMeasurementVariance,
		RatioCoefficient:      c.Filter.RatioCoefficient,
		ReportScale:           particle.ReportScale(c.Filter.ReportScale),
		Seed:                  c.Filter.Seed,
	}
}
