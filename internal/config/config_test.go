package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-tracker/internal/geom"
	"ble-tracker/internal/particle"
	"ble-tracker/internal/ranging"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, geom.Area{Width: 3, Height: 2}, cfg.AreaBounds())
	assert.Equal(t, ranging.DefaultParams(), cfg.RangingParams())

	want := particle.DefaultConfig()
	assert.Equal(t, want, cfg.EngineConfig())

	anchors := cfg.AnchorList()
	require.Len(t, anchors, 4)
	assert.Equal(t, geom.Point{X: 3, Y: 2}, anchors[3].Position)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty area", func(c *Config) { c.Area.Height = 0 }, "invalid area"},
		{"no anchors", func(c *Config) { c.Anchors = nil }, "no anchors"},
		{"duplicate anchor", func(c *Config) { c.Anchors[1].ID = 1 }, "duplicate anchor"},
		{"anchor outside", func(c *Config) { c.Anchors[0].X = -1 }, "outside the area"},
		{"unknown local anchor", func(c *Config) { c.Ranging.LocalAnchor = 9 }, "local anchor"},
		{"env factor", func(c *Config) { c.Ranging.EnvironmentFactor = 0 }, "environment factor"},
		{"particles", func(c *Config) { c.Filter.Particles = 0 }, "particle count"},
		{"report scale", func(c *Config) { c.Filter.ReportScale = "max" }, "report scale"},
		{"output format", func(c *Config) { c.Transport.OutputFormat = "json" }, "output format"},
		{"latitude", func(c *Config) { c.Site.Latitude = 91 }, "latitude"},
		{"nmea port", func(c *Config) { c.Site.Mode = "nmea"; c.Site.Port = "" }, "NMEA"},
		{"site mode", func(c *Config) { c.Site.Mode = "rtk" }, "site mode"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"warn level", func(c *Config) { c.Logging.Level = "warn" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.errMsg), "error %q does not mention %q", err, tt.errMsg)
		})
	}
}

func TestLocalAnchorDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ranging.LocalAnchor = 0
	assert.NoError(t, cfg.Validate())
}
