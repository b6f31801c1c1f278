// Package sim generates anchor reports for a node walking inside the area.
// It drives the tracker without hardware.
package sim

import (
	"fmt"
	"math"
	"time"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/ranging"
	"ble-tracker/internal/sampling"
)

// Mode selects how report distances are produced
type Mode string

const (
	ModeExact Mode = "exact" // true distance
	ModeNoisy Mode = "noisy" // true distance plus Gaussian noise
	ModeRSSI  Mode = "rssi"  // noisy RSSI through the ranging filter
)

// minRange keeps the path-loss inverse finite when the node sits on an anchor
const minRange = 0.01

// Config describes one simulated walk
type Config struct {
	Area             geom.Area
	Anchors          []aggregator.Anchor
	Mode             Mode
	Start            geom.Point    // initial position, zero means area center
	Speed            float64       // meters per step
	Turn             float64       // heading change variance per step in rad²
	DistanceVariance float64       // noisy mode, m²
	RSSIVariance     float64       // rssi mode, dBm²
	Ranging          ranging.Params
	Interval         time.Duration // simulated time between steps
	Seed             uint64
}

// DefaultConfig walks slowly through the default 3x2 m deployment
func DefaultConfig() Config {
	return Config{
		Area: geom.Area{Width: 3, Height: 2},
		Anchors: []aggregator.Anchor{
			{ID: 1, Position: geom.Point{X: 0, Y: 0}},
			{ID: 2, Position: geom.Point{X: 3, Y: 0}},
			{ID: 3, Position: geom.Point{X: 0, Y: 2}},
			{ID: 4, Position: geom.Point{X: 3, Y: 2}},
		},
		Mode:             ModeExact,
		Speed:            0.05,
		Turn:             0.1,
		DistanceVariance: 0.01,
		RSSIVariance:     4,
		Ranging:          ranging.DefaultParams(),
		Interval:         100 * time.Millisecond,
		Seed:             1,
	}
}

// Walker moves the node and ranges it from every anchor
type Walker struct {
	cfg     Config
	sampler *sampling.Sampler
	pos     geom.Point
	heading float64
	clock   time.Time
	ranger  *ranging.Ranger
	steps   int
}

// NewWalker validates cfg and places the node at its start position
func NewWalker(cfg Config) (*Walker, error) {
	if cfg.Area.Empty() {
		return nil, fmt.Errorf("invalid area %vx%v", cfg.Area.Width, cfg.Area.Height)
	}
	if len(cfg.Anchors) == 0 {
		return nil, fmt.Errorf("no anchors to range from")
	}
	switch cfg.Mode {
	case ModeExact, ModeNoisy, ModeRSSI:
	default:
		return nil, fmt.Errorf("unknown simulation mode %q", cfg.Mode)
	}
	if cfg.Speed < 0 {
		return nil, fmt.Errorf("negative speed %v", cfg.Speed)
	}

	start := cfg.Start
	if start == (geom.Point{}) {
		start = geom.Point{X: cfg.Area.Width / 2, Y: cfg.Area.Height / 2}
	}
	if !cfg.Area.Contains(start) {
		return nil, fmt.Errorf("start %s is outside the area", start)
	}

	w := &Walker{
		cfg:     cfg,
		sampler: sampling.NewSampler(cfg.Seed),
		pos:     start,
		clock:   time.Unix(0, 0),
	}
	w.heading = w.sampler.Angle()
	w.ranger = ranging.NewRanger(cfg.Ranging, func() time.Time { return w.clock })
	return w, nil
}

// Position returns the true node position
func (w *Walker) Position() geom.Point {
	return w.pos
}

// Steps returns the number of steps taken
func (w *Walker) Steps() int {
	return w.steps
}

// Step advances the node and returns its new position with one report per
// anchor, in anchor order
func (w *Walker) Step() (geom.Point, []aggregator.Report) {
	w.move()
	w.clock = w.clock.Add(w.cfg.Interval)
	w.steps++

	reports := make([]aggregator.Report, len(w.cfg.Anchors))
	for i, a := range w.cfg.Anchors {
		reports[i] = aggregator.Report{
			AnchorID: a.ID,
			Distance: w.measure(a),
			Position: a.Position,
		}
	}
	return w.pos, reports
}

// move takes one step, bouncing off the walls
func (w *Walker) move() {
	w.heading = geom.WrapAngle(w.heading + w.sampler.Gaussian(0, w.cfg.Turn))
	x := w.pos.X + w.cfg.Speed*math.Cos(w.heading)
	y := w.pos.Y + w.cfg.Speed*math.Sin(w.heading)

	width, height := w.cfg.Area.Width, w.cfg.Area.Height
	if x < 0 || x > width {
		w.heading = geom.WrapAngle(math.Pi - w.heading)
		if x < 0 {
			x = -x
		} else {
			x = 2*width - x
		}
	}
	if y < 0 || y > height {
		w.heading = geom.WrapAngle(-w.heading)
		if y < 0 {
			y = -y
		} else {
			y = 2*height - y
		}
	}
	w.pos = w.cfg.Area.Clamp(geom.Point{X: x, Y: y})
}

func (w *Walker) measure(a aggregator.Anchor) float64 {
	d := w.pos.Distance(a.Position)
	switch w.cfg.Mode {
	case ModeNoisy:
		return math.Max(0, w.sampler.Gaussian(d, w.cfg.DistanceVariance))
	case ModeRSSI:
		p := w.cfg.Ranging
		rssi := ranging.FromMeters(math.Max(d, minRange), p.TxPower, p.EnvironmentFactor)
		rssi = w.sampler.Gaussian(rssi, w.cfg.RSSIVariance)
		return w.ranger.Update(a.ID, int(math.Round(rssi)))
	}
	return d
}
