// Package particle implements the Monte Carlo localization engine that fuses
// per-anchor distance reports into a position estimate
package particle

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/geom"
	"ble-tracker/internal/sampling"
)

// MaxParticles caps the population size accepted by Generate
const MaxParticles = 1 << 20

var (
	// ErrInitialization is returned when the particle set cannot be built
	ErrInitialization = errors.New("particle set initialization failed")
	// ErrDegenerateWeights signals a zero or non-finite weight sum that was
	// recovered by resetting to uniform weights
	ErrDegenerateWeights = errors.New("degenerate particle weights")
	// ErrLockUnavailable is returned by TryUpdate while another cycle runs
	ErrLockUnavailable = errors.New("particle set busy")
)

// Motion is the motion state sampled for a particle on every prediction
type Motion int

const (
	Stopped Motion = iota
	Moving
)

func (m Motion) String() string {
	if m == Moving {
		return "moving"
	}
	return "stopped"
}

// ReportScale selects how reported distances are normalized before being
// compared with particle distances
type ReportScale string

const (
	// ScaleArea divides reported distances by the area diagonal, the same
	// scale used for particle distances
	ScaleArea ReportScale = "area"
	// ScaleRelative divides reported distances by the largest distance of the
	// cycle
	ScaleRelative ReportScale = "relative"
)

// Particle is one position hypothesis
type Particle struct {
	Position    geom.Point `json:"position"`
	Orientation float64    `json:"orientation"`
	Motion      Motion     `json:"motion"`
	Weight      float64    `json:"weight"`
}

// Result is the outcome of one estimation cycle
type Result struct {
	Position  geom.Point
	Particles []Particle // copy of the set the estimate was taken from, nil unless requested
}

// Config holds the engine parameters
type Config struct {
	Area                  geom.Area
	Particles             int
	OrientationVariance   float64
	PositionMean          float64
	PositionVariance      float64
	APMeasurementVariance float64
	RatioCoefficient      float64
	ReportScale           ReportScale
	Seed                  uint64 // 0 picks a random seed
}

// DefaultConfig returns the parameters tuned for the 3x2 m test area
func DefaultConfig() Config {
	return Config{
		Area:                  geom.Area{Width: 3, Height: 2},
		Particles:             400,
		OrientationVariance:   0.39, // ~π/8
		PositionMean:          0.05, // meters per cycle
		PositionVariance:      0.01,
		APMeasurementVariance: 0.05,
		RatioCoefficient:      0.95,
		ReportScale:           ScaleArea,
	}
}

// Stats counts engine events since construction
type Stats struct {
	Cycles           uint64
	Resamples        uint64
	DegenerateResets uint64
	SkippedWeights   uint64
}

// Engine owns the particle set. All mutation happens under its lock.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	particles []Particle
	spare     []Particle
	distances []float64 // particle*anchors + anchor
	weights   []float64
	sampler   *sampling.Sampler
	active    bool
	stats     Stats
	debug     bool
}

// NewEngine validates cfg and returns an uninitialized engine. The particle
// set is generated lazily by the first update.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReportScale == "" {
		cfg.ReportScale = ScaleArea
	}
	switch cfg.ReportScale {
	case ScaleArea, ScaleRelative:
	default:
		return nil, fmt.Errorf("unknown report scale %q", cfg.ReportScale)
	}
	if !(cfg.APMeasurementVariance > 0) {
		return nil, fmt.Errorf("ap measurement variance must be positive, got %v", cfg.APMeasurementVariance)
	}
	if !(cfg.RatioCoefficient > 0) || cfg.RatioCoefficient > 1 {
		return nil, fmt.Errorf("ratio coefficient must be in (0,1], got %v", cfg.RatioCoefficient)
	}
	if cfg.OrientationVariance < 0 || cfg.PositionVariance < 0 {
		return nil, fmt.Errorf("motion variances must not be negative")
	}

	return &Engine{
		cfg:     cfg,
		sampler: sampling.NewSampler(cfg.Seed),
	}, nil
}

// SetDebug enables per-cycle debug logging
func (e *Engine) SetDebug(debug bool) {
	e.mu.Lock()
	e.debug = debug
	e.mu.Unlock()
}

// Config returns the engine parameters
func (e *Engine) Config() Config {
	return e.cfg
}

// Generate builds the particle set, replacing any existing one
func (e *Engine) Generate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generate()
}

func (e *Engine) generate() error {
	n := e.cfg.Particles
	if n <= 0 || n > MaxParticles {
		return fmt.Errorf("%d particles: %w", n, ErrInitialization)
	}
	if e.cfg.Area.Empty() {
		return fmt.Errorf("area %vx%v: %w", e.cfg.Area.Width, e.cfg.Area.Height, ErrInitialization)
	}

	points, err := sampling.Halton(n, 2)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrInitialization)
	}

	particles := make([]Particle, n)
	w := 1 / float64(n)
	for i, p := range points {
		particles[i] = Particle{
			Position: geom.Point{
				X: sampling.Scale(p[0], 0, 1, 0, e.cfg.Area.Width),
				Y: sampling.Scale(p[1], 0, 1, 0, e.cfg.Area.Height),
			},
			Orientation: e.sampler.Angle(),
			Motion:      Stopped,
			Weight:      w,
		}
	}

	e.particles = particles
	e.spare = make([]Particle, n)
	e.weights = make([]float64, n)
	e.distances = nil
	e.active = true
	return nil
}

// Update runs one estimation cycle, blocking while another cycle holds the
// particle set
func (e *Engine) Update(reports []aggregator.Report) (geom.Point, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.update(reports)
}

// TryUpdate runs one estimation cycle unless another one is in progress, in
// which case it returns ErrLockUnavailable and leaves the set untouched
func (e *Engine) TryUpdate(reports []aggregator.Report) (geom.Point, error) {
	res, err := e.TryCycle(reports, false)
	return res.Position, err
}

// TryCycle is TryUpdate that can also copy the particle set. The copy is taken
// under the same lock as the update, so it always matches the estimate.
func (e *Engine) TryCycle(reports []aggregator.Report, snapshot bool) (Result, error) {
	if !e.mu.TryLock() {
		return Result{}, ErrLockUnavailable
	}
	defer e.mu.Unlock()
	pos, err := e.update(reports)
	if err != nil {
		return Result{}, err
	}
	res := Result{Position: pos}
	if snapshot {
		res.Particles = append([]Particle(nil), e.particles...)
	}
	return res, nil
}

func (e *Engine) update(reports []aggregator.Report) (geom.Point, error) {
	if len(reports) == 0 {
		return geom.Point{}, fmt.Errorf("empty cycle: %w", aggregator.ErrInvalidMeasurement)
	}
	if !e.active {
		if err := e.generate(); err != nil {
			return geom.Point{}, err
		}
	}

	e.predict()
	e.weigh(reports)
	if err := e.normalize(); err != nil && e.debug {
		log.Printf("Particle: %v, weights reset to uniform", err)
	}
	if e.resampleNeeded() {
		e.resample()
	}
	e.stats.Cycles++

	est := e.estimate()
	if e.debug {
		log.Printf("Particle: cycle %d estimate %s (n_eff %.1f)", e.stats.Cycles, est, e.effectiveSize())
	}
	return est, nil
}

// predict applies the motion model to every particle
func (e *Engine) predict() {
	area := e.cfg.Area
	for i := range e.particles {
		p := &e.particles[i]
		p.Motion = Motion(e.sampler.IntN(2))

		if p.Motion == Stopped {
			p.Orientation = e.sampler.Angle()
			continue
		}

		delta := e.sampler.Gaussian(0, e.cfg.OrientationVariance)
		step := math.Abs(e.sampler.Gaussian(e.cfg.PositionMean, e.cfg.PositionVariance))
		p.Position = area.Clamp(geom.Point{
			X: p.Position.X + step*math.Cos(p.Orientation),
			Y: p.Position.Y + step*math.Sin(p.Orientation),
		})
		p.Orientation = geom.WrapAngle(p.Orientation + delta)
	}
}

// weigh multiplies every weight by the likelihood of the reports
func (e *Engine) weigh(reports []aggregator.Report) {
	anchors := len(reports)
	diag := e.cfg.Area.Diagonal()

	scale := diag
	if e.cfg.ReportScale == ScaleRelative {
		scale = 0
		for _, r := range reports {
			scale = math.Max(scale, r.Distance)
		}
		if scale == 0 {
			e.stats.SkippedWeights++
			return
		}
	}

	if cap(e.distances) < len(e.particles)*anchors {
		e.distances = make([]float64, len(e.particles)*anchors)
	}
	e.distances = e.distances[:len(e.particles)*anchors]

	for i := range e.particles {
		row := e.distances[i*anchors : (i+1)*anchors]
		for j, r := range reports {
			row[j] = e.particles[i].Position.Distance(r.Position)
		}
	}

	for i := range e.particles {
		row := e.distances[i*anchors : (i+1)*anchors]
		d := 0.0
		for j, r := range reports {
			d += math.Abs(row[j]/diag - r.Distance/scale)
		}
		d /= float64(anchors)

		g := d / e.cfg.APMeasurementVariance
		e.particles[i].Weight *= math.Exp(-0.5 * g * g)
	}
}

// normalize scales the weights to sum to one. A zero or non-finite sum resets
// every weight to 1/N and returns ErrDegenerateWeights.
func (e *Engine) normalize() error {
	w := e.weightSlice()
	sum := floats.Sum(w)
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		u := 1 / float64(len(e.particles))
		for i := range e.particles {
			e.particles[i].Weight = u
		}
		e.stats.DegenerateResets++
		return fmt.Errorf("weight sum %v: %w", sum, ErrDegenerateWeights)
	}
	for i := range e.particles {
		e.particles[i].Weight /= sum
	}
	return nil
}

// effectiveSize returns 1/Σw², the effective number of particles
func (e *Engine) effectiveSize() float64 {
	w := e.weightSlice()
	return 1 / floats.Dot(w, w)
}

func (e *Engine) resampleNeeded() bool {
	return e.effectiveSize() < float64(len(e.particles))*e.cfg.RatioCoefficient
}

// resample replaces the set using stochastic universal sampling
func (e *Engine) resample() {
	n := len(e.particles)
	step := 1 / float64(n)
	u := e.sampler.Uniform(0, step)

	next := e.spare[:n]
	idx := 0
	cum := e.particles[0].Weight
	for k := 0; k < n; k++ {
		pointer := u + float64(k)*step
		for cum < pointer && idx < n-1 {
			idx++
			cum += e.particles[idx].Weight
		}
		next[k] = e.particles[idx]
	}

	e.spare = e.particles
	e.particles = next
	e.stats.Resamples++
	_ = e.normalize()
}

// estimate returns the weighted mean position clamped into the area
func (e *Engine) estimate() geom.Point {
	w := e.weightSlice()
	xs := make([]float64, len(e.particles))
	ys := make([]float64, len(e.particles))
	for i, p := range e.particles {
		xs[i] = p.Position.X
		ys[i] = p.Position.Y
	}
	// stat.Mean divides by Σw
	return e.cfg.Area.Clamp(geom.Point{X: stat.Mean(xs, w), Y: stat.Mean(ys, w)})
}

// weightSlice copies the particle weights into the scratch buffer
func (e *Engine) weightSlice() []float64 {
	if len(e.weights) != len(e.particles) {
		e.weights = make([]float64, len(e.particles))
	}
	for i, p := range e.particles {
		e.weights[i] = p.Weight
	}
	return e.weights
}

// Estimate returns the current weighted mean position. It reports false
// before the particle set exists.
func (e *Engine) Estimate() (geom.Point, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return geom.Point{}, false
	}
	return e.estimate(), true
}

// Snapshot returns a copy of the particle set
func (e *Engine) Snapshot() []Particle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Particle(nil), e.particles...)
}

// Stats returns the engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
