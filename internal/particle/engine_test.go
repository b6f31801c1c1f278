package particle

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-tracker/internal/aggregator"
	"ble-tracker/internal/geom"
)

var corners = []geom.Point{{X: 0, Y: 0}, {X: 3, Y: 0}, {X: 0, Y: 2}, {X: 3, Y: 2}}

func exactReports(node geom.Point) []aggregator.Report {
	reports := make([]aggregator.Report, len(corners))
	for i, c := range corners {
		reports[i] = aggregator.Report{AnchorID: i + 1, Distance: node.Distance(c), Position: c}
	}
	return reports
}

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = 1
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func weightSum(ps []Particle) float64 {
	s := 0.0
	for _, p := range ps {
		s += p.Weight
	}
	return s
}

func TestNewEngineValidation(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.ReportScale = "log" },
		func(c *Config) { c.APMeasurementVariance = 0 },
		func(c *Config) { c.RatioCoefficient = 0 },
		func(c *Config) { c.RatioCoefficient = 1.5 },
		func(c *Config) { c.PositionVariance = -1 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := NewEngine(cfg)
		assert.Error(t, err, "case %d", i)
	}
}

func TestGenerateDistinctInArea(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.Particles = 500 })
	require.NoError(t, e.Generate())

	ps := e.Snapshot()
	require.Len(t, ps, 500)
	seen := make(map[geom.Point]bool, len(ps))
	for _, p := range ps {
		assert.True(t, e.cfg.Area.Contains(p.Position), "particle outside area: %v", p.Position)
		assert.False(t, seen[p.Position], "duplicate position %v", p.Position)
		seen[p.Position] = true
		assert.GreaterOrEqual(t, p.Orientation, 0.0)
		assert.Less(t, p.Orientation, 2*math.Pi)
		assert.Equal(t, Stopped, p.Motion)
		assert.Equal(t, 1.0/500, p.Weight)
	}
}

func TestGenerateInitializationErrors(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Particles = 0 },
		func(c *Config) { c.Particles = MaxParticles + 1 },
		func(c *Config) { c.Area = geom.Area{Width: 0, Height: 2} },
	} {
		e := newTestEngine(t, mutate)
		assert.ErrorIs(t, e.Generate(), ErrInitialization)

		_, err := e.Update(exactReports(geom.Point{X: 1, Y: 1}))
		assert.ErrorIs(t, err, ErrInitialization)
		_, ok := e.Estimate()
		assert.False(t, ok)
	}
}

func TestNormalizeSumsToOne(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Generate())

	for i := range e.particles {
		e.particles[i].Weight = float64(i%7 + 1)
	}
	require.NoError(t, e.normalize())
	assert.InDelta(t, 1.0, weightSum(e.particles), 1e-9)
}

func TestNormalizeDegenerateReset(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Generate())

	for _, bad := range []float64{0, math.NaN(), math.Inf(1)} {
		for i := range e.particles {
			e.particles[i].Weight = 0
		}
		e.particles[3].Weight = bad

		err := e.normalize()
		assert.True(t, errors.Is(err, ErrDegenerateWeights))
		for _, p := range e.particles {
			require.Equal(t, 1/float64(len(e.particles)), p.Weight)
		}
	}
	assert.Equal(t, uint64(3), e.stats.DegenerateResets)
}

func TestResampleKeepsSizeAndCopiesOnly(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.Particles = 200 })
	require.NoError(t, e.Generate())

	for i := range e.particles {
		e.particles[i].Weight = 0
	}
	// all the mass on three particles
	e.particles[0].Weight = 0.5
	e.particles[57].Weight = 0.3
	e.particles[199].Weight = 0.2

	before := make(map[geom.Point]bool)
	for _, p := range e.particles {
		before[p.Position] = true
	}
	require.True(t, e.resampleNeeded())
	e.resample()

	require.Len(t, e.particles, 200)
	counts := make(map[geom.Point]int)
	for _, p := range e.particles {
		require.True(t, before[p.Position], "fabricated particle %v", p.Position)
		counts[p.Position]++
	}
	assert.Len(t, counts, 3)
	assert.InDelta(t, 100, counts[e.spare[0].Position], 1)
	assert.InDelta(t, 60, counts[e.spare[57].Position], 1)
	assert.InDelta(t, 40, counts[e.spare[199].Position], 1)
	assert.InDelta(t, 1.0, weightSum(e.particles), 1e-9)
}

func TestResampleGuardsLastIndex(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.Particles = 50 })
	require.NoError(t, e.Generate())

	// weights summing below one push the pointer past the cumulative total
	for i := range e.particles {
		e.particles[i].Weight = 0.5 / 50
	}
	assert.NotPanics(t, e.resample)
	assert.Len(t, e.particles, 50)
}

func TestPredictStaysInArea(t *testing.T) {
	e := newTestEngine(t, func(c *Config) {
		c.PositionMean = 0.5
		c.PositionVariance = 0.5
	})
	require.NoError(t, e.Generate())

	for i := 0; i < 50; i++ {
		e.predict()
		for _, p := range e.particles {
			require.True(t, e.cfg.Area.Contains(p.Position))
			require.GreaterOrEqual(t, p.Orientation, 0.0)
			require.Less(t, p.Orientation, 2*math.Pi)
		}
	}
}

func TestUpdateConvergesOnCornerAnchors(t *testing.T) {
	for _, node := range []geom.Point{{X: 1.5, Y: 1.0}, {X: 0.8, Y: 1.4}, {X: 2.4, Y: 0.5}} {
		e := newTestEngine(t, nil)
		reports := exactReports(node)

		var est geom.Point
		var err error
		for i := 0; i < 50; i++ {
			est, err = e.Update(reports)
			require.NoError(t, err)
		}
		assert.Less(t, est.Distance(node), 0.2, "estimate %s for node %s", est, node)

		got, ok := e.Estimate()
		require.True(t, ok)
		assert.Equal(t, est, got)
		assert.Equal(t, uint64(50), e.Stats().Cycles)
	}
}

func TestZeroReportHasNoNaN(t *testing.T) {
	for _, scale := range []ReportScale{ScaleArea, ScaleRelative} {
		e := newTestEngine(t, func(c *Config) { c.ReportScale = scale })

		// node sits on anchor 1
		reports := exactReports(geom.Point{X: 0, Y: 0})
		require.Equal(t, 0.0, reports[0].Distance)

		for i := 0; i < 10; i++ {
			est, err := e.Update(reports)
			require.NoError(t, err)
			require.False(t, math.IsNaN(est.X) || math.IsNaN(est.Y), "scale %s", scale)
		}
		for _, p := range e.Snapshot() {
			require.False(t, math.IsNaN(p.Weight))
		}
	}
}

func TestAllZeroReportsSkipRelativeWeights(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.ReportScale = ScaleRelative })

	reports := exactReports(geom.Point{X: 1, Y: 1})
	for i := range reports {
		reports[i].Distance = 0
	}
	est, err := e.Update(reports)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(est.X))
	assert.Equal(t, uint64(1), e.Stats().SkippedWeights)
	assert.InDelta(t, 1.0, weightSum(e.Snapshot()), 1e-9)
}

func TestUpdateRejectsEmptyCycle(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Update(nil)
	assert.ErrorIs(t, err, aggregator.ErrInvalidMeasurement)
	assert.Empty(t, e.Snapshot())
}

func TestTryUpdateSkipsWhileLocked(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Generate())
	before := e.Snapshot()

	e.mu.Lock()
	_, err := e.TryUpdate(exactReports(geom.Point{X: 1.5, Y: 1}))
	e.mu.Unlock()

	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.Equal(t, before, e.Snapshot())
	assert.Equal(t, uint64(0), e.Stats().Cycles)

	_, err = e.TryUpdate(exactReports(geom.Point{X: 1.5, Y: 1}))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), e.Stats().Cycles)
}

func TestTryCycleSnapshotMatchesEstimate(t *testing.T) {
	e := newTestEngine(t, nil)
	reports := exactReports(geom.Point{X: 0.8, Y: 1.4})

	res, err := e.TryCycle(reports, false)
	require.NoError(t, err)
	assert.Nil(t, res.Particles)

	for i := 0; i < 5; i++ {
		res, err = e.TryCycle(reports, true)
		require.NoError(t, err)
		require.Len(t, res.Particles, DefaultConfig().Particles)

		var x, y, w float64
		for _, p := range res.Particles {
			x += p.Weight * p.Position.X
			y += p.Weight * p.Position.Y
			w += p.Weight
		}
		assert.InDelta(t, res.Position.X, x/w, 1e-9)
		assert.InDelta(t, res.Position.Y, y/w, 1e-9)
	}

	// the copy is detached from the engine
	res.Particles[0].Weight = -1
	assert.NotEqual(t, -1.0, e.Snapshot()[0].Weight)
}

func TestSeededEnginesAgree(t *testing.T) {
	a := newTestEngine(t, nil)
	b := newTestEngine(t, nil)
	reports := exactReports(geom.Point{X: 2, Y: 0.5})
	for i := 0; i < 5; i++ {
		ea, err := a.Update(reports)
		require.NoError(t, err)
		eb, err := b.Update(reports)
		require.NoError(t, err)
		assert.Equal(t, ea, eb)
	}
}
