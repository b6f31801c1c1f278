package sampling

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestPrimeSieve(t *testing.T) {
	want := []int{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37}
	if diff := cmp.Diff(want, PrimeSieve(len(want))); diff != "" {
		t.Errorf("PrimeSieve mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{2, 3}, PrimeSieve(2))
	assert.Nil(t, PrimeSieve(0))
	assert.Len(t, PrimeSieve(500), 500)
	assert.Equal(t, 3571, PrimeSieve(500)[499])
}

func TestCorput(t *testing.T) {
	seq, err := Corput(7, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.25, 0.75, 0.125, 0.625, 0.375, 0.875}, seq)

	seq, err = Corput(4, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0 / 3, 2.0 / 3, 1.0 / 9, 4.0 / 9}, seq, 1e-12)

	_, err = Corput(3, 1)
	assert.Error(t, err)
	_, err = Corput(-1, 2)
	assert.Error(t, err)
}

func TestHaltonDistinctInUnitSquare(t *testing.T) {
	points, err := Halton(500, 2)
	require.NoError(t, err)
	require.Len(t, points, 500)

	seen := make(map[[2]float64]bool, len(points))
	for _, p := range points {
		require.Len(t, p, 2)
		assert.Greater(t, p[0], 0.0)
		assert.Less(t, p[0], 1.0)
		assert.Greater(t, p[1], 0.0)
		assert.Less(t, p[1], 1.0)
		key := [2]float64{p[0], p[1]}
		assert.False(t, seen[key], "duplicate point %v", p)
		seen[key] = true
	}
}

func TestScale(t *testing.T) {
	assert.InDelta(t, 1.5, Scale(0.5, 0, 1, 0, 3), 1e-12)
	assert.InDelta(t, 2.0, Scale(1, 0, 1, 0, 2), 1e-12)
	assert.InDelta(t, -1.0, Scale(0, 0, 1, -1, 1), 1e-12)
	assert.Equal(t, 4.0, Scale(10, 2, 2, 4, 8))
}

func TestSamplerGaussianMoments(t *testing.T) {
	s := NewSampler(42)
	const n = 20000
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = s.Gaussian(0.5, 0.04)
		require.False(t, math.IsNaN(xs[i]) || math.IsInf(xs[i], 0))
	}
	mean, std := stat.MeanStdDev(xs, nil)
	assert.InDelta(t, 0.5, mean, 0.01)
	assert.InDelta(t, 0.2, std, 0.01)

	assert.Equal(t, 3.0, s.Gaussian(3, 0))
}

func TestSamplerUniformRanges(t *testing.T) {
	s := NewSampler(7)
	for i := 0; i < 5000; i++ {
		a := s.Angle()
		assert.GreaterOrEqual(t, a, 0.0)
		assert.Less(t, a, 2*math.Pi)

		u := s.Uniform(-2, 3)
		assert.GreaterOrEqual(t, u, -2.0)
		assert.Less(t, u, 3.0)

		k := s.IntN(2)
		assert.Contains(t, []int{0, 1}, k)

		p := s.positiveUnit()
		assert.Greater(t, p, Epsilon)
		assert.LessOrEqual(t, p, 1.0)
	}
}

func TestSamplerDeterministicSeed(t *testing.T) {
	a, b := NewSampler(99), NewSampler(99)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Gaussian(0, 1), b.Gaussian(0, 1))
	}
}

func TestTimerLap(t *testing.T) {
	now := time.Unix(1000, 0)
	timer := NewTimer(func() time.Time { return now })

	now = now.Add(1500 * time.Millisecond)
	assert.InDelta(t, 1.5, timer.Elapsed(), 1e-9)
	assert.InDelta(t, 1.5, timer.Lap(), 1e-9)

	now = now.Add(250 * time.Millisecond)
	assert.InDelta(t, 0.25, timer.Lap(), 1e-9)
	assert.Equal(t, 0.0, timer.Elapsed())
}
