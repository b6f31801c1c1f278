package sampling

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Epsilon bounds the uniforms fed to Box-Muller away from zero
const Epsilon = 1e-12

// Sampler draws the random numbers used by the motion model. It is not safe
// for concurrent use; the particle engine only touches it under its lock.
type Sampler struct {
	src  rand.Source
	rng  *rand.Rand
	unit distuv.Uniform
}

// NewSampler creates a sampler seeded with seed. A zero seed picks a random one.
func NewSampler(seed uint64) *Sampler {
	if seed == 0 {
		seed = rand.Uint64()
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Sampler{
		src:  src,
		rng:  rand.New(src),
		unit: distuv.Uniform{Min: 0, Max: 1, Src: src},
	}
}

// Uniform returns a sample from [min, max)
func (s *Sampler) Uniform(min, max float64) float64 {
	u := distuv.Uniform{Min: min, Max: max, Src: s.src}
	return u.Rand()
}

// IntN returns a uniformly chosen integer in [0, n)
func (s *Sampler) IntN(n int) int {
	return s.rng.IntN(n)
}

// Angle returns a uniformly sampled orientation in [0, 2π)
func (s *Sampler) Angle() float64 {
	a := s.Uniform(0, 2*math.Pi)
	if a >= 2*math.Pi {
		a = 0
	}
	return a
}

// positiveUnit returns a uniform sample from (Epsilon, 1]
func (s *Sampler) positiveUnit() float64 {
	u := 1 - s.unit.Rand()*(1-Epsilon)
	if u <= Epsilon {
		u = 1
	}
	return u
}

// Gaussian returns a normally distributed sample using the Box-Muller
// transform. Note the second argument is the variance, not the deviation.
func (s *Sampler) Gaussian(mean, variance float64) float64 {
	if variance <= 0 {
		return mean
	}
	u1 := s.positiveUnit()
	u2 := s.positiveUnit()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mean + math.Sqrt(variance)*z
}
