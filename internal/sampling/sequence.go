// Package sampling provides the quasi-random and random sampling helpers used
// to seed and propagate the particle filter
package sampling

import (
	"fmt"
	"math"
)

// VanDerCorput returns the i-th element of the van der Corput sequence in the
// given base. Index 0 maps to 0.
func VanDerCorput(i, base int) float64 {
	q := 0.0
	bk := 1.0 / float64(base)
	for i > 0 {
		q += float64(i%base) * bk
		i /= base
		bk /= float64(base)
	}
	return q
}

// Corput returns the van der Corput elements for indices 1..n. Index 0 is
// skipped so no sample sits on the origin.
func Corput(n, base int) ([]float64, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid sequence length %d", n)
	}
	if base < 2 {
		return nil, fmt.Errorf("invalid sequence base %d", base)
	}
	seq := make([]float64, n)
	for i := range seq {
		seq[i] = VanDerCorput(i+1, base)
	}
	return seq, nil
}

// PrimeSieve returns the first n primes using the sieve of Eratosthenes
func PrimeSieve(n int) []int {
	if n <= 0 {
		return nil
	}

	// upper bound for the n-th prime (Rosser's theorem), small n handled by a floor
	limit := 15
	if n >= 6 {
		fn := float64(n)
		limit = int(math.Ceil(fn * (math.Log(fn) + math.Log(math.Log(fn)))))
	}

	composite := make([]bool, limit+1)
	primes := make([]int, 0, n)
	for i := 2; i <= limit && len(primes) < n; i++ {
		if composite[i] {
			continue
		}
		primes = append(primes, i)
		for j := i * i; j <= limit; j += i {
			composite[j] = true
		}
	}
	return primes
}

// Halton returns n points of the dim-dimensional Halton sequence inside the
// unit hypercube, one van der Corput sequence per dimension using the first dim
// primes as bases
func Halton(n, dim int) ([][]float64, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid Halton dimension %d", dim)
	}
	if n < 0 {
		return nil, fmt.Errorf("invalid sequence length %d", n)
	}
	bases := PrimeSieve(dim)

	points := make([][]float64, n)
	for p := range points {
		points[p] = make([]float64, dim)
	}
	for d, base := range bases {
		seq, err := Corput(n, base)
		if err != nil {
			return nil, err
		}
		for p, v := range seq {
			points[p][d] = v
		}
	}
	return points, nil
}

// Scale maps x from the range [a,b] linearly onto [c,d]
func Scale(x, a, b, c, d float64) float64 {
	if a == b {
		return c
	}
	return c + (x-a)*(d-c)/(b-a)
}
