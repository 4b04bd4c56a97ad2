// Package rng abstracts randomness for the router's random-selection
// strategies and jitter, so callers can inject a deterministic source in
// tests instead of relying on a package-level generator.
package rng

import "math/rand"

// Source is the minimal randomness surface the router needs.
type Source interface {
	Float64() float64
	Intn(n int) int
}

// NewMathRand returns a Source backed by math/rand seeded with seed.
func NewMathRand(seed int64) Source {
	return rand.New(rand.NewSource(seed))
}
