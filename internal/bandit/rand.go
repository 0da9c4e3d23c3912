package bandit

import "math/rand/v2"

// RandomSource supplies the uniform draws used by the epsilon strategies.
type RandomSource interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
	// IntN returns a value in [0, n).
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }
func (globalSource) IntN(n int) int   { return rand.IntN(n) }

// DefaultSource draws from the runtime's shared generator and is safe for
// concurrent use.
func DefaultSource() RandomSource {
	return globalSource{}
}

// NewSeededSource returns a reproducible source. It must not be shared
// between goroutines.
func NewSeededSource(seed uint64) RandomSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
