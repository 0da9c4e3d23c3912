// Package bandit holds the decision logic of a two-arm flag experiment:
// conversion-rate estimates, the arm-selection strategies, the significance
// test that fixes a winner, and the Machine that moves an experiment from
// exploring to locked.
//
// Everything here is a pure function of a counter snapshot plus an injected
// RandomSource. Storage and counting live behind internal/ports.
package bandit
