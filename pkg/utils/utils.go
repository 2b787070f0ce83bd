package utils

import (
	"crypto/rand"
	mathrand "math/rand/v2"
)

// cryptoSeededRand returns a math/rand/v2 source seeded from crypto/rand, for
// permutations that must not be predictable from process state.
func cryptoSeededRand() *mathrand.Rand {
	var seed [32]byte
	_, _ = rand.Read(seed[:])
	return mathrand.New(mathrand.NewChaCha8(seed))
}

// Shuffle permutes s in place using a crypto-seeded source.
func Shuffle[S any](s []S) {
	cryptoSeededRand().Shuffle(len(s), func(i, j int) {
		s[i], s[j] = s[j], s[i]
	})
}

// Pick randomly picks an element of the slice.
func Pick[S any](s []S) S {
	return s[cryptoSeededRand().IntN(len(s))]
}

// Float64 draws a uniform value in [0, 1) from a crypto-seeded source.
func Float64() float64 {
	return cryptoSeededRand().Float64()
}

// Uint64 draws a random value from a crypto-seeded source.
func Uint64() uint64 {
	return cryptoSeededRand().Uint64()
}

// Map applies f to every item and collects the results.
func Map[T any, O any](items []T, f func(T) O) []O {
	result := make([]O, len(items))
	for i, item := range items {
		result[i] = f(item)
	}
	return result
}

// Filter returns the items satisfying the condition.
func Filter[T any](items []T, condition func(T) bool) []T {
	result := make([]T, 0, len(items))
	for _, item := range items {
		if condition(item) {
			result = append(result, item)
		}
	}
	return result
}

