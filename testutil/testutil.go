// Package testutil provides testing utilities for veclake.
//
// This package is intended for use in tests only. It provides a seeded,
// thread-safe random number generator for vector fixtures and helpers for
// building row sets.
package testutil

import (
	"math/rand"
	"sync"

	"github.com/veclake/veclake/model"
)

// RNG encapsulates a seeded random number generator. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// FillUniform fills dst with random values in range [0, 1).
// Locks only once per call (preferred over calling Float32 in a loop).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// UniformVector returns one random vector with values in [0, 1).
func (r *RNG) UniformVector(dim int) []float32 {
	v := make([]float32, dim)
	r.FillUniform(v)
	return v
}

// UniformVectors generates random vectors with values in range [0, 1).
// Uses a single backing array for efficiency.
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)
	for i := 0; i < num; i++ {
		vec := data[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = r.rand.Float32()
		}
		vectors[i] = vec
	}
	return vectors
}

// Rows generates num rows of random dim-dimensional vectors with IDs
// firstID, firstID+1, ...
func (r *RNG) Rows(firstID int64, num, dim int) []model.Row {
	vectors := r.UniformVectors(num, dim)
	rows := make([]model.Row, num)
	for i, vec := range vectors {
		rows[i] = model.Row{ID: firstID + int64(i), Vector: vec}
	}
	return rows
}
