package ivfflat

import (
	"context"
	"math"
	"math/rand"

	"github.com/veclake/veclake/distance"
)

// trainKMeans trains k centroids from the flattened vectors using Lloyd's
// algorithm and returns them flattened (k * dim). Initialization draws
// from a seeded source, so identical input and seed produce identical
// centroids.
func trainKMeans(ctx context.Context, vectors []float32, dim, k, maxIter int, seed int64) ([]float32, error) {
	n := len(vectors) / dim
	rng := rand.New(rand.NewSource(seed))

	centroids := make([]float32, k*dim)

	// Initialize centroids from distinct data points.
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		changed := false

		// Assignment step.
		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := nearestCentroid(vec, centroids, dim)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		// Update step.
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			cluster := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[cluster*dim+d] += vec[d]
			}
			counts[cluster]++
		}
		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-seed an empty cluster from a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids, nil
}

// nearestCentroid returns the index of the centroid closest to vec by
// squared L2 distance, the smallest index winning ties.
func nearestCentroid(vec, centroids []float32, dim int) int {
	k := len(centroids) / dim
	best := 0
	bestDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		center := centroids[j*dim : (j+1)*dim]
		d := distance.SquaredL2(vec, center)
		if d < bestDist {
			bestDist = d
			best = j
		}
	}
	return best
}
