// Package exact implements the brute-force fallback: score every candidate
// row against the query and keep the top k. It is the semantic reference
// the index paths approximate, and the engine the rewriter routes to for
// partitions without a usable artifact.
package exact

import (
	"context"

	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/topk"
)

// checkEvery bounds how many rows are scored between cancellation checks.
const checkEvery = 4096

// TopK scores rows against query under metric and returns the best k
// candidates, sorted best-first with ties broken by ascending ID. Rows
// whose vector dimension differs from the query's fail the search; a
// partial scan that silently skipped rows would not be exact.
func TopK(ctx context.Context, rows []model.Row, query []float32, metric distance.Metric, k int) ([]model.Candidate, error) {
	score, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	heap := topk.New(metric, k)
	for i, row := range rows {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(row.Vector) != len(query) {
			return nil, &distance.ErrDimensionMismatch{Expected: len(query), Actual: len(row.Vector)}
		}
		heap.Push(model.Candidate{ID: row.ID, Score: score(query, row.Vector)})
	}
	return heap.Results(), nil
}
