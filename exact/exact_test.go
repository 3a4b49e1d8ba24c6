package exact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/testutil"
)

func TestTopKCosineSelfMatch(t *testing.T) {
	ctx := context.Background()
	rows := []model.Row{
		{ID: 1, Vector: []float32{1, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0}},
		{ID: 3, Vector: []float32{2, 0, 0}}, // colinear with the query
	}

	got, err := TopK(ctx, rows, []float32{1, 0, 0}, distance.MetricCosine, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	// Both ID 1 and ID 3 score 1.0; the tie breaks to the smaller ID.
	assert.Equal(t, int64(1), got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
}

func TestTopKL2(t *testing.T) {
	ctx := context.Background()
	rows := []model.Row{
		{ID: 10, Vector: []float32{0, 0}},
		{ID: 20, Vector: []float32{3, 4}},
		{ID: 30, Vector: []float32{1, 1}},
	}

	got, err := TopK(ctx, rows, []float32{0, 0}, distance.MetricL2, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].ID)
	assert.InDelta(t, 0.0, got[0].Score, 1e-6)
	assert.Equal(t, int64(30), got[1].ID)
	assert.InDelta(t, 2.0, got[1].Score, 1e-6)
}

func TestTopKFewerRowsThanK(t *testing.T) {
	got, err := TopK(context.Background(),
		[]model.Row{{ID: 1, Vector: []float32{1}}}, []float32{1}, distance.MetricL2, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTopKEmptyRows(t *testing.T) {
	got, err := TopK(context.Background(), nil, []float32{1, 2}, distance.MetricL2, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTopKDimensionMismatchFails(t *testing.T) {
	rows := []model.Row{
		{ID: 1, Vector: []float32{1, 2}},
		{ID: 2, Vector: []float32{1}},
	}
	_, err := TopK(context.Background(), rows, []float32{0, 0}, distance.MetricL2, 2)
	var dm *distance.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
}

func TestTopKCancellation(t *testing.T) {
	rows := testutil.NewRNG(1).Rows(1, 10000, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := TopK(ctx, rows, make([]float32, 8), distance.MetricL2, 3)
	assert.ErrorIs(t, err, context.Canceled)
}
