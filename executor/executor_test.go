package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veclake/veclake/blobstore"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/exact"
	"github.com/veclake/veclake/index"
	_ "github.com/veclake/veclake/index/flat"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/rewrite"
	"github.com/veclake/veclake/source"
	"github.com/veclake/veclake/testutil"
)

type fixture struct {
	store *blobstore.MemoryStore
	table *source.MemoryTable
	exec  *Executor
}

func newFixture(t *testing.T, dim int) *fixture {
	t.Helper()
	schema := source.TableSchema{
		PartitionColumns: []string{"ds"},
		VectorColumns:    map[string]int{"embedding": dim},
	}
	f := &fixture{
		store: blobstore.NewMemoryStore(),
		table: source.NewMemoryTable("events", schema),
	}
	f.exec = New(f.store, f.table, nil, Options{Workers: 4})
	t.Cleanup(f.exec.Close)
	return f
}

// publishFlat builds a flat artifact over the partition's current rows and
// puts it in the blob store under the given name.
func (f *fixture) publishFlat(t *testing.T, key model.PartitionKey, name string, dim int) {
	t.Helper()
	ctx := context.Background()

	rows, err := f.table.ReadPartition(ctx, "events", "id", "embedding", key)
	require.NoError(t, err)

	typ, err := index.Lookup("flat")
	require.NoError(t, err)
	artifact, err := typ.Build(ctx, rows, index.BuildSpec{Dimension: dim, Metric: distance.MetricL2})
	require.NoError(t, err)
	data, err := index.EncodeArtifact(typ, artifact, nil, index.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, name, data))
}

func request(queries [][]float32, k int) rewrite.SearchRequest {
	return rewrite.SearchRequest{
		Table:        "events",
		IDColumn:     "id",
		VectorColumn: "embedding",
		Queries:      queries,
		Metric:       distance.MetricL2,
		K:            k,
	}
}

func TestExecuteMixedDispatchMatchesExact(t *testing.T) {
	const dim = 4
	f := newFixture(t, dim)
	ctx := context.Background()
	rng := testutil.NewRNG(11)

	f.table.SetPartition("ds=2026-01-01", rng.Rows(1, 30, dim))
	f.table.SetPartition("ds=2026-01-02", rng.Rows(100, 30, dim))
	f.table.SetPartition("ds=2026-01-03", rng.Rows(200, 30, dim))
	f.publishFlat(t, "ds=2026-01-01", "a1.vla", dim)
	f.publishFlat(t, "ds=2026-01-02", "a2.vla", dim)

	queries := rng.UniformVectors(3, dim)
	plan := &rewrite.Plan{
		Request: request(queries, 7),
		Fragments: []rewrite.Fragment{
			{Partition: "ds=2026-01-01", Mode: rewrite.UseIndex, ArtifactPath: "a1.vla", IndexType: "flat"},
			{Partition: "ds=2026-01-02", Mode: rewrite.UseIndex, ArtifactPath: "a2.vla", IndexType: "flat"},
			{Partition: "ds=2026-01-03", Mode: rewrite.ExactScan},
		},
	}

	got, err := f.exec.Execute(ctx, plan)
	require.NoError(t, err)
	require.Len(t, got.Groups, len(queries))
	assert.Empty(t, got.Warnings)

	// The scattered result must equal a single exact scan over the union of
	// all partitions: flat probes are exact, and the merge preserves global
	// top-k with the same tie-break.
	var all []model.Row
	for _, key := range []model.PartitionKey{"ds=2026-01-01", "ds=2026-01-02", "ds=2026-01-03"} {
		rows, err := f.table.ReadPartition(ctx, "events", "id", "embedding", key)
		require.NoError(t, err)
		all = append(all, rows...)
	}
	for q, query := range queries {
		want, err := exact.TopK(ctx, all, query, distance.MetricL2, 7)
		require.NoError(t, err)
		require.Len(t, got.Groups[q], 7)
		for i := range want {
			assert.Equal(t, want[i].ID, got.Groups[q][i].ID, "query %d rank %d", q, i)
			assert.InDelta(t, want[i].Score, got.Groups[q][i].Score, 1e-5)
		}
	}
}

func TestExecuteStaleWarning(t *testing.T) {
	const dim = 2
	f := newFixture(t, dim)
	rng := testutil.NewRNG(12)
	f.table.SetPartition("ds=2026-01-01", rng.Rows(1, 10, dim))
	f.publishFlat(t, "ds=2026-01-01", "stale.vla", dim)

	plan := &rewrite.Plan{
		Request: request(rng.UniformVectors(1, dim), 3),
		Fragments: []rewrite.Fragment{
			{Partition: "ds=2026-01-01", Mode: rewrite.UseIndex, ArtifactPath: "stale.vla", IndexType: "flat", Stale: true},
		},
	}
	got, err := f.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], `ds=2026-01-01`)
	assert.Contains(t, got.Warnings[0], "stale")
}

func TestExecuteFragmentFailureFailsQuery(t *testing.T) {
	const dim = 2
	f := newFixture(t, dim)
	rng := testutil.NewRNG(13)
	f.table.SetPartition("ds=2026-01-01", rng.Rows(1, 10, dim))

	plan := &rewrite.Plan{
		Request: request(rng.UniformVectors(1, dim), 3),
		Fragments: []rewrite.Fragment{
			{Partition: "ds=2026-01-01", Mode: rewrite.ExactScan},
			{Partition: "ds=2026-01-02", Mode: rewrite.UseIndex, ArtifactPath: "missing.vla", IndexType: "flat"},
		},
	}
	_, err := f.exec.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.Contains(t, err.Error(), `ds=2026-01-02`)
}

func TestExecuteRejectsTypeMismatch(t *testing.T) {
	const dim = 2
	f := newFixture(t, dim)
	rng := testutil.NewRNG(14)
	f.table.SetPartition("ds=2026-01-01", rng.Rows(1, 10, dim))
	f.publishFlat(t, "ds=2026-01-01", "flat.vla", dim)

	plan := &rewrite.Plan{
		Request: request(rng.UniformVectors(1, dim), 3),
		Fragments: []rewrite.Fragment{
			{Partition: "ds=2026-01-01", Mode: rewrite.UseIndex, ArtifactPath: "flat.vla", IndexType: "ivfflat"},
		},
	}
	_, err := f.exec.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index type")
}

func TestExecuteEmptyPlan(t *testing.T) {
	f := newFixture(t, 2)

	got, err := f.exec.Execute(context.Background(), &rewrite.Plan{
		Request: request([][]float32{{1, 0}}, 3),
	})
	require.NoError(t, err)
	require.Len(t, got.Groups, 1)
	assert.Empty(t, got.Groups[0])
}

func TestExecuteCancellation(t *testing.T) {
	const dim = 2
	f := newFixture(t, dim)
	rng := testutil.NewRNG(15)
	// Enough rows that the scan's periodic context check fires.
	f.table.SetPartition("ds=2026-01-01", rng.Rows(1, 10000, dim))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := &rewrite.Plan{
		Request: request(rng.UniformVectors(1, dim), 3),
		Fragments: []rewrite.Fragment{
			{Partition: "ds=2026-01-01", Mode: rewrite.ExactScan},
		},
	}
	_, err := f.exec.Execute(ctx, plan)
	assert.Error(t, err)
}

func TestExecuteArtifactCache(t *testing.T) {
	const dim = 2
	f := newFixture(t, dim)
	rng := testutil.NewRNG(16)
	f.table.SetPartition("ds=2026-01-01", rng.Rows(1, 10, dim))
	f.publishFlat(t, "ds=2026-01-01", "cached.vla", dim)

	plan := &rewrite.Plan{
		Request: request(rng.UniformVectors(1, dim), 3),
		Fragments: []rewrite.Fragment{
			{Partition: "ds=2026-01-01", Mode: rewrite.UseIndex, ArtifactPath: "cached.vla", IndexType: "flat"},
		},
	}
	ctx := context.Background()
	first, err := f.exec.Execute(ctx, plan)
	require.NoError(t, err)

	// Delete the blob; the decoded artifact must still serve from cache.
	require.NoError(t, f.store.Delete(ctx, "cached.vla"))
	second, err := f.exec.Execute(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, first.Groups, second.Groups)
}
