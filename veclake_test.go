package veclake

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veclake/veclake/catalog"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/source"
	"github.com/veclake/veclake/testutil"
)

const dim = 8

func newManager(t *testing.T) (*Manager, *source.MemoryTable) {
	t.Helper()
	table := source.NewMemoryTable("events", source.TableSchema{
		PartitionColumns: []string{"ds"},
		VectorColumns:    map[string]int{"embedding": dim},
	})
	mgr, err := Open(context.Background(), table, table,
		WithCatalogPath(filepath.Join(t.TempDir(), "catalog.db")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr, table
}

func seedPartitions(table *source.MemoryTable, rng *testutil.RNG) {
	table.SetPartition("ds=2026-01-01", rng.Rows(1, 40, dim))
	table.SetPartition("ds=2026-01-02", rng.Rows(100, 40, dim))
	table.SetPartition("ds=2026-01-03", rng.Rows(200, 40, dim))
	table.SetPartition("ds=2026-01-04", rng.Rows(300, 40, dim))
}

func searchRequest(queries [][]float32, k int) SearchRequest {
	return SearchRequest{
		Table:        "events",
		IDColumn:     "id",
		VectorColumn: "embedding",
		Queries:      queries,
		Metric:       distance.MetricL2,
		K:            k,
	}
}

func TestEndToEndMixedDispatch(t *testing.T) {
	ctx := context.Background()
	mgr, table := newManager(t)
	rng := testutil.NewRNG(42)
	seedPartitions(table, rng)

	// Build indexes for the first three days only; ds=2026-01-04 stays
	// unbuilt and must be served by the exact fallback within the same query.
	def, err := mgr.CreateIndex(ctx, CreateIndex{
		Name:             "events_embedding_idx",
		Table:            "events",
		IDColumn:         "id",
		VectorColumn:     "embedding",
		Metric:           distance.MetricL2,
		IndexType:        "flat",
		PartitionColumns: []string{"ds"},
		UpdatingFor:      source.ColumnBetween("ds", "2026-01-01", "2026-01-03"),
	})
	require.NoError(t, err)
	assert.Equal(t, "events_embedding_idx", def.Name)

	statuses, err := mgr.IndexStatus(ctx, "events", "events_embedding_idx")
	require.NoError(t, err)
	require.Len(t, statuses, 4)
	assert.Equal(t, catalog.StateReady, statuses[0].State)
	assert.Equal(t, catalog.StateReady, statuses[1].State)
	assert.Equal(t, catalog.StateReady, statuses[2].State)
	assert.Equal(t, catalog.StateUnbuilt, statuses[3].State)

	queries := rng.UniformVectors(2, dim)
	req := searchRequest(queries, 10)
	req.Predicate = source.ColumnBetween("ds", "2026-01-01", "2026-01-04")

	got, err := mgr.Search(ctx, req, DefaultPolicy)
	require.NoError(t, err)
	require.Len(t, got.Groups, 2)
	assert.Empty(t, got.Warnings)

	// The mixed index/scan result must equal the all-exact result.
	want, err := mgr.Search(ctx, req, SessionPolicy{ForceExact: true})
	require.NoError(t, err)
	for q := range queries {
		require.Len(t, got.Groups[q], 10)
		for i := range want.Groups[q] {
			assert.Equal(t, want.Groups[q][i].ID, got.Groups[q][i].ID, "query %d rank %d", q, i)
			assert.InDelta(t, want.Groups[q][i].Score, got.Groups[q][i].Score, 1e-5)
		}
	}
}

func TestEndToEndStaleness(t *testing.T) {
	ctx := context.Background()
	mgr, table := newManager(t)
	rng := testutil.NewRNG(43)
	table.SetPartition("ds=2026-01-01", rng.Rows(1, 20, dim))

	_, err := mgr.CreateIndex(ctx, CreateIndex{
		Name:             "idx",
		Table:            "events",
		IDColumn:         "id",
		VectorColumn:     "embedding",
		Metric:           distance.MetricL2,
		IndexType:        "flat",
		PartitionColumns: []string{"ds"},
		Update:           true,
	})
	require.NoError(t, err)

	// New rows move the partition past the indexed version.
	table.AppendRows("ds=2026-01-01", model.Row{ID: 999, Vector: make([]float32, dim)})

	statuses, err := mgr.IndexStatus(ctx, "events", "idx")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, catalog.StateStale, statuses[0].State)
	assert.Greater(t, statuses[0].CurrentVersion, statuses[0].IndexedVersion)

	// Default policy probes the stale artifact and says so.
	got, err := mgr.Search(ctx, searchRequest(rng.UniformVectors(1, dim), 5), DefaultPolicy)
	require.NoError(t, err)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "stale")

	// A strict session falls back to the exact scan and sees the new row.
	exactQ := make([]float32, dim)
	strict, err := mgr.Search(ctx, searchRequest([][]float32{exactQ}, 1), SessionPolicy{AllowStale: false})
	require.NoError(t, err)
	require.Len(t, strict.Groups[0], 1)
	assert.Equal(t, int64(999), strict.Groups[0][0].ID)
	assert.Empty(t, strict.Warnings)

	// Rebuilding clears the staleness.
	require.NoError(t, mgr.UpdateIndex(ctx, "events", "idx", nil))
	statuses, err = mgr.IndexStatus(ctx, "events", "idx")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateReady, statuses[0].State)
}

func TestEndToEndRefreshStaleness(t *testing.T) {
	ctx := context.Background()
	mgr, table := newManager(t)
	rng := testutil.NewRNG(44)
	table.SetPartition("ds=2026-01-01", rng.Rows(1, 10, dim))

	_, err := mgr.CreateIndex(ctx, CreateIndex{
		Name: "idx", Table: "events", IDColumn: "id", VectorColumn: "embedding",
		Metric: distance.MetricL2, IndexType: "flat",
		PartitionColumns: []string{"ds"}, Update: true,
	})
	require.NoError(t, err)

	table.AppendRows("ds=2026-01-01", model.Row{ID: 11, Vector: make([]float32, dim)})

	statuses, err := mgr.RefreshStaleness(ctx, "events", "idx")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, catalog.StateStale, statuses[0].State)

	// Refresh persisted the transition.
	def, err := mgr.LookupIndex(ctx, "events", "idx")
	require.NoError(t, err)
	persisted, err := mgr.Catalog().PartitionState(ctx, def.ID, "ds=2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateStale, persisted.State)
}

func TestErrorTranslation(t *testing.T) {
	ctx := context.Background()
	mgr, table := newManager(t)
	table.SetPartition("ds=2026-01-01", testutil.NewRNG(45).Rows(1, 5, dim))

	create := CreateIndex{
		Name: "idx", Table: "events", IDColumn: "id", VectorColumn: "embedding",
		Metric: distance.MetricL2, IndexType: "flat", PartitionColumns: []string{"ds"},
	}
	_, err := mgr.CreateIndex(ctx, create)
	require.NoError(t, err)

	t.Run("duplicate definition", func(t *testing.T) {
		_, err := mgr.CreateIndex(ctx, create)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("missing index", func(t *testing.T) {
		_, err := mgr.LookupIndex(ctx, "events", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid k", func(t *testing.T) {
		_, err := mgr.Search(ctx, searchRequest([][]float32{make([]float32, dim)}, 0), DefaultPolicy)
		assert.ErrorIs(t, err, ErrInvalidK)
	})

	t.Run("query dimension", func(t *testing.T) {
		_, err := mgr.Search(ctx, searchRequest([][]float32{{1, 2}}, 3), DefaultPolicy)
		var dm *ErrDimensionMismatch
		assert.ErrorAs(t, err, &dm)
	})

	t.Run("build conflict", func(t *testing.T) {
		def, err := mgr.LookupIndex(ctx, "events", "idx")
		require.NoError(t, err)
		// Hold the lease the way a concurrent builder would.
		require.NoError(t, mgr.Catalog().TryBeginBuild(ctx, def.ID, "ds=2026-01-01", "other", time.Hour, false))

		err = mgr.UpdateIndex(ctx, "events", "idx", nil)
		assert.ErrorIs(t, err, ErrBuildConflict)
	})
}

func TestUpdateIndexNilFilterTargetsKnownPartitions(t *testing.T) {
	ctx := context.Background()
	mgr, table := newManager(t)
	table.SetPartition("ds=2026-01-01", testutil.NewRNG(47).Rows(1, 5, dim))
	table.SetPartition("ds=2026-01-02", testutil.NewRNG(48).Rows(10, 5, dim))

	def, err := mgr.CreateIndex(ctx, CreateIndex{
		Name: "idx", Table: "events", IDColumn: "id", VectorColumn: "embedding",
		Metric: distance.MetricL2, IndexType: "flat", PartitionColumns: []string{"ds"},
	})
	require.NoError(t, err)

	// Nothing was ever built, so a bare update has nothing to refresh.
	require.NoError(t, mgr.UpdateIndex(ctx, "events", "idx", nil))
	states, err := mgr.Catalog().PartitionStates(ctx, def.ID)
	require.NoError(t, err)
	assert.Empty(t, states, "a bare update never backfills unbuilt partitions")

	// After one partition is built, a bare update rebuilds that one only.
	require.NoError(t, mgr.UpdateIndex(ctx, "events", "idx",
		source.ColumnBetween("ds", "2026-01-01", "2026-01-01")))
	require.NoError(t, mgr.UpdateIndex(ctx, "events", "idx", nil))

	states, err = mgr.Catalog().PartitionStates(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, model.PartitionKey("ds=2026-01-01"), states[0].Key)
	assert.Equal(t, catalog.StateReady, states[0].State)
}

func TestUnpartitionedIndexOverPartitionedTable(t *testing.T) {
	ctx := context.Background()
	mgr, table := newManager(t)
	rng := testutil.NewRNG(49)
	table.SetPartition("ds=2026-01-01", rng.Rows(1, 20, dim))
	table.SetPartition("ds=2026-01-02", rng.Rows(100, 20, dim))

	_, err := mgr.CreateIndex(ctx, CreateIndex{
		Name: "idx", Table: "events", IDColumn: "id", VectorColumn: "embedding",
		Metric: distance.MetricL2, IndexType: "flat",
		Update: true, // no partition columns: one index over the whole table
	})
	require.NoError(t, err)

	statuses, err := mgr.IndexStatus(ctx, "events", "idx")
	require.NoError(t, err)
	require.Len(t, statuses, 1, "the whole table collapses to one index partition")
	assert.Equal(t, model.Sentinel, statuses[0].Key)
	assert.Equal(t, catalog.StateReady, statuses[0].State)
	assert.Len(t, statuses[0].Sources, 2)

	// The single artifact serves rows from every base partition.
	queries := rng.UniformVectors(1, dim)
	got, err := mgr.Search(ctx, searchRequest(queries, 40), DefaultPolicy)
	require.NoError(t, err)
	require.Len(t, got.Groups[0], 40)
	var sawFirst, sawSecond bool
	for _, cand := range got.Groups[0] {
		if cand.ID < 100 {
			sawFirst = true
		} else {
			sawSecond = true
		}
	}
	assert.True(t, sawFirst)
	assert.True(t, sawSecond)
}

func TestSweepExpiredLeases(t *testing.T) {
	ctx := context.Background()
	mgr, table := newManager(t)
	table.SetPartition("ds=2026-01-01", testutil.NewRNG(46).Rows(1, 5, dim))

	def, err := mgr.CreateIndex(ctx, CreateIndex{
		Name: "idx", Table: "events", IDColumn: "id", VectorColumn: "embedding",
		Metric: distance.MetricL2, IndexType: "flat", PartitionColumns: []string{"ds"},
	})
	require.NoError(t, err)

	// A build that began and then crashed: negative TTL expires immediately.
	require.NoError(t, mgr.Catalog().TryBeginBuild(ctx, def.ID, "ds=2026-01-01", "crashed", -time.Second, false))

	swept, err := mgr.SweepExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// The partition is retryable again.
	require.NoError(t, mgr.UpdateIndex(ctx, "events", "idx", nil))
}
