package staleness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veclake/veclake/catalog"
	"github.com/veclake/veclake/distance"
	_ "github.com/veclake/veclake/index/flat"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/source"
)

type fixture struct {
	cat     *catalog.Catalog
	table   *source.MemoryTable
	tracker *Tracker
	def     *catalog.Definition
}

func newFixture(t *testing.T, partitionColumns []string) *fixture {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	schema := source.TableSchema{
		PartitionColumns: []string{"ds"},
		VectorColumns:    map[string]int{"embedding": 2},
	}
	table := source.NewMemoryTable("events", schema)

	id, err := cat.Define(ctx, catalog.Definition{
		Name:             "idx",
		Table:            "events",
		IDColumn:         "id",
		VectorColumn:     "embedding",
		Metric:           distance.MetricL2,
		IndexType:        "flat",
		PartitionColumns: partitionColumns,
	}, schema)
	require.NoError(t, err)
	def, err := cat.LookupByID(ctx, id)
	require.NoError(t, err)

	return &fixture{
		cat:     cat,
		table:   table,
		tracker: NewTracker(cat, table, nil),
		def:     def,
	}
}

func (f *fixture) commitBuild(t *testing.T, key model.PartitionKey, version model.DataVersion) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.cat.TryBeginBuild(ctx, f.def.ID, key, "lease", time.Minute, true))
	require.NoError(t, f.cat.RecordBuildSuccess(ctx, f.def.ID, key, "lease", "artifact.vla", version))
}

func (f *fixture) groups(t *testing.T) []source.IndexPartition {
	t.Helper()
	infos, err := f.table.Partitions(context.Background(), "events")
	require.NoError(t, err)
	groups, err := source.GroupPartitions(infos, f.def.PartitionColumns)
	require.NoError(t, err)
	return groups
}

func TestClassifyUnbuilt(t *testing.T) {
	f := newFixture(t, []string{"ds"})
	f.table.SetPartition("ds=2026-01-01", nil)

	statuses, err := f.tracker.Classify(context.Background(), f.def, f.groups(t))
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, catalog.StateUnbuilt, statuses[0].State)
	assert.Empty(t, statuses[0].ArtifactPath)
}

func TestClassifyReadyAndStale(t *testing.T) {
	f := newFixture(t, []string{"ds"})
	ctx := context.Background()
	f.table.SetPartition("ds=2026-01-01", nil)

	groups := f.groups(t)
	f.commitBuild(t, "ds=2026-01-01", groups[0].Version)

	statuses, err := f.tracker.Classify(ctx, f.def, groups)
	require.NoError(t, err)
	assert.Equal(t, catalog.StateReady, statuses[0].State)

	// Data moves; Classify reports stale without persisting, so an
	// outdated artifact is never treated as fresh between refreshes.
	f.table.AppendRows("ds=2026-01-01", model.Row{ID: 1, Vector: []float32{1, 2}})

	statuses, err = f.tracker.Classify(ctx, f.def, f.groups(t))
	require.NoError(t, err)
	assert.Equal(t, catalog.StateStale, statuses[0].State)
	assert.Equal(t, "artifact.vla", statuses[0].ArtifactPath)

	ps, err := f.cat.PartitionState(ctx, f.def.ID, "ds=2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateReady, ps.State, "Classify must not mutate the catalog")
}

func TestClassifySentinelAggregatesVersions(t *testing.T) {
	f := newFixture(t, nil) // unpartitioned index over a partitioned table
	ctx := context.Background()
	f.table.SetPartition("ds=2026-01-01", nil)
	f.table.SetPartition("ds=2026-01-02", nil)

	groups := f.groups(t)
	require.Len(t, groups, 1)
	require.Equal(t, model.Sentinel, groups[0].Key)
	require.Len(t, groups[0].Sources, 2)
	f.commitBuild(t, model.Sentinel, groups[0].Version)

	statuses, err := f.tracker.Classify(ctx, f.def, groups)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, catalog.StateReady, statuses[0].State)

	// A change in any covered base partition turns the sentinel stale.
	f.table.AppendRows("ds=2026-01-02", model.Row{ID: 1, Vector: []float32{1, 2}})
	statuses, err = f.tracker.Classify(ctx, f.def, f.groups(t))
	require.NoError(t, err)
	assert.Equal(t, catalog.StateStale, statuses[0].State)
}

func TestRefreshPersistsStale(t *testing.T) {
	f := newFixture(t, []string{"ds"})
	ctx := context.Background()
	f.table.SetPartition("ds=2026-01-01", nil)
	f.table.SetPartition("ds=2026-01-02", nil)

	for _, group := range f.groups(t) {
		f.commitBuild(t, group.Key, group.Version)
	}

	// Only the first partition's data moves.
	f.table.AppendRows("ds=2026-01-01", model.Row{ID: 9, Vector: []float32{0, 1}})

	statuses, err := f.tracker.Refresh(ctx, f.def)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, catalog.StateStale, statuses[0].State)
	assert.Equal(t, catalog.StateReady, statuses[1].State)

	ps, err := f.cat.PartitionState(ctx, f.def.ID, "ds=2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateStale, ps.State, "Refresh persists the transition")

	ps, err = f.cat.PartitionState(ctx, f.def.ID, "ds=2026-01-02")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateReady, ps.State)
}
