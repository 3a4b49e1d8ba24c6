package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veclake/veclake/model"
)

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		values  []string
		want    model.PartitionKey
		wantErr bool
	}{
		{name: "single column", columns: []string{"ds"}, values: []string{"2026-01-01"}, want: "ds=2026-01-01"},
		{name: "two columns", columns: []string{"ds", "region"}, values: []string{"2026-01-01", "eu"}, want: "ds=2026-01-01/region=eu"},
		{name: "unpartitioned sentinel", columns: nil, values: nil, want: model.Sentinel},
		{name: "length mismatch", columns: []string{"ds"}, values: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeKey(tt.columns, tt.values)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyValue(t *testing.T) {
	key := model.PartitionKey("ds=2026-01-01/region=eu")

	v, ok := KeyValue(key, "ds")
	require.True(t, ok)
	assert.Equal(t, "2026-01-01", v)

	v, ok = KeyValue(key, "region")
	require.True(t, ok)
	assert.Equal(t, "eu", v)

	_, ok = KeyValue(key, "missing")
	assert.False(t, ok)
}

func TestFilters(t *testing.T) {
	infos := []PartitionInfo{
		{Key: "ds=2026-01-03", Version: 3},
		{Key: "ds=2026-01-01", Version: 1},
		{Key: "ds=2026-01-02", Version: 2},
		{Key: "ds=2026-01-04", Version: 4},
	}

	t.Run("nil filter returns all sorted", func(t *testing.T) {
		got := FilterPartitions(infos, nil)
		require.Len(t, got, 4)
		assert.Equal(t, model.PartitionKey("ds=2026-01-01"), got[0].Key)
		assert.Equal(t, model.PartitionKey("ds=2026-01-04"), got[3].Key)
	})

	t.Run("equals", func(t *testing.T) {
		got := FilterPartitions(infos, ColumnEquals("ds", "2026-01-02"))
		require.Len(t, got, 1)
		assert.Equal(t, model.PartitionKey("ds=2026-01-02"), got[0].Key)
	})

	t.Run("between is inclusive", func(t *testing.T) {
		got := FilterPartitions(infos, ColumnBetween("ds", "2026-01-02", "2026-01-04"))
		require.Len(t, got, 3)
		assert.Equal(t, model.PartitionKey("ds=2026-01-02"), got[0].Key)
		assert.Equal(t, model.PartitionKey("ds=2026-01-04"), got[2].Key)
	})

	t.Run("no match", func(t *testing.T) {
		got := FilterPartitions(infos, ColumnEquals("ds", "2025-12-31"))
		assert.Empty(t, got)
	})
}

func TestMemoryTableVersions(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable("events", TableSchema{
		PartitionColumns: []string{"ds"},
		VectorColumns:    map[string]int{"embedding": 4},
	})

	tbl.SetPartition("ds=2026-01-01", []model.Row{{ID: 1, Vector: []float32{1, 0, 0, 0}}})
	infos, err := tbl.Partitions(ctx, "events")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	v1 := infos[0].Version

	// A mutation bumps the version monotonically.
	tbl.AppendRows("ds=2026-01-01", model.Row{ID: 2, Vector: []float32{0, 1, 0, 0}})
	infos, err = tbl.Partitions(ctx, "events")
	require.NoError(t, err)
	assert.Greater(t, uint64(infos[0].Version), uint64(v1))

	rows, err := tbl.ReadPartition(ctx, "events", "id", "embedding", "ds=2026-01-01")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMemoryTableUnknown(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable("events", TableSchema{VectorColumns: map[string]int{"v": 2}})

	_, err := tbl.TableSchema(ctx, "other")
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = tbl.ReadPartition(ctx, "events", "id", "v", "ds=nope")
	assert.ErrorIs(t, err, ErrUnknownPartition)
}
