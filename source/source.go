// Package source defines the collaborator interfaces the index lifecycle
// and search subsystems consume: a table/partition metadata service and a
// row-storage reader. Reference implementations are provided for tests
// (MemoryTable) and for the CLI (DirTable).
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/veclake/veclake/model"
)

// ErrUnknownTable is returned for tables the source does not know.
var ErrUnknownTable = errors.New("unknown table")

// ErrUnknownPartition is returned for partitions the source does not know.
var ErrUnknownPartition = errors.New("unknown partition")

// TableSchema describes the parts of a table's schema the index layer
// needs: its partition key columns and its fixed-dimension vector columns.
type TableSchema struct {
	// PartitionColumns are the table's partition key columns, in order.
	// Empty for unpartitioned tables.
	PartitionColumns []string

	// VectorColumns maps column name to fixed dimension. Columns absent
	// from the map are not fixed-dimension vector columns.
	VectorColumns map[string]int
}

// PartitionInfo is one partition of a table together with its current data
// version. Versions increase monotonically with every mutation of the
// partition's data.
type PartitionInfo struct {
	Key     model.PartitionKey
	Version model.DataVersion
}

// Metadata is the table/partition metadata service.
type Metadata interface {
	// TableSchema returns the schema of the named table.
	TableSchema(ctx context.Context, table string) (TableSchema, error)

	// Partitions returns every partition of the table with its current
	// data version. Unpartitioned tables report the single sentinel
	// partition.
	Partitions(ctx context.Context, table string) ([]PartitionInfo, error)
}

// RowReader returns the candidate rows (id, vector) of one partition.
// Used by both the partition index builder and the exact fallback engine.
type RowReader interface {
	ReadPartition(ctx context.Context, table, idColumn, vectorColumn string, key model.PartitionKey) ([]model.Row, error)
}

// PartitionFilter restricts a search or rebuild to matching partitions.
// A nil filter matches every partition.
type PartitionFilter func(model.PartitionKey) bool

// EncodeKey builds the canonical partition key for the given column values:
// "col=value" pairs joined by "/".
func EncodeKey(columns, values []string) (model.PartitionKey, error) {
	if len(columns) != len(values) {
		return "", fmt.Errorf("partition key: %d columns but %d values", len(columns), len(values))
	}
	if len(columns) == 0 {
		return model.Sentinel, nil
	}
	parts := make([]string, len(columns))
	for i := range columns {
		parts[i] = columns[i] + "=" + values[i]
	}
	return model.PartitionKey(strings.Join(parts, "/")), nil
}

// KeyValue extracts the value of one column from a canonical partition key.
func KeyValue(key model.PartitionKey, column string) (string, bool) {
	for _, part := range strings.Split(string(key), "/") {
		if v, ok := strings.CutPrefix(part, column+"="); ok {
			return v, true
		}
	}
	return "", false
}

// ColumnEquals matches partitions whose column equals value.
func ColumnEquals(column, value string) PartitionFilter {
	return func(key model.PartitionKey) bool {
		v, ok := KeyValue(key, column)
		return ok && v == value
	}
}

// ColumnBetween matches partitions whose column value is within [lo, hi]
// by lexicographic comparison (dates in ISO form compare correctly).
func ColumnBetween(column, lo, hi string) PartitionFilter {
	return func(key model.PartitionKey) bool {
		v, ok := KeyValue(key, column)
		return ok && v >= lo && v <= hi
	}
}

// FilterPartitions returns the partitions matching the filter, sorted by
// key for deterministic plan and dispatch order.
func FilterPartitions(infos []PartitionInfo, filter PartitionFilter) []PartitionInfo {
	out := make([]PartitionInfo, 0, len(infos))
	for _, info := range infos {
		if filter == nil || filter(info.Key) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// IndexPartition is one unit of index granularity: an index partition key
// together with the base-table partitions it covers. For an index
// partitioned exactly like its table every group has a single source; an
// unpartitioned index yields one sentinel group covering every base
// partition.
type IndexPartition struct {
	Key model.PartitionKey

	// Version aggregates the source versions (their sum). It moves
	// whenever any covered base partition's data moves, so the freshness
	// comparison works unchanged at index-partition granularity.
	Version model.DataVersion

	// Sources are the base-table partitions the group covers, sorted.
	Sources []model.PartitionKey
}

// MatchingSources returns the group's base partitions matching the filter.
func (p IndexPartition) MatchingSources(filter PartitionFilter) []model.PartitionKey {
	if filter == nil {
		return p.Sources
	}
	out := make([]model.PartitionKey, 0, len(p.Sources))
	for _, key := range p.Sources {
		if filter(key) {
			out = append(out, key)
		}
	}
	return out
}

// GroupPartitions maps base-table partitions onto index partitions by
// projecting each base key onto the index's partition columns. Empty
// columns collapse everything into the single sentinel group; a strict
// subset of the table's partition columns groups several base partitions
// under one index partition. No base partitions yield no groups.
func GroupPartitions(infos []PartitionInfo, columns []string) ([]IndexPartition, error) {
	byKey := make(map[model.PartitionKey]*IndexPartition)
	for _, info := range infos {
		values := make([]string, len(columns))
		for i, col := range columns {
			v, ok := KeyValue(info.Key, col)
			if !ok {
				return nil, fmt.Errorf("partition %q has no value for index partition column %q", info.Key, col)
			}
			values[i] = v
		}
		key, err := EncodeKey(columns, values)
		if err != nil {
			return nil, err
		}
		group, ok := byKey[key]
		if !ok {
			group = &IndexPartition{Key: key}
			byKey[key] = group
		}
		group.Version += info.Version
		group.Sources = append(group.Sources, info.Key)
	}

	out := make([]IndexPartition, 0, len(byKey))
	for _, group := range byKey {
		sort.Slice(group.Sources, func(i, j int) bool { return group.Sources[i] < group.Sources[j] })
		out = append(out, *group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
