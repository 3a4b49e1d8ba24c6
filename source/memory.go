package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/veclake/veclake/model"
)

// MemoryTable is an in-memory Metadata + RowReader implementation for
// tests and examples. Mutations bump the affected partition's data version.
type MemoryTable struct {
	mu         sync.RWMutex
	name       string
	schema     TableSchema
	rows       map[model.PartitionKey][]model.Row
	versions   map[model.PartitionKey]model.DataVersion
	versionSeq model.DataVersion
}

// Compile-time checks.
var (
	_ Metadata  = (*MemoryTable)(nil)
	_ RowReader = (*MemoryTable)(nil)
)

// NewMemoryTable creates an empty in-memory table.
func NewMemoryTable(name string, schema TableSchema) *MemoryTable {
	return &MemoryTable{
		name:     name,
		schema:   schema,
		rows:     make(map[model.PartitionKey][]model.Row),
		versions: make(map[model.PartitionKey]model.DataVersion),
	}
}

// Name returns the table name.
func (t *MemoryTable) Name() string { return t.name }

// SetPartition replaces the rows of a partition and bumps its data version.
func (t *MemoryTable) SetPartition(key model.PartitionKey, rows []model.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := make([]model.Row, len(rows))
	copy(cp, rows)
	t.rows[key] = cp
	t.versionSeq++
	t.versions[key] = t.versionSeq
}

// AppendRows adds rows to a partition and bumps its data version.
func (t *MemoryTable) AppendRows(key model.PartitionKey, rows ...model.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows[key] = append(t.rows[key], rows...)
	t.versionSeq++
	t.versions[key] = t.versionSeq
}

// TableSchema implements Metadata.
func (t *MemoryTable) TableSchema(_ context.Context, table string) (TableSchema, error) {
	if table != t.name {
		return TableSchema{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return t.schema, nil
}

// Partitions implements Metadata.
func (t *MemoryTable) Partitions(_ context.Context, table string) ([]PartitionInfo, error) {
	if table != t.name {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]PartitionInfo, 0, len(t.versions))
	for key, version := range t.versions {
		infos = append(infos, PartitionInfo{Key: key, Version: version})
	}
	return FilterPartitions(infos, nil), nil
}

// ReadPartition implements RowReader.
func (t *MemoryTable) ReadPartition(_ context.Context, table, _, _ string, key model.PartitionKey) ([]model.Row, error) {
	if table != t.name {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows, ok := t.rows[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, key)
	}
	cp := make([]model.Row, len(rows))
	copy(cp, rows)
	return cp, nil
}
