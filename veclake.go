// Package veclake manages approximate-nearest-neighbor vector indexes over
// a partitioned analytical table store and executes distributed top-k
// vector searches against them.
//
// An index is defined once per (table, vector column) and built one
// partition at a time: each partition's rows are snapshotted, an index
// artifact is constructed and uploaded to a blob store, and a durable
// catalog records the artifact together with the partition's data version.
// When a partition's data moves past the indexed version the catalog entry
// turns stale. At query time the rewriter routes every partition either to
// its artifact or to an exact brute-force scan, and the executor merges the
// per-partition partial results into one deterministic global top-k.
//
// # Quick start
//
//	ctx := context.Background()
//	table := source.NewMemoryTable("events", source.TableSchema{
//	    PartitionColumns: []string{"ds"},
//	    VectorColumns:    map[string]int{"embedding": 128},
//	})
//
//	mgr, err := veclake.Open(ctx, table, table,
//	    veclake.WithCatalogPath("catalog.db"),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer mgr.Close()
//
//	def, err := mgr.CreateIndex(ctx, veclake.CreateIndex{
//	    Name:         "events_embedding_idx",
//	    Table:        "events",
//	    IDColumn:     "id",
//	    VectorColumn: "embedding",
//	    Metric:       distance.MetricCosine,
//	    IndexType:    "ivfflat",
//	    Options:      map[string]string{"nlist": "64"},
//	    Update:       true, // build all partitions now
//	})
//
//	res, err := mgr.Search(ctx, veclake.SearchRequest{
//	    Table:        "events",
//	    IDColumn:     "id",
//	    VectorColumn: "embedding",
//	    Queries:      [][]float32{query},
//	    Metric:       distance.MetricCosine,
//	    K:            10,
//	}, veclake.DefaultPolicy)
//
// Partitions without a usable artifact fall back to exact scans inside the
// same query, so results are always complete while indexes backfill.
package veclake

import (
	"context"
	"fmt"

	"github.com/veclake/veclake/builder"
	"github.com/veclake/veclake/catalog"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/executor"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/rewrite"
	"github.com/veclake/veclake/source"
	"github.com/veclake/veclake/staleness"

	// Built-in index types register themselves.
	_ "github.com/veclake/veclake/index/flat"
	_ "github.com/veclake/veclake/index/ivfflat"
)

// Re-exported request/policy types so that callers of the façade rarely
// need to import the subsystem packages.
type (
	// SearchRequest is one compiled vector search (one or more query rows).
	SearchRequest = rewrite.SearchRequest
	// SessionPolicy carries per-session exactness, staleness and hint knobs.
	SessionPolicy = rewrite.SessionPolicy
	// IndexHint selects an index and its runtime options for one session.
	IndexHint = rewrite.IndexHint
	// SearchResult is the merged top-k per query row plus warnings.
	SearchResult = executor.Result
	// Definition is an immutable vector index definition.
	Definition = catalog.Definition
	// IndexStatus is the effective per-partition classification of an index.
	IndexStatus = staleness.Status
)

// DefaultPolicy allows stale artifact reads with the warning surfaced.
var DefaultPolicy = rewrite.DefaultPolicy

// CreateIndex is the argument block of Manager.CreateIndex.
type CreateIndex struct {
	Name         string
	Table        string
	IDColumn     string
	VectorColumn string
	Metric       distance.Metric
	IndexType    string
	Options      map[string]string

	// PartitionColumns must be a subset of the table's partition columns.
	// Empty means the index treats the table as a single sentinel partition.
	PartitionColumns []string

	// Dimension declares the embedding dimension. Zero takes the schema's
	// declared dimension for the vector column.
	Dimension int

	// Update triggers builds for every index partition resolved from the
	// base table immediately after the definition is recorded.
	Update bool

	// UpdatingFor restricts the immediate builds to index partitions
	// covering a matching base partition. Setting it implies Update.
	UpdatingFor source.PartitionFilter
}

// Manager wires the catalog, builder, staleness tracker, rewriter and
// executor into one façade. Safe for concurrent use.
type Manager struct {
	catalog  *catalog.Catalog
	meta     source.Metadata
	rows     source.RowReader
	tracker  *staleness.Tracker
	builder  *builder.Builder
	rewriter *rewrite.Rewriter
	executor *executor.Executor
	logger   *Logger
}

// Open creates a Manager over a metadata service and a row reader.
func Open(ctx context.Context, meta source.Metadata, rows source.RowReader, optFns ...Option) (*Manager, error) {
	o := applyOptions(optFns)

	cat, err := catalog.Open(ctx, o.catalogPath)
	if err != nil {
		return nil, fmt.Errorf("veclake: open catalog: %w", err)
	}

	tracker := staleness.NewTracker(cat, meta, o.logger.Logger)
	return &Manager{
		catalog:  cat,
		meta:     meta,
		rows:     rows,
		tracker:  tracker,
		builder:  builder.New(cat, meta, rows, o.store, o.logger.Logger, o.builderOpts),
		rewriter: rewrite.NewRewriter(cat, tracker, meta),
		executor: executor.New(o.store, rows, o.logger.Logger, executor.Options{Workers: o.workers}),
		logger:   o.logger,
	}, nil
}

// Close releases the catalog connection and the search worker pool.
func (m *Manager) Close() error {
	m.executor.Close()
	return m.catalog.Close()
}

// CreateIndex records a new index definition and, when requested, builds
// its partitions before returning. Returns ErrAlreadyExists when the
// (table, name) pair is taken.
func (m *Manager) CreateIndex(ctx context.Context, cr CreateIndex) (*Definition, error) {
	schema, err := m.meta.TableSchema(ctx, cr.Table)
	if err != nil {
		return nil, translateError(err)
	}

	def := catalog.Definition{
		Name:             cr.Name,
		Table:            cr.Table,
		IDColumn:         cr.IDColumn,
		VectorColumn:     cr.VectorColumn,
		Metric:           cr.Metric,
		IndexType:        cr.IndexType,
		Options:          cr.Options,
		PartitionColumns: cr.PartitionColumns,
		Dimension:        cr.Dimension,
	}
	id, err := m.catalog.Define(ctx, def, schema)
	if err != nil {
		return nil, translateError(err)
	}
	stored, err := m.catalog.LookupByID(ctx, id)
	if err != nil {
		return nil, translateError(err)
	}
	m.logger.InfoContext(ctx, "vector index defined",
		"table", stored.Table, "index", stored.Name,
		"type", stored.IndexType, "metric", stored.Metric.String())

	if cr.Update || cr.UpdatingFor != nil {
		filter := cr.UpdatingFor
		if filter == nil {
			// A bare Update resolves its targets from the base table; a
			// nil filter would resolve from the (still empty) catalog.
			filter = func(model.PartitionKey) bool { return true }
		}
		if err := m.buildAll(ctx, stored, filter, false); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// UpdateIndex rebuilds the index partitions covering a base partition that
// matches the filter. With a nil filter it rebuilds the partitions
// currently known in the catalog for the index; partitions never built
// stay unbuilt. A ready partition is rebuilt too; this is the explicit
// refresh verb. Returns ErrBuildConflict when a matching partition is
// already building.
func (m *Manager) UpdateIndex(ctx context.Context, table, name string, filter source.PartitionFilter) error {
	def, err := m.catalog.Lookup(ctx, table, name)
	if err != nil {
		return translateError(err)
	}
	return m.buildAll(ctx, def, filter, true)
}

func (m *Manager) buildAll(ctx context.Context, def *Definition, filter source.PartitionFilter, force bool) error {
	targets, err := m.builder.BuildAll(ctx, def, filter, force)
	err = translateError(err)
	m.logger.LogBuild(ctx, def.Table, def.Name, targets, err)
	return err
}

// Search plans and executes a vector search. Partitions covered by a ready
// (or, policy permitting, stale) artifact are probed; the rest are scanned
// exactly. The result carries one candidate group per query row and a
// warning per stale artifact used.
func (m *Manager) Search(ctx context.Context, req SearchRequest, policy SessionPolicy) (*SearchResult, error) {
	plan, err := m.rewriter.Plan(ctx, req, policy)
	if err != nil {
		m.logger.LogSearch(ctx, req.Table, len(req.Queries), req.K, 0, err)
		return nil, translateError(err)
	}
	res, err := m.executor.Execute(ctx, plan)
	m.logger.LogSearch(ctx, req.Table, len(req.Queries), req.K, len(plan.Fragments), err)
	if err != nil {
		return nil, translateError(err)
	}
	return res, nil
}

// IndexStatus classifies every index partition without mutating the
// catalog.
func (m *Manager) IndexStatus(ctx context.Context, table, name string) ([]IndexStatus, error) {
	def, err := m.catalog.Lookup(ctx, table, name)
	if err != nil {
		return nil, translateError(err)
	}
	statuses, err := m.tracker.ClassifyTable(ctx, def)
	if err != nil {
		return nil, translateError(err)
	}
	return statuses, nil
}

// RefreshStaleness re-derives and persists staleness for every partition
// of the index, turning outdated ready entries stale.
func (m *Manager) RefreshStaleness(ctx context.Context, table, name string) ([]IndexStatus, error) {
	def, err := m.catalog.Lookup(ctx, table, name)
	if err != nil {
		return nil, translateError(err)
	}
	statuses, err := m.tracker.Refresh(ctx, def)
	if err != nil {
		return nil, translateError(err)
	}
	return statuses, nil
}

// LookupIndex returns the stored definition.
func (m *Manager) LookupIndex(ctx context.Context, table, name string) (*Definition, error) {
	def, err := m.catalog.Lookup(ctx, table, name)
	if err != nil {
		return nil, translateError(err)
	}
	return def, nil
}

// SweepExpiredLeases reverts crashed builds to a retryable failed state.
// Deployments run this periodically or at startup.
func (m *Manager) SweepExpiredLeases(ctx context.Context) (int, error) {
	n, err := m.builder.SweepExpiredLeases(ctx)
	return n, translateError(err)
}

// Catalog exposes the underlying catalog for advanced callers (status
// tooling, tests).
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }
