// Package rewrite compiles a vector-search request into a physical search
// plan: one fragment per resolved base-table partition, each routed either
// to the partition's index artifact or to an exact scan. The routing
// decision is a pure function of (partition classification, session
// policy), so a single query may probe indexes for some partitions and
// scan others, as happens during incremental backfill. The plan is fixed at
// compile time; catalog changes during execution are an accepted
// approximation.
package rewrite

import (
	"context"
	"errors"
	"fmt"

	"github.com/veclake/veclake/catalog"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/source"
	"github.com/veclake/veclake/staleness"
)

// ErrInvalidK is returned when the request's k is not positive.
var ErrInvalidK = errors.New("k must be positive")

// MetricMismatchError rejects a search whose metric disagrees with the
// selected index's defined metric. Failing fast beats returning scores in
// the wrong space.
type MetricMismatchError struct {
	Index     string
	Defined   distance.Metric
	Requested distance.Metric
}

func (e *MetricMismatchError) Error() string {
	return fmt.Sprintf("index %s is defined with metric %s, search requested %s",
		e.Index, e.Defined, e.Requested)
}

// SearchRequest is one compiled vector search. The aggregate and
// table-function query surfaces both compile to this shape, with one entry
// in Queries per query row.
//
// Candidate IDs are assumed unique within the candidate relation; that is
// the caller's contract, and duplicate IDs yield undefined ranking among
// the duplicates.
type SearchRequest struct {
	Table        string
	IDColumn     string
	VectorColumn string
	Queries      [][]float32
	Metric       distance.Metric
	K            int

	// Predicate restricts the candidate partitions. Nil means the whole
	// table.
	Predicate source.PartitionFilter
}

// IndexHint names an index and its runtime probe options, set per session.
// It never alters the catalog.
type IndexHint struct {
	Index          string
	RuntimeOptions map[string]string
}

// SessionPolicy is the per-session knobs the rewriter honors.
type SessionPolicy struct {
	// ForceExact demands exact results; every partition is scanned.
	ForceExact bool

	// AllowStale permits probing a stale artifact; the use is always
	// surfaced as a warning on the result.
	AllowStale bool

	// Hint optionally selects the index and runtime options.
	Hint *IndexHint
}

// DefaultPolicy allows stale reads (with the warning surfaced) and no
// hint. Callers wanting stricter semantics opt in via ForceExact or
// AllowStale=false.
var DefaultPolicy = SessionPolicy{AllowStale: true}

// Mode is the routing decision for one partition.
type Mode int

const (
	// ExactScan routes the partition to the exact fallback engine.
	ExactScan Mode = iota
	// UseIndex routes the partition to its index artifact.
	UseIndex
)

func (m Mode) String() string {
	if m == UseIndex {
		return "use-index"
	}
	return "exact-scan"
}

// Fragment is the per-partition slice of a physical search plan.
// Read-only after planning.
type Fragment struct {
	// Partition is the index partition key (the sentinel key for an
	// unpartitioned index).
	Partition model.PartitionKey
	Mode      Mode

	// Sources are the base-table partitions an exact scan reads. Empty
	// means the partition key itself is the base partition.
	Sources []model.PartitionKey

	// Index probe parameters; meaningful only for UseIndex.
	ArtifactPath   string
	IndexType      string
	RuntimeOptions map[string]string

	// Stale marks a fragment probing an outdated artifact under an
	// AllowStale policy. Surfaced to the caller, never hidden.
	Stale bool
}

// Plan is a physical search plan.
type Plan struct {
	Request SearchRequest

	// Index is the definition backing UseIndex fragments; nil when every
	// fragment is an exact scan.
	Index *catalog.Definition

	Fragments []Fragment
}

// Decide is the per-partition routing policy, pure in (state, policy):
//
//  1. exactness demanded            -> exact-scan (handled by the planner
//     before classification; Decide itself assumes an index exists)
//  2. ready                         -> use-index
//  3. stale, policy allows stale    -> use-index, stale annotation
//  4. anything else                 -> exact-scan
func Decide(state catalog.State, policy SessionPolicy) (Mode, bool) {
	if policy.ForceExact {
		return ExactScan, false
	}
	switch state {
	case catalog.StateReady:
		return UseIndex, false
	case catalog.StateStale:
		if policy.AllowStale {
			return UseIndex, true
		}
		return ExactScan, false
	default: // unbuilt, building, failed
		return ExactScan, false
	}
}

// Rewriter plans searches against catalog state.
type Rewriter struct {
	catalog *catalog.Catalog
	tracker *staleness.Tracker
	meta    source.Metadata
}

// NewRewriter creates a Rewriter.
func NewRewriter(cat *catalog.Catalog, tracker *staleness.Tracker, meta source.Metadata) *Rewriter {
	return &Rewriter{catalog: cat, tracker: tracker, meta: meta}
}

// Plan compiles a request into a physical plan under the given policy.
func (r *Rewriter) Plan(ctx context.Context, req SearchRequest, policy SessionPolicy) (*Plan, error) {
	if req.K <= 0 {
		return nil, ErrInvalidK
	}
	schema, err := r.meta.TableSchema(ctx, req.Table)
	if err != nil {
		return nil, err
	}
	dim, ok := schema.VectorColumns[req.VectorColumn]
	if !ok {
		return nil, fmt.Errorf("column %q is not a vector column of table %q", req.VectorColumn, req.Table)
	}
	for _, q := range req.Queries {
		if err := distance.ValidateDimension(q, dim); err != nil {
			return nil, err
		}
	}

	infos, err := r.meta.Partitions(ctx, req.Table)
	if err != nil {
		return nil, err
	}
	resolved := source.FilterPartitions(infos, req.Predicate)

	def, err := r.resolveIndex(ctx, req, policy)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Request: req, Index: def}

	// No usable index for the table/column pair, or exactness demanded:
	// every partition scans.
	if def == nil || policy.ForceExact {
		for _, info := range resolved {
			plan.Fragments = append(plan.Fragments, Fragment{Partition: info.Key, Mode: ExactScan})
		}
		return plan, nil
	}

	if def.Metric != req.Metric {
		return nil, &MetricMismatchError{Index: def.Name, Defined: def.Metric, Requested: req.Metric}
	}

	// Group the base partitions into index partitions. Grouping sees the
	// whole table so that aggregate versions match what builds recorded;
	// the predicate then selects which groups the plan touches.
	groups, err := source.GroupPartitions(infos, def.PartitionColumns)
	if err != nil {
		return nil, err
	}
	touched := make([]source.IndexPartition, 0, len(groups))
	for _, group := range groups {
		if len(group.MatchingSources(req.Predicate)) > 0 {
			touched = append(touched, group)
		}
	}

	statuses, err := r.tracker.Classify(ctx, def, touched)
	if err != nil {
		return nil, err
	}

	var runtimeOptions map[string]string
	if policy.Hint != nil {
		runtimeOptions = policy.Hint.RuntimeOptions
	}

	for i, status := range statuses {
		group := touched[i]
		matching := group.MatchingSources(req.Predicate)

		// An artifact covers the whole index partition. Probing it when
		// the predicate excludes some covered base partitions would
		// return out-of-predicate candidates, so a partially covered
		// group scans its matching base partitions instead.
		if len(matching) < len(group.Sources) {
			plan.Fragments = append(plan.Fragments, Fragment{
				Partition: group.Key, Mode: ExactScan, Sources: matching,
			})
			continue
		}

		mode, stale := Decide(status.State, policy)
		frag := Fragment{Partition: group.Key, Mode: mode, Sources: group.Sources, Stale: stale}
		if mode == UseIndex {
			frag.ArtifactPath = status.ArtifactPath
			frag.IndexType = def.IndexType
			frag.RuntimeOptions = runtimeOptions
		}
		plan.Fragments = append(plan.Fragments, frag)
	}
	return plan, nil
}

// resolveIndex finds the index the plan may probe: the hinted index when a
// hint is present, otherwise the index registered for the table/column
// pair. No registered index is not an error; the plan degrades to exact
// scans.
func (r *Rewriter) resolveIndex(ctx context.Context, req SearchRequest, policy SessionPolicy) (*catalog.Definition, error) {
	if policy.Hint != nil {
		def, err := r.catalog.Lookup(ctx, req.Table, policy.Hint.Index)
		if err != nil {
			return nil, err
		}
		if def.VectorColumn != req.VectorColumn {
			return nil, fmt.Errorf("hinted index %s indexes column %q, search targets %q",
				def.Name, def.VectorColumn, req.VectorColumn)
		}
		return def, nil
	}
	def, err := r.catalog.LookupByColumn(ctx, req.Table, req.VectorColumn)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}
