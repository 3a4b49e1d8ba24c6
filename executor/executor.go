// Package executor runs physical search plans: it scatters one task per
// plan fragment across a fixed worker pool, probes index artifacts or
// falls back to exact scans as the fragment dictates, and gathers the
// per-partition partial results into a global top-k per query row. The
// merge is the same bounded selection the partitions use, so the result is
// independent of dispatch order.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veclake/veclake/blobstore"
	"github.com/veclake/veclake/exact"
	"github.com/veclake/veclake/index"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/rewrite"
	"github.com/veclake/veclake/source"
	"github.com/veclake/veclake/topk"
)

// Result is the outcome of executing a plan.
type Result struct {
	// Groups holds, per query row, the top-k candidates sorted best-first
	// with ties broken by ascending candidate ID.
	Groups [][]model.Candidate

	// Warnings surfaces degraded-freshness conditions, one entry per
	// fragment that probed a stale artifact. Plan order, deterministic.
	Warnings []string
}

// Options configures an Executor.
type Options struct {
	// Workers sizes the fragment worker pool. Non-positive defaults to
	// GOMAXPROCS.
	Workers int
}

// Executor executes search plans against an artifact store and a row
// source. Safe for concurrent use; one Executor serves many queries.
type Executor struct {
	store  blobstore.Store
	rows   source.RowReader
	pool   *WorkerPool
	logger *slog.Logger

	// Decoded artifacts are immutable, so caching by blob name is safe.
	// A rebuild publishes a new name and naturally misses the cache.
	cacheMu sync.RWMutex
	cache   map[string]index.Artifact
}

// New creates an Executor with its own worker pool. Close releases it.
func New(store blobstore.Store, rows source.RowReader, logger *slog.Logger, opts Options) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  store,
		rows:   rows,
		pool:   NewWorkerPool(opts.Workers),
		logger: logger,
		cache:  make(map[string]index.Artifact),
	}
}

// Close shuts down the worker pool.
func (e *Executor) Close() {
	e.pool.Close()
}

// fragmentResult carries one fragment's partial top-k lists back to the
// gather loop, one list per query row.
type fragmentResult struct {
	idx      int
	partials [][]model.Candidate
	err      error
}

// Execute runs the plan and merges the per-fragment partials into the
// global top-k per query row. Any fragment failure fails the whole query;
// a partial answer silently missing a partition would be wrong, not
// approximate.
func (e *Executor) Execute(ctx context.Context, plan *rewrite.Plan) (*Result, error) {
	req := plan.Request
	if len(plan.Fragments) == 0 || len(req.Queries) == 0 {
		return &Result{Groups: make([][]model.Candidate, len(req.Queries))}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultsCh := make(chan fragmentResult, len(plan.Fragments))
	for i := range plan.Fragments {
		idx := i
		frag := plan.Fragments[i]
		err := e.pool.Submit(ctx, func() {
			partials, err := e.runFragment(ctx, req, frag)
			select {
			case resultsCh <- fragmentResult{idx: idx, partials: partials, err: err}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			return nil, fmt.Errorf("executor: submit fragment %q: %w", frag.Partition, err)
		}
	}

	// Gather. First failure cancels the remaining fragments.
	byFragment := make([][][]model.Candidate, len(plan.Fragments))
	for range plan.Fragments {
		select {
		case res := <-resultsCh:
			if res.err != nil {
				cancel()
				frag := plan.Fragments[res.idx]
				return nil, fmt.Errorf("executor: partition %q (%s): %w", frag.Partition, frag.Mode, res.err)
			}
			byFragment[res.idx] = res.partials
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := &Result{Groups: make([][]model.Candidate, len(req.Queries))}
	partials := make([][]model.Candidate, len(plan.Fragments))
	for q := range req.Queries {
		for f := range byFragment {
			partials[f] = byFragment[f][q]
		}
		out.Groups[q] = topk.Merge(req.Metric, req.K, partials...)
	}
	for _, frag := range plan.Fragments {
		if frag.Mode == rewrite.UseIndex && frag.Stale {
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("stale index artifact used for partition %q", frag.Partition))
		}
	}
	return out, nil
}

// runFragment produces the fragment's partial top-k list for every query
// row.
func (e *Executor) runFragment(ctx context.Context, req rewrite.SearchRequest, frag rewrite.Fragment) ([][]model.Candidate, error) {
	if frag.Mode == rewrite.UseIndex {
		return e.probeFragment(ctx, req, frag)
	}
	return e.scanFragment(ctx, req, frag)
}

func (e *Executor) probeFragment(ctx context.Context, req rewrite.SearchRequest, frag rewrite.Fragment) ([][]model.Candidate, error) {
	artifact, err := e.artifact(ctx, frag)
	if err != nil {
		return nil, err
	}
	partials := make([][]model.Candidate, len(req.Queries))
	for i, query := range req.Queries {
		cands, err := artifact.Probe(ctx, query, req.K, frag.RuntimeOptions)
		if err != nil {
			return nil, err
		}
		partials[i] = cands
	}
	return partials, nil
}

func (e *Executor) scanFragment(ctx context.Context, req rewrite.SearchRequest, frag rewrite.Fragment) ([][]model.Candidate, error) {
	sources := frag.Sources
	if len(sources) == 0 {
		sources = []model.PartitionKey{frag.Partition}
	}
	var rows []model.Row
	for _, key := range sources {
		part, err := e.rows.ReadPartition(ctx, req.Table, req.IDColumn, req.VectorColumn, key)
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	partials := make([][]model.Candidate, len(req.Queries))
	for i, query := range req.Queries {
		cands, err := exact.TopK(ctx, rows, query, req.Metric, req.K)
		if err != nil {
			return nil, err
		}
		partials[i] = cands
	}
	return partials, nil
}

// artifact returns the decoded artifact for a fragment, fetching and
// decoding on cache miss.
func (e *Executor) artifact(ctx context.Context, frag rewrite.Fragment) (index.Artifact, error) {
	e.cacheMu.RLock()
	a, ok := e.cache[frag.ArtifactPath]
	e.cacheMu.RUnlock()
	if ok {
		return a, nil
	}

	data, err := e.store.Get(ctx, frag.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", frag.ArtifactPath, err)
	}
	a, typeName, err := index.DecodeArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", frag.ArtifactPath, err)
	}
	if frag.IndexType != "" && typeName != frag.IndexType {
		return nil, fmt.Errorf("artifact %s holds index type %q, catalog says %q",
			frag.ArtifactPath, typeName, frag.IndexType)
	}

	e.cacheMu.Lock()
	e.cache[frag.ArtifactPath] = a
	e.cacheMu.Unlock()
	e.logger.Debug("artifact loaded",
		"artifact", frag.ArtifactPath, "type", typeName, "bytes", len(data))
	return a, nil
}
