// Package staleness compares the data version of index partitions against
// the version recorded at last successful build, classifying each as
// fresh, stale, missing or building. The distinction between stale
// (indexed once, now outdated, artifact still usable) and unbuilt (never
// indexed, no artifact) drives the query rewriter's per-partition fallback
// choice.
package staleness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veclake/veclake/catalog"
	"github.com/veclake/veclake/model"
	"github.com/veclake/veclake/source"
)

// Status is the effective classification of one index partition, combining
// catalog state with the current data version of the base partitions it
// covers.
type Status struct {
	Key            model.PartitionKey
	State          catalog.State
	ArtifactPath   string
	IndexedVersion model.DataVersion // version recorded at last successful build
	CurrentVersion model.DataVersion // aggregate version of the covered base partitions

	// Sources are the base-table partitions the index partition covers.
	Sources []model.PartitionKey
}

// Tracker classifies and, on Refresh, persists staleness transitions.
type Tracker struct {
	catalog *catalog.Catalog
	meta    source.Metadata
	logger  *slog.Logger
}

// NewTracker creates a staleness tracker.
func NewTracker(cat *catalog.Catalog, meta source.Metadata, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{catalog: cat, meta: meta, logger: logger}
}

// Classify returns the effective status of each given index partition
// without mutating the catalog. Partitions the catalog has never seen are
// unbuilt; a ready partition whose current data version differs from the
// indexed version is reported stale even before a Refresh has persisted
// the transition, so queries never treat an outdated artifact as fresh.
func (t *Tracker) Classify(ctx context.Context, def *catalog.Definition, groups []source.IndexPartition) ([]Status, error) {
	states, err := t.catalog.PartitionStates(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[model.PartitionKey]catalog.PartitionState, len(states))
	for _, ps := range states {
		byKey[ps.Key] = ps
	}

	out := make([]Status, 0, len(groups))
	for _, group := range groups {
		status := Status{
			Key:            group.Key,
			State:          catalog.StateUnbuilt,
			CurrentVersion: group.Version,
			Sources:        group.Sources,
		}
		if ps, ok := byKey[group.Key]; ok {
			status.State = ps.State
			status.ArtifactPath = ps.ArtifactPath
			status.IndexedVersion = ps.DataVersion
			if ps.State == catalog.StateReady && ps.DataVersion != group.Version {
				status.State = catalog.StateStale
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// ClassifyTable groups the base table's partitions by the definition's
// partition columns and classifies the resulting index partitions.
func (t *Tracker) ClassifyTable(ctx context.Context, def *catalog.Definition) ([]Status, error) {
	partitions, err := t.meta.Partitions(ctx, def.Table)
	if err != nil {
		return nil, fmt.Errorf("staleness: partitions of %s: %w", def.Table, err)
	}
	groups, err := source.GroupPartitions(partitions, def.PartitionColumns)
	if err != nil {
		return nil, fmt.Errorf("staleness: group partitions of %s: %w", def.Table, err)
	}
	return t.Classify(ctx, def, groups)
}

// Refresh classifies every index partition and persists ready -> stale
// transitions for partitions whose data version has moved. Returns the
// resulting statuses.
func (t *Tracker) Refresh(ctx context.Context, def *catalog.Definition) ([]Status, error) {
	statuses, err := t.ClassifyTable(ctx, def)
	if err != nil {
		return nil, err
	}
	for _, s := range statuses {
		if s.State == catalog.StateStale && s.IndexedVersion != s.CurrentVersion && s.ArtifactPath != "" {
			if err := t.catalog.MarkStale(ctx, def.ID, s.Key, s.CurrentVersion); err != nil {
				return nil, fmt.Errorf("staleness: mark %q stale: %w", s.Key, err)
			}
			t.logger.Info("partition index marked stale",
				"index", def.Name, "partition", string(s.Key),
				"indexed_version", uint64(s.IndexedVersion),
				"current_version", uint64(s.CurrentVersion))
		}
	}
	return statuses, nil
}
