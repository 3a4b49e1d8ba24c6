package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veclake/veclake/model"
)

// State is the lifecycle state of one (index, partition) pair.
type State string

const (
	// StateUnbuilt means no build has ever succeeded and none is running.
	StateUnbuilt State = "unbuilt"
	// StateBuilding means a build holds the partition's lease.
	StateBuilding State = "building"
	// StateReady means a usable artifact is published.
	StateReady State = "ready"
	// StateStale means the artifact is usable but the partition's data
	// version has moved past the version recorded at build time.
	StateStale State = "stale"
	// StateFailed means the last build failed; the error is retained.
	StateFailed State = "failed"
)

// PartitionState is the build state of one (index, partition key) pair.
// For unpartitioned indexes a single entry under the sentinel key covers
// the whole table.
type PartitionState struct {
	IndexID      string
	Key          model.PartitionKey
	State        State
	DataVersion  model.DataVersion
	ArtifactPath string
	BuiltAt      time.Time
	LastError    string
	LeaseID      string
	LeaseExpires time.Time
}

// PartitionStates returns the states of the given partitions (all known
// partitions when keys is empty), ordered by key. The read is a single
// statement, so it reflects one point-in-time view even with builders in
// flight.
func (c *Catalog) PartitionStates(ctx context.Context, indexID string, keys ...model.PartitionKey) ([]PartitionState, error) {
	query := `SELECT index_id, partition_key, state, data_version, artifact_path,
		COALESCE(built_at, 0), last_error, lease_id, lease_expires
		FROM index_partitions WHERE index_id = ?`
	args := []any{indexID}
	if len(keys) > 0 {
		placeholders := strings.Repeat("?,", len(keys))
		query += ` AND partition_key IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, key := range keys {
			args = append(args, string(key))
		}
	}
	query += ` ORDER BY partition_key`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []PartitionState
	for rows.Next() {
		var (
			ps           PartitionState
			key          string
			state        string
			version      int64
			builtAt      int64
			leaseExpires int64
		)
		if err := rows.Scan(&ps.IndexID, &key, &state, &version, &ps.ArtifactPath,
			&builtAt, &ps.LastError, &ps.LeaseID, &leaseExpires); err != nil {
			return nil, err
		}
		ps.Key = model.PartitionKey(key)
		ps.State = State(state)
		ps.DataVersion = model.DataVersion(version)
		if builtAt != 0 {
			ps.BuiltAt = time.Unix(0, builtAt).UTC()
		}
		if leaseExpires != 0 {
			ps.LeaseExpires = time.Unix(0, leaseExpires).UTC()
		}
		states = append(states, ps)
	}
	return states, rows.Err()
}

// PartitionState returns the state of a single partition, or ErrNotFound
// if the partition has never been seen by the catalog.
func (c *Catalog) PartitionState(ctx context.Context, indexID string, key model.PartitionKey) (*PartitionState, error) {
	states, err := c.PartitionStates(ctx, indexID, key)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: partition %q of index %s", ErrNotFound, key, indexID)
	}
	return &states[0], nil
}

// TryBeginBuild transitions a partition to building and grants the lease,
// creating the partition entry on first contact. Without force the
// transition is permitted from unbuilt, stale and failed; force also
// permits it from ready (explicit rebuild). A partition already building
// yields ErrBuildConflict: exactly one of two racing triggers wins.
func (c *Catalog) TryBeginBuild(ctx context.Context, indexID string, key model.PartitionKey, leaseID string, leaseTTL time.Duration, force bool) error {
	now := time.Now()

	// First contact creates the row in unbuilt; the guarded UPDATE below
	// is the only way into building.
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO index_partitions (index_id, partition_key, state)
		VALUES (?, ?, ?)
		ON CONFLICT (index_id, partition_key) DO NOTHING`,
		indexID, string(key), string(StateUnbuilt)); err != nil {
		return fmt.Errorf("catalog: register partition %q: %w", key, err)
	}

	from := []any{string(StateUnbuilt), string(StateStale), string(StateFailed)}
	if force {
		from = append(from, string(StateReady))
	}
	placeholders := strings.Repeat("?,", len(from))

	args := []any{string(StateBuilding), leaseID, now.Add(leaseTTL).UnixNano(), indexID, string(key)}
	args = append(args, from...)
	res, err := c.db.ExecContext(ctx, `
		UPDATE index_partitions
		SET state = ?, lease_id = ?, lease_expires = ?, last_error = ''
		WHERE index_id = ? AND partition_key = ? AND state IN (`+placeholders[:len(placeholders)-1]+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("catalog: begin build for %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: partition %q of index %s", ErrBuildConflict, key, indexID)
	}
	return nil
}

// Heartbeat extends the build lease. It fails if the lease has been lost
// (expired and swept, or the partition moved on).
func (c *Catalog) Heartbeat(ctx context.Context, indexID string, key model.PartitionKey, leaseID string, leaseTTL time.Duration) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE index_partitions SET lease_expires = ?
		WHERE index_id = ? AND partition_key = ? AND state = ? AND lease_id = ?`,
		time.Now().Add(leaseTTL).UnixNano(), indexID, string(key), string(StateBuilding), leaseID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: lease lost for partition %q", ErrBuildConflict, key)
	}
	return nil
}

// RecordBuildSuccess is the single commit point of a build: it atomically
// publishes the artifact path and the data version observed at build time,
// transitioning building -> ready. A build whose lease was lost cannot
// commit.
func (c *Catalog) RecordBuildSuccess(ctx context.Context, indexID string, key model.PartitionKey, leaseID, artifactPath string, version model.DataVersion) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE index_partitions
		SET state = ?, data_version = ?, artifact_path = ?, built_at = ?,
		    last_error = '', lease_id = '', lease_expires = 0
		WHERE index_id = ? AND partition_key = ? AND state = ? AND lease_id = ?`,
		string(StateReady), uint64(version), artifactPath, time.Now().UnixNano(),
		indexID, string(key), string(StateBuilding), leaseID)
	if err != nil {
		return fmt.Errorf("catalog: commit build for %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: lease lost before commit for partition %q", ErrBuildConflict, key)
	}
	return nil
}

// RecordBuildFailure transitions building -> failed, retaining the error
// for inspection.
func (c *Catalog) RecordBuildFailure(ctx context.Context, indexID string, key model.PartitionKey, leaseID string, buildErr error) error {
	msg := ""
	if buildErr != nil {
		msg = buildErr.Error()
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE index_partitions
		SET state = ?, last_error = ?, lease_id = '', lease_expires = 0
		WHERE index_id = ? AND partition_key = ? AND state = ? AND lease_id = ?`,
		string(StateFailed), msg, indexID, string(key), string(StateBuilding), leaseID)
	if err != nil {
		return fmt.Errorf("catalog: record failure for %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: lease lost for partition %q", ErrBuildConflict, key)
	}
	return nil
}

// MarkStale transitions ready -> stale when the base partition's data
// version has moved past the version recorded at build time. Invoked by
// the staleness tracker; marking an already-stale partition is a no-op.
func (c *Catalog) MarkStale(ctx context.Context, indexID string, key model.PartitionKey, currentVersion model.DataVersion) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE index_partitions SET state = ?
		WHERE index_id = ? AND partition_key = ? AND state = ? AND data_version <> ?`,
		string(StateStale), indexID, string(key), string(StateReady), uint64(currentVersion))
	return err
}

// SweepExpiredLeases reverts partitions stuck in building with an expired
// lease to failed, making crashed builds retryable. Returns the number of
// partitions swept.
func (c *Catalog) SweepExpiredLeases(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE index_partitions
		SET state = ?, last_error = 'build lease expired', lease_id = '', lease_expires = 0
		WHERE state = ? AND lease_expires < ?`,
		string(StateFailed), string(StateBuilding), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("catalog: sweep expired leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
