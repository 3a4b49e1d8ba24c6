package builder

import (
	"context"
	"errors"
	"time"

	"github.com/veclake/veclake/model"
)

// Coordinator is an optional cross-node build lock. The catalog CAS is
// always authoritative for the at-most-one-build invariant; a Coordinator
// adds coordination between nodes that do not share a catalog database
// (e.g. the DynamoDB-backed store in builder/ddblease).
type Coordinator interface {
	// Acquire takes the (index, partition) lock for the lease. Returns
	// ErrLockHeld when another live lease holds it.
	Acquire(ctx context.Context, indexID string, key model.PartitionKey, leaseID string, ttl time.Duration) error

	// Release drops the lock if still held by the lease.
	Release(ctx context.Context, indexID string, key model.PartitionKey, leaseID string) error
}

// ErrLockHeld is returned by Coordinator.Acquire when another node holds
// the build lock.
var ErrLockHeld = errors.New("build lock held by another node")
