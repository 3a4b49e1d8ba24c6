package veclake

import (
	"errors"
	"fmt"

	"github.com/veclake/veclake/blobstore"
	"github.com/veclake/veclake/catalog"
	"github.com/veclake/veclake/distance"
	"github.com/veclake/veclake/rewrite"
)

var (
	// ErrNotFound is returned when an index, table or artifact is not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an index name collides on its table.
	ErrAlreadyExists = errors.New("index already exists")

	// ErrBuildConflict is returned when another build holds the partition.
	ErrBuildConflict = errors.New("concurrent build in progress")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if errors.Is(err, catalog.ErrAlreadyExists) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	if errors.Is(err, catalog.ErrBuildConflict) {
		return fmt.Errorf("%w: %w", ErrBuildConflict, err)
	}

	// Argument normalization.
	var dm *distance.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	if errors.Is(err, rewrite.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	return err
}
