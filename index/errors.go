package index

import (
	"fmt"
	"strings"

	"github.com/veclake/veclake/model"
)

// RowMismatch identifies one row whose embedding has the wrong dimension.
type RowMismatch struct {
	ID     int64
	Actual int
}

// DimensionMismatchError reports every offending row found while
// validating a partition snapshot. Rows are reported, never silently
// dropped: a single bad row fails the whole partition build.
type DimensionMismatchError struct {
	Expected int
	Rows     []RowMismatch
}

func (e *DimensionMismatchError) Error() string {
	const maxListed = 5
	listed := e.Rows
	suffix := ""
	if len(listed) > maxListed {
		suffix = fmt.Sprintf(" and %d more", len(listed)-maxListed)
		listed = listed[:maxListed]
	}
	parts := make([]string, len(listed))
	for i, r := range listed {
		parts[i] = fmt.Sprintf("row %d has %d", r.ID, r.Actual)
	}
	return fmt.Sprintf("dimension mismatch: expected %d, %s%s",
		e.Expected, strings.Join(parts, ", "), suffix)
}

// ValidateRows checks every row's embedding against the declared dimension
// and returns a DimensionMismatchError listing all offenders.
func ValidateRows(rows []model.Row, dim int) error {
	var bad []RowMismatch
	for _, r := range rows {
		if len(r.Vector) != dim {
			bad = append(bad, RowMismatch{ID: r.ID, Actual: len(r.Vector)})
		}
	}
	if len(bad) > 0 {
		return &DimensionMismatchError{Expected: dim, Rows: bad}
	}
	return nil
}
