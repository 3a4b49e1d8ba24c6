// Package distance provides the pluggable distance metric registry used by
// index builds, probes and the exact fallback engine. Every metric carries
// a comparison direction so that callers never hard-code "smaller is
// better" assumptions.
package distance

import (
	"fmt"
	"math"
)

// Metric identifies a distance or similarity function.
type Metric int

const (
	// MetricL2 is squared Euclidean distance. Lower is better. Squaring
	// preserves ordering and avoids a sqrt per comparison.
	MetricL2 Metric = iota
	// MetricCosine is cosine similarity in [-1, 1]. Higher is better.
	MetricCosine
	// MetricInnerProduct is the raw dot product. Higher is better.
	MetricInnerProduct
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricCosine:
		return "cosine"
	case MetricInnerProduct:
		return "inner_product"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Parse returns the metric named by s (the catalog stores metrics by name).
func Parse(s string) (Metric, error) {
	switch s {
	case "l2", "euclidean":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	case "inner_product", "dot":
		return MetricInnerProduct, nil
	default:
		return 0, fmt.Errorf("unrecognized distance metric %q", s)
	}
}

// Direction is the preferred comparison direction of a metric.
type Direction int

const (
	// LowerIsBetter orders candidates by ascending score (distances).
	LowerIsBetter Direction = iota
	// HigherIsBetter orders candidates by descending score (similarities).
	HigherIsBetter
)

// Direction returns the preferred direction for the metric.
func (m Metric) Direction() Direction {
	if m == MetricL2 {
		return LowerIsBetter
	}
	return HigherIsBetter
}

// Better reports whether score a beats score b under the metric.
// Equal scores are not better; tie-breaking is the caller's concern.
func (m Metric) Better(a, b float32) bool {
	if m.Direction() == LowerIsBetter {
		return a < b
	}
	return a > b
}

// Worst returns the score that loses to every other score under the metric.
func (m Metric) Worst() float32 {
	if m.Direction() == LowerIsBetter {
		return float32(math.Inf(1))
	}
	return float32(math.Inf(-1))
}

// Func scores two vectors of equal length. Dimension validation is the
// caller's responsibility (see ValidateDimension).
type Func func(a, b []float32) float32

// Dot returns the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 returns the squared Euclidean distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineSimilarity returns the cosine of the angle between two vectors.
// Zero-norm inputs score 0 rather than dividing by zero.
func CosineSimilarity(a, b []float32) float32 {
	dot := Dot(a, b)
	na := Dot(a, a)
	nb := Dot(b, b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb))))
}

// Provider returns the scoring function for the metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return CosineSimilarity, nil
	case MetricInnerProduct:
		return Dot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// ValidateDimension checks a vector against the declared fixed dimension.
func ValidateDimension(v []float32, dim int) error {
	if len(v) != dim {
		return &ErrDimensionMismatch{Expected: dim, Actual: len(v)}
	}
	return nil
}

// ErrDimensionMismatch is a named error type for dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int // Expected dimensions
	Actual   int // Actual dimensions
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}
