// Package distance provides the distance metrics used for vector comparison.
//
// All functions operate on float32 vectors and return a distance where a
// smaller value means a closer match, regardless of the underlying metric.
// Callers are responsible for ensuring both vectors have the same length.
package distance

import (
	"fmt"
	"math"
	"slices"
)

// Metric represents the distance metric configured on a collection.
type Metric int

const (
	// MetricL2 is the squared Euclidean distance (default).
	MetricL2 Metric = iota
	// MetricCosine is the cosine distance: 1 - cosine similarity.
	MetricCosine
	// MetricDot is the inner-product distance: 1 - dot(a, b).
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "ip"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Parse returns the Metric named by s, as stored in the catalog.
func Parse(s string) (Metric, error) {
	switch s {
	case "l2", "":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	case "ip":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("unsupported distance metric: %q", s)
	}
}

// Func is a function type for distance calculation.
type Func func(a, b []float32) float32

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistance calculates 1 - cosine similarity of two vectors.
// Zero-norm inputs yield the maximum distance of 1.
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/float32(math.Sqrt(float64(na)*float64(nb)))
}

// DotDistance calculates the inner-product distance 1 - dot(a, b).
func DotDistance(a, b []float32) float32 {
	return 1 - Dot(a, b)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := float32(1 / math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return CosineDistance, nil
	case MetricDot:
		return DotDistance, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
