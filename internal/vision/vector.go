package vision

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Vector is a fixed-length appearance descriptor produced by a ReID model.
// Operations never mutate the receiver.
type Vector []float32

// DefaultMinVariance is the variance floor below which a vector is treated as
// a degenerate (blank or saturated) crop.
const DefaultMinVariance = 1e-8

// Dim returns the vector dimension.
func (v Vector) Dim() int {
	return len(v)
}

// Valid reports whether every component is finite and the components vary
// by at least minVariance.
func (v Vector) Valid(minVariance float64) bool {
	if len(v) == 0 {
		return false
	}
	vals := make([]float64, len(v))
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		vals[i] = f
	}
	if len(vals) < 2 {
		return true
	}
	return stat.Variance(vals, nil) >= minVariance
}

// Normalize returns an L2-normalized copy. A zero vector is returned as a copy unchanged.
func (v Vector) Normalize() Vector {
	out := make(Vector, len(v))
	copy(out, v)

	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}

// Norm returns the L2 norm.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Vectors of different dimension, or zero vectors, have similarity 0.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Min(1.0, math.Max(-1.0, sim))
}

// Euclidean returns the L2 distance between a and b, or +Inf when the
// dimensions differ.
func Euclidean(a, b Vector) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Blend mixes next into v with the given weight and renormalizes the result.
func (v Vector) Blend(next Vector, weight float64) Vector {
	if len(v) != len(next) {
		return next.Normalize()
	}
	out := make(Vector, len(v))
	for i := range v {
		out[i] = float32((1-weight)*float64(v[i]) + weight*float64(next[i]))
	}
	return out.Normalize()
}

// Clone returns a copy of v, or nil for an empty vector.
func (v Vector) Clone() Vector {
	if len(v) == 0 {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}
