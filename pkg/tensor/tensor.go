// Package tensor implements a dense, row-major, float64 N-dimensional array.
//
// The analysis engine fixes a canonical axis order of
// (chain, draw, geo, time, channel); every operation in this package is
// axis-explicit so that callers never rely on implicit broadcasting.
package tensor

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Dense is a dense row-major N-dimensional float64 array.
//
// The zero value is not usable; construct with New, Full or FromSlice.
// Dense values are treated as immutable by the analysis engine once built:
// operations return new tensors and never mutate their receivers.
type Dense struct {
	shape []int
	data  []float64
}

// New returns a zero-filled tensor with the given shape.
// Every dimension must be positive.
func New(shape ...int) *Dense {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: non-positive dimension %d in shape %v", d, shape))
		}
		n *= d
	}
	return &Dense{shape: append([]int(nil), shape...), data: make([]float64, n)}
}

// Full returns a tensor with the given shape, every element set to v.
func Full(v float64, shape ...int) *Dense {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice wraps data into a tensor with the given shape. The slice is
// used directly, not copied; len(data) must equal the shape's volume.
func FromSlice(data []float64, shape ...int) (*Dense, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("tensor: non-positive dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (volume %d)", len(data), shape, n)
	}
	return &Dense{shape: append([]int(nil), shape...), data: data}, nil
}

// MustFromSlice is FromSlice that panics on error. Intended for tests and
// literals with statically known shapes.
func MustFromSlice(data []float64, shape ...int) *Dense {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// ZerosLike returns a zero tensor with the same shape as t.
func ZerosLike(t *Dense) *Dense { return New(t.shape...) }

// OnesLike returns an all-ones tensor with the same shape as t.
func OnesLike(t *Dense) *Dense { return Full(1, t.shape...) }

// Shape returns a copy of the tensor's shape.
func (t *Dense) Shape() []int { return append([]int(nil), t.shape...) }

// Rank returns the number of axes.
func (t *Dense) Rank() int { return len(t.shape) }

// Dim returns the length of axis i. Negative i counts from the end,
// so Dim(-1) is the last axis.
func (t *Dense) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Size returns the total number of elements.
func (t *Dense) Size() int { return len(t.data) }

// Data returns the backing slice in row-major order. Callers must not
// mutate it unless they own the tensor.
func (t *Dense) Data() []float64 { return t.data }

// Clone returns a deep copy of t.
func (t *Dense) Clone() *Dense {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Dense{shape: append([]int(nil), t.shape...), data: data}
}

// offset converts a multi-index to a flat offset. The index length must
// equal the rank.
func (t *Dense) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match tensor rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// At returns the element at the given multi-index.
func (t *Dense) At(idx ...int) float64 { return t.data[t.offset(idx)] }

// Set assigns the element at the given multi-index.
func (t *Dense) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

// SameShape reports whether t and u have identical shapes.
func SameShape(t, u *Dense) bool {
	if t.Rank() != u.Rank() {
		return false
	}
	for i, d := range t.shape {
		if u.shape[i] != d {
			return false
		}
	}
	return true
}

// Fingerprint returns a content hash of the tensor (shape and data).
// Used as a cache key component for counterfactual scenarios.
func (t *Dense) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, d := range t.shape {
		putUint64(buf[:], uint64(d))
		h.Write(buf[:])
	}
	for _, v := range t.data {
		putUint64(buf[:], mathFloat64bits(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}
