package tensor

import (
	"fmt"
	"math"
)

func putUint64(b []byte, v uint64) {
	_ = b[7]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func mathFloat64bits(v float64) uint64 { return math.Float64bits(v) }

// normAxis resolves a possibly-negative axis against rank.
func normAxis(axis, rank int) int {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		panic(fmt.Sprintf("tensor: axis %d out of range for rank %d", axis, rank))
	}
	return axis
}

// outerInner splits a shape around axis into the product of dimensions
// before the axis and the product of dimensions after it.
func outerInner(shape []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, inner
}

// Concat joins tensors along the given axis. All inputs must agree on
// every other dimension.
func Concat(axis int, ts ...*Dense) (*Dense, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: Concat requires at least one input")
	}
	rank := ts[0].Rank()
	axis = normAxis(axis, rank)
	total := 0
	for _, t := range ts {
		if t.Rank() != rank {
			return nil, fmt.Errorf("tensor: Concat rank mismatch: %d vs %d", t.Rank(), rank)
		}
		for i, d := range t.shape {
			if i != axis && d != ts[0].shape[i] {
				return nil, fmt.Errorf("tensor: Concat shapes %v and %v differ on axis %d", ts[0].shape, t.shape, i)
			}
		}
		total += t.shape[axis]
	}
	outShape := ts[0].Shape()
	outShape[axis] = total
	out := New(outShape...)

	outer, inner := outerInner(outShape, axis)
	pos := 0
	for _, t := range ts {
		n := t.shape[axis]
		for o := 0; o < outer; o++ {
			src := t.data[o*n*inner : (o+1)*n*inner]
			dstBase := (o*total + pos) * inner
			copy(out.data[dstBase:dstBase+n*inner], src)
		}
		pos += n
	}
	return out, nil
}

// SliceAxis returns the half-open range [lo, hi) along the given axis.
func (t *Dense) SliceAxis(axis, lo, hi int) *Dense {
	axis = normAxis(axis, t.Rank())
	n := t.shape[axis]
	if lo < 0 || hi > n || lo > hi {
		panic(fmt.Sprintf("tensor: slice [%d, %d) out of range for axis length %d", lo, hi, n))
	}
	outShape := t.Shape()
	outShape[axis] = hi - lo
	out := New(outShape...)
	outer, inner := outerInner(t.shape, axis)
	w := hi - lo
	for o := 0; o < outer; o++ {
		src := t.data[(o*n+lo)*inner : (o*n+hi)*inner]
		copy(out.data[o*w*inner:(o+1)*w*inner], src)
	}
	return out
}

// Index returns the sub-tensor at position i along the given axis, with
// that axis removed.
func (t *Dense) Index(axis, i int) *Dense {
	axis = normAxis(axis, t.Rank())
	s := t.SliceAxis(axis, i, i+1)
	outShape := make([]int, 0, t.Rank()-1)
	for j, d := range t.shape {
		if j != axis {
			outShape = append(outShape, d)
		}
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}
	return &Dense{shape: outShape, data: s.data}
}

// MaskAxis keeps only positions where keep[i] is true along the axis.
// len(keep) must equal the axis length and at least one entry must be true.
func (t *Dense) MaskAxis(axis int, keep []bool) (*Dense, error) {
	axis = normAxis(axis, t.Rank())
	n := t.shape[axis]
	if len(keep) != n {
		return nil, fmt.Errorf("tensor: mask length %d does not match axis length %d", len(keep), n)
	}
	kept := 0
	for _, k := range keep {
		if k {
			kept++
		}
	}
	if kept == 0 {
		return nil, fmt.Errorf("tensor: mask keeps no positions")
	}
	outShape := t.Shape()
	outShape[axis] = kept
	out := New(outShape...)
	outer, inner := outerInner(t.shape, axis)
	for o := 0; o < outer; o++ {
		w := 0
		for i := 0; i < n; i++ {
			if !keep[i] {
				continue
			}
			src := t.data[(o*n+i)*inner : (o*n+i+1)*inner]
			copy(out.data[(o*kept+w)*inner:(o*kept+w+1)*inner], src)
			w++
		}
	}
	return out, nil
}

// SumAxis sums along the given axis, removing it. A rank-1 tensor sums to
// a scalar-shaped tensor of rank 1 with a single element.
func (t *Dense) SumAxis(axis int) *Dense {
	axis = normAxis(axis, t.Rank())
	n := t.shape[axis]
	outShape := make([]int, 0, t.Rank()-1)
	for j, d := range t.shape {
		if j != axis {
			outShape = append(outShape, d)
		}
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}
	out := New(outShape...)
	outer, inner := outerInner(t.shape, axis)
	for o := 0; o < outer; o++ {
		for i := 0; i < n; i++ {
			base := (o*n + i) * inner
			obase := o * inner
			for k := 0; k < inner; k++ {
				out.data[obase+k] += t.data[base+k]
			}
		}
	}
	return out
}

// SumAxes sums over several axes at once. Axes are resolved against the
// original rank, then applied from the highest axis down.
func (t *Dense) SumAxes(axes ...int) *Dense {
	resolved := make([]int, len(axes))
	for i, a := range axes {
		resolved[i] = normAxis(a, t.Rank())
	}
	// Sort descending so earlier removals do not shift later axes.
	for i := 0; i < len(resolved); i++ {
		for j := i + 1; j < len(resolved); j++ {
			if resolved[j] > resolved[i] {
				resolved[i], resolved[j] = resolved[j], resolved[i]
			}
		}
	}
	out := t
	for _, a := range resolved {
		out = out.SumAxis(a)
	}
	return out
}

// Sum returns the sum of all elements.
func (t *Dense) Sum() float64 {
	s := 0.0
	for _, v := range t.data {
		s += v
	}
	return s
}

// Scale returns t multiplied elementwise by c.
func (t *Dense) Scale(c float64) *Dense {
	out := t.Clone()
	for i := range out.data {
		out.data[i] *= c
	}
	return out
}

// Apply returns a new tensor with f applied to every element.
func (t *Dense) Apply(f func(float64) float64) *Dense {
	out := t.Clone()
	for i := range out.data {
		out.data[i] = f(out.data[i])
	}
	return out
}

func zipCheck(op string, a, b *Dense) {
	if !SameShape(a, b) {
		panic(fmt.Sprintf("tensor: %s shape mismatch: %v vs %v", op, a.shape, b.shape))
	}
}

// Add returns the elementwise sum a+b. Shapes must match exactly.
func Add(a, b *Dense) *Dense {
	zipCheck("Add", a, b)
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] += v
	}
	return out
}

// Sub returns the elementwise difference a-b. Shapes must match exactly.
func Sub(a, b *Dense) *Dense {
	zipCheck("Sub", a, b)
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] -= v
	}
	return out
}

// Mul returns the elementwise product a*b. Shapes must match exactly.
func Mul(a, b *Dense) *Dense {
	zipCheck("Mul", a, b)
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] *= v
	}
	return out
}

// DivNoNaN returns a/b elementwise, with 0 wherever b is 0.
func DivNoNaN(a, b *Dense) *Dense {
	zipCheck("DivNoNaN", a, b)
	out := a.Clone()
	for i, v := range b.data {
		if v == 0 {
			out.data[i] = 0
		} else {
			out.data[i] /= v
		}
	}
	return out
}

// Reshape returns a tensor viewing the same data with a new shape of the
// same volume. The data slice is shared.
func (t *Dense) Reshape(shape ...int) (*Dense, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("tensor: non-positive dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if n != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape volume %d to shape %v", len(t.data), shape)
	}
	return &Dense{shape: append([]int(nil), shape...), data: t.data}, nil
}
