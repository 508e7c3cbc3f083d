// Package transform implements the fitted model's data transforms: the
// per-geo affine outcome transform, the per-geo-and-channel affine data
// transforms, geometric adstock, and Hill saturation.
package transform

import (
	"fmt"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/pkg/tensor"
)

// Affine is a per-geo centering and scaling transform for the outcome
// variable: forward maps x to (x-shift)/scale, inverse maps back. A nil
// Shift means zero shift; a nil Scale means unit scale.
//
// Because the transform is affine, differences commute with the inverse:
// inverse(a)-inverse(b) == InverseDelta(a-b). The counterfactual engine
// relies on this to inverse-transform a scenario difference once.
type Affine struct {
	Shift []float64 // per geo, nil means 0
	Scale []float64 // per geo, nil means 1
}

func (a *Affine) shiftAt(g int) float64 {
	if a == nil || a.Shift == nil {
		return 0
	}
	return a.Shift[g]
}

func (a *Affine) scaleAt(g int) float64 {
	if a == nil || a.Scale == nil {
		return 1
	}
	return a.Scale[g]
}

func (a *Affine) checkGeo(t *tensor.Dense, geoAxis int) error {
	n := t.Dim(geoAxis)
	if a != nil && a.Shift != nil && len(a.Shift) != n {
		return fmt.Errorf("%w: affine shift has %d geos, tensor axis has %d", errs.ErrShapeMismatch, len(a.Shift), n)
	}
	if a != nil && a.Scale != nil && len(a.Scale) != n {
		return fmt.Errorf("%w: affine scale has %d geos, tensor axis has %d", errs.ErrShapeMismatch, len(a.Scale), n)
	}
	return nil
}

// applyByGeo maps every element through f(g, x) where g indexes geoAxis.
func applyByGeo(t *tensor.Dense, geoAxis int, f func(g int, x float64) float64) *tensor.Dense {
	shape := t.Shape()
	if geoAxis < 0 {
		geoAxis += len(shape)
	}
	outer, inner := 1, 1
	for i := 0; i < geoAxis; i++ {
		outer *= shape[i]
	}
	for i := geoAxis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	n := shape[geoAxis]
	out := t.Clone()
	data := out.Data()
	for o := 0; o < outer; o++ {
		for g := 0; g < n; g++ {
			base := (o*n + g) * inner
			for k := 0; k < inner; k++ {
				data[base+k] = f(g, data[base+k])
			}
		}
	}
	return out
}

// Forward applies (x-shift)/scale along the given geo axis.
func (a *Affine) Forward(t *tensor.Dense, geoAxis int) (*tensor.Dense, error) {
	if err := a.checkGeo(t, geoAxis); err != nil {
		return nil, err
	}
	return applyByGeo(t, geoAxis, func(g int, x float64) float64 {
		return (x - a.shiftAt(g)) / a.scaleAt(g)
	}), nil
}

// Inverse applies x*scale+shift along the given geo axis.
func (a *Affine) Inverse(t *tensor.Dense, geoAxis int) (*tensor.Dense, error) {
	if err := a.checkGeo(t, geoAxis); err != nil {
		return nil, err
	}
	return applyByGeo(t, geoAxis, func(g int, x float64) float64 {
		return x*a.scaleAt(g) + a.shiftAt(g)
	}), nil
}

// InverseDelta applies x*scale along the given geo axis. It is the exact
// inverse transform of a difference of two forward-transformed values.
func (a *Affine) InverseDelta(t *tensor.Dense, geoAxis int) (*tensor.Dense, error) {
	if err := a.checkGeo(t, geoAxis); err != nil {
		return nil, err
	}
	return applyByGeo(t, geoAxis, func(g int, x float64) float64 {
		return x * a.scaleAt(g)
	}), nil
}

// ColumnAffine is a per-(geo, channel) centering and scaling transform for
// data tensors shaped (geo, time, channel). Media scalers carry a nil Shift
// (scale-only); control scalers carry both.
type ColumnAffine struct {
	Shift *tensor.Dense // (geo, channel), nil means 0
	Scale *tensor.Dense // (geo, channel), nil means 1
}

func (c *ColumnAffine) check(t *tensor.Dense) error {
	if t.Rank() != 3 {
		return fmt.Errorf("%w: column transform expects rank 3 (geo, time, channel), got %v", errs.ErrShapeMismatch, t.Shape())
	}
	for _, p := range []*tensor.Dense{c.Shift, c.Scale} {
		if p == nil {
			continue
		}
		if p.Rank() != 2 || p.Dim(0) != t.Dim(0) || p.Dim(1) != t.Dim(2) {
			return fmt.Errorf("%w: column transform params %v do not match tensor %v", errs.ErrShapeMismatch, p.Shape(), t.Shape())
		}
	}
	return nil
}

func (c *ColumnAffine) apply(t *tensor.Dense, f func(shift, scale, x float64) float64) *tensor.Dense {
	g, tt, ch := t.Dim(0), t.Dim(1), t.Dim(2)
	out := t.Clone()
	for i := 0; i < g; i++ {
		for j := 0; j < tt; j++ {
			for k := 0; k < ch; k++ {
				shift, scale := 0.0, 1.0
				if c.Shift != nil {
					shift = c.Shift.At(i, k)
				}
				if c.Scale != nil {
					scale = c.Scale.At(i, k)
				}
				out.Set(f(shift, scale, t.At(i, j, k)), i, j, k)
			}
		}
	}
	return out
}

// Forward applies (x-shift)/scale per (geo, channel).
func (c *ColumnAffine) Forward(t *tensor.Dense) (*tensor.Dense, error) {
	if c == nil {
		return t.Clone(), nil
	}
	if err := c.check(t); err != nil {
		return nil, err
	}
	return c.apply(t, func(shift, scale, x float64) float64 { return (x - shift) / scale }), nil
}

// Inverse applies x*scale+shift per (geo, channel).
func (c *ColumnAffine) Inverse(t *tensor.Dense) (*tensor.Dense, error) {
	if c == nil {
		return t.Clone(), nil
	}
	if err := c.check(t); err != nil {
		return nil, err
	}
	return c.apply(t, func(shift, scale, x float64) float64 { return x*scale + shift }), nil
}
