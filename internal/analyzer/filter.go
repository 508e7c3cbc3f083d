package analyzer

import (
	"fmt"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/pkg/tensor"
)

// DimSelection selects and aggregates the trailing (geo, time[, channel])
// axes of an analysis tensor. Geos/Times select by coordinate name;
// GeoMask/TimeMask select by boolean mask. Name and mask selection are
// mutually exclusive per axis, and name selection is only valid against
// the model's canonical axis.
type DimSelection struct {
	Geos     []string
	GeoMask  []bool
	Times    []string
	TimeMask []bool

	AggregateGeos  bool
	AggregateTimes bool

	// HasChannelDim marks tensors whose last axis is a channel axis.
	HasChannelDim bool
}

// allowedChannelCounts is the closed set of channel-axis lengths accepted
// by the aggregator, each optionally extended by one appended
// all-channels total column.
func (a *Analyzer) allowedChannelCounts() []int {
	d := a.m.Dims
	return []int{d.NMediaChannels, d.NRFChannels, d.NPaidChannels(), d.NAllChannels()}
}

func (a *Analyzer) checkChannelCount(n int) error {
	allowed := a.allowedChannelCounts()
	for _, w := range allowed {
		if n == w || n == w+1 {
			return nil
		}
	}
	return fmt.Errorf("%w: channel axis has %d entries, want one of %v (each optionally +1 for a total column)",
		errs.ErrShapeMismatch, n, allowed)
}

// maskFromNames builds a boolean mask over axis coordinates, rejecting
// unknown names.
func maskFromNames(names, axis []string, what string) ([]bool, error) {
	mask := make([]bool, len(axis))
	for _, name := range names {
		found := false
		for i, c := range axis {
			if c == name {
				mask[i] = true
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: unknown %s %q", errs.ErrInvalidArgument, what, name)
		}
	}
	return mask, nil
}

// resolveMask merges name and mask selection for one axis.
func resolveMask(names []string, mask []bool, axis []string, axisLen int, what string) ([]bool, error) {
	if names != nil && mask != nil {
		return nil, fmt.Errorf("%w: %s selection given both by name and by mask", errs.ErrInvalidArgument, what)
	}
	if mask != nil {
		if len(mask) != axisLen {
			return nil, fmt.Errorf("%w: %s mask has %d entries, axis has %d", errs.ErrInvalidArgument, what, len(mask), axisLen)
		}
		return mask, nil
	}
	if names != nil {
		if axisLen != len(axis) {
			return nil, fmt.Errorf("%w: %s selection by name requires the canonical axis (%d entries), tensor has %d",
				errs.ErrInvalidArgument, what, len(axis), axisLen)
		}
		return maskFromNames(names, axis, what)
	}
	return nil, nil
}

// FilterAndAggregate filters the geo and time axes per sel, then sums over
// them per the aggregate flags. The tensor's trailing axes must be
// (geo, time) or (geo, time, channel); leading (chain, draw) axes pass
// through untouched.
func (a *Analyzer) FilterAndAggregate(t *tensor.Dense, sel DimSelection) (*tensor.Dense, error) {
	rank := t.Rank()
	trailing := 2
	if sel.HasChannelDim {
		trailing = 3
	}
	if rank < trailing {
		return nil, fmt.Errorf("%w: tensor rank %d is below the %d trailing axes expected", errs.ErrShapeMismatch, rank, trailing)
	}
	geoAxis := rank - trailing
	timeAxis := geoAxis + 1

	if sel.HasChannelDim {
		if err := a.checkChannelCount(t.Dim(rank - 1)); err != nil {
			return nil, err
		}
	}
	if t.Dim(geoAxis) != a.m.Dims.NGeos {
		return nil, fmt.Errorf("%w: geo axis has %d entries, model has %d", errs.ErrShapeMismatch, t.Dim(geoAxis), a.m.Dims.NGeos)
	}

	geoMask, err := resolveMask(sel.Geos, sel.GeoMask, a.m.Geos, t.Dim(geoAxis), "geo")
	if err != nil {
		return nil, err
	}
	timeMask, err := resolveMask(sel.Times, sel.TimeMask, a.m.Times, t.Dim(timeAxis), "time")
	if err != nil {
		return nil, err
	}

	out := t
	if geoMask != nil {
		if out, err = out.MaskAxis(geoAxis, geoMask); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
		}
	}
	if timeMask != nil {
		if out, err = out.MaskAxis(timeAxis, timeMask); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
		}
	}
	// Sum the higher axis first so the lower axis index stays valid.
	if sel.AggregateTimes {
		out = out.SumAxis(timeAxis)
	}
	if sel.AggregateGeos {
		out = out.SumAxis(geoAxis)
	}
	return out, nil
}
