package analyzer

import (
	"context"
	"fmt"
	"math"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/pkg/tensor"
)

// defaultMROIEpsilon is the relative spend perturbation for marginal ROI.
const defaultMROIEpsilon = 0.01

// trailingWindow trims a media-time tensor (geo, media_time, channel) to
// its last nTimes steps, aligning it with the modeled time axis.
func trailingWindow(t *tensor.Dense, nTimes int) *tensor.Dense {
	mt := t.Dim(1)
	if mt == nTimes {
		return t
	}
	return t.SliceAxis(1, mt-nTimes, mt)
}

// sumChannelTotals aggregates a (geo, time, channel) tensor over geo and
// time, optionally restricted by a time mask.
func sumChannelTotals(t *tensor.Dense, timeMask []bool) ([]float64, error) {
	if timeMask != nil {
		var err error
		if t, err = t.MaskAxis(1, timeMask); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
		}
	}
	return t.SumAxes(0, 1).Data(), nil
}

// HistoricalSpend returns each paid channel's total spend (media channels
// then RF channels), optionally restricted to a time mask.
func (a *Analyzer) HistoricalSpend(timeMask []bool) ([]float64, error) {
	out := make([]float64, 0, a.m.Dims.NPaidChannels())
	if a.m.HasMedia() {
		if a.m.MediaSpend == nil {
			return nil, fmt.Errorf("%w: media present without media spend", errs.ErrConfigInconsistency)
		}
		s, err := sumChannelTotals(a.m.MediaSpend, timeMask)
		if err != nil {
			return nil, err
		}
		out = append(out, s...)
	}
	if a.m.HasRF() {
		if a.m.RFSpend == nil {
			return nil, fmt.Errorf("%w: reach present without rf spend", errs.ErrConfigInconsistency)
		}
		s, err := sumChannelTotals(a.m.RFSpend, timeMask)
		if err != nil {
			return nil, err
		}
		out = append(out, s...)
	}
	return out, nil
}

// AggregatedImpressions returns each channel's total execution units in
// canonical channel order: media units, reach*frequency for RF, then with
// includeNonPaid organic units and non-media treatment units.
func (a *Analyzer) AggregatedImpressions(includeNonPaid bool, timeMask []bool) ([]float64, error) {
	nTimes := a.m.Dims.NTimes
	var out []float64
	add := func(t *tensor.Dense) error {
		s, err := sumChannelTotals(trailingWindow(t, nTimes), timeMask)
		if err != nil {
			return err
		}
		out = append(out, s...)
		return nil
	}
	if a.m.HasMedia() {
		if err := add(a.m.Media); err != nil {
			return nil, err
		}
	}
	if a.m.HasRF() {
		if err := add(tensor.Mul(a.m.Reach, a.m.Frequency)); err != nil {
			return nil, err
		}
	}
	if includeNonPaid {
		if a.m.HasOrganicMedia() {
			if err := add(a.m.OrganicMedia); err != nil {
				return nil, err
			}
		}
		if a.m.HasOrganicRF() {
			if err := add(tensor.Mul(a.m.OrganicReach, a.m.OrganicFrequency)); err != nil {
				return nil, err
			}
		}
		if a.m.HasNonMedia() {
			s, err := sumChannelTotals(a.m.NonMediaTreatments, timeMask)
			if err != nil {
				return nil, err
			}
			out = append(out, s...)
		}
	}
	return out, nil
}

// channelDraws flattens the (chain, draw) axes of a (chain, draw, channel)
// tensor for one channel.
func channelDraws(t *tensor.Dense, ch int) []float64 {
	nc, nd := t.Dim(0), t.Dim(1)
	out := make([]float64, 0, nc*nd)
	for c := 0; c < nc; c++ {
		for d := 0; d < nd; d++ {
			out = append(out, t.At(c, d, ch))
		}
	}
	return out
}

// allDraws flattens a (chain, draw) tensor.
func allDraws(t *tensor.Dense) []float64 {
	out := make([]float64, 0, t.Size())
	out = append(out, t.Data()...)
	return out
}

// perDrawChannelSum sums a (chain, draw, channel) tensor over channels,
// keeping draws.
func perDrawChannelSum(t *tensor.Dense) []float64 {
	return allDraws(t.SumAxis(2))
}

// ROIOptions configures ROI, MarginalROI and CPIK.
type ROIOptions struct {
	Distribution string
	UseKPI       bool
	// SelectedTimes restricts both the counterfactual window and the
	// spend denominator.
	SelectedTimes []string
	TimeMask      []bool
	ByReach       bool
	BatchSize     int
}

// NewROIOptions returns the defaults: posterior draws, revenue scale.
func NewROIOptions() ROIOptions {
	return ROIOptions{Distribution: DistPosterior, ByReach: true, BatchSize: defaultBatchSize}
}

// paidTimeMask resolves the window selection on the modeled time axis.
func (a *Analyzer) paidTimeMask(opts ROIOptions) ([]bool, error) {
	return resolveMask(opts.SelectedTimes, opts.TimeMask, a.m.Times, a.m.Dims.NTimes, "time")
}

// paidMediaTimeMask widens the modeled-axis selection to the media-time
// axis, so a single window drives both the counterfactual scaling and the
// spend denominator on lagged models.
func (a *Analyzer) paidMediaTimeMask(opts ROIOptions) ([]bool, error) {
	mask, err := a.paidTimeMask(opts)
	if err != nil {
		return nil, err
	}
	return a.mediaTimeMaskFor(mask), nil
}

// paidIncremental runs the zero-spend counterfactual over paid channels,
// returning (chain, draw, paid-channel) incremental outcomes.
func (a *Analyzer) paidIncremental(ctx context.Context, opts ROIOptions, factor0, factor1 float64) (*tensor.Dense, error) {
	mask, err := a.paidMediaTimeMask(opts)
	if err != nil {
		return nil, err
	}
	inc := NewIncrementalOptions()
	inc.Distribution = opts.Distribution
	inc.UseKPI = opts.UseKPI
	inc.TimeMask = mask
	inc.ByReach = opts.ByReach
	inc.ScalingFactor0 = factor0
	inc.ScalingFactor1 = factor1
	inc.BatchSize = opts.BatchSize
	return a.IncrementalOutcome(ctx, inc)
}

// ROI returns incremental outcome divided by total spend per paid channel,
// shaped (chain, draw, paid-channel). A zero spend denominator yields NaN.
func (a *Analyzer) ROI(ctx context.Context, opts ROIOptions) (*tensor.Dense, error) {
	inc, err := a.paidIncremental(ctx, opts, 0, 1)
	if err != nil {
		return nil, err
	}
	timeMask, err := a.paidTimeMask(opts)
	if err != nil {
		return nil, err
	}
	spend, err := a.HistoricalSpend(timeMask)
	if err != nil {
		return nil, err
	}
	return divideBySpend(inc, spend)
}

// MarginalROI returns the finite-difference return of a small relative
// spend increase, shaped (chain, draw, paid-channel).
func (a *Analyzer) MarginalROI(ctx context.Context, opts ROIOptions) (*tensor.Dense, error) {
	eps := defaultMROIEpsilon
	inc, err := a.paidIncremental(ctx, opts, 1, 1+eps)
	if err != nil {
		return nil, err
	}
	timeMask, err := a.paidTimeMask(opts)
	if err != nil {
		return nil, err
	}
	spend, err := a.HistoricalSpend(timeMask)
	if err != nil {
		return nil, err
	}
	scaled := make([]float64, len(spend))
	for i, s := range spend {
		scaled[i] = s * eps
	}
	return divideBySpend(inc, scaled)
}

// CPIK returns cost per incremental KPI: spend divided by KPI-denominated
// incremental outcome, the per-draw reciprocal of KPI ROI. Zero
// incremental outcome yields NaN.
func (a *Analyzer) CPIK(ctx context.Context, opts ROIOptions) (*tensor.Dense, error) {
	opts.UseKPI = true
	roi, err := a.ROI(ctx, opts)
	if err != nil {
		return nil, err
	}
	return roi.Apply(func(v float64) float64 {
		if v == 0 {
			return math.NaN()
		}
		return 1 / v
	}), nil
}

// Effectiveness returns incremental outcome per execution unit, shaped
// (chain, draw, paid-channel).
func (a *Analyzer) Effectiveness(ctx context.Context, opts ROIOptions) (*tensor.Dense, error) {
	inc, err := a.paidIncremental(ctx, opts, 0, 1)
	if err != nil {
		return nil, err
	}
	timeMask, err := a.paidTimeMask(opts)
	if err != nil {
		return nil, err
	}
	impressions, err := a.AggregatedImpressions(false, timeMask)
	if err != nil {
		return nil, err
	}
	return divideBySpend(inc, impressions)
}

// divideBySpend divides a (chain, draw, channel) tensor by a per-channel
// denominator, NaN where the denominator is zero.
func divideBySpend(inc *tensor.Dense, denom []float64) (*tensor.Dense, error) {
	if inc.Dim(2) != len(denom) {
		return nil, fmt.Errorf("%w: %d channels vs %d denominators", errs.ErrShapeMismatch, inc.Dim(2), len(denom))
	}
	out := inc.Clone()
	nc, nd := out.Dim(0), out.Dim(1)
	for c := 0; c < nc; c++ {
		for d := 0; d < nd; d++ {
			for k, s := range denom {
				if s == 0 {
					out.Set(math.NaN(), c, d, k)
				} else {
					out.Set(out.At(c, d, k)/s, c, d, k)
				}
			}
		}
	}
	return out, nil
}
