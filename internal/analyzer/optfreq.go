package analyzer

import (
	"context"
	"fmt"
	"math"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/pkg/stats"
	"github.com/adlift/mmx/pkg/tensor"
)

const optimalFreqStep = 0.1

// OptimizedMetrics are the channel metrics recomputed with the channel's
// reach/frequency at the ROI-optimal frequency, impressions held fixed.
type OptimizedMetrics struct {
	Incremental       stats.MetricStats `json:"incremental_outcome"`
	PctOfContribution stats.MetricStats `json:"pct_of_contribution"`
	Effectiveness     stats.MetricStats `json:"effectiveness"`
	ROI               stats.MetricStats `json:"roi"`
	MROIByReach       stats.MetricStats `json:"mroi_by_reach"`
	MROIByFrequency   stats.MetricStats `json:"mroi_by_frequency"`
	CPIK              stats.MetricStats `json:"cpik"`
}

// OptimalFrequencyResult is the grid-search outcome for one RF channel.
type OptimalFrequencyResult struct {
	Channel          string            `json:"channel"`
	Grid             []float64         `json:"grid"`
	MeanROI          []float64         `json:"mean_roi"`
	OptimalFrequency float64           `json:"optimal_frequency"`
	ROIAtOptimum     stats.MetricStats `json:"roi_at_optimum"`
	Optimized        OptimizedMetrics  `json:"optimized"`
}

// OptimalFrequencyOptions configures OptimalFrequency.
type OptimalFrequencyOptions struct {
	Distribution    string
	UseKPI          bool
	ConfidenceLevel float64
	// Grid overrides the default candidate frequencies
	// (1.0 to the max observed frequency in steps of 0.1).
	Grid      []float64
	BatchSize int
}

// NewOptimalFrequencyOptions returns the defaults.
func NewOptimalFrequencyOptions() OptimalFrequencyOptions {
	return OptimalFrequencyOptions{
		Distribution:    DistPosterior,
		ConfidenceLevel: defaultConfidenceLevel,
		BatchSize:       defaultBatchSize,
	}
}

// defaultFrequencyGrid spans 1.0 to the max observed frequency.
func (a *Analyzer) defaultFrequencyGrid() []float64 {
	maxFreq := 1.0
	for _, v := range a.m.Frequency.Data() {
		if v > maxFreq {
			maxFreq = v
		}
	}
	var grid []float64
	for f := 1.0; f < maxFreq+1e-9; f += optimalFreqStep {
		grid = append(grid, math.Round(f/optimalFreqStep)*optimalFreqStep)
	}
	return grid
}

// OptimalFrequency searches a grid of uniform frequencies for each RF
// channel, holding reach*frequency fixed at the historical impressions,
// and picks the frequency maximizing the draw-mean ROI. Ties break to the
// first grid point in ascending order.
func (a *Analyzer) OptimalFrequency(ctx context.Context, opts OptimalFrequencyOptions) ([]OptimalFrequencyResult, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.OptimalFrequency")
	defer span.End()

	if !a.m.HasRF() {
		return nil, fmt.Errorf("%w: the model has no reach/frequency channels", errs.ErrConfigInconsistency)
	}
	if _, err := a.m.Inference.Group(opts.Distribution); err != nil {
		return nil, err
	}
	if opts.ConfidenceLevel <= 0 || opts.ConfidenceLevel >= 1 {
		opts.ConfidenceLevel = defaultConfidenceLevel
	}
	grid := opts.Grid
	if grid == nil {
		grid = a.defaultFrequencyGrid()
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("%w: empty frequency grid", errs.ErrInvalidArgument)
	}
	for _, f := range grid {
		if f <= 0 {
			return nil, fmt.Errorf("%w: frequencies must be positive, got %v", errs.ErrInvalidArgument, f)
		}
	}

	rfSpend, err := sumChannelTotals(a.m.RFSpend, nil)
	if err != nil {
		return nil, err
	}
	impressions := tensor.Mul(a.m.Reach, a.m.Frequency)
	nRF := a.m.Dims.NRFChannels
	nPaid := a.m.Dims.NPaidChannels()

	// roiDraws[gi] and incDraws[gi] are (chain, draw, nRF) at grid point gi.
	roiDraws := make([]*tensor.Dense, len(grid))
	incDraws := make([]*tensor.Dense, len(grid))
	for gi, f := range grid {
		freq := tensor.Full(f, impressions.Shape()...)
		reach := impressions.Scale(1 / f)
		inc := NewIncrementalOptions()
		inc.Distribution = opts.Distribution
		inc.UseKPI = opts.UseKPI
		inc.Data = DataTensors{Reach: reach, Frequency: freq}
		inc.BatchSize = opts.BatchSize
		t, err := a.IncrementalOutcome(ctx, inc)
		if err != nil {
			return nil, err
		}
		incDraws[gi] = t.SliceAxis(2, nPaid-nRF, nPaid)
		if roiDraws[gi], err = divideBySpend(incDraws[gi], rfSpend); err != nil {
			return nil, err
		}
	}

	imprTotals, err := sumChannelTotals(trailingWindow(impressions, a.m.Dims.NTimes), nil)
	if err != nil {
		return nil, err
	}
	exp := NewExpectedOptions()
	exp.Distribution = opts.Distribution
	exp.UseKPI = opts.UseKPI
	exp.BatchSize = opts.BatchSize
	expT, err := a.ExpectedOutcome(ctx, exp)
	if err != nil {
		return nil, err
	}
	meanExpected := stats.NaNMean(allDraws(expT))

	out := make([]OptimalFrequencyResult, 0, nRF)
	for ch, name := range a.m.RFChannels {
		means := make([]float64, len(grid))
		for gi := range grid {
			means[gi] = stats.NaNMean(channelDraws(roiDraws[gi], ch))
		}
		best := stats.NaNArgMax(means)
		if best < 0 {
			return nil, fmt.Errorf("%w: ROI is undefined at every grid frequency for channel %q", errs.ErrInvalidArgument, name)
		}
		optimized, err := a.optimizedMetrics(ctx, opts, ch, grid[best], impressions, rfSpend, imprTotals, meanExpected, incDraws[best], roiDraws[best])
		if err != nil {
			return nil, err
		}
		out = append(out, OptimalFrequencyResult{
			Channel:          name,
			Grid:             grid,
			MeanROI:          means,
			OptimalFrequency: grid[best],
			ROIAtOptimum:     optimized.ROI,
			Optimized:        optimized,
		})
	}
	return out, nil
}

// optimizedMetrics assembles the per-channel metric set at its optimal
// frequency. Incremental outcome, ROI, effectiveness and contribution reuse
// the grid pass; the marginal metrics and, on a non-revenue KPI, the
// KPI-scale CPIK need dedicated counterfactual runs.
func (a *Analyzer) optimizedMetrics(ctx context.Context, opts OptimalFrequencyOptions, ch int, optimal float64,
	impressions *tensor.Dense, rfSpend, imprTotals []float64, meanExpected float64, inc, roi *tensor.Dense) (OptimizedMetrics, error) {

	incCh := channelDraws(inc, ch)
	ratio := func(denom float64) []float64 {
		out := make([]float64, len(incCh))
		for i, v := range incCh {
			if denom == 0 {
				out[i] = math.NaN()
			} else {
				out[i] = v / denom
			}
		}
		return out
	}
	pct := ratio(meanExpected)
	for i := range pct {
		pct[i] *= 100
	}

	data := DataTensors{
		Reach:     impressions.Scale(1 / optimal),
		Frequency: tensor.Full(optimal, impressions.Shape()...),
	}
	nRF := a.m.Dims.NRFChannels
	nPaid := a.m.Dims.NPaidChannels()
	marginal := func(byReach bool) (stats.MetricStats, error) {
		mr := NewIncrementalOptions()
		mr.Distribution = opts.Distribution
		mr.UseKPI = opts.UseKPI
		mr.Data = data
		mr.ScalingFactor0 = 1
		mr.ScalingFactor1 = 1 + defaultMROIEpsilon
		mr.ByReach = byReach
		mr.BatchSize = opts.BatchSize
		t, err := a.IncrementalOutcome(ctx, mr)
		if err != nil {
			return stats.MetricStats{}, err
		}
		scaled := make([]float64, len(rfSpend))
		for i, s := range rfSpend {
			scaled[i] = s * defaultMROIEpsilon
		}
		d, err := divideBySpend(t.SliceAxis(2, nPaid-nRF, nPaid), scaled)
		if err != nil {
			return stats.MetricStats{}, err
		}
		return stats.Summarize(channelDraws(d, ch), opts.ConfidenceLevel), nil
	}
	mroiReach, err := marginal(true)
	if err != nil {
		return OptimizedMetrics{}, err
	}
	mroiFreq, err := marginal(false)
	if err != nil {
		return OptimizedMetrics{}, err
	}

	kpiROI := roi
	if !opts.UseKPI && !a.m.KPIIsRevenue {
		ki := NewIncrementalOptions()
		ki.Distribution = opts.Distribution
		ki.UseKPI = true
		ki.Data = data
		ki.BatchSize = opts.BatchSize
		t, err := a.IncrementalOutcome(ctx, ki)
		if err != nil {
			return OptimizedMetrics{}, err
		}
		if kpiROI, err = divideBySpend(t.SliceAxis(2, nPaid-nRF, nPaid), rfSpend); err != nil {
			return OptimizedMetrics{}, err
		}
	}
	cpik := make([]float64, 0, kpiROI.Dim(0)*kpiROI.Dim(1))
	for _, v := range channelDraws(kpiROI, ch) {
		if v == 0 {
			cpik = append(cpik, math.NaN())
		} else {
			cpik = append(cpik, 1/v)
		}
	}

	return OptimizedMetrics{
		Incremental:       stats.Summarize(incCh, opts.ConfidenceLevel),
		PctOfContribution: stats.Summarize(pct, opts.ConfidenceLevel),
		Effectiveness:     stats.Summarize(ratio(imprTotals[ch]), opts.ConfidenceLevel),
		ROI:               stats.Summarize(channelDraws(roi, ch), opts.ConfidenceLevel),
		MROIByReach:       mroiReach,
		MROIByFrequency:   mroiFreq,
		CPIK:              stats.Summarize(cpik, opts.ConfidenceLevel),
	}, nil
}

// OptimalReach returns the reach tensor implied by an optimal frequency:
// historical impressions divided by the frequency, so reach*frequency is
// unchanged.
func (a *Analyzer) OptimalReach(frequency float64) (*tensor.Dense, error) {
	if !a.m.HasRF() {
		return nil, fmt.Errorf("%w: the model has no reach/frequency channels", errs.ErrConfigInconsistency)
	}
	if frequency <= 0 {
		return nil, fmt.Errorf("%w: frequency must be positive, got %v", errs.ErrInvalidArgument, frequency)
	}
	return tensor.Mul(a.m.Reach, a.m.Frequency).Scale(1 / frequency), nil
}
