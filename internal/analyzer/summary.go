package analyzer

import (
	"context"
	"math"

	"github.com/adlift/mmx/pkg/stats"
	"github.com/adlift/mmx/pkg/tensor"
)

// AllChannels is the name of the synthetic aggregate row appended to
// channel-keyed datasets.
const AllChannels = "All Channels"

const defaultConfidenceLevel = 0.9

// DistStats pairs prior and posterior summaries of one metric. A missing
// draw group leaves its side all-NaN.
type DistStats struct {
	Prior     stats.MetricStats `json:"prior"`
	Posterior stats.MetricStats `json:"posterior"`
}

// ChannelSummary is one row of the summary dataset. Spend-denominated
// metrics are NaN on non-paid rows, and marginal ROI and effectiveness
// are NaN on the All Channels row: execution units do not sum across
// heterogeneous channels.
type ChannelSummary struct {
	Channel string `json:"channel"`
	Paid    bool   `json:"paid"`

	Impressions      float64 `json:"impressions"`
	PctOfImpressions float64 `json:"pct_of_impressions"`
	Spend            float64 `json:"spend"`
	PctOfSpend       float64 `json:"pct_of_spend"`
	CPM              float64 `json:"cpm"`

	IncrementalOutcome DistStats `json:"incremental_outcome"`
	PctOfContribution  DistStats `json:"pct_of_contribution"`
	ROI                DistStats `json:"roi"`
	MarginalROI        DistStats `json:"marginal_roi"`
	Effectiveness      DistStats `json:"effectiveness"`
	CPIK               DistStats `json:"cpik"`
}

// SummaryReport is the channel-keyed metrics dataset, All Channels last.
type SummaryReport struct {
	ConfidenceLevel float64          `json:"confidence_level"`
	UseKPI          bool             `json:"use_kpi"`
	Channels        []ChannelSummary `json:"channels"`
}

// SummaryOptions configures SummaryMetrics.
type SummaryOptions struct {
	SelectedTimes []string
	TimeMask      []bool

	ConfidenceLevel float64
	UseKPI          bool
	IncludeNonPaid  bool
	BatchSize       int
}

// NewSummaryOptions returns the defaults: revenue scale, paid channels,
// 90% credible intervals.
func NewSummaryOptions() SummaryOptions {
	return SummaryOptions{ConfidenceLevel: defaultConfidenceLevel, BatchSize: defaultBatchSize}
}

// mediaTimeMaskFor widens a modeled-time mask to the media-time axis by
// padding the lagged history with false.
func (a *Analyzer) mediaTimeMaskFor(timeMask []bool) []bool {
	if timeMask == nil {
		return nil
	}
	pad := a.m.Dims.NMediaTimes - a.m.Dims.NTimes
	if pad == 0 {
		return timeMask
	}
	out := make([]bool, a.m.Dims.NMediaTimes)
	copy(out[pad:], timeMask)
	return out
}

func nanStats() stats.MetricStats {
	n := math.NaN()
	return stats.MetricStats{Mean: n, Median: n, CILo: n, CIHi: n}
}

// distDraws holds the per-distribution draw tensors feeding one summary.
type distDraws struct {
	inc          *tensor.Dense // (chain, draw, K) outcome scale per opts
	incKPI       *tensor.Dense // (chain, draw, paid) KPI scale
	mroiInc      *tensor.Dense // (chain, draw, paid) outcome scale, factors (1, 1+eps)
	expected     []float64     // per-draw total expected outcome
	meanExpected float64
}

func (a *Analyzer) summaryDraws(ctx context.Context, dist string, opts SummaryOptions, timeMask []bool) (*distDraws, error) {
	mediaMask := a.mediaTimeMaskFor(timeMask)

	// Window selection is already resolved to a mask; name selection must
	// not be passed down again.
	inc := NewIncrementalOptions()
	inc.Distribution = dist
	inc.UseKPI = opts.UseKPI
	inc.IncludeNonPaid = opts.IncludeNonPaid
	inc.TimeMask = mediaMask
	inc.BatchSize = opts.BatchSize
	incOut, err := a.IncrementalOutcome(ctx, inc)
	if err != nil {
		return nil, err
	}

	incKPIOpts := inc
	incKPIOpts.UseKPI = true
	incKPIOpts.IncludeNonPaid = false
	incKPI, err := a.IncrementalOutcome(ctx, incKPIOpts)
	if err != nil {
		return nil, err
	}

	mroiOpts := inc
	mroiOpts.IncludeNonPaid = false
	mroiOpts.ScalingFactor0 = 1
	mroiOpts.ScalingFactor1 = 1 + defaultMROIEpsilon
	mroiInc, err := a.IncrementalOutcome(ctx, mroiOpts)
	if err != nil {
		return nil, err
	}

	exp := NewExpectedOptions()
	exp.Distribution = dist
	exp.UseKPI = opts.UseKPI
	exp.Selection.TimeMask = timeMask
	exp.BatchSize = opts.BatchSize
	expected, err := a.ExpectedOutcome(ctx, exp)
	if err != nil {
		return nil, err
	}
	draws := allDraws(expected)
	return &distDraws{
		inc:          incOut,
		incKPI:       incKPI,
		mroiInc:      mroiInc,
		expected:     draws,
		meanExpected: stats.Mean(draws),
	}, nil
}

// SummaryMetrics assembles the channel-keyed dataset of spend, outcome and
// efficiency metrics over both draw groups.
func (a *Analyzer) SummaryMetrics(ctx context.Context, opts SummaryOptions) (*SummaryReport, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.SummaryMetrics")
	defer span.End()

	if opts.ConfidenceLevel <= 0 || opts.ConfidenceLevel >= 1 {
		opts.ConfidenceLevel = defaultConfidenceLevel
	}
	timeMask, err := resolveMask(opts.SelectedTimes, opts.TimeMask, a.m.Times, a.m.Dims.NTimes, "time")
	if err != nil {
		return nil, err
	}

	spend, err := a.HistoricalSpend(timeMask)
	if err != nil {
		return nil, err
	}
	impressions, err := a.AggregatedImpressions(opts.IncludeNonPaid, timeMask)
	if err != nil {
		return nil, err
	}
	nPaid := a.m.Dims.NPaidChannels()
	names := a.m.PaidChannelNames()
	if opts.IncludeNonPaid {
		names = a.m.AllChannelNames()
	}

	perDist := map[string]*distDraws{}
	for _, dist := range []string{DistPrior, DistPosterior} {
		if _, err := a.m.Inference.Group(dist); err != nil {
			continue // summarized as NaN
		}
		d, err := a.summaryDraws(ctx, dist, opts, timeMask)
		if err != nil {
			return nil, err
		}
		perDist[dist] = d
	}

	totalSpend, totalImpr := 0.0, 0.0
	for _, s := range spend {
		totalSpend += s
	}
	for _, v := range impressions {
		totalImpr += v
	}

	summarize := func(f func(d *distDraws) []float64) DistStats {
		out := DistStats{Prior: nanStats(), Posterior: nanStats()}
		if d, ok := perDist[DistPrior]; ok {
			out.Prior = stats.Summarize(f(d), opts.ConfidenceLevel)
		}
		if d, ok := perDist[DistPosterior]; ok {
			out.Posterior = stats.Summarize(f(d), opts.ConfidenceLevel)
		}
		return out
	}
	nanDist := DistStats{Prior: nanStats(), Posterior: nanStats()}

	rows := make([]ChannelSummary, 0, len(names)+1)
	for i, name := range names {
		paid := i < nPaid
		row := ChannelSummary{
			Channel:          name,
			Paid:             paid,
			Impressions:      impressions[i],
			PctOfImpressions: pct(impressions[i], totalImpr),
			Spend:            math.NaN(),
			PctOfSpend:       math.NaN(),
			CPM:              math.NaN(),
			ROI:              nanDist,
			MarginalROI:      nanDist,
			CPIK:             nanDist,
		}
		ch := i
		row.IncrementalOutcome = summarize(func(d *distDraws) []float64 { return channelDraws(d.inc, ch) })
		row.PctOfContribution = summarize(func(d *distDraws) []float64 {
			return scaleSlice(channelDraws(d.inc, ch), 100/d.meanExpected)
		})
		row.Effectiveness = summarize(func(d *distDraws) []float64 {
			return divSlice(channelDraws(d.inc, ch), impressions[ch])
		})
		if paid {
			row.Spend = spend[i]
			row.PctOfSpend = pct(spend[i], totalSpend)
			row.CPM = divScalar(spend[i]*1000, impressions[i])
			row.ROI = summarize(func(d *distDraws) []float64 { return divSlice(channelDraws(d.inc, ch), spend[ch]) })
			row.MarginalROI = summarize(func(d *distDraws) []float64 {
				return divSlice(channelDraws(d.mroiInc, ch), spend[ch]*defaultMROIEpsilon)
			})
			row.CPIK = summarize(func(d *distDraws) []float64 { return reciprocal(divSlice(channelDraws(d.incKPI, ch), spend[ch])) })
		}
		rows = append(rows, row)
	}

	total := ChannelSummary{
		Channel:          AllChannels,
		Paid:             true,
		Impressions:      totalImpr,
		PctOfImpressions: pct(totalImpr, totalImpr),
		Spend:            totalSpend,
		PctOfSpend:       pct(totalSpend, totalSpend),
		CPM:              divScalar(totalSpend*1000, totalImpr),
		// Marginal ROI and effectiveness have no meaning across
		// heterogeneous execution units.
		MarginalROI:   nanDist,
		Effectiveness: nanDist,
	}
	total.IncrementalOutcome = summarize(func(d *distDraws) []float64 { return perDrawChannelSum(d.inc) })
	total.PctOfContribution = summarize(func(d *distDraws) []float64 {
		return scaleSlice(perDrawChannelSum(d.inc), 100/d.meanExpected)
	})
	total.ROI = summarize(func(d *distDraws) []float64 {
		return divSlice(perDrawPaidSum(d.inc, nPaid), totalSpend)
	})
	total.CPIK = summarize(func(d *distDraws) []float64 {
		return reciprocal(divSlice(perDrawChannelSum(d.incKPI), totalSpend))
	})
	rows = append(rows, total)

	return &SummaryReport{
		ConfidenceLevel: opts.ConfidenceLevel,
		UseKPI:          opts.UseKPI,
		Channels:        rows,
	}, nil
}

// perDrawPaidSum sums the first nPaid channels per draw.
func perDrawPaidSum(t *tensor.Dense, nPaid int) []float64 {
	return allDraws(t.SliceAxis(2, 0, nPaid).SumAxis(2))
}

func pct(v, total float64) float64 {
	if total == 0 {
		return math.NaN()
	}
	return v / total * 100
}

func divScalar(num, den float64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

func scaleSlice(xs []float64, c float64) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = v * c
	}
	return out
}

func divSlice(xs []float64, den float64) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = divScalar(v, den)
	}
	return out
}

func reciprocal(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		if v == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = 1 / v
		}
	}
	return out
}

// BaselineSummary reports the modeled outcome with every treatment at its
// counterfactual baseline.
type BaselineSummary struct {
	ConfidenceLevel   float64   `json:"confidence_level"`
	BaselineOutcome   DistStats `json:"baseline_outcome"`
	PctOfContribution DistStats `json:"pct_of_contribution"`
}

// BaselineSummaryMetrics computes the baseline outcome as total expected
// outcome minus the incremental outcome of every channel family.
func (a *Analyzer) BaselineSummaryMetrics(ctx context.Context, opts SummaryOptions) (*BaselineSummary, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.BaselineSummaryMetrics")
	defer span.End()

	if opts.ConfidenceLevel <= 0 || opts.ConfidenceLevel >= 1 {
		opts.ConfidenceLevel = defaultConfidenceLevel
	}
	out := &BaselineSummary{
		ConfidenceLevel:   opts.ConfidenceLevel,
		BaselineOutcome:   DistStats{Prior: nanStats(), Posterior: nanStats()},
		PctOfContribution: DistStats{Prior: nanStats(), Posterior: nanStats()},
	}
	withNonPaid := opts
	withNonPaid.IncludeNonPaid = true
	for _, dist := range []string{DistPrior, DistPosterior} {
		if _, err := a.m.Inference.Group(dist); err != nil {
			continue
		}
		timeMask, err := resolveMask(opts.SelectedTimes, opts.TimeMask, a.m.Times, a.m.Dims.NTimes, "time")
		if err != nil {
			return nil, err
		}
		d, err := a.summaryDraws(ctx, dist, withNonPaid, timeMask)
		if err != nil {
			return nil, err
		}
		incTotal := perDrawChannelSum(d.inc)
		baseline := make([]float64, len(incTotal))
		for i := range baseline {
			baseline[i] = d.expected[i] - incTotal[i]
		}
		bStats := stats.Summarize(baseline, opts.ConfidenceLevel)
		pStats := stats.Summarize(scaleSlice(baseline, 100/d.meanExpected), opts.ConfidenceLevel)
		if dist == DistPrior {
			out.BaselineOutcome.Prior = bStats
			out.PctOfContribution.Prior = pStats
		} else {
			out.BaselineOutcome.Posterior = bStats
			out.PctOfContribution.Posterior = pStats
		}
	}
	return out, nil
}
