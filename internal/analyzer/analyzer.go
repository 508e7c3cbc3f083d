package analyzer

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/internal/model"
	otelx "github.com/adlift/mmx/pkg/otel"
	"github.com/adlift/mmx/pkg/tensor"
)

const defaultBatchSize = 100

// Distribution names accepted by every analysis entry point.
const (
	DistPrior     = "prior"
	DistPosterior = "posterior"
)

// Analyzer computes post-fit analyses over a fitted model snapshot.
// It holds no mutable state besides the scenario cache; one Analyzer can
// serve many sequential analysis calls.
type Analyzer struct {
	m      *model.Snapshot
	cache  *scenarioCache
	tracer trace.Tracer
}

// New validates the snapshot and returns an Analyzer over it.
func New(m *model.Snapshot) (*Analyzer, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Inference == nil {
		return nil, fmt.Errorf("%w: snapshot carries no draw groups", errs.ErrNotFitted)
	}
	return &Analyzer{
		m:      m,
		cache:  newScenarioCache(),
		tracer: otel.Tracer("mmx/analyzer"),
	}, nil
}

// Model returns the underlying snapshot.
func (a *Analyzer) Model() *model.Snapshot { return a.m }

// BaselineKind selects how a non-media treatment channel's counterfactual
// baseline is chosen.
type BaselineKind int

const (
	BaselineMin BaselineKind = iota
	BaselineMax
	BaselineFixed
)

// Baseline is the counterfactual reference level for one non-media
// treatment channel.
type Baseline struct {
	Kind  BaselineKind
	Value float64 // used when Kind is BaselineFixed
}

// ParseBaseline reads a baseline token: "min", "max", or a fixed numeric
// value.
func ParseBaseline(tok string) (Baseline, error) {
	switch tok {
	case "min":
		return Baseline{Kind: BaselineMin}, nil
	case "max":
		return Baseline{Kind: BaselineMax}, nil
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return Baseline{}, fmt.Errorf("%w: baseline must be \"min\", \"max\" or a number, got %q", errs.ErrInvalidArgument, tok)
	}
	return Baseline{Kind: BaselineFixed, Value: v}, nil
}

// ExpectedOptions configures ExpectedOutcome. Construct with
// NewExpectedOptions and override fields as needed.
type ExpectedOptions struct {
	Distribution string
	Data         DataTensors

	// UseKPI reports on the KPI scale; otherwise outcomes are converted
	// to revenue via revenue-per-KPI.
	UseKPI bool
	// InverseTransform maps the modeled standardized scale back to the
	// original outcome scale. Disabling it with UseKPI=false is rejected:
	// transformed revenue has no interpretable scale.
	InverseTransform bool

	Selection DimSelection
	BatchSize int
}

// NewExpectedOptions returns the defaults: posterior draws, revenue scale,
// inverse-transformed, fully aggregated.
func NewExpectedOptions() ExpectedOptions {
	return ExpectedOptions{
		Distribution:     DistPosterior,
		InverseTransform: true,
		Selection:        DimSelection{AggregateGeos: true, AggregateTimes: true},
		BatchSize:        defaultBatchSize,
	}
}

func (a *Analyzer) checkKPIFlags(useKPI, inverseTransform bool) error {
	if !useKPI && !inverseTransform {
		return fmt.Errorf("%w: revenue on the non-inverse-transformed scale is undefined", errs.ErrConfigInconsistency)
	}
	if !useKPI && a.m.RevenuePerKPI == nil && !a.m.KPIIsRevenue {
		return fmt.Errorf("%w: revenue analysis requires revenue-per-KPI data", errs.ErrConfigInconsistency)
	}
	if useKPI && a.m.KPIIsRevenue {
		log.Printf("analyzer: use_kpi has no effect, the model KPI is already revenue")
	}
	return nil
}

func (a *Analyzer) warnNationalGeoArgs(sel DimSelection) {
	if a.m.National && (sel.Geos != nil || sel.GeoMask != nil) {
		log.Printf("analyzer: geo selection has no effect on a national model")
	}
}

// ExpectedOutcome computes the modeled outcome distribution over all draws
// of the chosen group, shaped (chain, draw[, geo][, time]) per the
// selection's aggregation flags.
func (a *Analyzer) ExpectedOutcome(ctx context.Context, opts ExpectedOptions) (*tensor.Dense, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.ExpectedOutcome")
	defer span.End()

	if err := a.checkKPIFlags(opts.UseKPI, opts.InverseTransform); err != nil {
		return nil, err
	}
	a.warnNationalGeoArgs(opts.Selection)
	g, err := a.m.Inference.Group(opts.Distribution)
	if err != nil {
		return nil, err
	}
	sd, err := a.scaledData(opts.Data, false)
	if err != nil {
		return nil, err
	}
	out, err := a.runBatched(ctx, g, opts.Distribution, opts.BatchSize, func(batch model.Group) (*tensor.Dense, error) {
		return a.outcomeBatch(batch, sd)
	})
	if err != nil {
		return nil, err
	}
	if opts.InverseTransform {
		if out, err = a.m.KPITx.Inverse(out, 2); err != nil {
			return nil, err
		}
		if !opts.UseKPI && a.m.RevenuePerKPI != nil {
			rev := sd.revenuePerKPI
			if rev == nil {
				rev = a.m.RevenuePerKPI
			}
			out = mulByGeoTime(out, rev, 2)
		}
	}
	sel := opts.Selection
	sel.HasChannelDim = false
	return a.FilterAndAggregate(out, sel)
}

// IncrementalOptions configures IncrementalOutcome. Construct with
// NewIncrementalOptions and override fields as needed.
type IncrementalOptions struct {
	Distribution string
	Data         DataTensors

	// ScalingFactor0 and ScalingFactor1 define the two counterfactual
	// intensities; the incremental outcome is scenario1 minus scenario0.
	// Requires ScalingFactor1 > ScalingFactor0 >= 0.
	ScalingFactor0 float64
	ScalingFactor1 float64

	// SelectedTimes/TimeMask restrict the counterfactual scaling to a
	// subset of media time periods; unselected periods keep their
	// historical intensity in both scenarios. With override tensors on a
	// non-canonical time axis only TimeMask is valid.
	SelectedTimes []string
	TimeMask      []bool

	// ByReach scales reach holding frequency fixed; otherwise frequency
	// is scaled holding reach fixed. Media-like families always scale
	// their execution tensor.
	ByReach bool

	UseKPI         bool
	IncludeNonPaid bool

	// NonMediaBaselines gives the scenario-0 reference per non-media
	// channel; nil defaults every channel to its observed minimum.
	NonMediaBaselines []Baseline

	AggregateGeos  bool
	AggregateTimes bool
	BatchSize      int
}

// NewIncrementalOptions returns the defaults: posterior draws, factors
// (0, 1), all media times, reach scaling, revenue scale, paid channels,
// fully aggregated.
func NewIncrementalOptions() IncrementalOptions {
	return IncrementalOptions{
		Distribution:   DistPosterior,
		ScalingFactor1: 1,
		ByReach:        true,
		AggregateGeos:  true,
		AggregateTimes: true,
		BatchSize:      defaultBatchSize,
	}
}

func (o *IncrementalOptions) cacheKey(a *Analyzer) uint64 {
	k := newScenarioKey().
		mixString(o.Distribution).
		mix(o.Data.fingerprint()).
		mixFloat(o.ScalingFactor0).
		mixFloat(o.ScalingFactor1).
		mixBool(o.ByReach).
		mixBool(o.UseKPI).
		mixBool(o.IncludeNonPaid).
		mixBool(o.AggregateGeos).
		mixBool(o.AggregateTimes).
		mixBools(o.TimeMask)
	for _, t := range o.SelectedTimes {
		k.mixString(t)
	}
	for _, b := range o.NonMediaBaselines {
		k.mix(uint64(b.Kind)).mixFloat(b.Value)
	}
	return k.sum()
}

// IncrementalOutcome computes each channel's incremental outcome: the
// difference between the modeled outcome with the channel's execution
// scaled by ScalingFactor1 and by ScalingFactor0, holding everything else
// fixed. Channels are additive in the model, so all channels are computed
// in one pass. The difference is taken on the modeled additive scale and
// inverse-transformed once, which is exact because the outcome transform
// is affine.
//
// The result is shaped (chain, draw[, geo][, time], channel) with channels
// in canonical order: media, RF, and with IncludeNonPaid also organic
// media, organic RF and non-media treatments.
func (a *Analyzer) IncrementalOutcome(ctx context.Context, opts IncrementalOptions) (*tensor.Dense, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.IncrementalOutcome")
	defer span.End()
	start := time.Now()

	if opts.ScalingFactor0 < 0 || opts.ScalingFactor1 <= opts.ScalingFactor0 {
		return nil, fmt.Errorf("%w: scaling factors must satisfy factor1 > factor0 >= 0, got (%v, %v)",
			errs.ErrInvalidArgument, opts.ScalingFactor0, opts.ScalingFactor1)
	}
	if err := a.checkKPIFlags(opts.UseKPI, true); err != nil {
		return nil, err
	}
	key := opts.cacheKey(a)
	if cached, ok := a.cache.get(key); ok {
		span.SetAttributes(otelx.PerformanceAttributes(true, time.Since(start).Seconds()*1e3)...)
		return cached, nil
	}

	g, err := a.m.Inference.Group(opts.Distribution)
	if err != nil {
		return nil, err
	}
	sd, err := a.scaledData(opts.Data, true)
	if err != nil {
		return nil, err
	}
	flexible := sd.nMediaTimes != a.m.Dims.NMediaTimes || sd.nTimes != a.m.Dims.NTimes
	if flexible && opts.SelectedTimes != nil {
		return nil, fmt.Errorf("%w: time selection by name requires the canonical time axis; use a boolean mask", errs.ErrInvalidArgument)
	}
	mask, err := resolveMask(opts.SelectedTimes, opts.TimeMask, a.m.MediaTimes, sd.nMediaTimes, "media time")
	if err != nil {
		return nil, err
	}
	if mask == nil {
		mask = make([]bool, sd.nMediaTimes)
		for i := range mask {
			mask[i] = true
		}
	}

	baselines, err := a.nonMediaBaselines(opts)
	if err != nil {
		return nil, err
	}
	sd1 := counterfactual(sd, opts.ScalingFactor1, mask, opts.ByReach)
	// Scenario 0 at factor 0 over the full window is identically zero when
	// every slope draw is positive (Hill maps zero execution to zero), so
	// the pass is skipped. A zero slope draw makes Hill(0) = 0.5 and forces
	// the full computation.
	var sd0 *scaledData
	if !(opts.ScalingFactor0 == 0 && allTrue(mask) && a.positiveSlopes(g)) {
		sd0 = counterfactual(sd, opts.ScalingFactor0, mask, opts.ByReach)
	}

	out, err := a.runBatched(ctx, g, opts.Distribution, opts.BatchSize, func(batch model.Group) (*tensor.Dense, error) {
		return a.incrementalBatch(batch, sd1, sd0, baselines, opts.IncludeNonPaid)
	})
	if err != nil {
		return nil, err
	}

	// One inverse per the affine-difference identity, then KPI to revenue.
	if out, err = a.m.KPITx.InverseDelta(out, 2); err != nil {
		return nil, err
	}
	if !opts.UseKPI && a.m.RevenuePerKPI != nil {
		rev := sd.revenuePerKPI
		if rev == nil {
			rev = a.m.RevenuePerKPI
		}
		out = mulByGeoTime(out, rev, 2)
	}
	// Higher axis first so the geo index stays valid.
	if opts.AggregateTimes {
		out = out.SumAxis(3)
	}
	if opts.AggregateGeos {
		out = out.SumAxis(2)
	}
	a.cache.put(key, out)
	span.SetAttributes(otelx.PerformanceAttributes(false, time.Since(start).Seconds()*1e3)...)
	return out, nil
}

// nonMediaBaselines resolves the per-channel baseline tensors on the
// scaled treatment scale: a (geo, time, channel) tensor holding each
// channel's counterfactual reference.
func (a *Analyzer) nonMediaBaselines(opts IncrementalOptions) (*tensor.Dense, error) {
	if !opts.IncludeNonPaid || !a.m.HasNonMedia() {
		if len(opts.NonMediaBaselines) > 0 && !a.m.HasNonMedia() {
			return nil, fmt.Errorf("%w: non-media baselines given but the model has no non-media treatments", errs.ErrInvalidArgument)
		}
		return nil, nil
	}
	n := a.m.Dims.NNonMediaChannels
	baselines := opts.NonMediaBaselines
	if baselines == nil {
		baselines = make([]Baseline, n)
	}
	if len(baselines) != n {
		return nil, fmt.Errorf("%w: %d non-media baselines given, model has %d channels", errs.ErrInvalidArgument, len(baselines), n)
	}
	raw := a.m.NonMediaTreatments
	if opts.Data.NonMediaTreatments != nil {
		raw = opts.Data.NonMediaTreatments
	}
	g, t := raw.Dim(0), raw.Dim(1)
	base := tensor.New(g, t, n)
	for ch := 0; ch < n; ch++ {
		var v float64
		switch baselines[ch].Kind {
		case BaselineMin:
			v = columnExtreme(raw, ch, false)
		case BaselineMax:
			v = columnExtreme(raw, ch, true)
		case BaselineFixed:
			v = baselines[ch].Value
		default:
			return nil, fmt.Errorf("%w: unknown baseline kind %d", errs.ErrInvalidArgument, baselines[ch].Kind)
		}
		for i := 0; i < g; i++ {
			for j := 0; j < t; j++ {
				base.Set(v, i, j, ch)
			}
		}
	}
	return a.m.NonMediaTx.Forward(base)
}

func columnExtreme(t *tensor.Dense, ch int, max bool) float64 {
	v := t.At(0, 0, ch)
	for g := 0; g < t.Dim(0); g++ {
		for tm := 0; tm < t.Dim(1); tm++ {
			x := t.At(g, tm, ch)
			if (max && x > v) || (!max && x < v) {
				v = x
			}
		}
	}
	return v
}

func allTrue(mask []bool) bool {
	for _, b := range mask {
		if !b {
			return false
		}
	}
	return true
}

// positiveSlopes reports whether every present adstock family's slope
// draws are strictly positive in the group.
func (a *Analyzer) positiveSlopes(g model.Group) bool {
	for _, fam := range a.families(true) {
		t, err := param(g, fam.slope)
		if err != nil {
			return false
		}
		for _, v := range t.Data() {
			if v <= 0 {
				return false
			}
		}
	}
	return true
}

// counterfactual scales the selected media time periods of every
// adstock+Hill family by factor. RF families scale reach or frequency per
// byReach. Media transforms are scale-only, so scaling the transformed
// tensor equals transforming the scaled raw tensor.
func counterfactual(sd *scaledData, factor float64, mask []bool, byReach bool) *scaledData {
	out := sd.clone()
	scale := func(t *tensor.Dense) {
		if t == nil {
			return
		}
		g, nt, ch := t.Dim(0), t.Dim(1), t.Dim(2)
		for i := 0; i < g; i++ {
			for j := 0; j < nt; j++ {
				if !mask[j] {
					continue
				}
				for k := 0; k < ch; k++ {
					t.Set(t.At(i, j, k)*factor, i, j, k)
				}
			}
		}
	}
	scale(out.media)
	scale(out.organicMedia)
	if byReach {
		scale(out.reach)
		scale(out.organicReach)
	} else {
		scale(out.frequency)
		scale(out.organicFrequency)
	}
	return out
}

// incrementalBatch computes per-channel incremental contributions for one
// draw batch: (effect1-effect0)*beta for adstock+Hill families, and
// (value-baseline)*gamma for non-media treatments, shaped
// (chain, draw, geo, time, channel) on the standardized outcome scale.
// A nil sd0 means the scenario-0 effect is known to be zero.
func (a *Analyzer) incrementalBatch(g model.Group, sd1, sd0 *scaledData, baselines *tensor.Dense, includeNonPaid bool) (*tensor.Dense, error) {
	e1, beta, err := a.combined(g, sd1, includeNonPaid)
	if err != nil {
		return nil, err
	}
	var parts []*tensor.Dense
	if e1 != nil {
		delta := e1
		if sd0 != nil {
			e0, _, err := a.combined(g, sd0, includeNonPaid)
			if err != nil {
				return nil, err
			}
			delta = tensor.Sub(e1, e0)
		}
		parts = append(parts, mulBeta(delta, beta))
	}
	if includeNonPaid && baselines != nil {
		gamma, err := param(g, model.ParamGammaGN)
		if err != nil {
			return nil, err
		}
		dataDelta := tensor.Sub(sd1.nonMedia, baselines)
		parts = append(parts, mulBeta(liftToBatch(dataDelta, gamma.Dim(0), gamma.Dim(1)), gamma))
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: model has no treatment channels", errs.ErrConfigInconsistency)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return tensor.Concat(4, parts...)
}

// mulBeta multiplies (chain, draw, geo, time, channel) effects by
// (chain, draw, geo, channel) coefficients.
func mulBeta(effect, beta *tensor.Dense) *tensor.Dense {
	nc, nd, ng, nt, nk := effect.Dim(0), effect.Dim(1), effect.Dim(2), effect.Dim(3), effect.Dim(4)
	out := effect.Clone()
	for c := 0; c < nc; c++ {
		for d := 0; d < nd; d++ {
			for g := 0; g < ng; g++ {
				for t := 0; t < nt; t++ {
					for k := 0; k < nk; k++ {
						out.Set(out.At(c, d, g, t, k)*beta.At(c, d, g, k), c, d, g, t, k)
					}
				}
			}
		}
	}
	return out
}

// liftToBatch tiles a (geo, time, channel) tensor to
// (chain, draw, geo, time, channel).
func liftToBatch(t *tensor.Dense, nChains, nDraws int) *tensor.Dense {
	out := tensor.New(nChains, nDraws, t.Dim(0), t.Dim(1), t.Dim(2))
	block := t.Size()
	for c := 0; c < nChains; c++ {
		for d := 0; d < nDraws; d++ {
			copy(out.Data()[(c*nDraws+d)*block:(c*nDraws+d+1)*block], t.Data())
		}
	}
	return out
}

// mulByGeoTime multiplies a tensor whose axes geoAxis and geoAxis+1 are
// (geo, time) by a (geo, time) factor, broadcasting over all other axes.
func mulByGeoTime(t *tensor.Dense, factor *tensor.Dense, geoAxis int) *tensor.Dense {
	shape := t.Shape()
	ng, nt := shape[geoAxis], shape[geoAxis+1]
	outer, inner := 1, 1
	for i := 0; i < geoAxis; i++ {
		outer *= shape[i]
	}
	for i := geoAxis + 2; i < len(shape); i++ {
		inner *= shape[i]
	}
	out := t.Clone()
	data := out.Data()
	for o := 0; o < outer; o++ {
		for g := 0; g < ng; g++ {
			for tm := 0; tm < nt; tm++ {
				f := factor.At(g, tm)
				base := ((o*ng+g)*nt + tm) * inner
				for k := 0; k < inner; k++ {
					data[base+k] *= f
				}
			}
		}
	}
	return out
}
