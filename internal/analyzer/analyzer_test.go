package analyzer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/internal/model"
	"github.com/adlift/mmx/internal/transform"
	"github.com/adlift/mmx/pkg/tensor"
)

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// mediaSnapshot is the 2-geo, 4-period, single-media-channel model with
// identity transforms and known parameter values: decay 0.5, lag 1,
// half-saturation 1, slope 1, coefficient 2, zero intercepts.
func mediaSnapshot(nChains, nDraws int) *model.Snapshot {
	dims := model.Dims{NGeos: 2, NTimes: 4, NMediaTimes: 4, MaxLag: 1, NMediaChannels: 1}
	g := model.Group{
		model.ParamAlphaM: tensor.Full(0.5, nChains, nDraws, 1),
		model.ParamECM:    tensor.Full(1, nChains, nDraws, 1),
		model.ParamSlopeM: tensor.Full(1, nChains, nDraws, 1),
		model.ParamBetaGM: tensor.Full(2, nChains, nDraws, 2, 1),
		model.ParamMuT:    tensor.New(nChains, nDraws, 4),
		model.ParamTauG:   tensor.New(nChains, nDraws, 2),
	}
	return &model.Snapshot{
		Dims:          dims,
		Geos:          []string{"geo0", "geo1"},
		Times:         []string{"t0", "t1", "t2", "t3"},
		MediaTimes:    []string{"t0", "t1", "t2", "t3"},
		MediaChannels: []string{"tv"},
		Media: tensor.MustFromSlice([]float64{
			1, 0, 0, 0,
			0, 0, 0, 0,
		}, 2, 4, 1),
		MediaSpend:   tensor.Full(1, 2, 4, 1),
		KPI:          tensor.Full(1, 2, 4),
		KPIIsRevenue: true,
		KPITx:        &transform.Affine{},
		Inference:    &model.InferenceData{Posterior: g},
	}
}

// randomSnapshot builds a media+RF model with random data and draws for
// invariance properties.
func randomSnapshot(seed int64, nChains, nDraws int) *model.Snapshot {
	r := rand.New(rand.NewSource(seed))
	randTensor := func(scale float64, shape ...int) *tensor.Dense {
		t := tensor.New(shape...)
		for i := range t.Data() {
			t.Data()[i] = scale * math.Abs(r.NormFloat64())
		}
		return t
	}
	dims := model.Dims{NGeos: 2, NTimes: 5, NMediaTimes: 6, MaxLag: 2, NMediaChannels: 2, NRFChannels: 1, NControls: 1}
	g := model.Group{
		model.ParamAlphaM:  randTensor(0.5, nChains, nDraws, 2),
		model.ParamECM:     randTensor(1, nChains, nDraws, 2),
		model.ParamSlopeM:  randTensor(1, nChains, nDraws, 2),
		model.ParamBetaGM:  randTensor(1, nChains, nDraws, 2, 2),
		model.ParamAlphaRF: randTensor(0.5, nChains, nDraws, 1),
		model.ParamECRF:    randTensor(1, nChains, nDraws, 1),
		model.ParamSlopeRF: randTensor(1, nChains, nDraws, 1),
		model.ParamBetaGRF: randTensor(1, nChains, nDraws, 2, 1),
		model.ParamGammaGC: randTensor(1, nChains, nDraws, 2, 1),
		model.ParamMuT:     randTensor(1, nChains, nDraws, 5),
		model.ParamTauG:    randTensor(1, nChains, nDraws, 2),
	}
	return &model.Snapshot{
		Dims:          dims,
		Geos:          []string{"geo0", "geo1"},
		Times:         []string{"t0", "t1", "t2", "t3", "t4"},
		MediaTimes:    []string{"m0", "t0", "t1", "t2", "t3", "t4"},
		MediaChannels: []string{"tv", "radio"},
		RFChannels:    []string{"video"},
		Media:         randTensor(10, 2, 6, 2),
		MediaSpend:    randTensor(5, 2, 5, 2),
		Reach:         randTensor(100, 2, 6, 1),
		Frequency:     randTensor(2, 2, 6, 1),
		RFSpend:       randTensor(5, 2, 5, 1),
		Controls:      randTensor(1, 2, 5, 1),
		KPI:           randTensor(10, 2, 5),
		KPIIsRevenue:  true,
		KPITx:         &transform.Affine{Shift: []float64{3, -2}, Scale: []float64{2, 5}},
		Inference:     &model.InferenceData{Posterior: g},
	}
}

func mustAnalyzer(t *testing.T, m *model.Snapshot) *Analyzer {
	t.Helper()
	a, err := New(m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestExpectedOutcomeKnownScenario(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	opts := NewExpectedOptions()
	opts.Selection = DimSelection{}
	got, err := a.ExpectedOutcome(context.Background(), opts)
	if err != nil {
		t.Fatalf("ExpectedOutcome: %v", err)
	}
	// Impulse at geo0 t0: adstock 1, hill 0.5, coefficient 2 -> exactly 1.
	if !near(got.At(0, 0, 0, 0), 1.0, 1e-12) {
		t.Fatalf("outcome geo0 t0 = %v, want 1", got.At(0, 0, 0, 0))
	}
	// t1 carries the decayed impulse: (0.5/1.5) through hill, times 2.
	adstocked := 0.5 / 1.5
	want := adstocked / (1 + adstocked) * 2
	if !near(got.At(0, 0, 0, 1), want, 1e-12) {
		t.Fatalf("outcome geo0 t1 = %v, want %v", got.At(0, 0, 0, 1), want)
	}
	for tm := 2; tm < 4; tm++ {
		if !near(got.At(0, 0, 0, tm), 0, 1e-12) {
			t.Fatalf("outcome geo0 t%d = %v, want 0", tm, got.At(0, 0, 0, tm))
		}
	}
	for tm := 0; tm < 4; tm++ {
		if !near(got.At(0, 0, 1, tm), 0, 1e-12) {
			t.Fatalf("outcome geo1 t%d = %v, want 0", tm, got.At(0, 0, 1, tm))
		}
	}
}

func TestIncrementalOutcomeKnownScenario(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	opts := NewIncrementalOptions()
	got, err := a.IncrementalOutcome(context.Background(), opts)
	if err != nil {
		t.Fatalf("IncrementalOutcome: %v", err)
	}
	if got.Rank() != 3 || got.Dim(2) != 1 {
		t.Fatalf("shape = %v, want (1, 1, 1)", got.Shape())
	}
	adstocked := 0.5 / 1.5
	want := 1.0 + adstocked/(1+adstocked)*2
	if !near(got.At(0, 0, 0), want, 1e-12) {
		t.Fatalf("incremental = %v, want %v", got.At(0, 0, 0), want)
	}
}

func TestIncrementalZeroSlopeIsZero(t *testing.T) {
	// slope 0 makes Hill constant at 0.5, so both scenarios have the same
	// effect and the incremental outcome is exactly zero. This exercises
	// the path where the zero-execution scenario cannot be skipped.
	m := mediaSnapshot(1, 2)
	m.Inference.Posterior[model.ParamSlopeM] = tensor.New(1, 2, 1)
	a := mustAnalyzer(t, m)
	got, err := a.IncrementalOutcome(context.Background(), NewIncrementalOptions())
	if err != nil {
		t.Fatalf("IncrementalOutcome: %v", err)
	}
	for i, v := range got.Data() {
		if v != 0 {
			t.Fatalf("incremental[%d] = %v, want 0", i, v)
		}
	}
}

func TestBatchInvariance(t *testing.T) {
	m := randomSnapshot(21, 2, 10)
	for _, fn := range []struct {
		name string
		run  func(a *Analyzer, batchSize int) (*tensor.Dense, error)
	}{
		{"expected", func(a *Analyzer, b int) (*tensor.Dense, error) {
			opts := NewExpectedOptions()
			opts.BatchSize = b
			return a.ExpectedOutcome(context.Background(), opts)
		}},
		{"incremental", func(a *Analyzer, b int) (*tensor.Dense, error) {
			opts := NewIncrementalOptions()
			opts.BatchSize = b
			return a.IncrementalOutcome(context.Background(), opts)
		}},
	} {
		t.Run(fn.name, func(t *testing.T) {
			// Fresh analyzers so the scenario cache cannot bridge the runs.
			x, err := fn.run(mustAnalyzer(t, m), 3)
			if err != nil {
				t.Fatalf("batch=3: %v", err)
			}
			y, err := fn.run(mustAnalyzer(t, m), 10)
			if err != nil {
				t.Fatalf("batch=10: %v", err)
			}
			if !tensor.SameShape(x, y) {
				t.Fatalf("shapes differ: %v vs %v", x.Shape(), y.Shape())
			}
			for i := range x.Data() {
				if x.Data()[i] != y.Data()[i] {
					t.Fatalf("batch size changed value at %d: %v vs %v", i, x.Data()[i], y.Data()[i])
				}
			}
		})
	}
}

func TestAggregationAdditivity(t *testing.T) {
	m := randomSnapshot(22, 1, 6)
	perCell := NewIncrementalOptions()
	perCell.AggregateGeos = false
	perCell.AggregateTimes = false
	full, err := mustAnalyzer(t, m).IncrementalOutcome(context.Background(), perCell)
	if err != nil {
		t.Fatalf("per-cell: %v", err)
	}
	agg := NewIncrementalOptions()
	want, err := mustAnalyzer(t, m).IncrementalOutcome(context.Background(), agg)
	if err != nil {
		t.Fatalf("aggregated: %v", err)
	}
	got := full.SumAxes(2, 3)
	if !tensor.SameShape(got, want) {
		t.Fatalf("shapes differ: %v vs %v", got.Shape(), want.Shape())
	}
	for i := range got.Data() {
		if !near(got.Data()[i], want.Data()[i], 1e-9*math.Abs(want.Data()[i])+1e-12) {
			t.Fatalf("additivity broken at %d: %v vs %v", i, got.Data()[i], want.Data()[i])
		}
	}
}

func TestIncrementalScalingFactorValidation(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	cases := []struct{ f0, f1 float64 }{
		{-0.5, 1},
		{1, 1},
		{2, 1},
	}
	for _, tc := range cases {
		opts := NewIncrementalOptions()
		opts.ScalingFactor0 = tc.f0
		opts.ScalingFactor1 = tc.f1
		if _, err := a.IncrementalOutcome(context.Background(), opts); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("factors (%v, %v): err = %v, want invalid argument", tc.f0, tc.f1, err)
		}
	}
}

func TestRevenueWithoutRevenuePerKPI(t *testing.T) {
	m := mediaSnapshot(1, 1)
	m.KPIIsRevenue = false
	a := mustAnalyzer(t, m)
	opts := NewExpectedOptions() // revenue scale by default
	if _, err := a.ExpectedOutcome(context.Background(), opts); !errors.Is(err, errs.ErrConfigInconsistency) {
		t.Fatalf("err = %v, want config inconsistency", err)
	}
	opts.InverseTransform = false
	if _, err := a.ExpectedOutcome(context.Background(), opts); !errors.Is(err, errs.ErrConfigInconsistency) {
		t.Fatalf("transformed revenue: err = %v, want config inconsistency", err)
	}
}

func TestNotFittedDistribution(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	opts := NewExpectedOptions()
	opts.Distribution = DistPrior
	if _, err := a.ExpectedOutcome(context.Background(), opts); !errors.Is(err, errs.ErrNotFitted) {
		t.Fatalf("err = %v, want not fitted", err)
	}
}

func TestIncrementalSelectedTimesSubset(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	// Scaling restricted to t0 only: the impulse lives at t0, so the
	// result matches the full-window counterfactual.
	opts := NewIncrementalOptions()
	opts.SelectedTimes = []string{"t0"}
	got, err := a.IncrementalOutcome(context.Background(), opts)
	if err != nil {
		t.Fatalf("IncrementalOutcome: %v", err)
	}
	adstocked := 0.5 / 1.5
	want := 1.0 + adstocked/(1+adstocked)*2
	if !near(got.At(0, 0, 0), want, 1e-12) {
		t.Fatalf("selected-time incremental = %v, want %v", got.At(0, 0, 0), want)
	}
	// Scaling only t1 leaves the t0 impulse in both scenarios: zero.
	opts2 := NewIncrementalOptions()
	opts2.SelectedTimes = []string{"t1"}
	got2, err := a.IncrementalOutcome(context.Background(), opts2)
	if err != nil {
		t.Fatalf("IncrementalOutcome: %v", err)
	}
	if !near(got2.At(0, 0, 0), 0, 1e-12) {
		t.Fatalf("off-window incremental = %v, want 0", got2.At(0, 0, 0))
	}
}

func TestIncrementalUnknownTimeName(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	opts := NewIncrementalOptions()
	opts.SelectedTimes = []string{"never"}
	if _, err := a.IncrementalOutcome(context.Background(), opts); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestFlexibleTimeRequiresMask(t *testing.T) {
	m := randomSnapshot(23, 1, 4)
	a := mustAnalyzer(t, m)
	// Override with a longer media-time axis: name selection must be
	// rejected, mask selection accepted.
	override := DataTensors{
		Media:     tensor.Full(1, 2, 8, 2),
		Reach:     tensor.Full(1, 2, 8, 1),
		Frequency: tensor.Full(2, 2, 8, 1),
	}
	opts := NewIncrementalOptions()
	opts.Data = override
	opts.SelectedTimes = []string{"t0"}
	if _, err := a.IncrementalOutcome(context.Background(), opts); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("name selection on flexible axis: err = %v, want invalid argument", err)
	}
	opts.SelectedTimes = nil
	opts.TimeMask = []bool{true, true, true, true, false, false, false, false}
	if _, err := a.IncrementalOutcome(context.Background(), opts); err != nil {
		t.Fatalf("mask selection on flexible axis: %v", err)
	}
}

func TestScenarioCacheReuse(t *testing.T) {
	a := mustAnalyzer(t, mediaSnapshot(1, 1))
	opts := NewIncrementalOptions()
	first, err := a.IncrementalOutcome(context.Background(), opts)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := a.IncrementalOutcome(context.Background(), opts)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatal("identical scenario must be served from the cache")
	}
}

func TestAffineInverseAppliedOnce(t *testing.T) {
	// With a non-trivial outcome transform, the incremental outcome must
	// equal scale*(modeled difference): the shift cancels exactly once.
	m := mediaSnapshot(1, 1)
	m.KPITx = &transform.Affine{Shift: []float64{7, 11}, Scale: []float64{3, 3}}
	a := mustAnalyzer(t, m)
	opts := NewIncrementalOptions()
	got, err := a.IncrementalOutcome(context.Background(), opts)
	if err != nil {
		t.Fatalf("IncrementalOutcome: %v", err)
	}
	adstocked := 0.5 / 1.5
	modeled := 1.0 + adstocked/(1+adstocked)*2
	if !near(got.At(0, 0, 0), 3*modeled, 1e-12) {
		t.Fatalf("incremental = %v, want %v", got.At(0, 0, 0), 3*modeled)
	}
}
