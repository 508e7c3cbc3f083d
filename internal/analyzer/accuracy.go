package analyzer

import (
	"context"

	"github.com/adlift/mmx/pkg/stats"
	"github.com/adlift/mmx/pkg/tensor"
)

// ExpectedVsActual compares the observed outcome against the posterior
// mean of the modeled outcome and of the baseline (all treatments at
// their counterfactual reference), per geo and time.
type ExpectedVsActual struct {
	Geos  []string `json:"geos"`
	Times []string `json:"times"`

	Actual   *tensor.Dense `json:"actual"`   // (geo, time)
	Expected *tensor.Dense `json:"expected"` // (geo, time)
	Baseline *tensor.Dense `json:"baseline"` // (geo, time)
}

// posteriorMeanByGeoTime averages a (chain, draw, geo, time) tensor over
// its draw axes.
func posteriorMeanByGeoTime(t *tensor.Dense) *tensor.Dense {
	n := float64(t.Dim(0) * t.Dim(1))
	return t.SumAxes(0, 1).Scale(1 / n)
}

func (a *Analyzer) actualOutcome(useKPI bool) *tensor.Dense {
	if !useKPI && a.m.RevenuePerKPI != nil {
		return tensor.Mul(a.m.KPI, a.m.RevenuePerKPI)
	}
	return a.m.KPI
}

// ExpectedVsActualData computes the fit dataset on the posterior draws.
func (a *Analyzer) ExpectedVsActualData(ctx context.Context, useKPI bool, batchSize int) (*ExpectedVsActual, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.ExpectedVsActual")
	defer span.End()

	exp := NewExpectedOptions()
	exp.UseKPI = useKPI
	exp.Selection = DimSelection{}
	exp.BatchSize = batchSize
	expected, err := a.ExpectedOutcome(ctx, exp)
	if err != nil {
		return nil, err
	}

	inc := NewIncrementalOptions()
	inc.UseKPI = useKPI
	inc.IncludeNonPaid = true
	inc.AggregateGeos = false
	inc.AggregateTimes = false
	inc.BatchSize = batchSize
	incremental, err := a.IncrementalOutcome(ctx, inc) // (chain, draw, geo, time, channel)
	if err != nil {
		return nil, err
	}

	expectedMean := posteriorMeanByGeoTime(expected)
	baselineMean := tensor.Sub(expectedMean, posteriorMeanByGeoTime(incremental.SumAxis(4)))
	return &ExpectedVsActual{
		Geos:     a.m.Geos,
		Times:    a.m.Times,
		Actual:   a.actualOutcome(useKPI),
		Expected: expectedMean,
		Baseline: baselineMean,
	}, nil
}

// AccuracyRow is one goodness-of-fit measurement.
type AccuracyRow struct {
	Level    string  `json:"level"` // "geo" or "national"
	Split    string  `json:"split"` // "train", "test" or "all"
	RSquared float64 `json:"r_squared"`
	MAPE     float64 `json:"mape"`
	WMAPE    float64 `json:"wmape"`
}

// Accuracy is the predictive-accuracy dataset. Train/test rows appear
// only when the model was fitted with a holdout mask.
type Accuracy struct {
	Rows []AccuracyRow `json:"rows"`
}

// PredictiveAccuracy computes R-squared, MAPE and weighted MAPE of the
// posterior-mean expected outcome against the observed outcome, at geo
// and national level, split by the holdout mask when present.
func (a *Analyzer) PredictiveAccuracy(ctx context.Context, useKPI bool, batchSize int) (*Accuracy, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.PredictiveAccuracy")
	defer span.End()

	exp := NewExpectedOptions()
	exp.UseKPI = useKPI
	exp.Selection = DimSelection{}
	exp.BatchSize = batchSize
	expected, err := a.ExpectedOutcome(ctx, exp)
	if err != nil {
		return nil, err
	}
	pred := posteriorMeanByGeoTime(expected) // (geo, time)
	actual := a.actualOutcome(useKPI)

	out := &Accuracy{}
	add := func(level, split string, act, prd []float64) {
		if len(act) == 0 {
			return
		}
		out.Rows = append(out.Rows, AccuracyRow{
			Level:    level,
			Split:    split,
			RSquared: stats.RSquared(act, prd),
			MAPE:     stats.MAPE(act, prd),
			WMAPE:    stats.WMAPE(act, prd),
		})
	}

	ng, nt := actual.Dim(0), actual.Dim(1)
	geoPoints := func(want func(g, t int) bool) (act, prd []float64) {
		for g := 0; g < ng; g++ {
			for t := 0; t < nt; t++ {
				if want(g, t) {
					act = append(act, actual.At(g, t))
					prd = append(prd, pred.At(g, t))
				}
			}
		}
		return act, prd
	}
	natPoints := func(want func(t int) bool) (act, prd []float64) {
		for t := 0; t < nt; t++ {
			if !want(t) {
				continue
			}
			sa, sp := 0.0, 0.0
			for g := 0; g < ng; g++ {
				sa += actual.At(g, t)
				sp += pred.At(g, t)
			}
			act = append(act, sa)
			prd = append(prd, sp)
		}
		return act, prd
	}

	actAll, prdAll := geoPoints(func(g, t int) bool { return true })
	add("geo", "all", actAll, prdAll)
	actNat, prdNat := natPoints(func(t int) bool { return true })
	add("national", "all", actNat, prdNat)

	if mask := a.m.HoldoutMask; mask != nil {
		held := func(g, t int) bool { return mask.At(g, t) != 0 }
		actTrain, prdTrain := geoPoints(func(g, t int) bool { return !held(g, t) })
		add("geo", "train", actTrain, prdTrain)
		actTest, prdTest := geoPoints(held)
		add("geo", "test", actTest, prdTest)

		// National splits use only time periods whose geos agree on the
		// holdout assignment; mixed periods stay in "all".
		allHeld := func(t int) bool {
			for g := 0; g < ng; g++ {
				if !held(g, t) {
					return false
				}
			}
			return true
		}
		noneHeld := func(t int) bool {
			for g := 0; g < ng; g++ {
				if held(g, t) {
					return false
				}
			}
			return true
		}
		actNT, prdNT := natPoints(noneHeld)
		add("national", "train", actNT, prdNT)
		actNH, prdNH := natPoints(allHeld)
		add("national", "test", actNH, prdNH)
	}
	return out, nil
}
