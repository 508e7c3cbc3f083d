// Package diagnostics computes MCMC convergence statistics over the
// posterior draw groups.
package diagnostics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/internal/model"
)

// ConvergenceThreshold is the R-hat value above which chains are treated
// as not converged.
const ConvergenceThreshold = 1.2

// RHat holds the potential-scale-reduction values for one parameter, one
// value per scalar element beyond the (chain, draw) axes.
type RHat struct {
	Param  string    `json:"param"`
	Values []float64 `json:"values"`
	Max    float64   `json:"max"`
	Mean   float64   `json:"mean"`
}

// rhatScalar computes the Gelman-Rubin potential scale reduction for one
// scalar quantity sampled as draws[chain][draw]:
//
//	sigma2 = (n-1)/n * W + B/n
//	rhat   = sqrt((m+1)/m * sigma2/W - (n-1)/(m*n))
//
// where W is the mean within-chain variance and B/n the between-chain
// variance of chain means.
func rhatScalar(draws [][]float64) float64 {
	m := float64(len(draws))
	n := float64(len(draws[0]))
	chainMeans := make([]float64, len(draws))
	w := 0.0
	for i, chain := range draws {
		mean, variance := stat.MeanVariance(chain, nil)
		chainMeans[i] = mean
		w += variance
	}
	w /= m
	bOverN := stat.Variance(chainMeans, nil)
	if w == 0 {
		if bOverN == 0 {
			return 1
		}
		return math.Inf(1)
	}
	sigma2 := (n-1)/n*w + bOverN
	return math.Sqrt((m+1)/m*sigma2/w - (n-1)/(m*n))
}

// ComputeRHat computes R-hat for every parameter in the group. The group
// must carry at least two chains and two draws per chain.
func ComputeRHat(g model.Group) ([]RHat, error) {
	var names []string
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]RHat, 0, len(names))
	for _, name := range names {
		t := g[name]
		nChains, nDraws := t.Dim(0), t.Dim(1)
		if nChains < 2 {
			return nil, fmt.Errorf("%w: r-hat requires at least 2 chains, %q has %d", errs.ErrInvalidArgument, name, nChains)
		}
		if nDraws < 2 {
			return nil, fmt.Errorf("%w: r-hat requires at least 2 draws per chain, %q has %d", errs.ErrInvalidArgument, name, nDraws)
		}
		inner := t.Size() / (nChains * nDraws)
		values := make([]float64, inner)
		for e := 0; e < inner; e++ {
			draws := make([][]float64, nChains)
			for c := 0; c < nChains; c++ {
				draws[c] = make([]float64, nDraws)
				for d := 0; d < nDraws; d++ {
					draws[c][d] = t.Data()[(c*nDraws+d)*inner+e]
				}
			}
			values[e] = rhatScalar(draws)
		}
		r := RHat{Param: name, Values: values, Max: math.Inf(-1)}
		sum := 0.0
		for _, v := range values {
			if v > r.Max {
				r.Max = v
			}
			sum += v
		}
		r.Mean = sum / float64(len(values))
		out = append(out, r)
	}
	return out, nil
}

// SummaryRow aggregates one parameter's convergence state.
type SummaryRow struct {
	Param     string  `json:"param"`
	NValues   int     `json:"n_values"`
	MaxRHat   float64 `json:"max_rhat"`
	MeanRHat  float64 `json:"mean_rhat"`
	PctAbove  float64 `json:"pct_above_threshold"`
	Converged bool    `json:"converged"`
}

// Summarize flattens R-hat results into per-parameter rows against the
// given threshold (ConvergenceThreshold when zero).
func Summarize(rhats []RHat, threshold float64) []SummaryRow {
	if threshold <= 0 {
		threshold = ConvergenceThreshold
	}
	rows := make([]SummaryRow, 0, len(rhats))
	for _, r := range rhats {
		above := 0
		for _, v := range r.Values {
			if math.IsNaN(v) || v > threshold {
				above++
			}
		}
		rows = append(rows, SummaryRow{
			Param:     r.Param,
			NValues:   len(r.Values),
			MaxRHat:   r.Max,
			MeanRHat:  r.Mean,
			PctAbove:  float64(above) / float64(len(r.Values)) * 100,
			Converged: !math.IsNaN(r.Max) && r.Max <= threshold,
		})
	}
	return rows
}

// CheckConvergence returns ErrConvergence when any parameter's R-hat is
// NaN, infinite or above the threshold.
func CheckConvergence(rhats []RHat, threshold float64) error {
	if threshold <= 0 {
		threshold = ConvergenceThreshold
	}
	for _, r := range rhats {
		if math.IsNaN(r.Max) || math.IsInf(r.Max, 1) || r.Max > threshold {
			return fmt.Errorf("%w: parameter %q has r-hat %v (threshold %v)", errs.ErrConvergence, r.Param, r.Max, threshold)
		}
	}
	return nil
}
