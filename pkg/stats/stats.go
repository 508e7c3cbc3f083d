// Package stats provides the summary statistics used by the analysis
// engine: central tendency with credible intervals over posterior draws,
// histogram binning, and goodness-of-fit metrics.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MetricStats summarizes a sample of draws for one scalar quantity.
type MetricStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	CILo   float64 `json:"ci_lo"`
	CIHi   float64 `json:"ci_hi"`
}

// Summarize computes mean, median and the central credible interval at the
// given confidence level (e.g. 0.9 for a [5%, 95%] interval). NaN draws
// propagate: if any draw is NaN every field is NaN.
func Summarize(draws []float64, confidenceLevel float64) MetricStats {
	for _, v := range draws {
		if math.IsNaN(v) {
			return MetricStats{Mean: math.NaN(), Median: math.NaN(), CILo: math.NaN(), CIHi: math.NaN()}
		}
	}
	sorted := append([]float64(nil), draws...)
	sort.Float64s(sorted)
	lo := (1 - confidenceLevel) / 2
	return MetricStats{
		Mean:   stat.Mean(sorted, nil),
		Median: quantileSorted(0.5, sorted),
		CILo:   quantileSorted(lo, sorted),
		CIHi:   quantileSorted(1-lo, sorted),
	}
}

// Quantile returns the q-th linearly interpolated quantile of xs.
func Quantile(q float64, xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return quantileSorted(q, sorted)
}

// quantileSorted interpolates at rank h = q*(n-1) between the two nearest
// order statistics, so the median of an even-sized sample is the midpoint
// of its two central values.
func quantileSorted(q float64, sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := q * float64(n-1)
	i := int(math.Floor(h))
	switch {
	case i < 0:
		return sorted[0]
	case i >= n-1:
		return sorted[n-1]
	}
	return sorted[i] + (h-float64(i))*(sorted[i+1]-sorted[i])
}

// Mean returns the arithmetic mean of xs.
func Mean(xs []float64) float64 { return stat.Mean(xs, nil) }

// NaNMean returns the mean of the non-NaN entries of xs, or NaN if all
// entries are NaN.
func NaNMean(xs []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range xs {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// NaNArgMax returns the index of the largest non-NaN entry, or -1 if
// every entry is NaN.
func NaNArgMax(xs []float64) int {
	best, bestIdx := math.Inf(-1), -1
	for i, v := range xs {
		if !math.IsNaN(v) && v > best {
			best, bestIdx = v, i
		}
	}
	return bestIdx
}

// HistogramBin is one bar of an equal-width histogram.
type HistogramBin struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Count float64 `json:"count"`
}

// Histogram bins xs into n equal-width bins spanning [min(xs), max(xs)].
// Degenerate input (all equal, or empty) yields a single bin.
func Histogram(xs []float64, n int) []HistogramBin {
	if len(xs) == 0 {
		return nil
	}
	lo, hi := floats.Min(xs), floats.Max(xs)
	if n < 1 || lo == hi {
		return []HistogramBin{{Start: lo, End: hi, Count: float64(len(xs))}}
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	dividers := make([]float64, n+1)
	floats.Span(dividers, lo, hi)
	// stat.Histogram drops values equal to the last divider; widen it so
	// the max lands in the final bin, matching half-open bins elsewhere.
	dividers[n] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, sorted, nil)
	bins := make([]HistogramBin, n)
	width := (hi - lo) / float64(n)
	for i := range bins {
		bins[i] = HistogramBin{Start: lo + float64(i)*width, End: lo + float64(i+1)*width, Count: counts[i]}
	}
	bins[n-1].End = hi
	return bins
}

// RSquared returns the coefficient of determination of predicted vs
// actual, 1 - SSE/SST, with SST taken around the mean of actual.
func RSquared(actual, predicted []float64) float64 {
	mean := stat.Mean(actual, nil)
	sse, sst := 0.0, 0.0
	for i, a := range actual {
		d := a - predicted[i]
		sse += d * d
		m := a - mean
		sst += m * m
	}
	if sst == 0 {
		return math.NaN()
	}
	return 1 - sse/sst
}

// MAPE returns the mean absolute percentage error, skipping points where
// actual is zero.
func MAPE(actual, predicted []float64) float64 {
	sum, n := 0.0, 0
	for i, a := range actual {
		if a == 0 {
			continue
		}
		sum += math.Abs((a - predicted[i]) / a)
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// WMAPE returns the absolute-error sum normalized by the absolute actual
// sum, weighting each point by the magnitude of its actual value.
func WMAPE(actual, predicted []float64) float64 {
	num, den := 0.0, 0.0
	for i, a := range actual {
		num += math.Abs(a - predicted[i])
		den += math.Abs(a)
	}
	if den == 0 {
		return math.NaN()
	}
	return num / den
}
