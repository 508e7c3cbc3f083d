package analyzer

import (
	"context"
	"fmt"
	"math"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/internal/transform"
	"github.com/adlift/mmx/pkg/stats"
	"github.com/adlift/mmx/pkg/tensor"
)

// Curve tabulation grids.
const (
	responseCurveStep = 0.2
	responseCurveMax  = 2.0
	adstockDecayStep  = 0.2
	hillCurvePoints   = 40
	hillHistogramBins = 25
)

// ResponsePoint is one (channel, spend multiplier) sample of a response
// curve: the incremental outcome when the channel's execution is scaled
// to multiplier times its history.
type ResponsePoint struct {
	Channel     string            `json:"channel"`
	Multiplier  float64           `json:"multiplier"`
	Spend       float64           `json:"spend"`
	Incremental stats.MetricStats `json:"incremental"`
}

// ResponseCurves is the tabulated dataset for plotting.
type ResponseCurves struct {
	ConfidenceLevel float64         `json:"confidence_level"`
	Points          []ResponsePoint `json:"points"`
}

// ResponseCurveOptions configures ResponseCurves.
type ResponseCurveOptions struct {
	Distribution string
	UseKPI       bool
	ByReach      bool
	// UseOptimalFrequency flights every RF channel at its ROI-optimal
	// frequency (impressions held fixed) before tracing the curves.
	UseOptimalFrequency bool
	ConfidenceLevel     float64
	BatchSize           int
}

// NewResponseCurveOptions returns the defaults.
func NewResponseCurveOptions() ResponseCurveOptions {
	return ResponseCurveOptions{
		Distribution:    DistPosterior,
		ByReach:         true,
		ConfidenceLevel: defaultConfidenceLevel,
		BatchSize:       defaultBatchSize,
	}
}

// ResponseCurvesData samples each paid channel's incremental outcome at
// execution multipliers 0, 0.2, ..., 2.0.
func (a *Analyzer) ResponseCurvesData(ctx context.Context, opts ResponseCurveOptions) (*ResponseCurves, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.ResponseCurves")
	defer span.End()

	spend, err := a.HistoricalSpend(nil)
	if err != nil {
		return nil, err
	}
	var data DataTensors
	if opts.UseOptimalFrequency && a.m.HasRF() {
		if data, err = a.optimalFrequencyData(ctx, opts); err != nil {
			return nil, err
		}
	}
	names := a.m.PaidChannelNames()
	out := &ResponseCurves{ConfidenceLevel: opts.ConfidenceLevel}
	for m := 0.0; m <= responseCurveMax+1e-9; m += responseCurveStep {
		mult := math.Round(m/responseCurveStep) * responseCurveStep
		if mult == 0 {
			// Zero execution has exactly zero incremental outcome.
			for _, name := range names {
				out.Points = append(out.Points, ResponsePoint{Channel: name, Multiplier: 0, Spend: 0, Incremental: stats.MetricStats{}})
			}
			continue
		}
		inc := NewIncrementalOptions()
		inc.Distribution = opts.Distribution
		inc.UseKPI = opts.UseKPI
		inc.ByReach = opts.ByReach
		inc.Data = data
		inc.ScalingFactor1 = mult
		inc.BatchSize = opts.BatchSize
		t, err := a.IncrementalOutcome(ctx, inc)
		if err != nil {
			return nil, err
		}
		for i, name := range names {
			out.Points = append(out.Points, ResponsePoint{
				Channel:     name,
				Multiplier:  mult,
				Spend:       spend[i] * mult,
				Incremental: stats.Summarize(channelDraws(t, i), opts.ConfidenceLevel),
			})
		}
	}
	return out, nil
}

// optimalFrequencyData builds reach/frequency overrides flighting every RF
// channel at its ROI-optimal frequency with impressions unchanged.
func (a *Analyzer) optimalFrequencyData(ctx context.Context, opts ResponseCurveOptions) (DataTensors, error) {
	of := NewOptimalFrequencyOptions()
	of.Distribution = opts.Distribution
	of.UseKPI = opts.UseKPI
	of.ConfidenceLevel = opts.ConfidenceLevel
	of.BatchSize = opts.BatchSize
	results, err := a.OptimalFrequency(ctx, of)
	if err != nil {
		return DataTensors{}, err
	}
	impressions := tensor.Mul(a.m.Reach, a.m.Frequency)
	reach := impressions.Clone()
	freq := tensor.New(impressions.Shape()...)
	for ch, r := range results {
		for g := 0; g < freq.Dim(0); g++ {
			for t := 0; t < freq.Dim(1); t++ {
				freq.Set(r.OptimalFrequency, g, t, ch)
				reach.Set(impressions.At(g, t, ch)/r.OptimalFrequency, g, t, ch)
			}
		}
	}
	return DataTensors{Reach: reach, Frequency: freq}, nil
}

// DecayPoint is one (channel, lag) sample of the adstock decay curve:
// the draw distribution of alpha^lag.
type DecayPoint struct {
	Channel       string  `json:"channel"`
	Distribution  string  `json:"distribution"`
	TimeUnits     float64 `json:"time_units"`
	IsIntTimeUnit bool    `json:"is_int_time_unit"`
	Mean          float64 `json:"mean"`
	CILo          float64 `json:"ci_lo"`
	CIHi          float64 `json:"ci_hi"`
}

// adstockFamilies lists the families whose decay curves are tabulated,
// with their channel names.
func (a *Analyzer) adstockFamilies() []struct {
	fam      family
	channels []string
} {
	var out []struct {
		fam      family
		channels []string
	}
	for _, fam := range a.families(true) {
		var names []string
		switch fam.name {
		case "media":
			names = a.m.MediaChannels
		case "rf":
			names = a.m.RFChannels
		case "organic_media":
			names = a.m.OrganicMediaChannels
		case "organic_rf":
			names = a.m.OrganicRFChannels
		}
		out = append(out, struct {
			fam      family
			channels []string
		}{fam, names})
	}
	return out
}

// AdstockDecay tabulates alpha^lag over a fractional lag grid for every
// adstock channel and both draw groups. Integer lags are flagged so
// plotting layers can mark the discrete decay points.
func (a *Analyzer) AdstockDecay(confidenceLevel float64) ([]DecayPoint, error) {
	if confidenceLevel <= 0 || confidenceLevel >= 1 {
		confidenceLevel = defaultConfidenceLevel
	}
	var points []DecayPoint
	for _, dist := range []string{DistPrior, DistPosterior} {
		g, err := a.m.Inference.Group(dist)
		if err != nil {
			continue
		}
		for _, af := range a.adstockFamilies() {
			alpha, err := param(g, af.fam.alpha)
			if err != nil {
				return nil, err
			}
			for ch, name := range af.channels {
				draws := channelDraws(alpha, ch)
				for l := 0.0; l <= float64(a.m.Dims.MaxLag)+1e-9; l += adstockDecayStep {
					lag := math.Round(l/adstockDecayStep) * adstockDecayStep
					decayed := make([]float64, len(draws))
					for i, v := range draws {
						decayed[i] = math.Pow(v, lag)
					}
					s := stats.Summarize(decayed, confidenceLevel)
					points = append(points, DecayPoint{
						Channel:       name,
						Distribution:  dist,
						TimeUnits:     lag,
						IsIntTimeUnit: math.Abs(lag-math.Round(lag)) < 1e-9,
						Mean:          s.Mean,
						CILo:          s.CILo,
						CIHi:          s.CIHi,
					})
				}
			}
		}
	}
	if points == nil {
		return nil, fmt.Errorf("%w: no draw groups available", errs.ErrNotFitted)
	}
	return points, nil
}

// HillPoint is one (channel, media units) sample of the saturation curve.
type HillPoint struct {
	Channel      string  `json:"channel"`
	Distribution string  `json:"distribution"`
	MediaUnits   float64 `json:"media_units"`
	Mean         float64 `json:"mean"`
	CILo         float64 `json:"ci_lo"`
	CIHi         float64 `json:"ci_hi"`
}

// HillCurveData carries the tabulated saturation curves plus a histogram
// of the observed scaled execution units per channel.
type HillCurveData struct {
	Points     []HillPoint                     `json:"points"`
	Histograms map[string][]stats.HistogramBin `json:"histograms"`
}

// HillCurves tabulates each adstock+Hill channel's saturation curve over
// the observed range of scaled execution units.
func (a *Analyzer) HillCurves(confidenceLevel float64) (*HillCurveData, error) {
	if confidenceLevel <= 0 || confidenceLevel >= 1 {
		confidenceLevel = defaultConfidenceLevel
	}
	sd, err := a.scaledData(DataTensors{}, false)
	if err != nil {
		return nil, err
	}
	out := &HillCurveData{Histograms: map[string][]stats.HistogramBin{}}
	for _, af := range a.adstockFamilies() {
		// RF saturation applies to frequency; media-like to the scaled units.
		units := af.fam.execution(sd)
		if af.fam.rf {
			units = af.fam.frequency(sd)
		}
		for ch, name := range af.channels {
			observed := make([]float64, 0, units.Dim(0)*units.Dim(1))
			maxU := 0.0
			for g := 0; g < units.Dim(0); g++ {
				for t := 0; t < units.Dim(1); t++ {
					v := units.At(g, t, ch)
					observed = append(observed, v)
					if v > maxU {
						maxU = v
					}
				}
			}
			out.Histograms[name] = stats.Histogram(observed, hillHistogramBins)

			for _, dist := range []string{DistPrior, DistPosterior} {
				g, err := a.m.Inference.Group(dist)
				if err != nil {
					continue
				}
				ec, err := param(g, af.fam.ec)
				if err != nil {
					return nil, err
				}
				slope, err := param(g, af.fam.slope)
				if err != nil {
					return nil, err
				}
				ecDraws := channelDraws(ec, ch)
				slopeDraws := channelDraws(slope, ch)
				for i := 0; i <= hillCurvePoints; i++ {
					x := maxU * float64(i) / hillCurvePoints
					vals := make([]float64, len(ecDraws))
					for j := range ecDraws {
						vals[j] = transform.HillValue(x, math.Pow(ecDraws[j], slopeDraws[j]), slopeDraws[j])
					}
					s := stats.Summarize(vals, confidenceLevel)
					out.Points = append(out.Points, HillPoint{
						Channel:      name,
						Distribution: dist,
						MediaUnits:   x,
						Mean:         s.Mean,
						CILo:         s.CILo,
						CIHi:         s.CIHi,
					})
				}
			}
		}
	}
	return out, nil
}
