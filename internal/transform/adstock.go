package transform

import (
	"fmt"
	"math"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/pkg/tensor"
)

// Adstock applies geometric lag decay over a window of MaxLag past time
// steps. Alpha holds per-channel decay rates in [0, 1), shaped either
// (channel) or (chain, draw, channel). Output time step t aggregates input
// steps t-MaxLag..t with weights alpha^0..alpha^MaxLag, renormalized over
// the valid window where the series start clips the lag.
type Adstock struct {
	Alpha        *tensor.Dense
	MaxLag       int
	NTimesOutput int
}

// Hill applies the saturation curve x^s / (x^s + ec^s) elementwise. EC and
// Slope hold per-channel parameters shaped (channel) or
// (chain, draw, channel). slope=0 yields the constant 0.5 and x=0 with a
// positive slope yields 0.
type Hill struct {
	EC    *tensor.Dense
	Slope *tensor.Dense
}

// mediaDims validates a media-like tensor of rank 3 (geo, time, channel)
// or rank 5 (chain, draw, geo, time, channel) against per-channel
// parameters of rank 1 or 3 and returns the resolved dimensions. The
// output carries batch dims when either input has them; batched media
// must match batched params exactly.
func mediaDims(media, params *tensor.Dense, what string) (nChains, nDraws, nGeos, nTimes, nChannels int, err error) {
	switch params.Rank() {
	case 1:
		nChains, nDraws, nChannels = 1, 1, params.Dim(0)
	case 3:
		nChains, nDraws, nChannels = params.Dim(0), params.Dim(1), params.Dim(2)
	default:
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: %s params must have rank 1 or 3, got %v", errs.ErrShapeMismatch, what, params.Shape())
	}
	switch media.Rank() {
	case 3:
		nGeos, nTimes = media.Dim(0), media.Dim(1)
		if media.Dim(2) != nChannels {
			return 0, 0, 0, 0, 0, fmt.Errorf("%w: media has %d channels, %s params have %d", errs.ErrShapeMismatch, media.Dim(2), what, nChannels)
		}
	case 5:
		if params.Rank() == 3 && (media.Dim(0) != nChains || media.Dim(1) != nDraws) {
			return 0, 0, 0, 0, 0, fmt.Errorf("%w: media batch dims (%d, %d) do not match %s params (%d, %d)",
				errs.ErrShapeMismatch, media.Dim(0), media.Dim(1), what, nChains, nDraws)
		}
		nChains, nDraws = media.Dim(0), media.Dim(1)
		nGeos, nTimes = media.Dim(2), media.Dim(3)
		if media.Dim(4) != nChannels {
			return 0, 0, 0, 0, 0, fmt.Errorf("%w: media has %d channels, %s params have %d", errs.ErrShapeMismatch, media.Dim(4), what, nChannels)
		}
	default:
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: media must have rank 3 or 5, got %v", errs.ErrShapeMismatch, media.Shape())
	}
	return nChains, nDraws, nGeos, nTimes, nChannels, nil
}

// mediaAt reads media at (c, d, g, t, ch) regardless of media's rank.
func mediaAt(media *tensor.Dense, c, d, g, t, ch int) float64 {
	if media.Rank() == 3 {
		return media.At(g, t, ch)
	}
	return media.At(c, d, g, t, ch)
}

func paramAt(p *tensor.Dense, c, d, ch int) float64 {
	if p.Rank() == 1 {
		return p.At(ch)
	}
	return p.At(c, d, ch)
}

// Forward computes the adstocked tensor. The result is shaped
// (chain, draw, geo, NTimesOutput, channel) when either input carries
// batch dims, otherwise (geo, NTimesOutput, channel).
func (a *Adstock) Forward(media *tensor.Dense) (*tensor.Dense, error) {
	nChains, nDraws, nGeos, nTimes, nChannels, err := mediaDims(media, a.Alpha, "alpha")
	if err != nil {
		return nil, err
	}
	if a.MaxLag < 0 {
		return nil, fmt.Errorf("%w: max lag must be non-negative, got %d", errs.ErrInvalidArgument, a.MaxLag)
	}
	if a.NTimesOutput <= 0 {
		return nil, fmt.Errorf("%w: output time count must be positive, got %d", errs.ErrInvalidArgument, a.NTimesOutput)
	}
	if a.NTimesOutput > nTimes {
		return nil, fmt.Errorf("%w: output time count %d exceeds input time count %d", errs.ErrInvalidArgument, a.NTimesOutput, nTimes)
	}

	nOut := a.NTimesOutput
	batched := media.Rank() == 5 || a.Alpha.Rank() == 3
	var out *tensor.Dense
	if batched {
		out = tensor.New(nChains, nDraws, nGeos, nOut, nChannels)
	} else {
		out = tensor.New(nGeos, nOut, nChannels)
	}

	pow := make([]float64, a.MaxLag+1)
	for c := 0; c < nChains; c++ {
		for d := 0; d < nDraws; d++ {
			for ch := 0; ch < nChannels; ch++ {
				alpha := paramAt(a.Alpha, c, d, ch)
				pow[0] = 1
				for k := 1; k <= a.MaxLag; k++ {
					pow[k] = pow[k-1] * alpha
				}
				for g := 0; g < nGeos; g++ {
					for t := 0; t < nOut; t++ {
						tIn := nTimes - nOut + t
						kMax := a.MaxLag
						if tIn < kMax {
							kMax = tIn
						}
						num, den := 0.0, 0.0
						for k := 0; k <= kMax; k++ {
							num += pow[k] * mediaAt(media, c, d, g, tIn-k, ch)
							den += pow[k]
						}
						v := num / den
						if batched {
							out.Set(v, c, d, g, t, ch)
						} else {
							out.Set(v, g, t, ch)
						}
					}
				}
			}
		}
	}
	return out, nil
}

// AdstockWeight returns the normalized decay weight at a (possibly fractional)
// lag offset l for decay rate alpha: alpha^l over the sum of the integer
// window weights. Used for the decay tabulation, not the forward pass.
func AdstockWeight(alpha float64, maxLag int, l float64) float64 {
	den := 0.0
	p := 1.0
	for k := 0; k <= maxLag; k++ {
		den += p
		p *= alpha
	}
	return math.Pow(alpha, l) / den
}

// Forward computes the saturated tensor with the same shape conventions
// as Adstock.Forward.
func (h *Hill) Forward(media *tensor.Dense) (*tensor.Dense, error) {
	if !tensor.SameShape(h.EC, h.Slope) {
		return nil, fmt.Errorf("%w: ec shape %v does not match slope shape %v", errs.ErrShapeMismatch, h.EC.Shape(), h.Slope.Shape())
	}
	nChains, nDraws, nGeos, nTimes, nChannels, err := mediaDims(media, h.EC, "hill")
	if err != nil {
		return nil, err
	}
	batched := media.Rank() == 5 || h.EC.Rank() == 3
	var out *tensor.Dense
	if batched {
		out = tensor.New(nChains, nDraws, nGeos, nTimes, nChannels)
	} else {
		out = tensor.New(nGeos, nTimes, nChannels)
	}
	for c := 0; c < nChains; c++ {
		for d := 0; d < nDraws; d++ {
			for ch := 0; ch < nChannels; ch++ {
				ec := paramAt(h.EC, c, d, ch)
				slope := paramAt(h.Slope, c, d, ch)
				ecS := math.Pow(ec, slope)
				for g := 0; g < nGeos; g++ {
					for t := 0; t < nTimes; t++ {
						v := HillValue(mediaAt(media, c, d, g, t, ch), ecS, slope)
						if batched {
							out.Set(v, c, d, g, t, ch)
						} else {
							out.Set(v, g, t, ch)
						}
					}
				}
			}
		}
	}
	return out, nil
}

// HillValue evaluates x^slope / (x^slope + ecS) where ecS is ec^slope,
// precomputed by the caller. math.Pow(0, 0) = 1, so slope=0 yields 0.5
// and x=0 with positive slope yields 0, matching the curve's limits.
func HillValue(x, ecS, slope float64) float64 {
	xs := math.Pow(x, slope)
	return xs / (xs + ecS)
}
