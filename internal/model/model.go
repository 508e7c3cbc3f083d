// Package model holds the fitted-model snapshot consumed by the analysis
// engine: dimension constants, coordinate names, the original data
// tensors, the fitted transforms, and the prior/posterior draw groups.
//
// Nothing here computes; the snapshot is a read-only value object produced
// by the fitting and ingestion collaborators.
package model

import (
	"fmt"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/internal/transform"
	"github.com/adlift/mmx/pkg/tensor"
)

// Parameter names used in the draw groups. One set per channel family,
// plus intercepts and control coefficients.
const (
	ParamAlphaM   = "alpha_m"
	ParamECM      = "ec_m"
	ParamSlopeM   = "slope_m"
	ParamBetaGM   = "beta_gm"
	ParamAlphaRF  = "alpha_rf"
	ParamECRF     = "ec_rf"
	ParamSlopeRF  = "slope_rf"
	ParamBetaGRF  = "beta_grf"
	ParamAlphaOM  = "alpha_om"
	ParamECOM     = "ec_om"
	ParamSlopeOM  = "slope_om"
	ParamBetaGOM  = "beta_gom"
	ParamAlphaORF = "alpha_orf"
	ParamECORF    = "ec_orf"
	ParamSlopeORF = "slope_orf"
	ParamBetaGORF = "beta_gorf"
	ParamGammaGN  = "gamma_gn"
	ParamGammaGC  = "gamma_gc"
	ParamMuT      = "mu_t"
	ParamTauG     = "tau_g"
)

// Dims are the declared dimension constants used for shape validation.
// NMediaTimes may exceed NTimes when the data carries lagged history
// before the modeled window.
type Dims struct {
	NGeos       int
	NTimes      int
	NMediaTimes int
	MaxLag      int

	NMediaChannels        int
	NRFChannels           int
	NOrganicMediaChannels int
	NOrganicRFChannels    int
	NNonMediaChannels     int
	NControls             int
}

// NPaidChannels is the media+RF channel count.
func (d Dims) NPaidChannels() int { return d.NMediaChannels + d.NRFChannels }

// NAllChannels counts every treatment channel across the five families.
func (d Dims) NAllChannels() int {
	return d.NMediaChannels + d.NRFChannels + d.NOrganicMediaChannels +
		d.NOrganicRFChannels + d.NNonMediaChannels
}

// Group is one draw collection: parameter name to a tensor shaped
// (chain, draw, ...).
type Group map[string]*tensor.Dense

// InferenceData carries the prior and posterior draw groups. A group left
// nil means the corresponding sampling stage has not run.
type InferenceData struct {
	Prior     Group
	Posterior Group
}

// Group returns the named draw group ("prior" or "posterior").
func (d *InferenceData) Group(name string) (Group, error) {
	var g Group
	switch name {
	case "prior":
		g = d.Prior
	case "posterior":
		g = d.Posterior
	default:
		return nil, fmt.Errorf("%w: unknown draw group %q", errs.ErrInvalidArgument, name)
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s draws are not available", errs.ErrNotFitted, name)
	}
	return g, nil
}

// ChainsAndDraws reads the (chain, draw) counts off any parameter in the
// group. Groups are built by the sampler with uniform leading dims.
func (g Group) ChainsAndDraws() (nChains, nDraws int) {
	for _, t := range g {
		return t.Dim(0), t.Dim(1)
	}
	return 0, 0
}

// Snapshot is the complete read-only view of a fitted model.
type Snapshot struct {
	Dims Dims

	Geos       []string
	Times      []string
	MediaTimes []string

	MediaChannels        []string
	RFChannels           []string
	OrganicMediaChannels []string
	OrganicRFChannels    []string
	NonMediaChannels     []string
	ControlNames         []string

	// Original data tensors, raw scale. Channel-family tensors are
	// (geo, media_time, channel); controls are (geo, time, control);
	// KPI and RevenuePerKPI are (geo, time). Absent families are nil.
	Media              *tensor.Dense
	MediaSpend         *tensor.Dense
	Reach              *tensor.Dense
	Frequency          *tensor.Dense
	RFSpend            *tensor.Dense
	OrganicMedia       *tensor.Dense
	OrganicReach       *tensor.Dense
	OrganicFrequency   *tensor.Dense
	NonMediaTreatments *tensor.Dense
	Controls           *tensor.Dense
	KPI                *tensor.Dense
	RevenuePerKPI      *tensor.Dense

	// Fitted transforms from the ingestion collaborator.
	MediaTx        *transform.ColumnAffine
	ReachTx        *transform.ColumnAffine
	OrganicMediaTx *transform.ColumnAffine
	OrganicReachTx *transform.ColumnAffine
	NonMediaTx     *transform.ColumnAffine
	ControlsTx     *transform.ColumnAffine
	KPITx          *transform.Affine

	// KPIIsRevenue marks models whose KPI is already a revenue quantity;
	// revenue-vs-KPI flags are then computationally identical.
	KPIIsRevenue bool

	// HoldoutMask flags (geo, time) cells excluded from fitting, 1 for
	// held out. Nil when the model was fitted on all cells.
	HoldoutMask *tensor.Dense

	National bool

	Inference *InferenceData
}

// HasMedia reports whether the media family is present.
func (s *Snapshot) HasMedia() bool { return s.Media != nil }

// HasRF reports whether the reach/frequency family is present.
func (s *Snapshot) HasRF() bool { return s.Reach != nil }

// HasOrganicMedia reports whether the organic media family is present.
func (s *Snapshot) HasOrganicMedia() bool { return s.OrganicMedia != nil }

// HasOrganicRF reports whether the organic reach/frequency family is present.
func (s *Snapshot) HasOrganicRF() bool { return s.OrganicReach != nil }

// HasNonMedia reports whether non-media treatments are present.
func (s *Snapshot) HasNonMedia() bool { return s.NonMediaTreatments != nil }

// AllChannelNames returns treatment channel names in canonical
// concatenation order: media, RF, organic media, organic RF, non-media.
func (s *Snapshot) AllChannelNames() []string {
	out := make([]string, 0, s.Dims.NAllChannels())
	out = append(out, s.MediaChannels...)
	out = append(out, s.RFChannels...)
	out = append(out, s.OrganicMediaChannels...)
	out = append(out, s.OrganicRFChannels...)
	out = append(out, s.NonMediaChannels...)
	return out
}

// PaidChannelNames returns media then RF channel names.
func (s *Snapshot) PaidChannelNames() []string {
	out := make([]string, 0, s.Dims.NPaidChannels())
	out = append(out, s.MediaChannels...)
	out = append(out, s.RFChannels...)
	return out
}

// Validate checks the snapshot's tensors against its declared dims.
func (s *Snapshot) Validate() error {
	check := func(name string, t *tensor.Dense, want ...int) error {
		if t == nil {
			return nil
		}
		got := t.Shape()
		if len(got) != len(want) {
			return fmt.Errorf("%w: %s has shape %v, want rank %d", errs.ErrShapeMismatch, name, got, len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				return fmt.Errorf("%w: %s has shape %v, want %v", errs.ErrShapeMismatch, name, got, want)
			}
		}
		return nil
	}
	d := s.Dims
	for _, c := range []struct {
		name string
		t    *tensor.Dense
		want []int
	}{
		{"media", s.Media, []int{d.NGeos, d.NMediaTimes, d.NMediaChannels}},
		{"media_spend", s.MediaSpend, []int{d.NGeos, d.NTimes, d.NMediaChannels}},
		{"reach", s.Reach, []int{d.NGeos, d.NMediaTimes, d.NRFChannels}},
		{"frequency", s.Frequency, []int{d.NGeos, d.NMediaTimes, d.NRFChannels}},
		{"rf_spend", s.RFSpend, []int{d.NGeos, d.NTimes, d.NRFChannels}},
		{"organic_media", s.OrganicMedia, []int{d.NGeos, d.NMediaTimes, d.NOrganicMediaChannels}},
		{"organic_reach", s.OrganicReach, []int{d.NGeos, d.NMediaTimes, d.NOrganicRFChannels}},
		{"organic_frequency", s.OrganicFrequency, []int{d.NGeos, d.NMediaTimes, d.NOrganicRFChannels}},
		{"non_media_treatments", s.NonMediaTreatments, []int{d.NGeos, d.NTimes, d.NNonMediaChannels}},
		{"controls", s.Controls, []int{d.NGeos, d.NTimes, d.NControls}},
		{"kpi", s.KPI, []int{d.NGeos, d.NTimes}},
		{"revenue_per_kpi", s.RevenuePerKPI, []int{d.NGeos, d.NTimes}},
		{"holdout_mask", s.HoldoutMask, []int{d.NGeos, d.NTimes}},
	} {
		if err := check(c.name, c.t, c.want...); err != nil {
			return err
		}
	}
	if s.HasRF() && s.Frequency == nil {
		return fmt.Errorf("%w: reach present without frequency", errs.ErrConfigInconsistency)
	}
	if s.HasOrganicRF() && s.OrganicFrequency == nil {
		return fmt.Errorf("%w: organic reach present without organic frequency", errs.ErrConfigInconsistency)
	}
	return nil
}
