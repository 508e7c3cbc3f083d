// Package analyzer implements the post-fit analysis engine: expected and
// incremental outcome under counterfactual scenarios, derived spend
// metrics (ROI, marginal ROI, CPIK, effectiveness, contribution), summary
// datasets, response curves and the optimal-frequency search.
//
// All tensors follow the canonical axis order (chain, draw, geo, time,
// channel); data tensors drop the leading batch axes.
package analyzer

import (
	"fmt"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/internal/model"
	"github.com/adlift/mmx/pkg/tensor"
)

// DataTensors is the per-call bundle of optional raw-scale overrides.
// A nil slot means "use the model's original tensor". Populated slots are
// shaped like their snapshot counterparts: channel-family tensors
// (geo, media_time, channel), spend and non-media (geo, time, channel),
// revenue per KPI (geo, time).
//
// Bundles are immutable once built; merging produces a new bundle.
type DataTensors struct {
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
	RevenuePerKPI      *tensor.Dense
}

// fillMissing overlays d on the snapshot's originals: every nil slot is
// filled from the model, populated slots win.
func (d DataTensors) fillMissing(s *model.Snapshot) DataTensors {
	pick := func(override, original *tensor.Dense) *tensor.Dense {
		if override != nil {
			return override
		}
		return original
	}
	return DataTensors{
		Media:              pick(d.Media, s.Media),
		MediaSpend:         pick(d.MediaSpend, s.MediaSpend),
		Reach:              pick(d.Reach, s.Reach),
		Frequency:          pick(d.Frequency, s.Frequency),
		RFSpend:            pick(d.RFSpend, s.RFSpend),
		OrganicMedia:       pick(d.OrganicMedia, s.OrganicMedia),
		OrganicReach:       pick(d.OrganicReach, s.OrganicReach),
		OrganicFrequency:   pick(d.OrganicFrequency, s.OrganicFrequency),
		NonMediaTreatments: pick(d.NonMediaTreatments, s.NonMediaTreatments),
		Controls:           pick(d.Controls, s.Controls),
		RevenuePerKPI:      pick(d.RevenuePerKPI, s.RevenuePerKPI),
	}
}

// slots enumerates the bundle for validation, with each tensor's expected
// channel count and whether its time axis is the media-time axis.
func (d *DataTensors) slots(dims model.Dims) []struct {
	name      string
	t         *tensor.Dense
	channels  int
	mediaTime bool
} {
	return []struct {
		name      string
		t         *tensor.Dense
		channels  int
		mediaTime bool
	}{
		{"media", d.Media, dims.NMediaChannels, true},
		{"media_spend", d.MediaSpend, dims.NMediaChannels, false},
		{"reach", d.Reach, dims.NRFChannels, true},
		{"frequency", d.Frequency, dims.NRFChannels, true},
		{"rf_spend", d.RFSpend, dims.NRFChannels, false},
		{"organic_media", d.OrganicMedia, dims.NOrganicMediaChannels, true},
		{"organic_reach", d.OrganicReach, dims.NOrganicRFChannels, true},
		{"organic_frequency", d.OrganicFrequency, dims.NOrganicRFChannels, true},
		{"non_media_treatments", d.NonMediaTreatments, dims.NNonMediaChannels, false},
		{"controls", d.Controls, dims.NControls, false},
		{"revenue_per_kpi", d.RevenuePerKPI, -1, false},
	}
}

// validate checks every populated slot against the snapshot dims. When
// flexibleTimes is true the time axes may differ from the model's
// historical lengths but must agree with each other; the shared media-time
// length is returned (equal to dims.NMediaTimes in the rigid case).
func (d *DataTensors) validate(s *model.Snapshot, flexibleTimes bool) (nMediaTimes, nTimes int, err error) {
	dims := s.Dims
	nMediaTimes, nTimes = -1, -1
	for _, slot := range d.slots(dims) {
		if slot.t == nil {
			continue
		}
		wantRank := 3
		if slot.channels < 0 {
			wantRank = 2
		}
		if slot.t.Rank() != wantRank {
			return 0, 0, fmt.Errorf("%w: %s has rank %d, want %d", errs.ErrShapeMismatch, slot.name, slot.t.Rank(), wantRank)
		}
		if slot.t.Dim(0) != dims.NGeos {
			return 0, 0, fmt.Errorf("%w: %s has %d geos, model has %d", errs.ErrShapeMismatch, slot.name, slot.t.Dim(0), dims.NGeos)
		}
		if slot.channels >= 0 && slot.t.Dim(2) != slot.channels {
			return 0, 0, fmt.Errorf("%w: %s has %d channels, model has %d", errs.ErrShapeMismatch, slot.name, slot.t.Dim(2), slot.channels)
		}
		got := slot.t.Dim(1)
		if slot.mediaTime {
			switch {
			case nMediaTimes == -1:
				nMediaTimes = got
			case got != nMediaTimes:
				return 0, 0, fmt.Errorf("%w: %s has %d media times, other tensors have %d", errs.ErrShapeMismatch, slot.name, got, nMediaTimes)
			}
		} else {
			switch {
			case nTimes == -1:
				nTimes = got
			case got != nTimes:
				return 0, 0, fmt.Errorf("%w: %s has %d times, other tensors have %d", errs.ErrShapeMismatch, slot.name, got, nTimes)
			}
		}
	}
	if nMediaTimes == -1 {
		nMediaTimes = dims.NMediaTimes
	}
	if nTimes == -1 {
		nTimes = dims.NTimes
	}
	if !flexibleTimes {
		if nMediaTimes != dims.NMediaTimes {
			return 0, 0, fmt.Errorf("%w: media time axis has %d steps, model has %d", errs.ErrShapeMismatch, nMediaTimes, dims.NMediaTimes)
		}
		if nTimes != dims.NTimes {
			return 0, 0, fmt.Errorf("%w: time axis has %d steps, model has %d", errs.ErrShapeMismatch, nTimes, dims.NTimes)
		}
	}
	if nMediaTimes < nTimes {
		return 0, 0, fmt.Errorf("%w: media time axis (%d) shorter than time axis (%d)", errs.ErrShapeMismatch, nMediaTimes, nTimes)
	}
	return nMediaTimes, nTimes, nil
}

// fingerprint hashes the populated slots for scenario-cache keys.
func (d DataTensors) fingerprint() uint64 {
	var fp uint64 = 1469598103934665603
	mix := func(t *tensor.Dense) {
		fp ^= 0x9e3779b97f4a7c15
		fp *= 1099511628211
		if t != nil {
			fp ^= t.Fingerprint()
			fp *= 1099511628211
		}
	}
	for _, t := range []*tensor.Dense{
		d.Media, d.MediaSpend, d.Reach, d.Frequency, d.RFSpend,
		d.OrganicMedia, d.OrganicReach, d.OrganicFrequency,
		d.NonMediaTreatments, d.Controls, d.RevenuePerKPI,
	} {
		mix(t)
	}
	return fp
}
