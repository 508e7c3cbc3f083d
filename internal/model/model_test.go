package model

import (
	"errors"
	"testing"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/pkg/tensor"
)

func TestGroupLookup(t *testing.T) {
	d := &InferenceData{Posterior: Group{"mu_t": tensor.New(2, 10, 4)}}
	if _, err := d.Group("posterior"); err != nil {
		t.Fatalf("posterior lookup: %v", err)
	}
	if _, err := d.Group("prior"); !errors.Is(err, errs.ErrNotFitted) {
		t.Fatalf("missing prior err = %v, want not fitted", err)
	}
	if _, err := d.Group("bogus"); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("unknown group err = %v, want invalid argument", err)
	}
}

func TestChainsAndDraws(t *testing.T) {
	g := Group{"tau_g": tensor.New(3, 7, 2)}
	c, d := g.ChainsAndDraws()
	if c != 3 || d != 7 {
		t.Fatalf("chains, draws = %d, %d, want 3, 7", c, d)
	}
}

func TestSnapshotValidate(t *testing.T) {
	dims := Dims{NGeos: 2, NTimes: 4, NMediaTimes: 4, NMediaChannels: 1}
	s := &Snapshot{
		Dims:          dims,
		Media:         tensor.New(2, 4, 1),
		MediaSpend:    tensor.New(2, 4, 1),
		KPI:           tensor.New(2, 4),
		MediaChannels: []string{"tv"},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	s.Media = tensor.New(3, 4, 1)
	if err := s.Validate(); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}
}

func TestSnapshotReachWithoutFrequency(t *testing.T) {
	dims := Dims{NGeos: 1, NTimes: 2, NMediaTimes: 2, NRFChannels: 1}
	s := &Snapshot{Dims: dims, Reach: tensor.New(1, 2, 1)}
	if err := s.Validate(); !errors.Is(err, errs.ErrConfigInconsistency) {
		t.Fatalf("err = %v, want config inconsistency", err)
	}
}

func TestChannelNameOrder(t *testing.T) {
	s := &Snapshot{
		Dims:             Dims{NMediaChannels: 2, NRFChannels: 1, NNonMediaChannels: 1},
		MediaChannels:    []string{"tv", "radio"},
		RFChannels:       []string{"video"},
		NonMediaChannels: []string{"promo"},
	}
	got := s.AllChannelNames()
	want := []string{"tv", "radio", "video", "promo"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
