package transform

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/pkg/tensor"
)

func randMedia(r *rand.Rand, geos, times, channels int) *tensor.Dense {
	m := tensor.New(geos, times, channels)
	for i := range m.Data() {
		m.Data()[i] = math.Abs(r.NormFloat64())
	}
	return m
}

func near(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	return math.Abs(a-b) <= tol
}

func TestAdstockArgErrors(t *testing.T) {
	media := randMedia(rand.New(rand.NewSource(1)), 2, 6, 3)
	alpha := tensor.MustFromSlice([]float64{0.2, 0.5, 0.8}, 3)
	cases := []struct {
		name string
		a    Adstock
		want error
	}{
		{"output exceeds input", Adstock{Alpha: alpha, MaxLag: 2, NTimesOutput: 7}, errs.ErrInvalidArgument},
		{"output non-positive", Adstock{Alpha: alpha, MaxLag: 2, NTimesOutput: 0}, errs.ErrInvalidArgument},
		{"negative lag", Adstock{Alpha: alpha, MaxLag: -1, NTimesOutput: 6}, errs.ErrInvalidArgument},
		{"channel mismatch", Adstock{Alpha: tensor.MustFromSlice([]float64{0.5}, 1), MaxLag: 2, NTimesOutput: 6}, errs.ErrShapeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.a.Forward(media); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAdstockBatchDimMismatch(t *testing.T) {
	media := tensor.New(2, 5, 3, 6, 2)
	alpha := tensor.New(2, 4, 2)
	a := Adstock{Alpha: alpha, MaxLag: 2, NTimesOutput: 6}
	if _, err := a.Forward(media); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}
}

func TestAdstockAlphaZeroIsPassthrough(t *testing.T) {
	media := randMedia(rand.New(rand.NewSource(2)), 3, 8, 2)
	a := Adstock{Alpha: tensor.New(2), MaxLag: 4, NTimesOutput: 8}
	got, err := a.Forward(media)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i, v := range got.Data() {
		if !near(v, media.Data()[i], 1e-12) {
			t.Fatalf("alpha=0 output differs at %d: %v vs %v", i, v, media.Data()[i])
		}
	}
}

func TestAdstockMaxLagZeroIsIdentity(t *testing.T) {
	media := randMedia(rand.New(rand.NewSource(3)), 3, 8, 2)
	a := Adstock{Alpha: tensor.MustFromSlice([]float64{0.3, 0.9}, 2), MaxLag: 0, NTimesOutput: 8}
	got, err := a.Forward(media)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i, v := range got.Data() {
		if !near(v, media.Data()[i], 1e-12) {
			t.Fatalf("max_lag=0 output differs at %d: %v vs %v", i, v, media.Data()[i])
		}
	}
}

func TestAdstockZeroMedia(t *testing.T) {
	media := tensor.New(2, 6, 2)
	a := Adstock{Alpha: tensor.MustFromSlice([]float64{0.4, 0.7}, 2), MaxLag: 3, NTimesOutput: 6}
	got, err := a.Forward(media)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i, v := range got.Data() {
		if v != 0 {
			t.Fatalf("zero media produced nonzero output at %d: %v", i, v)
		}
	}
}

// An impulse at t=0 keeps its full value at t=0 because the single-step
// window renormalizes to weight 1, then decays by alpha/(1+alpha) at t=1.
func TestAdstockImpulseDecay(t *testing.T) {
	media := tensor.MustFromSlice([]float64{
		1, 0, 0, 0,
		0, 0, 0, 0,
	}, 2, 4, 1)
	a := Adstock{Alpha: tensor.MustFromSlice([]float64{0.5}, 1), MaxLag: 1, NTimesOutput: 4}
	got, err := a.Forward(media)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !near(got.At(0, 0, 0), 1.0, 1e-12) {
		t.Fatalf("impulse at t=0 = %v, want 1", got.At(0, 0, 0))
	}
	if !near(got.At(0, 1, 0), 0.5/1.5, 1e-12) {
		t.Fatalf("decayed value at t=1 = %v, want %v", got.At(0, 1, 0), 0.5/1.5)
	}
	if got.At(0, 2, 0) != 0 || got.At(1, 0, 0) != 0 {
		t.Fatal("decay leaked beyond the lag window or across geos")
	}
}

func TestAdstockTrailingWindow(t *testing.T) {
	media := randMedia(rand.New(rand.NewSource(4)), 1, 8, 1)
	full := Adstock{Alpha: tensor.MustFromSlice([]float64{0.6}, 1), MaxLag: 2, NTimesOutput: 8}
	tail := Adstock{Alpha: tensor.MustFromSlice([]float64{0.6}, 1), MaxLag: 2, NTimesOutput: 3}
	a, err := full.Forward(media)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	b, err := tail.Forward(media)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !near(b.At(0, i, 0), a.At(0, 5+i, 0), 1e-12) {
			t.Fatalf("trailing output %d = %v, want %v", i, b.At(0, i, 0), a.At(0, 5+i, 0))
		}
	}
}

func TestHillBoundaries(t *testing.T) {
	ec := tensor.MustFromSlice([]float64{1.0, 0.5}, 2)
	cases := []struct {
		name  string
		media float64
		slope []float64
		want  []float64
	}{
		{"zero media", 0, []float64{1, 2}, []float64{0, 0}},
		{"zero slope", 3, []float64{0, 0}, []float64{0.5, 0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			media := tensor.Full(tc.media, 1, 1, 2)
			h := Hill{EC: ec, Slope: tensor.MustFromSlice(tc.slope, 2)}
			got, err := h.Forward(media)
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			for ch, w := range tc.want {
				if !near(got.At(0, 0, ch), w, 1e-12) {
					t.Fatalf("hill(%v) channel %d = %v, want %v", tc.media, ch, got.At(0, 0, ch), w)
				}
			}
		})
	}
}

func TestHillSlopeEcOne(t *testing.T) {
	media := randMedia(rand.New(rand.NewSource(5)), 2, 4, 2)
	h := Hill{EC: tensor.Full(1, 2), Slope: tensor.Full(1, 2)}
	got, err := h.Forward(media)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i, x := range media.Data() {
		want := x / (1 + x)
		if !near(got.Data()[i], want, 1e-12) {
			t.Fatalf("hill at %d = %v, want %v", i, got.Data()[i], want)
		}
	}
}

func TestHillShapeErrors(t *testing.T) {
	media := tensor.New(2, 4, 2)
	h := Hill{EC: tensor.New(2), Slope: tensor.New(3)}
	if _, err := h.Forward(media); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}
	h = Hill{EC: tensor.New(3), Slope: tensor.New(3)}
	if _, err := h.Forward(media); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}
}

func TestHillOutputBounded(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	media := randMedia(r, 3, 5, 2)
	ec := tensor.MustFromSlice([]float64{0.3, 1.7}, 2)
	slope := tensor.MustFromSlice([]float64{0.8, 2.1}, 2)
	got, err := (&Hill{EC: ec, Slope: slope}).Forward(media)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i, v := range got.Data() {
		if v < 0 || v >= 1 || math.IsNaN(v) {
			t.Fatalf("hill output %d = %v, outside [0, 1)", i, v)
		}
	}
}
