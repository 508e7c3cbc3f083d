package transform

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/pkg/tensor"
)

func TestAffineRoundTrip(t *testing.T) {
	a := &Affine{Shift: []float64{2, -1}, Scale: []float64{3, 0.5}}
	x := tensor.MustFromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	fwd, err := a.Forward(x, 0)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	back, err := a.Inverse(fwd, 0)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	for i := range x.Data() {
		if !near(back.Data()[i], x.Data()[i], 1e-12) {
			t.Fatalf("round trip differs at %d: %v vs %v", i, back.Data()[i], x.Data()[i])
		}
	}
}

// Differences of forward-transformed values commute with the inverse: a
// single InverseDelta of the difference equals the difference of the two
// full inverses.
func TestAffineDeltaCommutesWithSubtraction(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	a := &Affine{Shift: []float64{5, -3}, Scale: []float64{2, 7}}
	sA := tensor.New(2, 4)
	sB := tensor.New(2, 4)
	for i := range sA.Data() {
		sA.Data()[i] = r.NormFloat64()
		sB.Data()[i] = r.NormFloat64()
	}
	invA, err := a.Inverse(sA, 0)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	invB, err := a.Inverse(sB, 0)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	want := tensor.Sub(invA, invB)
	got, err := a.InverseDelta(tensor.Sub(sA, sB), 0)
	if err != nil {
		t.Fatalf("InverseDelta: %v", err)
	}
	for i := range want.Data() {
		if !near(got.Data()[i], want.Data()[i], 1e-9) {
			t.Fatalf("delta at %d = %v, want %v", i, got.Data()[i], want.Data()[i])
		}
	}
}

func TestAffineGeoAxisPosition(t *testing.T) {
	a := &Affine{Scale: []float64{2, 3}}
	x := tensor.Full(1, 4, 2, 5) // geo axis in the middle
	got, err := a.InverseDelta(x, 1)
	if err != nil {
		t.Fatalf("InverseDelta: %v", err)
	}
	if got.At(0, 0, 0) != 2 || got.At(3, 1, 4) != 3 {
		t.Fatalf("geo-axis scaling wrong: %v, %v", got.At(0, 0, 0), got.At(3, 1, 4))
	}
}

func TestAffineGeoCountMismatch(t *testing.T) {
	a := &Affine{Scale: []float64{1, 2, 3}}
	x := tensor.New(2, 4)
	if _, err := a.Forward(x, 0); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}
}

func TestNilAffineIsIdentity(t *testing.T) {
	var a *Affine
	x := tensor.MustFromSlice([]float64{1, 2, 3, 4}, 2, 2)
	got, err := a.Forward(x, 0)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range x.Data() {
		if got.Data()[i] != x.Data()[i] {
			t.Fatal("nil transform must be identity")
		}
	}
}

func TestColumnAffineRoundTrip(t *testing.T) {
	scale := tensor.MustFromSlice([]float64{2, 4, 3, 6}, 2, 2)
	shift := tensor.MustFromSlice([]float64{1, 0, -1, 2}, 2, 2)
	c := &ColumnAffine{Shift: shift, Scale: scale}
	x := tensor.New(2, 3, 2)
	for i := range x.Data() {
		x.Data()[i] = float64(i) * 1.5
	}
	fwd, err := c.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	back, err := c.Inverse(fwd)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	for i := range x.Data() {
		if math.Abs(back.Data()[i]-x.Data()[i]) > 1e-12 {
			t.Fatalf("round trip differs at %d", i)
		}
	}
}

func TestColumnAffineShapeErrors(t *testing.T) {
	c := &ColumnAffine{Scale: tensor.New(2, 3)}
	if _, err := c.Forward(tensor.New(2, 5, 2)); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}
	if _, err := c.Forward(tensor.New(2, 5)); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch for rank 2", err)
	}
}
