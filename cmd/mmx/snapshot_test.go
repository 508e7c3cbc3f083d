package main

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/adlift/mmx/internal/analyzer"
	"github.com/adlift/mmx/internal/errs"
)

// validDoc is a two-geo, four-period model with one media channel whose
// posterior gives adstock alpha 0.5, Hill ec 1, slope 1 and coefficient 2.
const validDoc = `{
  "dims": {
    "n_geos": 2, "n_times": 4, "n_media_times": 4, "max_lag": 1,
    "n_media_channels": 1
  },
  "coords": {
    "geos": ["geo0", "geo1"],
    "times": ["t0", "t1", "t2", "t3"],
    "media_times": ["t0", "t1", "t2", "t3"],
    "media_channels": ["tv"]
  },
  "data": {
    "media": {"shape": [2, 4, 1], "values": [1, 0, 0, 0, 0, 0, 0, 0]},
    "media_spend": {"shape": [2, 4, 1], "values": [1, 1, 1, 1, 1, 1, 1, 1]},
    "kpi": {"shape": [2, 4], "values": [1, 1, 1, 1, 1, 1, 1, 1]}
  },
  "transforms": {"kpi": {}},
  "kpi_is_revenue": true,
  "inference": {
    "posterior": {
      "alpha_m": {"shape": [1, 2, 1], "values": [0.5, 0.5]},
      "ec_m": {"shape": [1, 2, 1], "values": [1, 1]},
      "slope_m": {"shape": [1, 2, 1], "values": [1, 1]},
      "beta_gm": {"shape": [1, 2, 2, 1], "values": [2, 2, 2, 2]},
      "mu_t": {"shape": [1, 2, 4], "values": [0, 0, 0, 0, 0, 0, 0, 0]},
      "tau_g": {"shape": [1, 2, 2], "values": [0, 0, 0, 0]}
    }
  }
}`

func TestDecodeSnapshot(t *testing.T) {
	m, err := decodeSnapshot([]byte(validDoc))
	if err != nil {
		t.Fatalf("decodeSnapshot: %v", err)
	}
	if m.Dims.NGeos != 2 || m.Dims.NTimes != 4 || m.Dims.MaxLag != 1 {
		t.Fatalf("dims = %+v", m.Dims)
	}
	if len(m.MediaChannels) != 1 || m.MediaChannels[0] != "tv" {
		t.Fatalf("media channels = %v", m.MediaChannels)
	}
	if !m.KPIIsRevenue {
		t.Fatal("kpi_is_revenue not decoded")
	}
	if m.KPITx == nil {
		t.Fatal("kpi transform not decoded")
	}
	if m.Media.At(0, 0, 0) != 1 || m.Media.At(1, 0, 0) != 0 {
		t.Fatal("media tensor not decoded")
	}
	if m.Inference.Prior != nil {
		t.Fatal("prior group should be absent")
	}
	beta := m.Inference.Posterior["beta_gm"]
	if beta == nil || beta.Rank() != 4 {
		t.Fatalf("beta_gm not decoded: %v", beta)
	}
}

func TestDecodedSnapshotDrivesAnalysis(t *testing.T) {
	m, err := decodeSnapshot([]byte(validDoc))
	if err != nil {
		t.Fatalf("decodeSnapshot: %v", err)
	}
	a, err := analyzer.New(m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	inc, err := a.IncrementalOutcome(context.Background(), analyzer.NewIncrementalOptions())
	if err != nil {
		t.Fatalf("IncrementalOutcome: %v", err)
	}
	// Adstock 1 at t0 and 1/3 at t1, Hill x/(x+1), coefficient 2.
	want := 1.0 + (0.5/1.5)/(1+0.5/1.5)*2
	for d := 0; d < 2; d++ {
		got := inc.At(0, d, 0)
		if math.Abs(got-want) > 1e-12 {
			t.Fatalf("incremental draw %d = %v, want %v", d, got, want)
		}
	}
}

func TestDecodeSnapshotRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing dims", `{"coords": {}, "data": {}, "inference": {}}`},
		{"tensor missing values", `{
			"dims": {"n_geos": 0, "n_times": 0, "n_media_times": 0},
			"coords": {}, "inference": {},
			"data": {"kpi": {"shape": [1]}}
		}`},
		{"unknown draw group", `{
			"dims": {"n_geos": 0, "n_times": 0, "n_media_times": 0},
			"coords": {}, "data": {},
			"inference": {"bootstrap": {}}
		}`},
		{"unknown data tensor", `{
			"dims": {"n_geos": 0, "n_times": 0, "n_media_times": 0},
			"coords": {}, "inference": {},
			"data": {"bogus": {"shape": [1], "values": [0]}}
		}`},
		{"volume mismatch", `{
			"dims": {"n_geos": 2, "n_times": 2, "n_media_times": 2},
			"coords": {}, "inference": {},
			"data": {"kpi": {"shape": [2, 2], "values": [1]}}
		}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeSnapshot([]byte(tc.doc))
			if !errors.Is(err, errs.ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestDecodeSnapshotShapeMismatch(t *testing.T) {
	doc := `{
		"dims": {"n_geos": 2, "n_times": 3, "n_media_times": 3},
		"coords": {}, "inference": {},
		"data": {"kpi": {"shape": [1, 3], "values": [1, 1, 1]}}
	}`
	_, err := decodeSnapshot([]byte(doc))
	if !errors.Is(err, errs.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
}
