package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/adlift/mmx/internal/errs"
	"github.com/adlift/mmx/internal/model"
	"github.com/adlift/mmx/internal/transform"
	"github.com/adlift/mmx/pkg/tensor"
)

// snapshotSchema validates the snapshot document shape before decoding.
// Tensor shapes against the declared dims are checked by model.Validate
// afterwards; the schema guards structure and types only.
const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["dims", "coords", "data", "inference"],
  "$defs": {
    "tensor": {
      "type": "object",
      "required": ["shape", "values"],
      "properties": {
        "shape": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 1}},
        "values": {"type": "array", "items": {"type": "number"}}
      },
      "additionalProperties": false
    },
    "group": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/tensor"}
    },
    "affine": {
      "type": "object",
      "properties": {
        "shift": {"type": "array", "items": {"type": "number"}},
        "scale": {"type": "array", "items": {"type": "number"}}
      },
      "additionalProperties": false
    },
    "column_affine": {
      "type": "object",
      "properties": {
        "shift": {"$ref": "#/$defs/tensor"},
        "scale": {"$ref": "#/$defs/tensor"}
      },
      "additionalProperties": false
    }
  },
  "properties": {
    "dims": {
      "type": "object",
      "required": ["n_geos", "n_times", "n_media_times"],
      "additionalProperties": {"type": "integer", "minimum": 0}
    },
    "coords": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    },
    "data": {"$ref": "#/$defs/group"},
    "transforms": {
      "type": "object",
      "properties": {
        "kpi": {"$ref": "#/$defs/affine"},
        "media": {"$ref": "#/$defs/column_affine"},
        "reach": {"$ref": "#/$defs/column_affine"},
        "organic_media": {"$ref": "#/$defs/column_affine"},
        "organic_reach": {"$ref": "#/$defs/column_affine"},
        "non_media_treatments": {"$ref": "#/$defs/column_affine"},
        "controls": {"$ref": "#/$defs/column_affine"}
      },
      "additionalProperties": false
    },
    "kpi_is_revenue": {"type": "boolean"},
    "national": {"type": "boolean"},
    "holdout_mask": {"$ref": "#/$defs/tensor"},
    "inference": {
      "type": "object",
      "properties": {
        "prior": {"$ref": "#/$defs/group"},
        "posterior": {"$ref": "#/$defs/group"}
      },
      "additionalProperties": false
    }
  }
}`

type affineJSON struct {
	Shift []float64 `json:"shift"`
	Scale []float64 `json:"scale"`
}

type columnAffineJSON struct {
	Shift *tensor.Dense `json:"shift"`
	Scale *tensor.Dense `json:"scale"`
}

type snapshotFile struct {
	Dims struct {
		NGeos                 int `json:"n_geos"`
		NTimes                int `json:"n_times"`
		NMediaTimes           int `json:"n_media_times"`
		MaxLag                int `json:"max_lag"`
		NMediaChannels        int `json:"n_media_channels"`
		NRFChannels           int `json:"n_rf_channels"`
		NOrganicMediaChannels int `json:"n_organic_media_channels"`
		NOrganicRFChannels    int `json:"n_organic_rf_channels"`
		NNonMediaChannels     int `json:"n_non_media_channels"`
		NControls             int `json:"n_controls"`
	} `json:"dims"`
	Coords struct {
		Geos                 []string `json:"geos"`
		Times                []string `json:"times"`
		MediaTimes           []string `json:"media_times"`
		MediaChannels        []string `json:"media_channels"`
		RFChannels           []string `json:"rf_channels"`
		OrganicMediaChannels []string `json:"organic_media_channels"`
		OrganicRFChannels    []string `json:"organic_rf_channels"`
		NonMediaChannels     []string `json:"non_media_channels"`
		Controls             []string `json:"controls"`
	} `json:"coords"`
	Data       map[string]*tensor.Dense `json:"data"`
	Transforms struct {
		KPI          *affineJSON       `json:"kpi"`
		Media        *columnAffineJSON `json:"media"`
		Reach        *columnAffineJSON `json:"reach"`
		OrganicMedia *columnAffineJSON `json:"organic_media"`
		OrganicReach *columnAffineJSON `json:"organic_reach"`
		NonMedia     *columnAffineJSON `json:"non_media_treatments"`
		Controls     *columnAffineJSON `json:"controls"`
	} `json:"transforms"`
	KPIIsRevenue bool                                `json:"kpi_is_revenue"`
	National     bool                                `json:"national"`
	HoldoutMask  *tensor.Dense                       `json:"holdout_mask"`
	Inference    map[string]map[string]*tensor.Dense `json:"inference"`
}

// loadSnapshot reads, schema-validates and decodes a fitted-model snapshot
// document.
func loadSnapshot(path string) (*model.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

func decodeSnapshot(raw []byte) (*model.Snapshot, error) {
	schema, err := jsonschema.CompileString("snapshot.schema.json", snapshotSchema)
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: snapshot is not valid JSON: %v", errs.ErrInvalidArgument, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: snapshot document: %v", errs.ErrInvalidArgument, err)
	}

	var f snapshotFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	return buildSnapshot(&f)
}

func buildSnapshot(f *snapshotFile) (*model.Snapshot, error) {
	s := &model.Snapshot{
		Dims: model.Dims{
			NGeos:                 f.Dims.NGeos,
			NTimes:                f.Dims.NTimes,
			NMediaTimes:           f.Dims.NMediaTimes,
			MaxLag:                f.Dims.MaxLag,
			NMediaChannels:        f.Dims.NMediaChannels,
			NRFChannels:           f.Dims.NRFChannels,
			NOrganicMediaChannels: f.Dims.NOrganicMediaChannels,
			NOrganicRFChannels:    f.Dims.NOrganicRFChannels,
			NNonMediaChannels:     f.Dims.NNonMediaChannels,
			NControls:             f.Dims.NControls,
		},
		Geos:                 f.Coords.Geos,
		Times:                f.Coords.Times,
		MediaTimes:           f.Coords.MediaTimes,
		MediaChannels:        f.Coords.MediaChannels,
		RFChannels:           f.Coords.RFChannels,
		OrganicMediaChannels: f.Coords.OrganicMediaChannels,
		OrganicRFChannels:    f.Coords.OrganicRFChannels,
		NonMediaChannels:     f.Coords.NonMediaChannels,
		ControlNames:         f.Coords.Controls,
		KPIIsRevenue:         f.KPIIsRevenue,
		National:             f.National,
		HoldoutMask:          f.HoldoutMask,
	}

	for name, t := range f.Data {
		switch name {
		case "media":
			s.Media = t
		case "media_spend":
			s.MediaSpend = t
		case "reach":
			s.Reach = t
		case "frequency":
			s.Frequency = t
		case "rf_spend":
			s.RFSpend = t
		case "organic_media":
			s.OrganicMedia = t
		case "organic_reach":
			s.OrganicReach = t
		case "organic_frequency":
			s.OrganicFrequency = t
		case "non_media_treatments":
			s.NonMediaTreatments = t
		case "controls":
			s.Controls = t
		case "kpi":
			s.KPI = t
		case "revenue_per_kpi":
			s.RevenuePerKPI = t
		default:
			return nil, fmt.Errorf("%w: unknown data tensor %q", errs.ErrInvalidArgument, name)
		}
	}

	if a := f.Transforms.KPI; a != nil {
		s.KPITx = &transform.Affine{Shift: a.Shift, Scale: a.Scale}
	}
	col := func(c *columnAffineJSON) *transform.ColumnAffine {
		if c == nil {
			return nil
		}
		return &transform.ColumnAffine{Shift: c.Shift, Scale: c.Scale}
	}
	s.MediaTx = col(f.Transforms.Media)
	s.ReachTx = col(f.Transforms.Reach)
	s.OrganicMediaTx = col(f.Transforms.OrganicMedia)
	s.OrganicReachTx = col(f.Transforms.OrganicReach)
	s.NonMediaTx = col(f.Transforms.NonMedia)
	s.ControlsTx = col(f.Transforms.Controls)

	inf := &model.InferenceData{}
	for name, g := range f.Inference {
		switch name {
		case "prior":
			inf.Prior = model.Group(g)
		case "posterior":
			inf.Posterior = model.Group(g)
		default:
			return nil, fmt.Errorf("%w: unknown draw group %q", errs.ErrInvalidArgument, name)
		}
	}
	s.Inference = inf

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
