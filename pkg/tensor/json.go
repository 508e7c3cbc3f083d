package tensor

import (
	"encoding/json"
	"fmt"
)

// tensorJSON is the wire form of a Dense: explicit shape plus row-major
// values.
type tensorJSON struct {
	Shape  []int     `json:"shape"`
	Values []float64 `json:"values"`
}

// MarshalJSON encodes the tensor as {"shape": [...], "values": [...]}.
func (t *Dense) MarshalJSON() ([]byte, error) {
	return json.Marshal(tensorJSON{Shape: t.Shape(), Values: t.Data()})
}

// UnmarshalJSON decodes the wire form, checking that the value count
// matches the shape volume.
func (t *Dense) UnmarshalJSON(b []byte) error {
	var w tensorJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	d, err := FromSlice(w.Values, w.Shape...)
	if err != nil {
		return fmt.Errorf("tensor: %w", err)
	}
	*t = *d
	return nil
}
