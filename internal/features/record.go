// Package features implements the inference-time feature contract for KOI
// records: validation, median imputation, log compression of skewed columns,
// reordering into the fitted scaler's column order and scaling.
//
// Everything here is a pure function of its inputs and the immutable
// TransformSpec/Scaler handed to NewTransformer; a Transformer is safe for
// concurrent use.
package features

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"koi-classifier/internal/common"
)

// ContinuousColumns are the non-negative physical measurements.
var ContinuousColumns = []string{
	common.ColPeriod,
	common.ColDuration,
	common.ColDepth,
	common.ColPrad,
	common.ColTeq,
	common.ColInsol,
	common.ColModelSNR,
	common.ColSteff,
	common.ColSlogg,
	common.ColSrad,
	common.ColKepmag,
}

// FlagColumns are the binary false-positive flags.
var FlagColumns = []string{
	common.ColFlagNT,
	common.ColFlagSS,
	common.ColFlagCO,
	common.ColFlagEC,
}

// RawColumns is every required input column. FeatureRecord.Values follows
// this order.
var RawColumns = append(append([]string{}, ContinuousColumns...), FlagColumns...)

// FeatureRecord is one KOI observation. A NaN field is a missing value that
// the transformer imputes with the training median.
type FeatureRecord struct {
	Period   float64 `json:"koi_period"`
	Duration float64 `json:"koi_duration"`
	Depth    float64 `json:"koi_depth"`
	Prad     float64 `json:"koi_prad"`
	Teq      float64 `json:"koi_teq"`
	Insol    float64 `json:"koi_insol"`
	ModelSNR float64 `json:"koi_model_snr"`
	Steff    float64 `json:"koi_steff"`
	Slogg    float64 `json:"koi_slogg"`
	Srad     float64 `json:"koi_srad"`
	Kepmag   float64 `json:"koi_kepmag"`
	FlagNT   float64 `json:"koi_fpflag_nt"`
	FlagSS   float64 `json:"koi_fpflag_ss"`
	FlagCO   float64 `json:"koi_fpflag_co"`
	FlagEC   float64 `json:"koi_fpflag_ec"`
}

// Get returns the value stored under a raw column name.
func (r FeatureRecord) Get(column string) (float64, bool) {
	switch column {
	case common.ColPeriod:
		return r.Period, true
	case common.ColDuration:
		return r.Duration, true
	case common.ColDepth:
		return r.Depth, true
	case common.ColPrad:
		return r.Prad, true
	case common.ColTeq:
		return r.Teq, true
	case common.ColInsol:
		return r.Insol, true
	case common.ColModelSNR:
		return r.ModelSNR, true
	case common.ColSteff:
		return r.Steff, true
	case common.ColSlogg:
		return r.Slogg, true
	case common.ColSrad:
		return r.Srad, true
	case common.ColKepmag:
		return r.Kepmag, true
	case common.ColFlagNT:
		return r.FlagNT, true
	case common.ColFlagSS:
		return r.FlagSS, true
	case common.ColFlagCO:
		return r.FlagCO, true
	case common.ColFlagEC:
		return r.FlagEC, true
	}
	return 0, false
}

func (r *FeatureRecord) set(column string, v float64) bool {
	switch column {
	case common.ColPeriod:
		r.Period = v
	case common.ColDuration:
		r.Duration = v
	case common.ColDepth:
		r.Depth = v
	case common.ColPrad:
		r.Prad = v
	case common.ColTeq:
		r.Teq = v
	case common.ColInsol:
		r.Insol = v
	case common.ColModelSNR:
		r.ModelSNR = v
	case common.ColSteff:
		r.Steff = v
	case common.ColSlogg:
		r.Slogg = v
	case common.ColSrad:
		r.Srad = v
	case common.ColKepmag:
		r.Kepmag = v
	case common.ColFlagNT:
		r.FlagNT = v
	case common.ColFlagSS:
		r.FlagSS = v
	case common.ColFlagCO:
		r.FlagCO = v
	case common.ColFlagEC:
		r.FlagEC = v
	default:
		return false
	}
	return true
}

// Values returns the raw values in RawColumns order.
func (r FeatureRecord) Values() []float64 {
	out := make([]float64, len(RawColumns))
	for i, col := range RawColumns {
		out[i], _ = r.Get(col)
	}
	return out
}

// Validate checks value ranges. Missing values (NaN) pass; they are imputed
// later. It never looks at anything but the record itself.
func (r FeatureRecord) Validate() error {
	ve := &common.ValidationError{Row: -1}
	for _, col := range ContinuousColumns {
		v, _ := r.Get(col)
		switch {
		case math.IsNaN(v):
		case math.IsInf(v, 0):
			ve.Add(col, "must be finite")
		case v < 0:
			ve.Add(col, fmt.Sprintf("must be non-negative, got %g", v))
		}
	}
	for _, col := range FlagColumns {
		v, _ := r.Get(col)
		if math.IsNaN(v) {
			continue
		}
		if v != 0 && v != 1 {
			ve.Add(col, fmt.Sprintf("must be 0 or 1, got %g", v))
		}
	}
	if ve.HasProblems() {
		return ve
	}
	return nil
}

// RecordFromMap builds a record keyed by column name, so the order of keys in
// the source never matters. Absent columns are reported as missing; a nil or
// empty value is a missing value (NaN). Unknown keys are ignored.
func RecordFromMap(m map[string]any) (FeatureRecord, error) {
	var rec FeatureRecord
	ve := &common.ValidationError{Row: -1}
	for _, col := range RawColumns {
		raw, ok := m[col]
		if !ok {
			ve.Missing = append(ve.Missing, col)
			continue
		}
		v, err := toFloat(raw)
		if err != nil {
			ve.Add(col, err.Error())
			continue
		}
		rec.set(col, v)
	}
	if ve.HasProblems() {
		return FeatureRecord{}, ve
	}
	return rec, nil
}

// RecordFromStrings is RecordFromMap for textual sources such as HTML forms
// and CSV rows.
func RecordFromStrings(m map[string]string) (FeatureRecord, error) {
	converted := make(map[string]any, len(m))
	for k, v := range m {
		converted[k] = v
	}
	return RecordFromMap(converted)
}

// ParseValue converts a textual cell. Blank cells and the usual NA spellings
// become NaN.
func ParseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null", "none":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not numeric: %q", s)
	}
	return v, nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return math.NaN(), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case json.Number:
		return ParseValue(v.String())
	case string:
		return ParseValue(v)
	}
	return 0, fmt.Errorf("not numeric: %T", raw)
}

// MarshalJSON writes missing values as null so NaN never reaches the encoder.
func (r FeatureRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(RawColumns))
	for _, col := range RawColumns {
		v, _ := r.Get(col)
		if math.IsNaN(v) {
			out[col] = nil
			continue
		}
		out[col] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON goes through RecordFromMap, so decoding an object that lacks
// a required column fails with a *common.ValidationError.
func (r *FeatureRecord) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	rec, err := RecordFromMap(m)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}
