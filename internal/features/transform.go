package features

import (
	"fmt"
	"math"

	"koi-classifier/internal/common"
)

// Matrix is a row-major numeric matrix.
type Matrix [][]float64

// Scaler is the fitted standardization step. FeatureNames is the column
// order the scaler was fit on.
type Scaler interface {
	FeatureNames() []string
	Transform(m Matrix) (Matrix, error)
}

type source struct {
	raw int  // index into RawColumns
	log bool // apply log1p
}

// Transformer applies impute → log-compress → reorder → scale.
type Transformer struct {
	spec    TransformSpec
	scaler  Scaler
	medians []float64 // RawColumns order
	plan    []source  // OutputOrder
}

// NewTransformer checks the spec against itself and against the scaler's
// column order. Any disagreement is a *common.TransformContractError.
func NewTransformer(spec TransformSpec, scaler Scaler) (*Transformer, error) {
	if err := spec.Check(); err != nil {
		return nil, err
	}
	if scaler == nil {
		return nil, &common.TransformContractError{Reason: "no fitted scaler"}
	}
	names := scaler.FeatureNames()
	if !sameOrder(names, spec.OutputOrder) {
		return nil, &common.TransformContractError{
			Reason:   "scaler column order differs from transform output order",
			Expected: names,
			Got:      spec.OutputOrder,
		}
	}

	rawIndex := make(map[string]int, len(RawColumns))
	medians := make([]float64, len(RawColumns))
	for i, col := range RawColumns {
		rawIndex[col] = i
		medians[i] = spec.Medians[col]
	}
	skewed := toSet(spec.Skewed)

	plan := make([]source, len(spec.OutputOrder))
	for i, col := range spec.OutputOrder {
		if idx, ok := rawIndex[col]; ok && !skewed[col] {
			plan[i] = source{raw: idx}
			continue
		}
		base := col[:len(col)-len(common.LogSuffix)]
		plan[i] = source{raw: rawIndex[base], log: true}
	}

	return &Transformer{
		spec:    spec,
		scaler:  scaler,
		medians: medians,
		plan:    plan,
	}, nil
}

// Spec returns the spec the transformer was built with.
func (t *Transformer) Spec() TransformSpec { return t.spec }

// OutputOrder returns the column names of the matrices Transform produces.
func (t *Transformer) OutputOrder() []string {
	return append([]string(nil), t.spec.OutputOrder...)
}

// Transform runs the full pipeline. It fails on the first invalid record
// with a *common.ValidationError whose Row is the record's index.
func (t *Transformer) Transform(records []FeatureRecord) (Matrix, error) {
	prepared, err := t.Prepare(records)
	if err != nil {
		return nil, err
	}
	return t.Scale(prepared)
}

// Prepare validates, imputes, log-compresses and reorders, stopping short of
// scaling.
func (t *Transformer) Prepare(records []FeatureRecord) (Matrix, error) {
	out := make(Matrix, len(records))
	for i, rec := range records {
		row, err := t.PrepareRecord(rec)
		if err != nil {
			if ve, ok := err.(*common.ValidationError); ok {
				ve.Row = i
			}
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// PrepareRecord is Prepare for a single record.
func (t *Transformer) PrepareRecord(rec FeatureRecord) ([]float64, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	raw := rec.Values()
	for i, v := range raw {
		if math.IsNaN(v) {
			raw[i] = t.medians[i]
		}
	}
	row := make([]float64, len(t.plan))
	for i, src := range t.plan {
		v := raw[src.raw]
		if src.log {
			v = math.Log1p(v)
		}
		row[i] = v
	}
	return row, nil
}

// Scale applies the fitted scaler and checks it kept the matrix shape.
func (t *Transformer) Scale(m Matrix) (Matrix, error) {
	if len(m) == 0 {
		return Matrix{}, nil
	}
	width := len(t.plan)
	for i, row := range m {
		if len(row) != width {
			return nil, &common.TransformContractError{
				Reason: fmt.Sprintf("row %d has %d columns, scaler expects %d", i, len(row), width),
			}
		}
	}
	scaled, err := t.scaler.Transform(m)
	if err != nil {
		return nil, err
	}
	if len(scaled) != len(m) {
		return nil, &common.TransformContractError{
			Reason: fmt.Sprintf("scaler returned %d rows for %d", len(scaled), len(m)),
		}
	}
	for i, row := range scaled {
		if len(row) != width {
			return nil, &common.TransformContractError{
				Reason: fmt.Sprintf("scaler returned %d columns at row %d, expected %d", len(row), i, width),
			}
		}
	}
	// Finite raw values can still overflow once scaled.
	for i, row := range scaled {
		ve := &common.ValidationError{Row: i}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ve.Add(t.spec.OutputOrder[j], "scales to a non-finite value")
			}
		}
		if ve.HasProblems() {
			return nil, ve
		}
	}
	return scaled, nil
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
