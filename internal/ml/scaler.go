package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
)

// ScalerArtifact is the exported form of the fitted preprocessing step: the
// standard scaler's parameters plus the imputation medians and skewed set it
// was trained with.
type ScalerArtifact struct {
	Version       string             `json:"version"`
	FeatureNames  []string           `json:"feature_names"`
	Mean          []float64          `json:"mean"`
	Scale         []float64          `json:"scale"`
	SkewedColumns []string           `json:"skewed_columns"`
	Medians       map[string]float64 `json:"medians"`
}

// StandardScaler is the loaded, read-only scaler.
type StandardScaler struct {
	names []string
	mean  []float64
	scale []float64
}

// NewStandardScaler validates parameters; x' = (x - mean) / scale.
func NewStandardScaler(names []string, mean, scale []float64) (*StandardScaler, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("scaler has no features")
	}
	if len(mean) != len(names) || len(scale) != len(names) {
		return nil, fmt.Errorf("scaler shape mismatch: %d names, %d means, %d scales", len(names), len(mean), len(scale))
	}
	for i := range names {
		if math.IsNaN(mean[i]) || math.IsInf(mean[i], 0) {
			return nil, fmt.Errorf("mean for %s is not finite", names[i])
		}
		if math.IsNaN(scale[i]) || math.IsInf(scale[i], 0) || scale[i] == 0 {
			return nil, fmt.Errorf("scale for %s must be finite and non-zero", names[i])
		}
	}
	return &StandardScaler{
		names: append([]string(nil), names...),
		mean:  append([]float64(nil), mean...),
		scale: append([]float64(nil), scale...),
	}, nil
}

func (s *StandardScaler) FeatureNames() []string { return append([]string(nil), s.names...) }

// Mean returns the training mean of column i.
func (s *StandardScaler) Mean(i int) float64 { return s.mean[i] }

// ScaleOf returns the training scale of column i.
func (s *StandardScaler) ScaleOf(i int) float64 { return s.scale[i] }

// Transform standardizes a copy of m.
func (s *StandardScaler) Transform(m features.Matrix) (features.Matrix, error) {
	out := make(features.Matrix, len(m))
	for i, row := range m {
		if len(row) != len(s.names) {
			return nil, &common.TransformContractError{
				Reason: fmt.Sprintf("row %d has %d columns, scaler was fit on %d", i, len(row), len(s.names)),
			}
		}
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.mean[j]) / s.scale[j]
		}
		out[i] = scaled
	}
	return out, nil
}

// TransformSpec derives the inference spec from the artifact. The output
// order is always the code's canonical order; NewTransformer then rejects an
// artifact whose recorded order differs.
func (a ScalerArtifact) TransformSpec() features.TransformSpec {
	spec := features.DefaultSpec(a.Medians)
	if len(a.SkewedColumns) > 0 {
		spec.Skewed = append([]string(nil), a.SkewedColumns...)
	}
	return spec
}

// LoadScaler reads and validates a scaler artifact.
func LoadScaler(path string) (*ScalerArtifact, *StandardScaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &common.ArtifactLoadError{Artifact: "scaler", Path: path, Err: err}
	}
	var art ScalerArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, nil, &common.ArtifactLoadError{Artifact: "scaler", Path: path, Err: fmt.Errorf("decode: %w", err)}
	}
	scaler, err := NewStandardScaler(art.FeatureNames, art.Mean, art.Scale)
	if err != nil {
		return nil, nil, &common.ArtifactLoadError{Artifact: "scaler", Path: path, Err: err}
	}
	return &art, scaler, nil
}
