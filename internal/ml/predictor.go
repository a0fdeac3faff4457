package ml

import (
	"fmt"
	"math"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
)

// MetricsInterface defines metrics methods needed by the predictor and
// pipeline.
type MetricsInterface interface {
	MLPredictionsInc(label string)
	MLValidationFailuresInc()
	MLFailuresInc()
	MLLatencyObserve(float64)
	MLBatchSizeObserve(float64)
	MLModelAgeSet(float64)
	MLDriftScoreSet(feature string, score float64)
}

// Prediction is one scored row.
type Prediction struct {
	Label      Label   `json:"prediction"`
	Code       int     `json:"prediction_code"`
	Confidence float64 `json:"confidence"`
}

// Predictor maps a transformed matrix to labels. It does no transformation
// of its own.
type Predictor struct {
	model   Model
	metrics MetricsInterface
}

func NewPredictor(model Model) *Predictor {
	return NewPredictorWithMetrics(model, nil)
}

func NewPredictorWithMetrics(model Model, metrics MetricsInterface) *Predictor {
	return &Predictor{model: model, metrics: metrics}
}

// Predict returns one label per row, in row order.
func (p *Predictor) Predict(m features.Matrix) ([]Label, error) {
	preds, err := p.PredictDetailed(m)
	if err != nil {
		return nil, err
	}
	labels := make([]Label, len(preds))
	for i, pr := range preds {
		labels[i] = pr.Label
	}
	return labels, nil
}

// PredictDetailed also reports the raw model value and, for probabilistic
// models, the winning class probability.
func (p *Predictor) PredictDetailed(m features.Matrix) ([]Prediction, error) {
	if len(m) == 0 {
		return []Prediction{}, nil
	}
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.MLLatencyObserve(time.Since(start).Seconds())
		}
	}()

	want := p.model.NumFeatures()
	for i, row := range m {
		if len(row) != want {
			p.fail()
			return nil, &common.ArtifactLoadError{
				Artifact: "model",
				Err:      fmt.Errorf("incompatible shape: row %d has %d columns, model expects %d", i, len(row), want),
			}
		}
	}

	out := make([]Prediction, len(m))
	if pm, ok := p.model.(ProbabilityModel); ok {
		proba, err := pm.PredictProba(m)
		if err != nil {
			p.fail()
			return nil, &common.ArtifactLoadError{Artifact: "model", Err: err}
		}
		if len(proba) != len(m) {
			p.fail()
			return nil, &common.ArtifactLoadError{
				Artifact: "model",
				Err:      fmt.Errorf("model returned %d results for %d rows", len(proba), len(m)),
			}
		}
		classes := pm.Classes()
		for i, row := range proba {
			if !allFinite(row) {
				p.fail()
				out[i] = Prediction{Label: Unknown, Code: int(Unknown)}
				continue
			}
			best := argmax(row)
			out[i] = newPrediction(classes[best], row[best])
		}
	} else {
		raw, err := p.model.Predict(m)
		if err != nil {
			p.fail()
			return nil, &common.ArtifactLoadError{Artifact: "model", Err: err}
		}
		if len(raw) != len(m) {
			p.fail()
			return nil, &common.ArtifactLoadError{
				Artifact: "model",
				Err:      fmt.Errorf("model returned %d results for %d rows", len(raw), len(m)),
			}
		}
		for i, code := range raw {
			out[i] = newPrediction(code, 0)
		}
	}

	if p.metrics != nil {
		p.metrics.MLBatchSizeObserve(float64(len(m)))
		for _, pr := range out {
			p.metrics.MLPredictionsInc(pr.Label.String())
		}
	}
	return out, nil
}

func newPrediction(code int, confidence float64) Prediction {
	return Prediction{Label: LabelFromCode(code), Code: code, Confidence: confidence}
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func (p *Predictor) fail() {
	if p.metrics != nil {
		p.metrics.MLFailuresInc()
	}
}
