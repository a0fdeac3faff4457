package ml

import (
	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
)

// RowResult is the outcome for one record of a per-row batch. Err is set
// for rows that failed validation; their label is Unknown.
type RowResult struct {
	Index      int     `json:"row"`
	Label      Label   `json:"prediction"`
	Code       int     `json:"prediction_code"`
	Confidence float64 `json:"confidence"`
	Err        error   `json:"-"`
}

// Pipeline is the full inference path: records in, labels out.
type Pipeline struct {
	bundle      *Bundle
	transformer *features.Transformer
	predictor   *Predictor
	metrics     MetricsInterface
	drift       *DriftMonitor
	importance  *FeatureImportance
}

// LoadPipeline loads artifacts from disk and builds a pipeline over them.
func LoadPipeline(scalerPath, modelPath string, metrics MetricsInterface) (*Pipeline, error) {
	bundle, err := LoadBundle(scalerPath, modelPath)
	if err != nil {
		return nil, err
	}
	return NewPipeline(bundle, metrics)
}

// NewPipeline checks the column contract between the bundle's spec and its
// scaler and returns a pipeline ready to serve.
func NewPipeline(bundle *Bundle, metrics MetricsInterface) (*Pipeline, error) {
	t, err := features.NewTransformer(bundle.Spec, bundle.Scaler)
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		metrics.MLModelAgeSet(bundle.Age().Seconds())
	}
	return &Pipeline{
		bundle:      bundle,
		transformer: t,
		predictor:   NewPredictorWithMetrics(bundle.Model, metrics),
		metrics:     metrics,
		importance:  NewFeatureImportance(t.OutputOrder(), bundle.Model),
	}, nil
}

// AttachDrift feeds every prepared row into d. Call before serving.
func (p *Pipeline) AttachDrift(d *DriftMonitor) { p.drift = d }

func (p *Pipeline) Bundle() *Bundle                    { return p.bundle }
func (p *Pipeline) Transformer() *features.Transformer { return p.transformer }
func (p *Pipeline) Metadata() ModelMetadata            { return p.bundle.Metadata }
func (p *Pipeline) Importance() *FeatureImportance     { return p.importance }

// Classify is all-or-nothing: the first invalid record fails the call and
// the model is not invoked.
func (p *Pipeline) Classify(records []features.FeatureRecord) ([]Label, error) {
	preds, err := p.ClassifyDetailed(records)
	if err != nil {
		return nil, err
	}
	labels := make([]Label, len(preds))
	for i, pr := range preds {
		labels[i] = pr.Label
	}
	return labels, nil
}

// ClassifyDetailed is Classify with raw codes and confidences.
func (p *Pipeline) ClassifyDetailed(records []features.FeatureRecord) ([]Prediction, error) {
	prepared, err := p.transformer.Prepare(records)
	if err != nil {
		p.countFailure(err)
		return nil, err
	}
	return p.score(prepared)
}

// ClassifyBatch scores every valid record and reports invalid ones on their
// own row. Results are in input order. The error is non-nil only when the
// artifacts themselves fail.
func (p *Pipeline) ClassifyBatch(records []features.FeatureRecord) ([]RowResult, error) {
	results := make([]RowResult, len(records))
	prepared := make(features.Matrix, 0, len(records))
	scaled := make(features.Matrix, 0, len(records))
	rows := make([]int, 0, len(records))

	for i, rec := range records {
		results[i] = RowResult{Index: i, Label: Unknown, Code: int(Unknown)}
		row, scaledRow, err := p.prepareOne(rec)
		if err != nil {
			ve, ok := err.(*common.ValidationError)
			if !ok {
				return nil, err
			}
			ve.Row = i
			p.countFailure(err)
			results[i].Err = err
			continue
		}
		prepared = append(prepared, row)
		scaled = append(scaled, scaledRow)
		rows = append(rows, i)
	}

	preds, err := p.predict(prepared, scaled)
	if err != nil {
		return nil, err
	}
	for j, pr := range preds {
		r := &results[rows[j]]
		r.Label = pr.Label
		r.Code = pr.Code
		r.Confidence = pr.Confidence
	}
	return results, nil
}

// prepareOne runs one record through the transformer on its own, so a row
// that overflows when scaled fails alone.
func (p *Pipeline) prepareOne(rec features.FeatureRecord) ([]float64, []float64, error) {
	row, err := p.transformer.PrepareRecord(rec)
	if err != nil {
		return nil, nil, err
	}
	scaled, err := p.transformer.Scale(features.Matrix{row})
	if err != nil {
		return nil, nil, err
	}
	return row, scaled[0], nil
}

func (p *Pipeline) score(prepared features.Matrix) ([]Prediction, error) {
	if len(prepared) == 0 {
		return []Prediction{}, nil
	}
	scaled, err := p.transformer.Scale(prepared)
	if err != nil {
		p.countFailure(err)
		return nil, err
	}
	return p.predict(prepared, scaled)
}

func (p *Pipeline) predict(prepared, scaled features.Matrix) ([]Prediction, error) {
	if len(scaled) == 0 {
		return []Prediction{}, nil
	}
	preds, err := p.predictor.PredictDetailed(scaled)
	if err != nil {
		return nil, err
	}
	if p.drift != nil {
		p.drift.Observe(prepared)
	}
	p.importance.Observe(prepared)
	return preds, nil
}

func (p *Pipeline) countFailure(err error) {
	if p.metrics != nil && common.IsValidation(err) {
		p.metrics.MLValidationFailuresInc()
	}
}
