package ml

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingModel wraps a model and counts how often it is asked to score.
type countingModel struct {
	ProbabilityModel
	calls int
}

func (c *countingModel) PredictProba(x features.Matrix) ([][]float64, error) {
	c.calls++
	return c.ProbabilityModel.PredictProba(x)
}

func koiRecord(flagNT, snr float64) features.FeatureRecord {
	return features.FeatureRecord{
		Period:   9.488,
		Duration: 2.9575,
		Depth:    615.8,
		Prad:     2.26,
		Teq:      793,
		Insol:    93.59,
		ModelSNR: snr,
		Steff:    5455,
		Slogg:    4.467,
		Srad:     0.927,
		Kepmag:   15.347,
		FlagNT:   flagNT,
	}
}

func newTestPipeline(t *testing.T, metrics MetricsInterface) (*Pipeline, *countingModel) {
	t.Helper()
	scalerPath, modelPath, err := WriteTestArtifacts(t.TempDir())
	require.NoError(t, err)

	bundle, err := LoadBundle(scalerPath, modelPath)
	require.NoError(t, err)
	counter := &countingModel{ProbabilityModel: bundle.Model}
	bundle.Model = counter

	p, err := NewPipeline(bundle, metrics)
	require.NoError(t, err)
	return p, counter
}

func TestClassify_FalsePositiveFlag(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	labels, err := p.Classify([]features.FeatureRecord{koiRecord(1, 35.8)})
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Contains(t, AllLabels, labels[0])
	assert.Equal(t, FalsePositive, labels[0])
}

// classifyPayload decodes a JSON object the way the HTTP layer does and
// classifies it only when every column is present.
func classifyPayload(p *Pipeline, payload map[string]any) ([]Label, error) {
	rec, err := features.RecordFromMap(payload)
	if err != nil {
		return nil, err
	}
	return p.Classify([]features.FeatureRecord{rec})
}

func koiPayload(t *testing.T) map[string]any {
	t.Helper()
	data, err := json.Marshal(koiRecord(0, 35.8))
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	return payload
}

func TestClassify_MissingColumnNeverReachesModel(t *testing.T) {
	p, model := newTestPipeline(t, nil)

	payload := koiPayload(t)
	delete(payload, common.ColSrad)

	labels, err := classifyPayload(p, payload)
	require.Error(t, err)
	assert.Nil(t, labels)

	var ve *common.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{common.ColSrad}, ve.Missing)
	assert.Equal(t, 0, model.calls)

	// the same payload with the column restored is scored
	labels, err = classifyPayload(p, koiPayload(t))
	require.NoError(t, err)
	assert.Equal(t, []Label{Candidate}, labels)
	assert.Equal(t, 1, model.calls)
}

func TestClassify_NegativeSNRRejected(t *testing.T) {
	metrics := NewMockMetrics()
	p, model := newTestPipeline(t, metrics)

	records := []features.FeatureRecord{koiRecord(0, 35.8), koiRecord(0, -1)}
	_, err := p.Classify(records)
	require.Error(t, err)

	var ve *common.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 1, ve.Row)
	assert.Equal(t, []string{common.ColModelSNR}, ve.FieldNames())
	assert.Equal(t, 0, model.calls)
	assert.Equal(t, 1, metrics.ValidationFailures)
}

func TestClassify_BatchOrderPreserved(t *testing.T) {
	metrics := NewMockMetrics()
	p, model := newTestPipeline(t, metrics)

	records := []features.FeatureRecord{
		koiRecord(0, 100),
		koiRecord(1, 35.8),
		koiRecord(0, 35.8),
	}
	labels, err := p.Classify(records)
	require.NoError(t, err)
	assert.Equal(t, []Label{Confirmed, FalsePositive, Candidate}, labels)
	assert.Equal(t, 1, model.calls)
	assert.Equal(t, []float64{3}, metrics.BatchSizes)
	assert.Equal(t, 1, metrics.Predictions["CONFIRMED"])
	assert.Equal(t, 1, metrics.Predictions["FALSE POSITIVE"])
	assert.Equal(t, 1, metrics.Predictions["CANDIDATE"])
}

func TestClassify_ImputedValueUsesMedian(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	rec := koiRecord(0, math.NaN())
	preds, err := p.ClassifyDetailed([]features.FeatureRecord{rec})
	require.NoError(t, err)
	// median SNR 23 scales to ln(24)-3 > 0, which favours CANDIDATE
	assert.Equal(t, Candidate, preds[0].Label)
	assert.Equal(t, 1, preds[0].Code)
	assert.Greater(t, preds[0].Confidence, 1.0/3)
}

func TestClassify_FieldOrderIrrelevant(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	a := `{"koi_period":9.488,"koi_duration":2.9575,"koi_depth":615.8,"koi_prad":2.26,"koi_teq":793,"koi_insol":93.59,"koi_model_snr":100,"koi_steff":5455,"koi_slogg":4.467,"koi_srad":0.927,"koi_kepmag":15.347,"koi_fpflag_nt":0,"koi_fpflag_ss":0,"koi_fpflag_co":0,"koi_fpflag_ec":0}`
	b := `{"koi_fpflag_ec":0,"koi_fpflag_co":0,"koi_fpflag_ss":0,"koi_fpflag_nt":0,"koi_kepmag":15.347,"koi_srad":0.927,"koi_slogg":4.467,"koi_steff":5455,"koi_model_snr":100,"koi_insol":93.59,"koi_teq":793,"koi_prad":2.26,"koi_depth":615.8,"koi_duration":2.9575,"koi_period":9.488}`

	var ra, rb features.FeatureRecord
	require.NoError(t, json.Unmarshal([]byte(a), &ra))
	require.NoError(t, json.Unmarshal([]byte(b), &rb))

	labels, err := p.Classify([]features.FeatureRecord{ra, rb})
	require.NoError(t, err)
	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, Confirmed, labels[0])
}

func TestClassifyBatch_PerRowErrors(t *testing.T) {
	metrics := NewMockMetrics()
	p, model := newTestPipeline(t, metrics)

	bad := koiRecord(0, 35.8)
	bad.FlagCO = 2
	records := []features.FeatureRecord{koiRecord(0, 100), bad, koiRecord(1, 35.8)}

	results, err := p.ClassifyBatch(records)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, Confirmed, results[0].Label)

	var ve *common.ValidationError
	require.True(t, errors.As(results[1].Err, &ve))
	assert.Equal(t, 1, ve.Row)
	assert.Equal(t, Unknown, results[1].Label)

	assert.NoError(t, results[2].Err)
	assert.Equal(t, FalsePositive, results[2].Label)
	assert.Equal(t, 2, results[2].Index)

	assert.Equal(t, 1, model.calls)
	assert.Equal(t, 1, metrics.ValidationFailures)
}

func TestClassifyBatch_AllInvalid(t *testing.T) {
	p, model := newTestPipeline(t, nil)

	results, err := p.ClassifyBatch([]features.FeatureRecord{koiRecord(0, -5)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, common.IsValidation(results[0].Err))
	assert.Equal(t, 0, model.calls)
}

func TestClassify_EmptyBatch(t *testing.T) {
	p, model := newTestPipeline(t, nil)

	labels, err := p.Classify(nil)
	require.NoError(t, err)
	assert.Empty(t, labels)
	assert.Equal(t, 0, model.calls)
}

func TestNewPipeline_ContractMismatch(t *testing.T) {
	dir := t.TempDir()
	scaler := TestScalerArtifact()
	// flags after the log columns: the other historical ordering
	scaler.FeatureNames = append(append(append([]string(nil), scaler.FeatureNames[:2]...),
		scaler.FeatureNames[6:]...), scaler.FeatureNames[2:6]...)

	scalerPath, modelPath, err := WriteArtifacts(dir, scaler, TestModelArtifact())
	require.NoError(t, err)

	_, err = LoadPipeline(scalerPath, modelPath, nil)
	require.Error(t, err)
	assert.True(t, common.IsContract(err))
}

func TestPipeline_UnknownClass(t *testing.T) {
	dir := t.TempDir()
	model := TestModelArtifact()
	model.ClassValues = []int{0, 1, 7}

	scalerPath, modelPath, err := WriteArtifacts(dir, TestScalerArtifact(), model)
	require.NoError(t, err)
	p, err := LoadPipeline(scalerPath, modelPath, NewMockMetrics())
	require.NoError(t, err)

	preds, err := p.ClassifyDetailed([]features.FeatureRecord{koiRecord(0, 100)})
	require.NoError(t, err)
	assert.Equal(t, Unknown, preds[0].Label)
	assert.Equal(t, 7, preds[0].Code)
	assert.Equal(t, "UNKNOWN", preds[0].Label.String())
}

func TestPipeline_DriftObservesPreparedRows(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	d := NewDriftMonitor(p.Bundle().Scaler, DriftConfig{WindowSize: 20}, nil)
	p.AttachDrift(d)

	_, err := p.Classify([]features.FeatureRecord{koiRecord(0, 35.8), koiRecord(1, 100)})
	require.NoError(t, err)
	assert.Equal(t, 2, d.Samples())

	_, err = p.Classify([]features.FeatureRecord{koiRecord(0, -1)})
	require.Error(t, err)
	assert.Equal(t, 2, d.Samples())
}

func TestClassify_ScaledOverflowRejected(t *testing.T) {
	metrics := NewMockMetrics()
	p, model := newTestPipeline(t, metrics)

	huge := koiRecord(0, 35.8)
	huge.Slogg = 1e308

	_, err := p.Classify([]features.FeatureRecord{koiRecord(0, 100), huge})
	require.Error(t, err)

	var ve *common.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 1, ve.Row)
	assert.Equal(t, []string{common.ColSlogg}, ve.FieldNames())
	assert.Equal(t, 0, model.calls)
	assert.Equal(t, 1, metrics.ValidationFailures)
}

func TestClassifyBatch_ScaledOverflowFailsOnlyItsRow(t *testing.T) {
	metrics := NewMockMetrics()
	p, model := newTestPipeline(t, metrics)

	huge := koiRecord(0, 35.8)
	huge.Slogg = 1e308

	results, err := p.ClassifyBatch([]features.FeatureRecord{huge, koiRecord(0, 100)})
	require.NoError(t, err)
	require.Len(t, results, 2)

	var ve *common.ValidationError
	require.True(t, errors.As(results[0].Err, &ve))
	assert.Equal(t, 0, ve.Row)
	assert.Equal(t, []string{common.ColSlogg}, ve.FieldNames())
	assert.Equal(t, Unknown, results[0].Label)
	assert.Equal(t, int(Unknown), results[0].Code)
	assert.Zero(t, results[0].Confidence)

	assert.NoError(t, results[1].Err)
	assert.Equal(t, Confirmed, results[1].Label)
	assert.False(t, math.IsNaN(results[1].Confidence))

	assert.Equal(t, 1, model.calls)
	assert.Equal(t, 1, metrics.ValidationFailures)
	assert.Zero(t, metrics.Predictions["FALSE POSITIVE"])
}

func TestPipeline_ImportanceTracksScoredRows(t *testing.T) {
	scalerPath, modelPath, err := WriteTestArtifacts(t.TempDir())
	require.NoError(t, err)
	p, err := LoadPipeline(scalerPath, modelPath, nil)
	require.NoError(t, err)

	// the fixture ensemble splits once on the flag and twice on log SNR
	top := p.Importance().TopFeatures(2)
	assert.Equal(t, []string{"koi_model_snr_log", common.ColFlagNT}, top)

	_, err = p.Classify([]features.FeatureRecord{koiRecord(0, 35.8), koiRecord(1, 100)})
	require.NoError(t, err)
	_, err = p.Classify([]features.FeatureRecord{koiRecord(0, -1)})
	require.Error(t, err)

	snap := p.Importance().Snapshot()
	require.Len(t, snap, len(features.DefaultOutputOrder))
	snr := snap[0]
	assert.Equal(t, "koi_model_snr_log", snr.Name)
	assert.Equal(t, 2, snr.SplitCount)
	assert.InDelta(t, 2.0/3, snr.ImportanceScore, 1e-12)
	assert.Equal(t, int64(2), snr.UsageCount)
	assert.InDelta(t, math.Log1p(35.8), snr.MinValue, 1e-12)
	assert.InDelta(t, math.Log1p(100), snr.MaxValue, 1e-12)
	assert.InDelta(t, (math.Log1p(35.8)+math.Log1p(100))/2, snr.AverageValue, 1e-12)
}
