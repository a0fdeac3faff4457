package ml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu                 sync.Mutex
	Predictions        map[string]int
	ValidationFailures int
	Failures           int
	LatencyCount       int
	BatchSizes         []float64
	ModelAge           float64
	DriftScores        map[string]float64
}

func NewMockMetrics() *MockMetrics {
	return &MockMetrics{
		Predictions: make(map[string]int),
		DriftScores: make(map[string]float64),
	}
}

func (m *MockMetrics) MLPredictionsInc(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Predictions[label]++
}

func (m *MockMetrics) MLValidationFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ValidationFailures++
}

func (m *MockMetrics) MLFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures++
}

func (m *MockMetrics) MLLatencyObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LatencyCount++
}

func (m *MockMetrics) MLBatchSizeObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchSizes = append(m.BatchSizes, v)
}

func (m *MockMetrics) MLModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModelAge = v
}

func (m *MockMetrics) MLDriftScoreSet(feature string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DriftScores[feature] = v
}

// TestMedians are the imputation medians of the fixture artifacts.
func TestMedians() map[string]float64 {
	return map[string]float64{
		common.ColPeriod:   9.75,
		common.ColDuration: 3.79,
		common.ColDepth:    421.1,
		common.ColPrad:     2.39,
		common.ColTeq:      878,
		common.ColInsol:    141.6,
		common.ColModelSNR: 23,
		common.ColSteff:    5767,
		common.ColSlogg:    4.438,
		common.ColSrad:     1,
		common.ColKepmag:   14.52,
		common.ColFlagNT:   0,
		common.ColFlagSS:   0,
		common.ColFlagCO:   0,
		common.ColFlagEC:   0,
	}
}

// TestScalerArtifact is a small scaler fit in the canonical column order.
func TestScalerArtifact() ScalerArtifact {
	return ScalerArtifact{
		Version:       "test-1",
		FeatureNames:  append([]string(nil), features.DefaultOutputOrder...),
		Mean:          []float64{30, 5, 0.2, 0.2, 0.2, 0.2, 5600, 4.3, 1.5, 14.3, 1.5, 6, 6.8, 4.5, 3.0},
		Scale:         []float64{50, 4, 0.4, 0.4, 0.4, 0.4, 800, 0.4, 3, 1.3, 1, 2, 0.5, 2.5, 1.0},
		SkewedColumns: append([]string(nil), features.DefaultSkewed...),
		Medians:       TestMedians(),
	}
}

// TestModelArtifact is a three-tree softmax ensemble over the scaled
// columns. A raised not-transit-like flag (column 2) makes FALSE POSITIVE
// win; otherwise the scaled log SNR (column 14) separates CANDIDATE
// (0 < z <= 1) from CONFIRMED (z > 1).
func TestModelArtifact() ModelArtifact {
	stump := func(class, feature int, threshold, left, right float64) Tree {
		return Tree{Class: class, Nodes: []TreeNode{
			{Feature: feature, Threshold: threshold, Left: 1, Right: 2},
			{Left: -1, Right: -1, Value: left},
			{Left: -1, Right: -1, Value: right},
		}}
	}
	return ModelArtifact{
		ModelMetadata: ModelMetadata{
			Version:      "test-1",
			Algorithm:    "gradient_boosting",
			TrainedAt:    time.Date(2024, 10, 5, 0, 0, 0, 0, time.UTC),
			Accuracy:     0.91,
			TrainingRows: 7651,
		},
		Kind:        KindTreeEnsemble,
		NFeatures:   len(features.DefaultOutputOrder),
		ClassValues: []int{0, 1, 2},
		Aggregation: AggSoftmax,
		Trees: []Tree{
			stump(0, 2, 0.75, -1, 2),
			stump(1, 14, 0.0, 0.5, 1.0),
			stump(2, 14, 1.0, 0, 1.5),
		},
	}
}

// WriteArtifacts writes the given artifacts as scaler.json and model.json
// under dir.
func WriteArtifacts(dir string, scaler ScalerArtifact, model ModelArtifact) (scalerPath, modelPath string, err error) {
	scalerPath = filepath.Join(dir, "scaler.json")
	modelPath = filepath.Join(dir, "model.json")
	if err = writeJSON(scalerPath, scaler); err != nil {
		return "", "", err
	}
	if err = writeJSON(modelPath, model); err != nil {
		return "", "", err
	}
	return scalerPath, modelPath, nil
}

// WriteTestArtifacts writes the fixture scaler and model under dir.
func WriteTestArtifacts(dir string) (scalerPath, modelPath string, err error) {
	return WriteArtifacts(dir, TestScalerArtifact(), TestModelArtifact())
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
