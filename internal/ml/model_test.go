package ml

import (
	"math"
	"testing"

	"koi-classifier/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeEnsemble_Softmax(t *testing.T) {
	art := TestModelArtifact()
	model, err := art.Build()
	require.NoError(t, err)

	row := make([]float64, 15)
	row[2] = 2.0  // flag raised
	row[14] = 1.6 // high SNR

	proba, err := model.PredictProba(features.Matrix{row})
	require.NoError(t, err)
	require.Len(t, proba[0], 3)

	sum := 0.0
	for _, p := range proba[0] {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-12)

	// margins [2, 1, 1.5]
	want := math.Exp(2) / (math.Exp(2) + math.Exp(1) + math.Exp(1.5))
	assert.InDelta(t, want, proba[0][0], 1e-12)

	codes, err := model.Predict(features.Matrix{row})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, codes)
}

func TestTreeEnsemble_MeanProba(t *testing.T) {
	art := ModelArtifact{
		Kind:        KindTreeEnsemble,
		NFeatures:   2,
		ClassValues: []int{0, 1, 2},
		Aggregation: AggMeanProba,
		Trees: []Tree{
			{Nodes: []TreeNode{
				{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
				{Left: -1, Proba: []float64{1, 0, 0}},
				{Left: -1, Proba: []float64{0, 0.4, 0.6}},
			}},
			{Nodes: []TreeNode{
				{Left: -1, Proba: []float64{0, 0.8, 0.2}},
			}},
		},
	}
	model, err := art.Build()
	require.NoError(t, err)

	proba, err := model.PredictProba(features.Matrix{{1, 0}, {0, 0}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.6, 0.4}, proba[0], 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 0.4, 0.1}, proba[1], 1e-12)

	codes, err := model.Predict(features.Matrix{{1, 0}, {0, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, codes)
}

func TestLinearModel(t *testing.T) {
	art := ModelArtifact{
		Kind:        KindLinear,
		NFeatures:   2,
		ClassValues: []int{0, 1, 2},
		Coef:        [][]float64{{1, 0}, {0, 1}, {-1, -1}},
		Intercept:   []float64{0, 0, 0.5},
	}
	model, err := art.Build()
	require.NoError(t, err)

	codes, err := model.Predict(features.Matrix{{2, 0}, {0, 2}, {-1, -1}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, codes)

	_, err = model.Predict(features.Matrix{{1}})
	assert.Error(t, err)
}

func TestArgmax_FirstWinsTies(t *testing.T) {
	assert.Equal(t, 0, argmax([]float64{0.5, 0.5}))
	assert.Equal(t, 1, argmax([]float64{0.2, 0.4, 0.4}))
}

func TestModelArtifact_BuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *ModelArtifact)
	}{
		{"unknown type", func(a *ModelArtifact) { a.Kind = "svm" }},
		{"no features", func(a *ModelArtifact) { a.NFeatures = 0 }},
		{"one class", func(a *ModelArtifact) { a.ClassValues = []int{0} }},
		{"unknown aggregation", func(a *ModelArtifact) { a.Aggregation = "vote" }},
		{"no trees", func(a *ModelArtifact) { a.Trees = nil }},
		{"bad class index", func(a *ModelArtifact) { a.Trees[0].Class = 3 }},
		{"backward child", func(a *ModelArtifact) { a.Trees[0].Nodes[0].Left = 0 }},
		{"child out of range", func(a *ModelArtifact) { a.Trees[0].Nodes[0].Right = 9 }},
		{"feature out of range", func(a *ModelArtifact) { a.Trees[1].Nodes[0].Feature = 15 }},
		{"base score shape", func(a *ModelArtifact) { a.BaseScore = []float64{0, 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art := TestModelArtifact()
			tt.mutate(&art)
			_, err := art.Build()
			assert.Error(t, err)
		})
	}
}
