package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
)

// Model is the fitted classifier: one raw class value per input row.
type Model interface {
	NumFeatures() int
	Predict(x features.Matrix) ([]int, error)
}

// ProbabilityModel is implemented by models that expose class
// probabilities. Classes gives the raw value of each probability column.
type ProbabilityModel interface {
	Model
	Classes() []int
	PredictProba(x features.Matrix) ([][]float64, error)
}

// Model artifact kinds.
const (
	KindTreeEnsemble = "tree_ensemble"
	KindLinear       = "linear"
)

// Tree ensemble aggregation modes.
const (
	AggSoftmax   = "softmax"    // gradient boosting: per-class margin sums
	AggMeanProba = "mean_proba" // random forest: averaged leaf distributions
)

// ModelMetadata describes a model artifact.
type ModelMetadata struct {
	Version      string    `json:"version"`
	Algorithm    string    `json:"algorithm"`
	TrainedAt    time.Time `json:"trained_at"`
	Accuracy     float64   `json:"accuracy"`
	F1Score      float64   `json:"f1_score"`
	TrainingRows int       `json:"training_rows"`
}

// TreeNode is one node of an exported decision tree. A node with Left < 0
// is a leaf. Samples go left when x[Feature] <= Threshold.
type TreeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     float64   `json:"value,omitempty"`
	Proba     []float64 `json:"proba,omitempty"`
}

// Tree is an exported decision tree. Class is the output column a
// softmax-aggregated tree contributes to.
type Tree struct {
	Class int        `json:"class"`
	Nodes []TreeNode `json:"nodes"`
}

// ModelArtifact is the JSON form of a fitted classifier.
type ModelArtifact struct {
	ModelMetadata
	Kind        string      `json:"type"`
	NFeatures   int         `json:"n_features"`
	ClassValues []int       `json:"classes"`
	Aggregation string      `json:"aggregation,omitempty"`
	BaseScore   []float64   `json:"base_score,omitempty"`
	Trees       []Tree      `json:"trees,omitempty"`
	Coef        [][]float64 `json:"coef,omitempty"`
	Intercept   []float64   `json:"intercept,omitempty"`
}

// LoadModel reads a model artifact and builds the matching Model.
func LoadModel(path string) (*ModelArtifact, ProbabilityModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &common.ArtifactLoadError{Artifact: "model", Path: path, Err: err}
	}
	var art ModelArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, nil, &common.ArtifactLoadError{Artifact: "model", Path: path, Err: fmt.Errorf("decode: %w", err)}
	}
	m, err := art.Build()
	if err != nil {
		return nil, nil, &common.ArtifactLoadError{Artifact: "model", Path: path, Err: err}
	}
	return &art, m, nil
}

// Build validates the artifact and returns the model it describes.
func (a *ModelArtifact) Build() (ProbabilityModel, error) {
	if a.NFeatures <= 0 {
		return nil, fmt.Errorf("n_features must be positive, got %d", a.NFeatures)
	}
	if len(a.ClassValues) < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", len(a.ClassValues))
	}
	switch a.Kind {
	case KindTreeEnsemble:
		return newTreeEnsemble(a)
	case KindLinear:
		return newLinearModel(a)
	}
	return nil, fmt.Errorf("unknown model type %q", a.Kind)
}

type treeEnsemble struct {
	nFeatures   int
	classes     []int
	aggregation string
	baseScore   []float64
	trees       []Tree
}

func newTreeEnsemble(a *ModelArtifact) (*treeEnsemble, error) {
	if a.Aggregation != AggSoftmax && a.Aggregation != AggMeanProba {
		return nil, fmt.Errorf("unknown aggregation %q", a.Aggregation)
	}
	if len(a.Trees) == 0 {
		return nil, fmt.Errorf("tree ensemble has no trees")
	}
	nClasses := len(a.ClassValues)
	base := a.BaseScore
	if len(base) == 0 {
		base = make([]float64, nClasses)
	}
	if len(base) != nClasses {
		return nil, fmt.Errorf("base_score has %d entries for %d classes", len(base), nClasses)
	}

	for ti, tree := range a.Trees {
		if len(tree.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d has no nodes", ti)
		}
		if a.Aggregation == AggSoftmax && (tree.Class < 0 || tree.Class >= nClasses) {
			return nil, fmt.Errorf("tree %d targets class index %d of %d", ti, tree.Class, nClasses)
		}
		for ni, node := range tree.Nodes {
			if node.Left < 0 {
				if a.Aggregation == AggMeanProba && len(node.Proba) != nClasses {
					return nil, fmt.Errorf("tree %d leaf %d has %d probabilities for %d classes", ti, ni, len(node.Proba), nClasses)
				}
				continue
			}
			// children after parents keeps evaluation acyclic
			if node.Left <= ni || node.Right <= ni || node.Left >= len(tree.Nodes) || node.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("tree %d node %d has invalid children %d/%d", ti, ni, node.Left, node.Right)
			}
			if node.Feature < 0 || node.Feature >= a.NFeatures {
				return nil, fmt.Errorf("tree %d node %d splits on feature %d of %d", ti, ni, node.Feature, a.NFeatures)
			}
		}
	}

	return &treeEnsemble{
		nFeatures:   a.NFeatures,
		classes:     append([]int(nil), a.ClassValues...),
		aggregation: a.Aggregation,
		baseScore:   append([]float64(nil), base...),
		trees:       a.Trees,
	}, nil
}

func (t *treeEnsemble) NumFeatures() int { return t.nFeatures }
func (t *treeEnsemble) Classes() []int   { return append([]int(nil), t.classes...) }

func (t *treeEnsemble) leaf(tree Tree, row []float64) TreeNode {
	i := 0
	for {
		node := tree.Nodes[i]
		if node.Left < 0 {
			return node
		}
		if row[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

func (t *treeEnsemble) PredictProba(x features.Matrix) ([][]float64, error) {
	out := make([][]float64, len(x))
	for r, row := range x {
		if len(row) != t.nFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", r, len(row), t.nFeatures)
		}
		scores := make([]float64, len(t.classes))
		switch t.aggregation {
		case AggSoftmax:
			copy(scores, t.baseScore)
			for _, tree := range t.trees {
				scores[tree.Class] += t.leaf(tree, row).Value
			}
			out[r] = softmax(scores)
		case AggMeanProba:
			for _, tree := range t.trees {
				for c, p := range t.leaf(tree, row).Proba {
					scores[c] += p
				}
			}
			for c := range scores {
				scores[c] /= float64(len(t.trees))
			}
			out[r] = scores
		}
	}
	return out, nil
}

func (t *treeEnsemble) Predict(x features.Matrix) ([]int, error) {
	proba, err := t.PredictProba(x)
	if err != nil {
		return nil, err
	}
	return pickClasses(proba, t.classes), nil
}

type linearModel struct {
	nFeatures int
	classes   []int
	coef      [][]float64
	intercept []float64
}

func newLinearModel(a *ModelArtifact) (*linearModel, error) {
	n := len(a.ClassValues)
	if len(a.Coef) != n {
		return nil, fmt.Errorf("coef has %d rows for %d classes", len(a.Coef), n)
	}
	for i, row := range a.Coef {
		if len(row) != a.NFeatures {
			return nil, fmt.Errorf("coef row %d has %d entries, n_features is %d", i, len(row), a.NFeatures)
		}
	}
	intercept := a.Intercept
	if len(intercept) == 0 {
		intercept = make([]float64, n)
	}
	if len(intercept) != n {
		return nil, fmt.Errorf("intercept has %d entries for %d classes", len(intercept), n)
	}
	return &linearModel{
		nFeatures: a.NFeatures,
		classes:   append([]int(nil), a.ClassValues...),
		coef:      a.Coef,
		intercept: append([]float64(nil), intercept...),
	}, nil
}

func (l *linearModel) NumFeatures() int { return l.nFeatures }
func (l *linearModel) Classes() []int   { return append([]int(nil), l.classes...) }

func (l *linearModel) PredictProba(x features.Matrix) ([][]float64, error) {
	out := make([][]float64, len(x))
	for r, row := range x {
		if len(row) != l.nFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", r, len(row), l.nFeatures)
		}
		logits := make([]float64, len(l.classes))
		for c, w := range l.coef {
			s := l.intercept[c]
			for j, v := range row {
				s += w[j] * v
			}
			logits[c] = s
		}
		out[r] = softmax(logits)
	}
	return out, nil
}

func (l *linearModel) Predict(x features.Matrix) ([]int, error) {
	proba, err := l.PredictProba(x)
	if err != nil {
		return nil, err
	}
	return pickClasses(proba, l.classes), nil
}

func softmax(scores []float64) []float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// argmax returns the first index of the largest value.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func pickClasses(proba [][]float64, classes []int) []int {
	out := make([]int, len(proba))
	for i, p := range proba {
		out[i] = classes[argmax(p)]
	}
	return out
}
