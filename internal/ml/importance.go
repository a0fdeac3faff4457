package ml

import (
	"math"
	"sort"
	"sync"
	"time"

	"koi-classifier/internal/features"
)

// FeatureImportance tracks how the model weighs each scaler column and what
// values those columns carry in live traffic.
type FeatureImportance struct {
	mu           sync.RWMutex
	featureNames []string
	stats        map[string]*featureAccumulator
}

// FeatureStats is the exported view of one column.
type FeatureStats struct {
	Name              string    `json:"name"`
	ImportanceScore   float64   `json:"importance_score"`
	SplitCount        int       `json:"split_count,omitempty"`
	UsageCount        int64     `json:"usage_count"`
	AverageValue      float64   `json:"average_value"`
	StandardDeviation float64   `json:"standard_deviation"`
	MinValue          float64   `json:"min_value"`
	MaxValue          float64   `json:"max_value"`
	LastUpdated       time.Time `json:"last_updated"`
}

type featureAccumulator struct {
	importance float64
	splits     int
	n          int64
	mean       float64
	m2         float64 // Welford sum of squared deviations
	min        float64
	max        float64
	updated    time.Time
}

// NewFeatureImportance derives static importance from the model's structure:
// normalized split counts for tree ensembles, normalized mean absolute
// coefficients for linear models. names is the model's input column order.
func NewFeatureImportance(names []string, model Model) *FeatureImportance {
	fi := &FeatureImportance{
		featureNames: append([]string(nil), names...),
		stats:        make(map[string]*featureAccumulator, len(names)),
	}
	for _, name := range names {
		fi.stats[name] = &featureAccumulator{min: math.Inf(1), max: math.Inf(-1)}
	}

	weights := make([]float64, len(names))
	splits := make([]int, len(names))
	switch m := model.(type) {
	case *treeEnsemble:
		for _, tree := range m.trees {
			for _, node := range tree.Nodes {
				if node.Left >= 0 && node.Feature < len(names) {
					splits[node.Feature]++
					weights[node.Feature]++
				}
			}
		}
	case *linearModel:
		for _, row := range m.coef {
			for j, c := range row {
				if j < len(names) {
					weights[j] += math.Abs(c) / float64(len(m.coef))
				}
			}
		}
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	for j, name := range names {
		acc := fi.stats[name]
		acc.splits = splits[j]
		if total > 0 {
			acc.importance = weights[j] / total
		}
	}
	return fi
}

// Observe folds prepared (unscaled) rows into the per-column statistics.
func (fi *FeatureImportance) Observe(m features.Matrix) {
	if fi == nil || len(m) == 0 {
		return
	}
	now := time.Now()

	fi.mu.Lock()
	defer fi.mu.Unlock()

	for _, row := range m {
		for j, v := range row {
			if j >= len(fi.featureNames) || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			acc := fi.stats[fi.featureNames[j]]
			acc.n++
			delta := v - acc.mean
			acc.mean += delta / float64(acc.n)
			acc.m2 += delta * (v - acc.mean)
			acc.min = math.Min(acc.min, v)
			acc.max = math.Max(acc.max, v)
			acc.updated = now
		}
	}
}

// Snapshot returns every column, most important first. Ties keep the model's
// column order.
func (fi *FeatureImportance) Snapshot() []FeatureStats {
	if fi == nil {
		return nil
	}
	fi.mu.RLock()
	defer fi.mu.RUnlock()

	out := make([]FeatureStats, 0, len(fi.featureNames))
	for _, name := range fi.featureNames {
		acc := fi.stats[name]
		fs := FeatureStats{
			Name:            name,
			ImportanceScore: acc.importance,
			SplitCount:      acc.splits,
			UsageCount:      acc.n,
			LastUpdated:     acc.updated,
		}
		if acc.n > 0 {
			fs.AverageValue = acc.mean
			fs.MinValue = acc.min
			fs.MaxValue = acc.max
		}
		if acc.n > 1 {
			fs.StandardDeviation = math.Sqrt(acc.m2 / float64(acc.n-1))
		}
		out = append(out, fs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ImportanceScore > out[j].ImportanceScore
	})
	return out
}

// TopFeatures returns the names of the n most important columns.
func (fi *FeatureImportance) TopFeatures(n int) []string {
	snap := fi.Snapshot()
	if n > len(snap) {
		n = len(snap)
	}
	if n < 0 {
		n = 0
	}
	names := make([]string, 0, n)
	for _, fs := range snap[:n] {
		names = append(names, fs.Name)
	}
	return names
}

// Reset clears the live statistics and keeps the static importance.
func (fi *FeatureImportance) Reset() {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	for _, acc := range fi.stats {
		acc.n, acc.mean, acc.m2 = 0, 0, 0
		acc.min, acc.max = math.Inf(1), math.Inf(-1)
		acc.updated = time.Time{}
	}
}
