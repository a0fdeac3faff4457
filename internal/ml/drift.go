package ml

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DriftConfig configures the drift monitor.
type DriftConfig struct {
	WindowSize int     `yaml:"window_size"`
	Threshold  float64 `yaml:"threshold"` // in training standard deviations
}

// DriftAlert is raised for a column whose window mean moved away from the
// training mean.
type DriftAlert struct {
	Timestamp   time.Time `json:"timestamp"`
	FeatureName string    `json:"feature_name"`
	DriftScore  float64   `json:"drift_score"`
	Threshold   float64   `json:"threshold"`
	WindowMean  float64   `json:"window_mean"`
	TrainMean   float64   `json:"train_mean"`
	Severity    string    `json:"severity"`
}

// DriftStatus is a snapshot of the last evaluation.
type DriftStatus struct {
	Samples       int                `json:"samples"`
	WindowSize    int                `json:"window_size"`
	Threshold     float64            `json:"threshold"`
	Scores        map[string]float64 `json:"scores"`
	Alerts        []DriftAlert       `json:"alerts"`
	LastEvaluated time.Time          `json:"last_evaluated"`
}

// DriftMonitor keeps a sliding window of pre-scale rows and compares each
// column's window mean with the scaler's training mean, in units of the
// training scale.
type DriftMonitor struct {
	mu        sync.Mutex
	names     []string
	trainMean []float64
	trainStd  []float64
	threshold float64
	window    [][]float64
	next      int
	filled    int
	metrics   MetricsInterface

	lastScores map[string]float64
	lastAlerts []DriftAlert
	lastEval   time.Time
}

// NewDriftMonitor builds a monitor over the scaler's columns. Zero config
// values fall back to the defaults.
func NewDriftMonitor(scaler *StandardScaler, config DriftConfig, metrics MetricsInterface) *DriftMonitor {
	if config.WindowSize <= 0 {
		config.WindowSize = common.DefaultDriftWindow
	}
	if config.Threshold <= 0 {
		config.Threshold = common.DefaultDriftThreshold
	}
	names := scaler.FeatureNames()
	d := &DriftMonitor{
		names:     names,
		trainMean: make([]float64, len(names)),
		trainStd:  make([]float64, len(names)),
		threshold: config.Threshold,
		window:    make([][]float64, config.WindowSize),
		metrics:   metrics,
	}
	for i := range names {
		d.trainMean[i] = scaler.Mean(i)
		d.trainStd[i] = math.Abs(scaler.ScaleOf(i))
	}
	return d
}

// Observe adds prepared rows to the window, evicting the oldest.
func (d *DriftMonitor) Observe(m features.Matrix) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, row := range m {
		if len(row) != len(d.names) {
			continue
		}
		d.window[d.next] = append([]float64(nil), row...)
		d.next = (d.next + 1) % len(d.window)
		if d.filled < len(d.window) {
			d.filled++
		}
	}
}

// Samples returns how many rows the window currently holds.
func (d *DriftMonitor) Samples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filled
}

// Evaluate scores every column and returns the alerts, highest score first.
// Fewer than MinDriftWindow samples yields no alerts.
func (d *DriftMonitor) Evaluate() []DriftAlert {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.lastEval = now
	d.lastScores = make(map[string]float64, len(d.names))
	d.lastAlerts = nil
	if d.filled < common.MinDriftWindow {
		return nil
	}

	sums := make([]float64, len(d.names))
	for i := 0; i < d.filled; i++ {
		for j, v := range d.window[i] {
			sums[j] += v
		}
	}

	for j, name := range d.names {
		mean := sums[j] / float64(d.filled)
		score := math.Abs(mean-d.trainMean[j]) / d.trainStd[j]
		d.lastScores[name] = score
		if d.metrics != nil {
			d.metrics.MLDriftScoreSet(name, score)
		}
		if score <= d.threshold {
			continue
		}
		severity := "medium"
		if score > 2*d.threshold {
			severity = "high"
		}
		d.lastAlerts = append(d.lastAlerts, DriftAlert{
			Timestamp:   now,
			FeatureName: name,
			DriftScore:  score,
			Threshold:   d.threshold,
			WindowMean:  mean,
			TrainMean:   d.trainMean[j],
			Severity:    severity,
		})
	}
	sort.Slice(d.lastAlerts, func(a, b int) bool {
		return d.lastAlerts[a].DriftScore > d.lastAlerts[b].DriftScore
	})

	for _, a := range d.lastAlerts {
		log.Warn().
			Str("feature", a.FeatureName).
			Float64("score", a.DriftScore).
			Str("severity", a.Severity).
			Msg("feature drift detected")
	}
	return append([]DriftAlert(nil), d.lastAlerts...)
}

// Status returns the result of the last evaluation.
func (d *DriftMonitor) Status() DriftStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	scores := make(map[string]float64, len(d.lastScores))
	for k, v := range d.lastScores {
		scores[k] = v
	}
	return DriftStatus{
		Samples:       d.filled,
		WindowSize:    len(d.window),
		Threshold:     d.threshold,
		Scores:        scores,
		Alerts:        append([]DriftAlert(nil), d.lastAlerts...),
		LastEvaluated: d.lastEval,
	}
}

// Reset empties the window and forgets the last evaluation.
func (d *DriftMonitor) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.window {
		d.window[i] = nil
	}
	d.next, d.filled = 0, 0
	d.lastScores, d.lastAlerts = nil, nil
	d.lastEval = time.Time{}
}

// Schedule runs Evaluate on a cron spec ("@every 5m", "*/10 * * * *").
// The returned function stops the scheduler and waits for a running
// evaluation to finish.
func (d *DriftMonitor) Schedule(spec string) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { d.Evaluate() }); err != nil {
		return nil, fmt.Errorf("drift schedule %q: %w", spec, err)
	}
	c.Start()
	log.Info().Str("schedule", spec).Int("window", len(d.window)).Msg("drift monitor scheduled")
	return func() { <-c.Stop().Done() }, nil
}
