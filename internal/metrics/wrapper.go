package metrics

import (
	"strconv"
	"time"
)

// MetricsWrapper adapts Metrics to the narrow interfaces the inference and
// serving layers depend on.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) MLPredictionsInc(label string) {
	w.m.Predictions.WithLabelValues(label).Inc()
}

func (w *MetricsWrapper) MLValidationFailuresInc() {
	w.m.ValidationFailures.Inc()
}

func (w *MetricsWrapper) MLFailuresInc() {
	w.m.MLFailures.Inc()
}

func (w *MetricsWrapper) MLLatencyObserve(v float64) {
	w.m.MLLatency.Observe(v)
}

func (w *MetricsWrapper) MLBatchSizeObserve(v float64) {
	w.m.BatchSize.Observe(v)
}

func (w *MetricsWrapper) MLModelAgeSet(v float64) {
	w.m.MLModelAge.Set(v)
}

func (w *MetricsWrapper) MLDriftScoreSet(feature string, v float64) {
	w.m.DriftScore.WithLabelValues(feature).Set(v)
}

// ObserveRequest records one handled HTTP request.
func (w *MetricsWrapper) ObserveRequest(route string, code int, elapsed time.Duration) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (w *MetricsWrapper) StreamOpened() { w.m.StreamConnections.Inc() }
func (w *MetricsWrapper) StreamClosed() { w.m.StreamConnections.Dec() }

func (w *MetricsWrapper) ReportGenerated() { w.m.ReportsGenerated.Inc() }

func (w *MetricsWrapper) StoreErrorInc() { w.m.StoreErrors.Inc() }

// ValidationFailureRate is exposed for the health endpoint.
func (w *MetricsWrapper) ValidationFailureRate() float64 {
	return w.m.ValidationFailureRate()
}
