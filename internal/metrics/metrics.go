// Package metrics provides Prometheus metrics for the KOI classifier service.
// It covers inference outcomes and latency, input validation failures,
// feature drift, the HTTP surface and the batch report pipeline, all exposed
// on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Inference metrics
	Predictions        *prometheus.CounterVec // Predictions by label
	ValidationFailures prometheus.Counter     // Records rejected before transformation
	MLFailures         prometheus.Counter     // Artifact or shape failures at predict time
	MLLatency          prometheus.Histogram   // Predictor latency per matrix
	BatchSize          prometheus.Histogram   // Rows per scored matrix
	MLModelAge         prometheus.Gauge       // Age of the serving model in seconds
	DriftScore         *prometheus.GaugeVec   // Window mean shift per column, in training stddevs

	// Serving metrics
	HTTPRequests      *prometheus.CounterVec   // Requests by route and status code
	HTTPDuration      *prometheus.HistogramVec // Handler duration by route
	StreamConnections prometheus.Gauge         // Open WebSocket streams
	ReportsGenerated  prometheus.Counter       // Batch reports written
	StoreErrors       prometheus.Counter       // Prediction log write failures

	gatherer prometheus.Gatherer
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
// When the registerer is also a Gatherer it is used by ValidationFailureRate.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	m := &Metrics{
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "koi_predictions_total",
			Help: "Total number of predictions by label",
		}, []string{"label"}),
		ValidationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "koi_validation_failures_total",
			Help: "Total number of records rejected by validation",
		}),
		MLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "koi_model_failures_total",
			Help: "Total number of model failures at prediction time",
		}),
		MLLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "koi_predict_latency_seconds",
			Help:    "Predictor latency per matrix in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "koi_batch_rows",
			Help:    "Rows per scored matrix",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		}),
		MLModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "koi_model_age_seconds",
			Help: "Age of the serving model in seconds",
		}),
		DriftScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "koi_feature_drift_score",
			Help: "Shift of the recent window mean from the training mean, in training standard deviations",
		}, []string{"feature"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "koi_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "koi_http_request_duration_seconds",
			Help:    "HTTP handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		StreamConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "koi_stream_connections",
			Help: "Open WebSocket prediction streams",
		}),
		ReportsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "koi_reports_generated_total",
			Help: "Total number of batch reports written",
		}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "koi_store_errors_total",
			Help: "Total number of prediction log write failures",
		}),
	}
	if g, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// ValidationFailureRate returns rejected records over all records seen, or 0
// before any traffic.
func (m *Metrics) ValidationFailureRate() float64 {
	var predictions, failures float64

	metricFamilies, err := m.gatherer.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "koi_predictions_total":
			for _, metric := range mf.Metric {
				predictions += metric.GetCounter().GetValue()
			}
		case "koi_validation_failures_total":
			for _, metric := range mf.Metric {
				failures += metric.GetCounter().GetValue()
			}
		}
	}

	if predictions+failures == 0 {
		return 0
	}
	return failures / (predictions + failures)
}
