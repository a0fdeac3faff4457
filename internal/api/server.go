// Package api serves the KOI classifier over HTTP: a JSON prediction API, an
// HTML form, batch CSV uploads with downloadable reports, a WebSocket
// prediction stream and the operational endpoints (/health, /metrics,
// /model/info).
package api

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"koi-classifier/internal/ml"
	"koi-classifier/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

//go:embed templates/*.html
var templateFS embed.FS

// Observer receives serving metrics. *metrics.MetricsWrapper implements it.
type Observer interface {
	ObserveRequest(route string, code int, elapsed time.Duration)
	MLValidationFailuresInc()
	StreamOpened()
	StreamClosed()
	ReportGenerated()
	StoreErrorInc()
	ValidationFailureRate() float64
}

// PredictionLog persists scored records. *storage.Store implements it.
type PredictionLog interface {
	SavePrediction(rec storage.PredictionRecord) (storage.PredictionRecord, error)
	SavePredictions(recs []storage.PredictionRecord) error
	RecentPredictions(limit int) ([]storage.PredictionRecord, error)
	CountByLabel() (map[string]int, error)
	SaveBatch(b storage.BatchRecord) error
	RecentBatches(limit int) ([]storage.BatchRecord, error)
}

// Options configures a Server. Pipeline and ReportsDir are required; the
// rest are optional.
type Options struct {
	Addr           string
	Pipeline       *ml.Pipeline
	Store          PredictionLog
	Metrics        Observer
	Drift          *ml.DriftMonitor
	Registry       *ml.Registry
	ReportsDir     string
	MaxUploadBytes int64
	MaxBatchRows   int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MetricsHandler http.Handler // defaults to promhttp.Handler()
}

// Server is the HTTP surface of the classifier.
type Server struct {
	opts      Options
	pipeline  *ml.Pipeline
	store     PredictionLog
	metrics   Observer
	router    *mux.Router
	server    *http.Server
	upgrader  websocket.Upgrader
	templates *template.Template
	started   time.Time

	mu        sync.Mutex
	isRunning bool
}

// NewServer builds the router. It fails only if the embedded templates do
// not parse.
func NewServer(opts Options) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		opts:      opts,
		pipeline:  opts.Pipeline,
		store:     opts.Store,
		metrics:   opts.Metrics,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		templates: tmpl,
		started:   time.Now(),
	}
	if s.metrics == nil {
		s.metrics = noopObserver{}
	}

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := mux.NewRouter()
	r.Use(s.observe)
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/predictdata", s.handleFormGet).Methods("GET")
	r.HandleFunc("/predictdata", s.handleFormPost).Methods("POST")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metricsHandler).Methods("GET")
	r.HandleFunc("/model/info", s.handleModelInfo).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/predict", s.handlePredict).Methods("POST")
	api.HandleFunc("/predict/batch", s.handlePredictBatch).Methods("POST")
	api.HandleFunc("/upload-csv", s.handleUploadCSV).Methods("POST")
	api.HandleFunc("/reports", s.handleListReports).Methods("GET")
	api.HandleFunc("/reports/{id}/{file}", s.handleReportFile).Methods("GET")
	api.HandleFunc("/predictions", s.handlePredictions).Methods("GET")
	api.HandleFunc("/drift", s.handleDrift).Methods("GET")
	api.HandleFunc("/stream", s.handleStream).Methods("GET")

	s.router = r
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler exposes the router (used by tests).
func (s *Server) Handler() http.Handler { return s.router }

// Start serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}

	go func() {
		log.Info().Str("address", ln.Addr().String()).Msg("starting KOI classifier API")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
		}
	}()

	s.isRunning = true
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.isRunning = false
	log.Info().Msg("API server stopped")
	return nil
}

// observe records per-route status and latency.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveRequest(route, rec.status, time.Since(start))
		log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(string, int, time.Duration) {}
func (noopObserver) MLValidationFailuresInc()                  {}
func (noopObserver) StreamOpened()                             {}
func (noopObserver) StreamClosed()                             {}
func (noopObserver) ReportGenerated()                          {}
func (noopObserver) StoreErrorInc()                            {}
func (noopObserver) ValidationFailureRate() float64            { return 0 }
