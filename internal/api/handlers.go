package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
	"koi-classifier/internal/ml"
	"koi-classifier/internal/storage"

	"github.com/rs/zerolog/log"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxJSONBody      = 1 << 20
)

// PredictResponse is the body of a successful /api/predict call.
type PredictResponse struct {
	Prediction     string                 `json:"prediction"`
	PredictionCode int                    `json:"prediction_code"`
	Confidence     float64                `json:"confidence"`
	InputData      features.FeatureRecord `json:"input_data"`
	ModelVersion   string                 `json:"model_version"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Kind    string              `json:"kind"`
	Row     *int                `json:"row,omitempty"`
	Missing []string            `json:"missing,omitempty"`
	Fields  []common.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// errorBody classifies err into a status code and response body.
func errorBody(err error) (int, ErrorResponse) {
	var ve *common.ValidationError
	if errors.As(err, &ve) {
		resp := ErrorResponse{
			Error:   err.Error(),
			Kind:    "validation",
			Missing: ve.Missing,
			Fields:  ve.Fields,
		}
		if ve.Row >= 0 {
			row := ve.Row
			resp.Row = &row
		}
		return http.StatusUnprocessableEntity, resp
	}
	switch {
	case common.IsArtifactLoad(err):
		return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: "artifact"}
	case common.IsContract(err):
		return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: "contract"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: "internal"}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	if status >= 500 {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: "request"})
}

// decodeObject reads one JSON object keyed by column name.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var raw map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("expected a JSON object")
	}
	return raw, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	meta := s.pipeline.Metadata()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  "healthy",
		"message":                 "KOI classifier API is running",
		"model_version":           meta.Version,
		"uptime_seconds":          int(time.Since(s.started).Seconds()),
		"validation_failure_rate": s.metrics.ValidationFailureRate(),
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	b := s.pipeline.Bundle()
	spec := s.pipeline.Transformer().Spec()

	labels := make([]map[string]any, 0, len(ml.AllLabels))
	for _, l := range ml.AllLabels {
		labels = append(labels, map[string]any{"code": int(l), "label": l.String()})
	}

	info := map[string]any{
		"metadata":       b.Metadata,
		"scaler_path":    b.ScalerPath,
		"model_path":     b.ModelPath,
		"loaded_at":      b.LoadedAt,
		"model_age":      b.Age().String(),
		"raw_columns":    features.RawColumns,
		"skewed_columns": spec.Skewed,
		"medians":        spec.Medians,
		"feature_order":  s.pipeline.Transformer().OutputOrder(),
		"labels":         labels,
		"importance":     s.pipeline.Importance().Snapshot(),
	}
	if s.opts.Drift != nil {
		info["drift"] = s.opts.Drift.Status()
	}
	if s.opts.Registry != nil {
		if v, ok := s.opts.Registry.Current(); ok {
			info["registry_version"] = v
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeObject(w, r)
	if err != nil {
		writeBadRequest(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	rec, err := features.RecordFromMap(raw)
	if err != nil {
		s.metrics.MLValidationFailuresInc()
		writeError(w, err)
		return
	}

	preds, err := s.pipeline.ClassifyDetailed([]features.FeatureRecord{rec})
	if err != nil {
		writeError(w, err)
		return
	}
	pred := preds[0]

	resp := PredictResponse{
		Prediction:     pred.Label.String(),
		PredictionCode: pred.Code,
		Confidence:     pred.Confidence,
		InputData:      rec,
		ModelVersion:   s.pipeline.Metadata().Version,
	}
	s.record(rec, pred, "api")
	writeJSON(w, http.StatusOK, resp)
}

// BatchRequest is the body of /api/predict/batch.
type BatchRequest struct {
	Records []map[string]any `json:"records"`
}

// BatchRowResponse is one row of a /api/predict/batch response.
type BatchRowResponse struct {
	Row            int                     `json:"row"`
	Prediction     string                  `json:"prediction"`
	PredictionCode int                     `json:"prediction_code"`
	Confidence     float64                 `json:"confidence"`
	Error          *ErrorResponse          `json:"error,omitempty"`
	InputData      *features.FeatureRecord `json:"input_data,omitempty"`
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUploadBytes()))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if limit := s.opts.MaxBatchRows; limit > 0 && len(req.Records) > limit {
		writeBadRequest(w, http.StatusRequestEntityTooLarge,
			"batch of "+strconv.Itoa(len(req.Records))+" records exceeds limit of "+strconv.Itoa(limit))
		return
	}

	out := make([]BatchRowResponse, len(req.Records))
	records := make([]features.FeatureRecord, 0, len(req.Records))
	positions := make([]int, 0, len(req.Records))
	for i, raw := range req.Records {
		out[i] = BatchRowResponse{Row: i, Prediction: ml.Unknown.String(), PredictionCode: int(ml.Unknown)}
		rec, err := features.RecordFromMap(raw)
		if err != nil {
			var ve *common.ValidationError
			if errors.As(err, &ve) {
				ve.Row = i
			}
			s.metrics.MLValidationFailuresInc()
			_, body := errorBody(err)
			out[i].Error = &body
			continue
		}
		records = append(records, rec)
		positions = append(positions, i)
	}

	results, err := s.pipeline.ClassifyBatch(records)
	if err != nil {
		writeError(w, err)
		return
	}

	var logged []storage.PredictionRecord
	for j, res := range results {
		i := positions[j]
		rec := records[j]
		out[i].InputData = &rec
		if res.Err != nil {
			var ve *common.ValidationError
			if errors.As(res.Err, &ve) {
				ve.Row = i
			}
			_, body := errorBody(res.Err)
			out[i].Error = &body
			continue
		}
		out[i].Prediction = res.Label.String()
		out[i].PredictionCode = res.Code
		out[i].Confidence = res.Confidence
		logged = append(logged, s.logRecord(rec, res.Label, res.Code, res.Confidence, "api"))
	}
	s.saveMany(logged)

	writeJSON(w, http.StatusOK, map[string]any{
		"total_predictions": len(logged),
		"results":           out,
		"model_version":     s.pipeline.Metadata().Version,
	})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeBadRequest(w, http.StatusServiceUnavailable, "prediction log is disabled")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeBadRequest(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	recs, err := s.store.RecentPredictions(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.store.CountByLabel()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": recs,
		"counts":      counts,
	})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	if s.opts.Drift == nil {
		writeBadRequest(w, http.StatusNotFound, "drift monitoring is disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Drift.Status())
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func (s *Server) maxUploadBytes() int64 {
	if s.opts.MaxUploadBytes > 0 {
		return s.opts.MaxUploadBytes
	}
	return common.DefaultMaxUploadBytes
}

func (s *Server) logRecord(rec features.FeatureRecord, label ml.Label, code int, confidence float64, source string) storage.PredictionRecord {
	return storage.PredictionRecord{
		Source:       source,
		Input:        rec,
		Label:        label.String(),
		Code:         code,
		Confidence:   confidence,
		ModelVersion: s.pipeline.Metadata().Version,
	}
}

// record logs a single prediction. Log failures never fail the request.
func (s *Server) record(rec features.FeatureRecord, pred ml.Prediction, source string) {
	if s.store == nil {
		return
	}
	if _, err := s.store.SavePrediction(s.logRecord(rec, pred.Label, pred.Code, pred.Confidence, source)); err != nil {
		s.metrics.StoreErrorInc()
		log.Warn().Err(err).Str("source", source).Msg("failed to log prediction")
	}
}

func (s *Server) saveMany(recs []storage.PredictionRecord) {
	if s.store == nil || len(recs) == 0 {
		return
	}
	if err := s.store.SavePredictions(recs); err != nil {
		s.metrics.StoreErrorInc()
		log.Warn().Err(err).Int("records", len(recs)).Msg("failed to log predictions")
	}
}
