package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
	"koi-classifier/internal/report"
	"koi-classifier/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// UploadResponse is the body of a successful /api/upload-csv call.
type UploadResponse struct {
	ID                string         `json:"id"`
	Filename          string         `json:"filename"`
	ModelVersion      string         `json:"model_version"`
	TotalRows         int            `json:"total_rows"`
	TotalPredictions  int            `json:"total_predictions"`
	InvalidRows       int            `json:"invalid_rows"`
	PredictionSummary map[string]int `json:"prediction_summary"`
	PDFDownloadURL    string         `json:"pdf_download_url"`
	CSVDownloadURL    string         `json:"csv_download_url"`
	SummaryURL        string         `json:"summary_url"`
	Results           []report.Row   `json:"results"`
}

func reportURL(id, file string) string {
	return "/api/reports/" + id + "/" + file
}

func (s *Server) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeBadRequest(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeBadRequest(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, http.StatusBadRequest, "missing form file \"file\"")
		return
	}
	defer file.Close()

	batch, err := features.LoadCSV(file, s.opts.MaxBatchRows)
	if err != nil {
		switch {
		case errors.Is(err, features.ErrTooManyRows):
			writeBadRequest(w, http.StatusRequestEntityTooLarge, err.Error())
		case common.IsValidation(err):
			_, body := errorBody(err)
			writeJSON(w, http.StatusBadRequest, body)
		default:
			writeBadRequest(w, http.StatusBadRequest, "unreadable CSV: "+err.Error())
		}
		return
	}
	// rows that failed to parse never reach the pipeline's own counter
	for _, br := range batch.Rows {
		if br.Err != nil {
			s.metrics.MLValidationFailuresInc()
		}
	}

	rows, err := report.ScoreBatch(s.pipeline, batch)
	if err != nil {
		writeError(w, err)
		return
	}

	results := &report.Results{
		ID:           uuid.NewString(),
		Filename:     filepath.Base(header.Filename),
		ModelVersion: s.pipeline.Metadata().Version,
		CreatedAt:    time.Now().UTC(),
		Rows:         rows,
	}
	dir := filepath.Join(s.opts.ReportsDir, results.ID)
	if err := report.NewReporter(results, dir).GenerateReport(); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ReportGenerated()

	summary := results.Summarize()
	s.logBatch(results, summary, dir)

	log.Info().
		Str("id", results.ID).
		Str("filename", results.Filename).
		Int("rows", summary.TotalRows).
		Int("invalid", summary.Invalid).
		Msg("CSV batch scored")

	writeJSON(w, http.StatusOK, UploadResponse{
		ID:                results.ID,
		Filename:          results.Filename,
		ModelVersion:      results.ModelVersion,
		TotalRows:         summary.TotalRows,
		TotalPredictions:  summary.Total,
		InvalidRows:       summary.Invalid,
		PredictionSummary: summary.Counts,
		PDFDownloadURL:    reportURL(results.ID, report.PDFFile),
		CSVDownloadURL:    reportURL(results.ID, report.PredictionsFile),
		SummaryURL:        reportURL(results.ID, report.SummaryFile),
		Results:           rows,
	})
}

func (s *Server) logBatch(results *report.Results, summary report.Summary, dir string) {
	if s.store == nil {
		return
	}
	recs := make([]storage.PredictionRecord, 0, summary.Total)
	for _, row := range results.Rows {
		if row.Error != "" {
			continue
		}
		recs = append(recs, storage.PredictionRecord{
			Source:       "csv",
			Input:        row.Input,
			Label:        row.Label,
			Code:         row.Code,
			Confidence:   row.Confidence,
			ModelVersion: results.ModelVersion,
			BatchID:      results.ID,
		})
	}
	s.saveMany(recs)

	err := s.store.SaveBatch(storage.BatchRecord{
		ID:           results.ID,
		CreatedAt:    results.CreatedAt,
		Filename:     results.Filename,
		Rows:         summary.TotalRows,
		Scored:       summary.Total,
		Invalid:      summary.Invalid,
		Counts:       summary.Counts,
		ModelVersion: results.ModelVersion,
		ReportDir:    dir,
	})
	if err != nil {
		s.metrics.StoreErrorInc()
		log.Warn().Err(err).Str("id", results.ID).Msg("failed to log batch")
	}
}

func (s *Server) handleReportFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["file"]

	if _, err := uuid.Parse(id); err != nil {
		writeBadRequest(w, http.StatusNotFound, "report not found")
		return
	}
	if !slices.Contains(report.Files, name) {
		writeBadRequest(w, http.StatusNotFound, "report file not found")
		return
	}

	path := filepath.Join(s.opts.ReportsDir, id, name)
	switch name {
	case report.PDFFile:
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "attachment; filename=\"koi-report-"+id+".pdf\"")
	case report.PredictionsFile:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=\"koi-predictions-"+id+".csv\"")
	case report.SummaryFile:
		w.Header().Set("Content-Type", "application/json")
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeBadRequest(w, http.StatusServiceUnavailable, "prediction log is disabled")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeBadRequest(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	batches, err := s.store.RecentBatches(limit)
	if err != nil {
		writeError(w, err)
		return
	}

	type listed struct {
		storage.BatchRecord
		PDFDownloadURL string `json:"pdf_download_url"`
	}
	out := make([]listed, len(batches))
	for i, b := range batches {
		out[i] = listed{BatchRecord: b, PDFDownloadURL: reportURL(b.ID, report.PDFFile)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": out})
}
