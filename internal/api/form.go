package api

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
	"koi-classifier/internal/ml"

	"github.com/rs/zerolog/log"
)

var columnHelp = map[string]string{
	common.ColPeriod:   "Orbital period (days)",
	common.ColDuration: "Transit duration (hours)",
	common.ColDepth:    "Transit depth (ppm)",
	common.ColPrad:     "Planetary radius (Earth radii)",
	common.ColTeq:      "Equilibrium temperature (K)",
	common.ColInsol:    "Insolation flux (Earth flux)",
	common.ColModelSNR: "Transit signal-to-noise",
	common.ColSteff:    "Stellar effective temperature (K)",
	common.ColSlogg:    "Stellar surface gravity (log10 cm/s²)",
	common.ColSrad:     "Stellar radius (solar radii)",
	common.ColKepmag:   "Kepler magnitude",
	common.ColFlagNT:   "Not transit-like flag (0/1)",
	common.ColFlagSS:   "Stellar eclipse flag (0/1)",
	common.ColFlagCO:   "Centroid offset flag (0/1)",
	common.ColFlagEC:   "Ephemeris match flag (0/1)",
}

type formField struct {
	Name    string
	Label   string
	Value   string
	Invalid bool
	IsFlag  bool
}

type formPage struct {
	Fields  []formField
	Result  *PredictResponse
	Error   string
	Version string
}

func (s *Server) newFormPage(values map[string]string, bad []string) formPage {
	page := formPage{Version: s.pipeline.Metadata().Version}
	for _, col := range features.RawColumns {
		page.Fields = append(page.Fields, formField{
			Name:    col,
			Label:   columnHelp[col],
			Value:   values[col],
			Invalid: slices.Contains(bad, col),
			IsFlag:  slices.Contains(features.FlagColumns, col),
		})
	}
	return page
}

func (s *Server) render(w http.ResponseWriter, name string, status int, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("failed to render page")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, "index.html", http.StatusOK, map[string]any{
		"Version":  s.pipeline.Metadata().Version,
		"MaxRows":  s.opts.MaxBatchRows,
		"Columns":  features.RawColumns,
		"MaxBytes": s.maxUploadBytes(),
	})
}

func (s *Server) handleFormGet(w http.ResponseWriter, r *http.Request) {
	s.render(w, "home.html", http.StatusOK, s.newFormPage(nil, nil))
}

// handleFormPost scores the submitted form. Fields left out of the form are
// missing; fields left blank are missing values and get imputed.
func (s *Server) handleFormPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.render(w, "home.html", http.StatusBadRequest, formPage{Error: "invalid form submission"})
		return
	}

	values := make(map[string]string, len(features.RawColumns))
	for _, col := range features.RawColumns {
		if vs, ok := r.PostForm[col]; ok && len(vs) > 0 {
			values[col] = strings.TrimSpace(vs[0])
		}
	}

	rec, err := features.RecordFromStrings(values)
	if err == nil {
		var preds []ml.Prediction
		preds, err = s.pipeline.ClassifyDetailed([]features.FeatureRecord{rec})
		if err == nil {
			page := s.newFormPage(values, nil)
			page.Result = &PredictResponse{
				Prediction:     preds[0].Label.String(),
				PredictionCode: preds[0].Code,
				Confidence:     preds[0].Confidence,
				InputData:      rec,
				ModelVersion:   page.Version,
			}
			s.record(rec, preds[0], "form")
			s.render(w, "home.html", http.StatusOK, page)
			return
		}
	} else {
		s.metrics.MLValidationFailuresInc()
	}

	var ve *common.ValidationError
	status, _ := errorBody(err)
	var bad []string
	if errors.As(err, &ve) {
		bad = ve.FieldNames()
	} else {
		log.Error().Err(err).Msg("form prediction failed")
	}
	page := s.newFormPage(values, bad)
	page.Error = err.Error()
	s.render(w, "home.html", status, page)
}
