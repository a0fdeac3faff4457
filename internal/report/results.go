package report

import (
	"errors"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"
	"koi-classifier/internal/ml"
)

// Row is one line of an uploaded CSV and its outcome. Error is set for rows
// that could not be parsed or failed validation; Label is empty for them.
type Row struct {
	Index      int                    `json:"row"`
	Input      features.FeatureRecord `json:"input_data"`
	Label      string                 `json:"prediction,omitempty"`
	Code       int                    `json:"prediction_code"`
	Confidence float64                `json:"confidence"`
	Error      string                 `json:"error,omitempty"`
}

// Results is a scored batch.
type Results struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
	Rows         []Row     `json:"results"`
}

// Summary aggregates a batch.
type Summary struct {
	ID           string         `json:"id"`
	Filename     string         `json:"filename"`
	ModelVersion string         `json:"model_version"`
	CreatedAt    time.Time      `json:"created_at"`
	TotalRows    int            `json:"total_rows"`
	Total        int            `json:"total_predictions"`
	Invalid      int            `json:"invalid_rows"`
	Counts       map[string]int `json:"prediction_summary"`
}

// ScoreBatch runs every parsable row of batch through the pipeline. Rows
// that failed to parse keep their parse error; the rest follow the
// pipeline's per-row policy.
func ScoreBatch(p *ml.Pipeline, batch *features.Batch) ([]Row, error) {
	records, idx := batch.Records()
	scored, err := p.ClassifyBatch(records)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, len(batch.Rows))
	pos := make(map[int]int, len(idx))
	for j, rowIndex := range idx {
		pos[rowIndex] = j
	}
	for i, br := range batch.Rows {
		rows[i] = Row{Index: br.Index, Input: br.Record, Code: int(ml.Unknown)}
		if br.Err != nil {
			rows[i].Error = br.Err.Error()
			continue
		}
		res := scored[pos[br.Index]]
		if res.Err != nil {
			var ve *common.ValidationError
			if errors.As(res.Err, &ve) {
				ve.Row = br.Index
			}
			rows[i].Error = res.Err.Error()
			continue
		}
		rows[i].Label = res.Label.String()
		rows[i].Code = res.Code
		rows[i].Confidence = res.Confidence
	}
	return rows, nil
}

// Summarize counts rows per label. Every known label is present, zero
// counts included.
func (r *Results) Summarize() Summary {
	s := Summary{
		ID:           r.ID,
		Filename:     r.Filename,
		ModelVersion: r.ModelVersion,
		CreatedAt:    r.CreatedAt,
		TotalRows:    len(r.Rows),
		Counts:       make(map[string]int, len(ml.AllLabels)),
	}
	for _, l := range ml.AllLabels {
		s.Counts[l.String()] = 0
	}
	for _, row := range r.Rows {
		if row.Error != "" {
			s.Invalid++
			continue
		}
		s.Total++
		s.Counts[row.Label]++
	}
	return s
}
