package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"koi-classifier/internal/features"
	"koi-classifier/internal/storage"
)

// ExportPredictions writes logged predictions as CSV, one per line, in the
// order given. The raw columns sit in the middle so the file can be fed
// back to LoadCSV.
func ExportPredictions(w io.Writer, recs []storage.PredictionRecord) error {
	writer := csv.NewWriter(w)

	header := []string{"id", "timestamp", "source", "model_version", "batch_id"}
	header = append(header, features.RawColumns...)
	header = append(header, "prediction", "prediction_code", "confidence")
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range recs {
		line := make([]string, 0, len(header))
		line = append(line, rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Source, rec.ModelVersion, rec.BatchID)
		for _, v := range rec.Input.Values() {
			line = append(line, formatValue(v))
		}
		line = append(line, rec.Label, strconv.Itoa(rec.Code), fmt.Sprintf("%.4f", rec.Confidence))
		if err := writer.Write(line); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
