// Package report writes the downloadable artifacts of a batch upload:
// per-row predictions as CSV, an aggregate JSON summary and a PDF report.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"koi-classifier/internal/features"

	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog/log"
)

// Report file names inside a report directory.
const (
	PredictionsFile = "predictions.csv"
	SummaryFile     = "summary.json"
	PDFFile         = "report.pdf"
)

// Files lists every file GenerateReport writes.
var Files = []string{PDFFile, PredictionsFile, SummaryFile}

// maxPDFRows caps the per-row table in the PDF; the CSV has every row.
const maxPDFRows = 500

// Reporter generates batch reports
type Reporter struct {
	results    *Results
	outputPath string
}

// NewReporter creates a reporter writing into outputPath.
func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{
		results:    results,
		outputPath: outputPath,
	}
}

// GenerateReport writes all report formats.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generatePredictions(); err != nil {
		return err
	}
	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generatePDF(); err != nil {
		return err
	}

	log.Info().
		Str("id", r.results.ID).
		Str("dir", r.outputPath).
		Int("rows", len(r.results.Rows)).
		Msg("batch report generated")
	return nil
}

func (r *Reporter) generatePredictions() error {
	csvPath := filepath.Join(r.outputPath, PredictionsFile)
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create predictions file: %w", err)
	}
	defer file.Close()

	if err := WriteCSV(file, r.results.Rows); err != nil {
		return fmt.Errorf("failed to write predictions: %w", err)
	}
	return nil
}

// WriteCSV writes rows as CSV: row number, the raw columns, then the
// outcome. Missing values are written as empty cells.
func WriteCSV(w io.Writer, rows []Row) error {
	writer := csv.NewWriter(w)

	header := append([]string{"row"}, features.RawColumns...)
	header = append(header, "prediction", "prediction_code", "confidence", "error")
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := make([]string, 0, len(header))
		record = append(record, strconv.Itoa(row.Index))
		for _, v := range row.Input.Values() {
			record = append(record, formatValue(v))
		}
		code := ""
		confidence := ""
		if row.Error == "" {
			code = strconv.Itoa(row.Code)
			confidence = fmt.Sprintf("%.4f", row.Confidence)
		}
		record = append(record, row.Label, code, confidence, row.Error)
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func (r *Reporter) generateSummary() error {
	jsonPath := filepath.Join(r.outputPath, SummaryFile)

	data, err := json.MarshalIndent(r.results.Summarize(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func (r *Reporter) generatePDF() error {
	pdfPath := filepath.Join(r.outputPath, PDFFile)
	summary := r.results.Summarize()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("KOI Classification Report", false)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 12, "KOI Classification Report", "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 10)
	meta := [][2]string{
		{"Report", summary.ID},
		{"Source file", summary.Filename},
		{"Model version", summary.ModelVersion},
		{"Generated", summary.CreatedAt.Format("2006-01-02 15:04:05 MST")},
		{"Rows", strconv.Itoa(summary.TotalRows)},
		{"Scored", strconv.Itoa(summary.Total)},
		{"Invalid", strconv.Itoa(summary.Invalid)},
	}
	for _, kv := range meta {
		pdf.CellFormat(40, 6, kv[0]+":", "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, kv[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Prediction summary", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(220, 220, 230)
	pdf.CellFormat(60, 7, "Disposition", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 7, "Count", "1", 0, "R", true, 0, "")
	pdf.CellFormat(30, 7, "Share", "1", 1, "R", true, 0, "")
	pdf.SetFont("Helvetica", "", 10)

	labels := make([]string, 0, len(summary.Counts))
	for label := range summary.Counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		n := summary.Counts[label]
		share := 0.0
		if summary.Total > 0 {
			share = float64(n) / float64(summary.Total) * 100
		}
		pdf.CellFormat(60, 7, label, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 7, strconv.Itoa(n), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 7, fmt.Sprintf("%.1f%%", share), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Predictions", "", 1, "L", false, 0, "")

	widths := []float64{14, 24, 22, 22, 24, 38, 20, 26}
	header := []string{"Row", "Period (d)", "Radius", "SNR", "Teq (K)", "Prediction", "Conf.", "Flags"}
	pdf.SetFont("Helvetica", "B", 9)
	for i, h := range header {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for i, row := range r.results.Rows {
		if i >= maxPDFRows {
			pdf.Ln(2)
			pdf.CellFormat(0, 6, fmt.Sprintf("%d more rows in %s", len(r.results.Rows)-maxPDFRows, PredictionsFile), "", 1, "L", false, 0, "")
			break
		}
		prediction := row.Label
		confidence := fmt.Sprintf("%.2f", row.Confidence)
		if row.Error != "" {
			prediction = "invalid"
			confidence = "-"
		}
		in := row.Input
		cells := []string{
			strconv.Itoa(row.Index),
			formatValue(in.Period),
			formatValue(in.Prad),
			formatValue(in.ModelSNR),
			formatValue(in.Teq),
			prediction,
			confidence,
			fmt.Sprintf("%s%s%s%s", flag(in.FlagNT), flag(in.FlagSS), flag(in.FlagCO), flag(in.FlagEC)),
		}
		for j, c := range cells {
			pdf.CellFormat(widths[j], 6, c, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
	}

	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return fmt.Errorf("failed to write PDF report: %w", err)
	}
	return nil
}

// PrintSummary writes a console summary.
func (r *Reporter) PrintSummary(w io.Writer) {
	s := r.results.Summarize()
	fmt.Fprintln(w, "\n=== KOI CLASSIFICATION ===")
	fmt.Fprintf(w, "File: %s\n", s.Filename)
	fmt.Fprintf(w, "Model: %s\n", s.ModelVersion)
	fmt.Fprintf(w, "Rows: %d (scored %d, invalid %d)\n", s.TotalRows, s.Total, s.Invalid)
	labels := make([]string, 0, len(s.Counts))
	for label := range s.Counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(w, "  %-15s %d\n", label, s.Counts[label])
	}
	fmt.Fprintln(w, "==========================")
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func flag(v float64) string {
	if v == 1 {
		return "1"
	}
	if math.IsNaN(v) {
		return "-"
	}
	return "0"
}
