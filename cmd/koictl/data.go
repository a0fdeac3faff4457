package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"koi-classifier/internal/features"
	"koi-classifier/internal/ml"
	"koi-classifier/internal/report"
	"koi-classifier/internal/storage"

	"github.com/rs/zerolog/log"
)

// openOutput returns stdout when path is empty.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func writeSample(rows int, outputPath string) error {
	out, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	recs := features.GenerateSample(features.SampleOptions{
		Rows:        rows,
		MissingRate: 0.02,
		Seed:        time.Now().UnixNano(),
	})
	if err := features.WriteRecordsCSV(out, recs); err != nil {
		return err
	}
	log.Info().Int("rows", rows).Str("output", outputPath).Msg("Sample data generated")
	return nil
}

func writeFixtures(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	scalerPath, modelPath, err := ml.WriteTestArtifacts(dir)
	if err != nil {
		return err
	}
	log.Info().Str("scaler", scalerPath).Str("model", modelPath).Msg("Demo artifacts written")
	return nil
}

func openStore(dataPath string) (*storage.Store, error) {
	if dataPath == "" {
		return nil, fmt.Errorf("no prediction log: set -data or DATA_PATH")
	}
	return storage.New(dataPath)
}

func exportPredictions(dataPath string, days int, outputPath string) error {
	store, err := openStore(dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	end := time.Now()
	start := time.Unix(0, 0)
	if days > 0 {
		start = end.AddDate(0, 0, -days)
	}
	recs, err := store.PredictionsInRange(start, end)
	if err != nil {
		return err
	}

	out, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := report.ExportPredictions(out, recs); err != nil {
		return err
	}
	log.Info().Int("records", len(recs)).Str("output", outputPath).Msg("Prediction log exported")
	return nil
}

func inspectLog(dataPath string) error {
	store, err := openStore(dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.CountByLabel()
	if err != nil {
		return err
	}
	fmt.Printf("Inspecting prediction log in: %s\n\n", dataPath)
	for _, l := range ml.AllLabels {
		fmt.Printf("  %-15s %d\n", l.String(), counts[l.String()])
	}

	batches, err := store.RecentBatches(10)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}
	fmt.Println("\nRecent batches:")
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tFILE\tROWS\tINVALID\tMODEL")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			b.ID, b.CreatedAt.Format(time.RFC3339), b.Filename, b.Rows, b.Invalid, b.ModelVersion)
	}
	return tw.Flush()
}
