package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"koi-classifier/internal/cfg"
	"koi-classifier/internal/client"
	"koi-classifier/internal/features"
	"koi-classifier/internal/ml"
	"koi-classifier/internal/report"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		inputPath  = flag.String("input", "", "CSV file of KOI records to score")
		outputPath = flag.String("output", "", "Output directory for the report (default: <reports dir>/<id>)")
		scalerPath = flag.String("scaler", "", "Scaler artifact (overrides config)")
		modelPath  = flag.String("model", "", "Model artifact (overrides config)")
		remote     = flag.String("remote", "", "Score through a running service at this base URL instead of locally")
		artifacts  = flag.String("artifacts", "", "Model registry directory (overrides config)")
		versions   = flag.Bool("versions", false, "List registered model versions and exit")
		activate   = flag.String("activate", "", "Activate a registered model version and exit")
		rollback   = flag.Bool("rollback", false, "Activate the version before the active one and exit")
		addVersion = flag.String("add-version", "", "Register -scaler and -model under this version name and exit")
		sample     = flag.Int("sample", 0, "Write this many synthetic KOI records as CSV to -output (or stdout) and exit")
		fixtures   = flag.String("fixtures", "", "Write demo scaler/model artifacts into this directory and exit")
		exportLog  = flag.Bool("export", false, "Export the prediction log as CSV to -output (or stdout) and exit")
		inspect    = flag.Bool("inspect", false, "Print prediction log counts and recent batches and exit")
		dataPath   = flag.String("data", "", "Prediction log directory (overrides config)")
		days       = flag.Int("days", 0, "Limit -export to the last N days (0 for all)")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *artifacts != "" {
		config.ArtifactsDir = *artifacts
	}

	if *dataPath != "" {
		config.DataPath = *dataPath
	}

	switch {
	case *sample > 0:
		if err := writeSample(*sample, *outputPath); err != nil {
			log.Fatal().Err(err).Msg("Sample generation failed")
		}
		return
	case *fixtures != "":
		if err := writeFixtures(*fixtures); err != nil {
			log.Fatal().Err(err).Msg("Fixture generation failed")
		}
		return
	case *exportLog:
		if err := exportPredictions(config.DataPath, *days, *outputPath); err != nil {
			log.Fatal().Err(err).Msg("Export failed")
		}
		return
	case *inspect:
		if err := inspectLog(config.DataPath); err != nil {
			log.Fatal().Err(err).Msg("Inspect failed")
		}
		return
	}

	if *versions || *activate != "" || *rollback || *addVersion != "" {
		if err := manageRegistry(config.ArtifactsDir, *versions, *activate, *rollback, *addVersion, *scalerPath, *modelPath); err != nil {
			log.Fatal().Err(err).Msg("Registry command failed")
		}
		return
	}

	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: koictl -input records.csv [-output dir] [-remote http://host:8000]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *remote != "" {
		if err := scoreRemote(*remote, *inputPath, *outputPath); err != nil {
			log.Fatal().Err(err).Msg("Remote scoring failed")
		}
		return
	}

	if *scalerPath != "" {
		config.ScalerPath = *scalerPath
	}
	if *modelPath != "" {
		config.ModelPath = *modelPath
	}
	if *scalerPath == "" && *modelPath == "" && config.ArtifactsDir != "" {
		registry, err := ml.OpenRegistry(config.ArtifactsDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open model registry")
		}
		config.ScalerPath, config.ModelPath, err = registry.ActivePaths()
		if err != nil {
			log.Fatal().Err(err).Msg("No active model version")
		}
	}

	if err := scoreLocal(config, *inputPath, *outputPath); err != nil {
		log.Fatal().Err(err).Msg("Scoring failed")
	}
}

func scoreLocal(config cfg.Settings, inputPath, outputPath string) error {
	pipeline, err := ml.LoadPipeline(config.ScalerPath, config.ModelPath, nil)
	if err != nil {
		return err
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	batch, err := features.LoadCSV(f, config.MaxBatchRows)
	if err != nil {
		return err
	}
	rows, err := report.ScoreBatch(pipeline, batch)
	if err != nil {
		return err
	}

	results := &report.Results{
		ID:           uuid.NewString(),
		Filename:     filepath.Base(inputPath),
		ModelVersion: pipeline.Metadata().Version,
		CreatedAt:    time.Now().UTC(),
		Rows:         rows,
	}
	if outputPath == "" {
		outputPath = filepath.Join(config.ReportsDir, results.ID)
	}

	reporter := report.NewReporter(results, outputPath)
	if err := reporter.GenerateReport(); err != nil {
		return err
	}
	reporter.PrintSummary(os.Stdout)

	log.Info().Str("output", outputPath).Msg("Scoring completed successfully")
	return nil
}

func scoreRemote(base, inputPath, outputPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	c := client.New(base, 5*time.Minute)
	out, err := c.UploadCSV(ctx, filepath.Base(inputPath), f)
	if err != nil {
		return err
	}

	fmt.Printf("Batch %s (model %s)\n", out.ID, out.ModelVersion)
	fmt.Printf("Rows: %d (scored %d, invalid %d)\n", out.TotalRows, out.TotalPredictions, out.InvalidRows)
	for _, l := range ml.AllLabels {
		fmt.Printf("  %-15s %d\n", l.String(), out.PredictionSummary[l.String()])
	}

	if outputPath == "" {
		fmt.Printf("Report: %s%s\n", base, out.PDFDownloadURL)
		return nil
	}
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for url, name := range map[string]string{
		out.PDFDownloadURL: report.PDFFile,
		out.CSVDownloadURL: report.PredictionsFile,
		out.SummaryURL:     report.SummaryFile,
	} {
		dst, err := os.Create(filepath.Join(outputPath, name))
		if err != nil {
			return err
		}
		err = c.DownloadReport(ctx, url, dst)
		dst.Close()
		if err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
	}
	log.Info().Str("output", outputPath).Msg("Report downloaded")
	return nil
}

func manageRegistry(dir string, list bool, activate string, rollback bool, addVersion, scalerPath, modelPath string) error {
	if dir == "" {
		return fmt.Errorf("no registry directory: set -artifacts or ARTIFACTS_DIR")
	}
	registry, err := ml.OpenRegistry(dir)
	if err != nil {
		return err
	}

	if addVersion != "" {
		if scalerPath == "" || modelPath == "" {
			return fmt.Errorf("-add-version needs -scaler and -model")
		}
		// Validate the pair before registering it.
		bundle, err := ml.LoadBundle(scalerPath, modelPath)
		if err != nil {
			return err
		}
		if _, err := ml.NewPipeline(bundle, nil); err != nil {
			return err
		}
		// Registry paths are relative to the registry, not the caller.
		if scalerPath, err = filepath.Abs(scalerPath); err != nil {
			return err
		}
		if modelPath, err = filepath.Abs(modelPath); err != nil {
			return err
		}
		meta := bundle.Metadata
		if _, err := registry.AddVersion(addVersion, scalerPath, modelPath, ml.BundleMetrics{
			Accuracy:        meta.Accuracy,
			F1Score:         meta.F1Score,
			TrainingSamples: meta.TrainingRows,
		}); err != nil {
			return err
		}
	}
	if activate != "" {
		if err := registry.ActivateVersion(activate); err != nil {
			return err
		}
	}
	if rollback {
		v, err := registry.Rollback()
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back to %s\n", v.Version)
	}
	if list {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tACTIVE\tCREATED\tACCURACY\tSCALER\tMODEL")
		for _, v := range registry.List() {
			active := ""
			if v.IsActive {
				active = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\t%s\n",
				v.Version, active, v.CreatedAt.Format(time.RFC3339), v.Metrics.Accuracy, v.ScalerPath, v.ModelPath)
		}
		return tw.Flush()
	}
	return nil
}
