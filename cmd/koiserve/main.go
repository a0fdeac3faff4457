package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"koi-classifier/internal/api"
	"koi-classifier/internal/cfg"
	"koi-classifier/internal/metrics"
	"koi-classifier/internal/ml"
	"koi-classifier/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	zerolog.SetGlobalLevel(c.ZerologLevel())

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	registry, scalerPath, modelPath := resolveArtifacts(c)
	pipeline, err := ml.LoadPipeline(scalerPath, modelPath, mw)
	if err != nil {
		log.Fatal().Err(err).Str("scaler", scalerPath).Str("model", modelPath).Msg("artifacts failed to load")
	}

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	var drift *ml.DriftMonitor
	stopDrift := func() {}
	if c.DriftEnabled() {
		drift = ml.NewDriftMonitor(pipeline.Bundle().Scaler, ml.DriftConfig{
			WindowSize: c.DriftWindow,
			Threshold:  c.DriftThreshold,
		}, mw)
		pipeline.AttachDrift(drift)
		stopDrift, err = drift.Schedule(c.DriftSchedule)
		if err != nil {
			log.Fatal().Err(err).Str("schedule", c.DriftSchedule).Msg("drift schedule rejected")
		}
	}

	opts := api.Options{
		Addr:           c.ListenAddr,
		Pipeline:       pipeline,
		Metrics:        mw,
		Drift:          drift,
		Registry:       registry,
		ReportsDir:     c.ReportsDir,
		MaxUploadBytes: c.MaxUploadBytes,
		MaxBatchRows:   c.MaxBatchRows,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
	}
	if store != nil {
		opts.Store = store
	}
	server, err := api.NewServer(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("server setup failed")
	}
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server start failed")
	}

	log.Info().
		Str("addr", c.ListenAddr).
		Str("model_version", pipeline.Metadata().Version).
		Bool("prediction_log", store != nil).
		Bool("drift", drift != nil).
		Msg("KOI classifier ready")

	waitForShutdown()

	stopDrift()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown timeout, forcing exit")
	}
}

// resolveArtifacts prefers the registry's active version when an artifacts
// directory is configured.
func resolveArtifacts(c cfg.Settings) (*ml.Registry, string, string) {
	if c.ArtifactsDir == "" {
		return nil, c.ScalerPath, c.ModelPath
	}
	registry, err := ml.OpenRegistry(c.ArtifactsDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", c.ArtifactsDir).Msg("model registry failed to open")
	}
	scalerPath, modelPath, err := registry.ActivePaths()
	if err != nil {
		log.Fatal().Err(err).Msg("no active model version")
	}
	v, _ := registry.Current()
	log.Info().Str("version", v.Version).Msg("serving registry version")
	return registry, scalerPath, modelPath
}

// initializeStorage opens the prediction log if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without prediction log")
		return nil
	}
	return store
}

func waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutdown signal received")
}
