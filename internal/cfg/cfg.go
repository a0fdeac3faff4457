// Package cfg loads service settings. Values come from, in increasing
// precedence: built-in defaults, the YAML file named by CONFIG_FILE, a .env
// file, and the process environment.
package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"koi-classifier/internal/common"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ListenAddr     string
	ScalerPath     string
	ModelPath      string
	ArtifactsDir   string // registry root; overrides ScalerPath/ModelPath when set
	DataPath       string // prediction log directory; empty disables the log
	ReportsDir     string
	LogLevel       string
	MaxUploadBytes int64
	MaxBatchRows   int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	DriftSchedule  string
	DriftWindow    int
	DriftThreshold float64
}

type ConfigFile struct {
	Server struct {
		ListenAddr     string `yaml:"listenAddr"`
		ReadTimeout    string `yaml:"readTimeout"`
		WriteTimeout   string `yaml:"writeTimeout"`
		MaxUploadBytes int64  `yaml:"maxUploadBytes"`
		MaxBatchRows   int    `yaml:"maxBatchRows"`
	} `yaml:"server"`

	Artifacts struct {
		ScalerPath string `yaml:"scalerPath"`
		ModelPath  string `yaml:"modelPath"`
		Dir        string `yaml:"dir"`
	} `yaml:"artifacts"`

	Storage struct {
		DataPath   string `yaml:"dataPath"`
		ReportsDir string `yaml:"reportsDir"`
	} `yaml:"storage"`

	Drift struct {
		Schedule  string  `yaml:"schedule"`
		Window    int     `yaml:"window"`
		Threshold float64 `yaml:"threshold"`
	} `yaml:"drift"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads .env (if present), then CONFIG_FILE (if set), then applies
// environment overrides and validates the result.
func Load() (Settings, error) {
	if err := godotenv.Load(common.DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to load %s: %w", common.DefaultEnvFile, err)
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	readTimeout, err := parseDurationOr(config.Server.ReadTimeout, common.DefaultReadTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("server.readTimeout: %w", err)
	}
	writeTimeout, err := parseDurationOr(config.Server.WriteTimeout, common.DefaultWriteTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("server.writeTimeout: %w", err)
	}

	settings := Settings{
		ListenAddr:     getEnvOrDefault(common.EnvListenAddr, orString(config.Server.ListenAddr, common.DefaultListenAddr)),
		ScalerPath:     getEnvOrDefault(common.EnvScalerPath, orString(config.Artifacts.ScalerPath, common.DefaultScalerPath)),
		ModelPath:      getEnvOrDefault(common.EnvModelPath, orString(config.Artifacts.ModelPath, common.DefaultModelPath)),
		ArtifactsDir:   getEnvOrDefault(common.EnvArtifactsDir, config.Artifacts.Dir),
		DataPath:       getEnvOrDefault(common.EnvDataPath, config.Storage.DataPath),
		ReportsDir:     getEnvOrDefault(common.EnvReportsDir, orString(config.Storage.ReportsDir, common.DefaultReportsDir)),
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, orString(config.Log.Level, common.DefaultLogLevel)),
		MaxUploadBytes: getInt64FromEnvOrConfig(common.EnvMaxUploadBytes, config.Server.MaxUploadBytes, common.DefaultMaxUploadBytes),
		MaxBatchRows:   getIntFromEnvOrConfig(common.EnvMaxBatchRows, config.Server.MaxBatchRows, common.DefaultMaxBatchRows),
		ReadTimeout:    getDurationOrDefault(common.EnvReadTimeout, readTimeout),
		WriteTimeout:   getDurationOrDefault(common.EnvWriteTimeout, writeTimeout),
		DriftSchedule:  getEnvOrDefault(common.EnvDriftSchedule, orString(config.Drift.Schedule, common.DefaultDriftSchedule)),
		DriftWindow:    getIntFromEnvOrConfig(common.EnvDriftWindow, config.Drift.Window, common.DefaultDriftWindow),
		DriftThreshold: getFloatFromEnvOrConfig(common.EnvDriftThreshold, config.Drift.Threshold, common.DefaultDriftThreshold),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ListenAddr:     getEnvOrDefault(common.EnvListenAddr, common.DefaultListenAddr),
		ScalerPath:     getEnvOrDefault(common.EnvScalerPath, common.DefaultScalerPath),
		ModelPath:      getEnvOrDefault(common.EnvModelPath, common.DefaultModelPath),
		ArtifactsDir:   os.Getenv(common.EnvArtifactsDir), // optional
		DataPath:       os.Getenv(common.EnvDataPath),     // optional
		ReportsDir:     getEnvOrDefault(common.EnvReportsDir, common.DefaultReportsDir),
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		MaxUploadBytes: getInt64OrDefault(common.EnvMaxUploadBytes, common.DefaultMaxUploadBytes),
		MaxBatchRows:   getIntOrDefault(common.EnvMaxBatchRows, common.DefaultMaxBatchRows),
		ReadTimeout:    getDurationOrDefault(common.EnvReadTimeout, common.DefaultReadTimeout),
		WriteTimeout:   getDurationOrDefault(common.EnvWriteTimeout, common.DefaultWriteTimeout),
		DriftSchedule:  getEnvOrDefault(common.EnvDriftSchedule, common.DefaultDriftSchedule),
		DriftWindow:    getIntOrDefault(common.EnvDriftWindow, common.DefaultDriftWindow),
		DriftThreshold: getFloatOrDefault(common.EnvDriftThreshold, common.DefaultDriftThreshold),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// DriftEnabled reports whether drift evaluation should be scheduled.
func (s *Settings) DriftEnabled() bool {
	return s.DriftSchedule != "" && !strings.EqualFold(s.DriftSchedule, common.DriftDisabled)
}

// ZerologLevel parses LogLevel; validateSettings guarantees it is valid.
func (s *Settings) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func parseDurationOr(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getIntOrDefault(key, defaultValue)
}

func getInt64FromEnvOrConfig(key string, configValue, defaultValue int64) int64 {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getInt64OrDefault(key, defaultValue)
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if configValue != 0 {
		defaultValue = configValue
	}
	return getFloatOrDefault(key, defaultValue)
}

// validateSettings performs range checks on configuration values
func validateSettings(settings *Settings) error {
	if settings.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if settings.ArtifactsDir == "" && (settings.ScalerPath == "" || settings.ModelPath == "") {
		return fmt.Errorf("scaler and model paths are required when no artifacts directory is set")
	}
	if settings.ReportsDir == "" {
		return fmt.Errorf("reports directory cannot be empty")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(settings.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", settings.LogLevel)
	}

	if settings.ReadTimeout < common.MinTimeout || settings.ReadTimeout > common.MaxTimeout {
		return fmt.Errorf("read timeout must be between %v and %v, got %v", common.MinTimeout, common.MaxTimeout, settings.ReadTimeout)
	}
	if settings.WriteTimeout < common.MinTimeout || settings.WriteTimeout > common.MaxTimeout {
		return fmt.Errorf("write timeout must be between %v and %v, got %v", common.MinTimeout, common.MaxTimeout, settings.WriteTimeout)
	}

	if settings.MaxUploadBytes <= 0 || settings.MaxUploadBytes > common.MaxUploadLimit {
		return fmt.Errorf("max upload bytes must be between 1 and %d, got %d", common.MaxUploadLimit, settings.MaxUploadBytes)
	}
	if settings.MaxBatchRows <= 0 || settings.MaxBatchRows > common.MaxBatchRowsLimit {
		return fmt.Errorf("max batch rows must be between 1 and %d, got %d", common.MaxBatchRowsLimit, settings.MaxBatchRows)
	}

	if settings.DriftEnabled() {
		if _, err := cron.ParseStandard(settings.DriftSchedule); err != nil {
			return fmt.Errorf("invalid drift schedule %q: %w", settings.DriftSchedule, err)
		}
	}
	if settings.DriftWindow < common.MinDriftWindow || settings.DriftWindow > common.MaxDriftWindow {
		return fmt.Errorf("drift window must be between %d and %d, got %d", common.MinDriftWindow, common.MaxDriftWindow, settings.DriftWindow)
	}
	if settings.DriftThreshold <= 0 || settings.DriftThreshold > 10 {
		return fmt.Errorf("drift threshold must be between 0 and 10 standard deviations, got %f", settings.DriftThreshold)
	}

	return nil
}
