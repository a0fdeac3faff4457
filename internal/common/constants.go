package common

import "time"

// Raw KOI feature columns, continuous measurements.
const (
	ColPeriod   = "koi_period"
	ColDuration = "koi_duration"
	ColDepth    = "koi_depth"
	ColPrad     = "koi_prad"
	ColTeq      = "koi_teq"
	ColInsol    = "koi_insol"
	ColModelSNR = "koi_model_snr"
	ColSteff    = "koi_steff"
	ColSlogg    = "koi_slogg"
	ColSrad     = "koi_srad"
	ColKepmag   = "koi_kepmag"
)

// Raw KOI feature columns, binary false-positive flags.
const (
	ColFlagNT = "koi_fpflag_nt"
	ColFlagSS = "koi_fpflag_ss"
	ColFlagCO = "koi_fpflag_co"
	ColFlagEC = "koi_fpflag_ec"
)

// LogSuffix is appended to a skewed column name after log compression.
const LogSuffix = "_log"

// Environment variable keys
const (
	EnvConfigFile     = "CONFIG_FILE"
	EnvListenAddr     = "LISTEN_ADDR"
	EnvScalerPath     = "SCALER_PATH"
	EnvModelPath      = "MODEL_PATH"
	EnvArtifactsDir   = "ARTIFACTS_DIR"
	EnvDataPath       = "DATA_PATH"
	EnvReportsDir     = "REPORTS_DIR"
	EnvLogLevel       = "LOG_LEVEL"
	EnvMaxUploadBytes = "MAX_UPLOAD_BYTES"
	EnvMaxBatchRows   = "MAX_BATCH_ROWS"
	EnvReadTimeout    = "READ_TIMEOUT"
	EnvWriteTimeout   = "WRITE_TIMEOUT"
	EnvDriftSchedule  = "DRIFT_SCHEDULE"
	EnvDriftWindow    = "DRIFT_WINDOW"
	EnvDriftThreshold = "DRIFT_THRESHOLD"
)

// Configuration defaults
const (
	DefaultListenAddr     = ":8000"
	DefaultScalerPath     = "artifacts/scaler.json"
	DefaultModelPath      = "artifacts/model.json"
	DefaultReportsDir     = "reports"
	DefaultLogLevel       = "info"
	DefaultMaxUploadBytes = 10 << 20 // 10 MiB
	DefaultMaxBatchRows   = 50000
	DefaultDriftSchedule  = "@every 5m"
	DefaultDriftWindow    = 500
	DefaultDriftThreshold = 1.0 // training standard deviations
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 60 * time.Second
	DefaultEnvFile        = ".env"
)

// Validation constants
const (
	MinDriftWindow    = 10
	MaxDriftWindow    = 100000
	MaxUploadLimit    = 512 << 20
	MaxBatchRowsLimit = 1000000
	MinTimeout        = time.Second
	MaxTimeout        = 10 * time.Minute
)

// DriftDisabled turns the scheduled drift evaluation off.
const DriftDisabled = "off"

// Registry file kept inside the artifacts directory.
const VersionsFile = "model_versions.json"
