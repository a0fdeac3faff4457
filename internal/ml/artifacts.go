package ml

import (
	"fmt"
	"os"
	"time"

	"koi-classifier/internal/common"
	"koi-classifier/internal/features"

	"github.com/rs/zerolog/log"
)

// Bundle is a matched scaler/model pair with the transform spec they were
// trained under. It is immutable once loaded.
type Bundle struct {
	Spec       features.TransformSpec
	Scaler     *StandardScaler
	Model      ProbabilityModel
	Metadata   ModelMetadata
	ScalerPath string
	ModelPath  string
	LoadedAt   time.Time
	ModifiedAt time.Time // model file mtime
}

// LoadBundle reads both artifacts and checks that the model consumes the
// scaler's output width. The column contract itself is checked when the
// bundle is turned into a pipeline.
func LoadBundle(scalerPath, modelPath string) (*Bundle, error) {
	scalerArt, scaler, err := LoadScaler(scalerPath)
	if err != nil {
		return nil, err
	}
	modelArt, model, err := LoadModel(modelPath)
	if err != nil {
		return nil, err
	}

	width := len(scaler.FeatureNames())
	if model.NumFeatures() != width {
		return nil, &common.ArtifactLoadError{
			Artifact: "model",
			Path:     modelPath,
			Err:      fmt.Errorf("model expects %d features, scaler produces %d", model.NumFeatures(), width),
		}
	}

	b := &Bundle{
		Spec:       scalerArt.TransformSpec(),
		Scaler:     scaler,
		Model:      model,
		Metadata:   modelArt.ModelMetadata,
		ScalerPath: scalerPath,
		ModelPath:  modelPath,
		LoadedAt:   time.Now(),
	}
	if b.Metadata.Version == "" {
		b.Metadata.Version = scalerArt.Version
	}
	if info, err := os.Stat(modelPath); err == nil {
		b.ModifiedAt = info.ModTime()
	}

	log.Info().
		Str("scaler", scalerPath).
		Str("model", modelPath).
		Str("version", b.Metadata.Version).
		Str("algorithm", b.Metadata.Algorithm).
		Int("features", width).
		Msg("artifacts loaded")

	return b, nil
}

// Age is the time since the model was trained, falling back to the model
// file's modification time.
func (b *Bundle) Age() time.Duration {
	switch {
	case !b.Metadata.TrainedAt.IsZero():
		return time.Since(b.Metadata.TrainedAt)
	case !b.ModifiedAt.IsZero():
		return time.Since(b.ModifiedAt)
	}
	return 0
}
