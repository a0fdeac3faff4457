package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"koi-classifier/internal/common"

	"github.com/rs/zerolog/log"
)

// BundleVersion is one registered scaler/model pair. Paths are relative to
// the registry directory unless absolute.
type BundleVersion struct {
	Version    string        `json:"version"`
	ScalerPath string        `json:"scaler_path"`
	ModelPath  string        `json:"model_path"`
	CreatedAt  time.Time     `json:"created_at"`
	Metrics    BundleMetrics `json:"metrics"`
	IsActive   bool          `json:"is_active"`
}

// BundleMetrics are offline evaluation results for a bundle.
type BundleMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	F1Score         float64 `json:"f1_score"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	TrainingSamples int     `json:"training_samples"`
}

// Registry tracks artifact versions in model_versions.json and supports
// activation and rollback.
type Registry struct {
	mu           sync.Mutex
	dir          string
	versionsFile string
	versions     []BundleVersion // newest first
}

// OpenRegistry loads the version list under dir. A missing file is an empty
// registry.
func OpenRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:          dir,
		versionsFile: filepath.Join(dir, common.VersionsFile),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", r.versionsFile, err)
	}
	return r, nil
}

// AddVersion registers a bundle. An empty version is derived from the
// current time. The new version is not activated.
func (r *Registry) AddVersion(version, scalerPath, modelPath string, metrics BundleMetrics) (BundleVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if version == "" {
		version = now.Format("20060102-150405")
	}
	for _, v := range r.versions {
		if v.Version == version {
			return BundleVersion{}, fmt.Errorf("version %s already registered", version)
		}
	}

	bv := BundleVersion{
		Version:    version,
		ScalerPath: scalerPath,
		ModelPath:  modelPath,
		CreatedAt:  now,
		Metrics:    metrics,
	}
	next := append([]BundleVersion{bv}, r.versions...)
	if err := r.save(next); err != nil {
		return BundleVersion{}, err
	}
	r.versions = next

	log.Info().Str("version", version).Msg("model version registered")
	return bv, nil
}

// ActivateVersion makes version the only active one.
func (r *Registry) ActivateVersion(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activate(version)
}

func (r *Registry) activate(version string) error {
	idx := -1
	for i := range r.versions {
		if r.versions[i].Version == version {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("version %s not found", version)
	}
	next := append([]BundleVersion(nil), r.versions...)
	for i := range next {
		next[i].IsActive = i == idx
	}
	if err := r.save(next); err != nil {
		return err
	}
	r.versions = next
	log.Info().Str("version", version).Msg("model version activated")
	return nil
}

// Rollback activates the version registered just before the active one.
func (r *Registry) Rollback() (BundleVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := -1
	for i, v := range r.versions {
		if v.IsActive {
			current = i
			break
		}
	}
	if current < 0 {
		return BundleVersion{}, fmt.Errorf("no active version")
	}
	if current+1 >= len(r.versions) {
		return BundleVersion{}, fmt.Errorf("no previous version available for rollback")
	}
	prev := r.versions[current+1]
	if err := r.activate(prev.Version); err != nil {
		return BundleVersion{}, err
	}
	prev.IsActive = true
	return prev, nil
}

// Current returns the active version.
func (r *Registry) Current() (BundleVersion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.versions {
		if v.IsActive {
			return v, true
		}
	}
	return BundleVersion{}, false
}

// List returns all versions, newest first.
func (r *Registry) List() []BundleVersion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BundleVersion(nil), r.versions...)
}

// ActivePaths resolves the active version's artifact paths.
func (r *Registry) ActivePaths() (scalerPath, modelPath string, err error) {
	v, ok := r.Current()
	if !ok {
		return "", "", fmt.Errorf("no active version in %s", r.versionsFile)
	}
	return r.resolve(v.ScalerPath), r.resolve(v.ModelPath), nil
}

func (r *Registry) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.dir, p)
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &r.versions)
}

// save writes vs; callers adopt vs in memory only once it is on disk.
func (r *Registry) save(vs []BundleVersion) error {
	data, err := json.MarshalIndent(vs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.versionsFile, data, 0o600)
}
