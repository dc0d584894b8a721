package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/woundscan/internal/capture"
)

func newTestViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	if yaml == "" {
		v.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
		return v
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	v.SetConfigFile(path)
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(newTestViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 224, cfg.Imaging.InferenceSize)
	assert.Equal(t, 800, cfg.Imaging.UploadMaxSide)
	assert.Equal(t, 20*time.Second, cfg.Capture.UploadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Capture.PersistTimeout)
	assert.Equal(t, "grpc", cfg.Inference.Runtime)
	assert.Equal(t, "burn_classification_model", cfg.ModelRefs()[capture.DomainBurn])
	assert.Contains(t, cfg.Database.Postgres.GetDSN(), "dbname=woundscan")
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	t.Setenv("CAPTURE_PERSIST_TIMEOUT", "2s")
	t.Setenv("INFERENCE_MODELS_WOUND", "wound-v2")

	cfg, err := load(newTestViper(t, `
inference:
  runtime: onnx
  output_name: probabilities
capture:
  upload_timeout: 45s
database:
  postgres:
    dsn: postgres://u:p@db:5432/caps
`))
	require.NoError(t, err)

	assert.Equal(t, "onnx", cfg.Inference.Runtime)
	assert.Equal(t, "probabilities", cfg.Inference.OutputName)
	assert.Equal(t, 45*time.Second, cfg.Capture.UploadTimeout)
	assert.Equal(t, 2*time.Second, cfg.Capture.PersistTimeout)
	assert.Equal(t, "wound-v2", cfg.ModelRefs()[capture.DomainWound])
	assert.Equal(t, "postgres://u:p@db:5432/caps", cfg.Database.Postgres.GetDSN())
}

func TestLoadModelRefsFromEnvOnly(t *testing.T) {
	t.Setenv("INFERENCE_MODELS_BURN", "burn-v3")
	t.Setenv("INFERENCE_MODELS_WOUND", "wound-v3")

	cfg, err := load(newTestViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, map[capture.Domain]string{
		capture.DomainBurn:  "burn-v3",
		capture.DomainWound: "wound-v3",
	}, cfg.ModelRefs())
	assert.Equal(t, 40_000_000, cfg.Imaging.MaxPixels)
}

func TestLoadRejectsModelForUnknownDomain(t *testing.T) {
	_, err := load(newTestViper(t, "inference:\n  models:\n    fracture: fracture_model\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fracture")
}

func TestLoadRejectsUnknownRuntime(t *testing.T) {
	_, err := load(newTestViper(t, "inference:\n  runtime: tensorflow\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference.runtime")
}
