package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/example/woundscan/internal/capture"
)

var defaults = map[string]any{
	"app.name":        "woundscan",
	"app.environment": "development",

	"server.addr":             ":8080",
	"server.shutdown_timeout": "15s",

	"logging.level":  "info",
	"logging.format": "json",

	"database.postgres.dsn":               "",
	"database.postgres.host":              "postgres",
	"database.postgres.port":              5432,
	"database.postgres.database":          "woundscan",
	"database.postgres.user":              "postgres",
	"database.postgres.password":          "postgres",
	"database.postgres.sslmode":           "disable",
	"database.postgres.max_connections":   10,
	"database.postgres.max_idle":          5,
	"database.postgres.conn_max_lifetime": "1h",

	"redis.address":  "redis:6379",
	"redis.password": "",
	"redis.db":       0,

	"blob.bucket":            "",
	"blob.region":            "us-east-1",
	"blob.endpoint":          "",
	"blob.public_base_url":   "",
	"blob.path_style":        false,
	"blob.access_key_id":     "",
	"blob.secret_access_key": "",

	"inference.runtime":           "grpc",
	"inference.server_addr":       "model-server:50051",
	"inference.onnx_library_path": "",
	"inference.model_dir":         "models",
	"inference.input_name":        "input_image",
	"inference.output_name":       "output",
	"inference.models.burn":       "burn_classification_model",
	"inference.models.wound":      "wound_classification_model",

	"imaging.inference_size":  224,
	"imaging.upload_max_side": 800,
	"imaging.max_pixels":      40_000_000,

	"capture.upload_timeout":       "20s",
	"capture.persist_timeout":      "5s",
	"capture.compensation_timeout": "10s",
	"capture.idempotency_ttl":      "24h",
	"capture.max_upload_bytes":     10 << 20,

	"auth.jwt_secret":   "",
	"auth.jwt_audience": "",

	"reconcile.grace_period": "1h",
	"reconcile.interval":     "0s",
	"reconcile.batch_size":   500,
}

// Load reads .env, an optional config.yaml (./configs or the working directory) and the
// environment, in increasing order of precedence. Keys map to env vars with "." replaced by
// "_", e.g. AUTH_JWT_SECRET.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Unmarshal does not see env overrides of keys inside a map; read them through Get.
	if cfg.Inference.Models == nil {
		cfg.Inference.Models = make(map[string]string)
	}
	for _, d := range capture.Domains() {
		cfg.Inference.Models[string(d)] = v.GetString("inference.models." + string(d))
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.Inference.Runtime {
	case "onnx", "grpc":
	default:
		return fmt.Errorf("inference.runtime must be onnx or grpc, got %q", cfg.Inference.Runtime)
	}
	for name := range cfg.Inference.Models {
		if _, err := capture.ParseDomain(name); err != nil {
			return fmt.Errorf("inference.models: %w", err)
		}
	}
	for _, d := range capture.Domains() {
		if cfg.Inference.Models[string(d)] == "" {
			return fmt.Errorf("inference.models.%s is required", d)
		}
	}
	if cfg.Imaging.InferenceSize <= 0 {
		return errors.New("imaging.inference_size must be positive")
	}
	if cfg.Imaging.UploadMaxSide < 0 {
		return errors.New("imaging.upload_max_side must not be negative")
	}
	if cfg.Imaging.MaxPixels <= 0 {
		return errors.New("imaging.max_pixels must be positive")
	}
	if cfg.Capture.UploadTimeout <= 0 || cfg.Capture.PersistTimeout <= 0 || cfg.Capture.CompensationTimeout <= 0 {
		return errors.New("capture timeouts must be positive")
	}
	if cfg.Capture.MaxUploadBytes <= 0 {
		return errors.New("capture.max_upload_bytes must be positive")
	}
	if cfg.Reconcile.BatchSize <= 0 {
		return errors.New("reconcile.batch_size must be positive")
	}
	return nil
}

// ModelRefs returns the model reference for each capture domain.
func (c *Config) ModelRefs() map[capture.Domain]string {
	refs := make(map[capture.Domain]string, len(c.Inference.Models))
	for _, d := range capture.Domains() {
		refs[d] = c.Inference.Models[string(d)]
	}
	return refs
}
