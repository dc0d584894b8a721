package config

import (
	"fmt"
	"time"
)

// Config is the service configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Inference InferenceConfig `mapstructure:"inference"`
	Imaging   ImagingConfig   `mapstructure:"imaging"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdle         int           `mapstructure:"max_idle"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// GetDSN returns the explicit DSN, or one assembled from the individual fields.
func (p PostgresConfig) GetDSN() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BlobConfig points at an S3-compatible bucket.
type BlobConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// InferenceConfig selects the model runtime and the model per capture domain.
type InferenceConfig struct {
	Runtime         string            `mapstructure:"runtime"` // onnx | grpc
	ServerAddr      string            `mapstructure:"server_addr"`
	ONNXLibraryPath string            `mapstructure:"onnx_library_path"`
	ModelDir        string            `mapstructure:"model_dir"`
	InputName       string            `mapstructure:"input_name"`
	OutputName      string            `mapstructure:"output_name"`
	Models          map[string]string `mapstructure:"models"`
}

// ImagingConfig keeps the two resize policies apart: inference stretches to a square,
// upload bounds the longest side and keeps the aspect ratio.
// MaxPixels bounds the decoded size of any submitted image.
type ImagingConfig struct {
	InferenceSize int `mapstructure:"inference_size"`
	UploadMaxSide int `mapstructure:"upload_max_side"`
	MaxPixels     int `mapstructure:"max_pixels"`
}

type CaptureConfig struct {
	UploadTimeout       time.Duration `mapstructure:"upload_timeout"`
	PersistTimeout      time.Duration `mapstructure:"persist_timeout"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
	IdempotencyTTL      time.Duration `mapstructure:"idempotency_ttl"`
	MaxUploadBytes      int64         `mapstructure:"max_upload_bytes"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

type ReconcileConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
}
