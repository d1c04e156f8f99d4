package config

import (
	"fmt"
	"time"

	"securesend/internal/common"

	"github.com/kelseyhightower/envconfig"
)

// Store and blob backends selectable at startup.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	BlobMemory = "memory"
	BlobFS     = "fs"
	BlobS3     = "s3"
)

// Config holds the server configuration, read from SECURESEND_* variables.
type Config struct {
	ServerPort int    `envconfig:"SERVER_PORT" default:"8080"`
	BaseURL    string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	StoreKind   string `envconfig:"STORE" default:"memory"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"securesend.db"`

	BlobKind      string `envconfig:"BLOB" default:"memory"`
	BlobDir       string `envconfig:"BLOB_DIR" default:"./data/frames"`
	S3Bucket      string `envconfig:"S3_BUCKET"`
	S3Region      string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint    string `envconfig:"S3_ENDPOINT"`
	S3AccessKey   string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey   string `envconfig:"S3_SECRET_KEY"`
	PresignFrames bool   `envconfig:"PRESIGN_FRAMES" default:"false"`

	// HandleSecret signs download handles. Empty means a random per-process
	// secret, which is fine for a single instance.
	HandleSecret         string        `envconfig:"HANDLE_SECRET"`
	HandleTTL            time.Duration `envconfig:"HANDLE_TTL" default:"5m"`
	SweepInterval        time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	PasswordCheckTimeout time.Duration `envconfig:"PASSWORD_CHECK_TIMEOUT" default:"5s"`

	CORSOrigins    []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool     `envconfig:"LOG_DEVELOPMENT" default:"false"`
	MaxUploadSize  int64    `envconfig:"MAX_UPLOAD_SIZE" default:"5368709120"`
}

// Load reads the environment into cfg and checks the backend choices.
func Load(cfg *Config) error {
	if err := envconfig.Process("securesend", cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.StoreKind {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: SECURESEND_DATABASE_URL is required for the postgres store", common.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", common.ErrValidation, c.StoreKind)
	}

	switch c.BlobKind {
	case BlobMemory, BlobFS:
	case BlobS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("%w: SECURESEND_S3_BUCKET is required for the s3 blob store", common.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown blob store %q", common.ErrValidation, c.BlobKind)
	}

	if c.HandleTTL <= 0 || c.SweepInterval <= 0 || c.PasswordCheckTimeout <= 0 {
		return fmt.Errorf("%w: durations must be positive", common.ErrValidation)
	}
	return nil
}
