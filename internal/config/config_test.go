package config

import (
	"testing"
	"time"

	"securesend/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, StoreMemory, cfg.StoreKind)
	assert.Equal(t, BlobMemory, cfg.BlobKind)
	assert.Equal(t, 5*time.Minute, cfg.HandleTTL)
	assert.Equal(t, 5*time.Second, cfg.PasswordCheckTimeout)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.Equal(t, int64(5<<30), cfg.MaxUploadSize)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SECURESEND_SERVER_PORT", "9090")
	t.Setenv("SECURESEND_STORE", "postgres")
	t.Setenv("SECURESEND_DATABASE_URL", "postgres://localhost/securesend")
	t.Setenv("SECURESEND_BLOB", "s3")
	t.Setenv("SECURESEND_S3_BUCKET", "frames")
	t.Setenv("SECURESEND_HANDLE_TTL", "30s")
	t.Setenv("SECURESEND_CORS_ORIGINS", "https://a.example,https://b.example")

	var cfg Config
	require.NoError(t, Load(&cfg))
	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, StorePostgres, cfg.StoreKind)
	assert.Equal(t, "frames", cfg.S3Bucket)
	assert.Equal(t, 30*time.Second, cfg.HandleTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"SECURESEND_STORE": "redis"}},
		{"postgres without url", map[string]string{"SECURESEND_STORE": "postgres"}},
		{"s3 without bucket", map[string]string{"SECURESEND_BLOB": "s3"}},
		{"unknown blob", map[string]string{"SECURESEND_BLOB": "ftp"}},
		{"zero ttl", map[string]string{"SECURESEND_HANDLE_TTL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			var cfg Config
			assert.ErrorIs(t, Load(&cfg), common.ErrValidation)
		})
	}
}
