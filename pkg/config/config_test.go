package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("RECEPTOR_PROPAGATION_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.Idempotency.RetentionDays)
	assert.Equal(t, 8, cfg.Propagation.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Propagation.BackoffBase())
	assert.True(t, cfg.Registry.RequireMonotonicVersions)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receptor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
database:
  driver: postgres
  dsn: "host=db user=receptor dbname=receptor"
propagation:
  secret: from-file
  max_attempts: 4
`), 0o600))
	t.Setenv("RECEPTOR_PROPAGATION_MAX_ATTEMPTS", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "from-file", cfg.Propagation.Secret)
	assert.Equal(t, 6, cfg.Propagation.MaxAttempts, "env wins over file")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.Propagation.Secret = "s"
	cfg.Database.Driver = "oracle"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Propagation.Enabled = true
	cfg.Propagation.Secret = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Propagation.Secret = "s"
	cfg.Idempotency.RetentionDays = 0
	require.Error(t, cfg.Validate())
}
