package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "staffsyncd.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STAFFSYNC_JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "staffsync.db", cfg.DBPath)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, float64(5), cfg.RateLimitRPS)
	assert.Equal(t, 10, cfg.RateLimitBurst)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
listen_addr = "127.0.0.1:9090"
db_path = "/var/lib/staffsync/main.db"
jwt_secret = "file-secret"
rate_limit_rps = 2.5
log_level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/staffsync/main.db", cfg.DBPath)
	assert.Equal(t, "file-secret", cfg.JWTSecret)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.RateLimitBurst)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Setenv("STAFFSYNC_JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfigFile(t, `listen_addr = [broken`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
jwt_secret = "file-secret"
listen_addr = ":9090"
`)

	t.Setenv("STAFFSYNC_JWT_SECRET", "env-secret")
	t.Setenv("STAFFSYNC_LISTEN_ADDR", ":7070")
	t.Setenv("STAFFSYNC_RATE_LIMIT_BURST", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.JWTSecret)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 25, cfg.RateLimitBurst)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}
