package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Run from a directory with no config file so ambient files on the
	// machine cannot leak into the test.
	t.Setenv(EnvPrefix+"_CONFIG", "")
	tmp := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	require.NoError(t, Initialize())
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8089", cfg.HTTPAddr)
	assert.Equal(t, "orcid-claims.db", cfg.DatabaseDSN)
	assert.Equal(t, 25, cfg.DatabaseMaxConns)
	assert.Equal(t, 5, cfg.QueueMaxDeliver)
	assert.Equal(t, 300*time.Second, cfg.CheckInterval)
	assert.Equal(t, 60*time.Second, cfg.UpdateWindow)
	assert.Equal(t, 0.9, cfg.MinRatio)
	assert.Equal(t, map[string]int{"bibcode": 9, "*": -1}, cfg.IdentifiersOrder)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Empty(t, File())
}

func TestLoadFromFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, FileName)
	body := []byte("log:\n  level: debug\ndb:\n  dsn: postgres://claims\nmatch:\n  min_ratio: 0.75\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	t.Setenv(EnvPrefix+"_CONFIG", path)

	require.NoError(t, Initialize())
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://claims", cfg.DatabaseDSN)
	assert.Equal(t, 0.75, cfg.MinRatio)
	assert.Equal(t, path, File())
	// Untouched keys keep their defaults.
	assert.Equal(t, ":8089", cfg.HTTPAddr)
}

func TestEnvironmentWins(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, FileName)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	t.Setenv(EnvPrefix+"_CONFIG", path)
	t.Setenv(EnvPrefix+"_LOG_LEVEL", "error")
	t.Setenv(EnvPrefix+"_API_TOKEN", "secret-token")
	t.Setenv(EnvPrefix+"_API_ORCID_URL", "https://api.example.com/v1/orcid/")

	require.NoError(t, Initialize())
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "secret-token", cfg.APIToken)
	// Trailing slash is trimmed so callers can join paths blindly.
	assert.Equal(t, "https://api.example.com/v1/orcid", cfg.OrcidAPIURL)
}

func TestReload(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, FileName)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))
	t.Setenv(EnvPrefix+"_CONFIG", path)

	require.NoError(t, Initialize())
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	cfg, err = Reload()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DatabaseDSN:   "orcid-claims.db",
			MinRatio:      0.9,
			CheckInterval: time.Minute,
			CacheBackend:  "memory",
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.DatabaseDSN = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.MinRatio = 1.5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.MinRatio = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.CheckInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.CacheBackend = "memcached"
	assert.Error(t, cfg.Validate())
}
