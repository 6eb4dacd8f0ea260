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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "file://.cashsync", cfg.Client.LocalDSN)
	assert.Equal(t, 20*time.Second, cfg.Client.Timeout)
	assert.Equal(t, 3, cfg.Client.Retries)
	assert.Equal(t, "memory://", cfg.Relay.StoreDSN)
	assert.Equal(t, []string{"*"}, cfg.Relay.AllowedOrigins)
}

func TestLoadReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CASHSYNC_USER_ID=from-file\nCASHSYNC_RELAY_ADDR=:9999\n"), 0o600))
	t.Setenv("CASHSYNC_RELAY_ADDR", ":7000")
	t.Cleanup(func() { _ = os.Unsetenv("CASHSYNC_USER_ID") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Client.UserID)
	assert.Equal(t, ":7000", cfg.Relay.Addr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CASHSYNC_LOG_FORMAT", "xml")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("CASHSYNC_LOG_FORMAT", "json")
	t.Setenv("CASHSYNC_TIMEOUT", "soon")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("CASHSYNC_TIMEOUT", "5s")
	t.Setenv("CASHSYNC_INTERVAL_JITTER", "1.5")
	_, err = Load()
	require.Error(t, err)
}
