package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 600, cfg.Scan.SessionTimeoutSeconds)
	assert.Equal(t, 3, cfg.Scan.MaxSessionsPerConn)
	assert.Equal(t, 3, cfg.Capture.MaxAttempts)
	assert.Equal(t, 30, cfg.Capture.QualityThreshold)
	assert.Equal(t, 40, cfg.Capture.QualityWarnBelow)
	assert.Equal(t, 50, cfg.Device.Brightness)
	assert.Equal(t, "sg400", cfg.Device.TemplateFormat)
	assert.Equal(t, "./biocapture.db", cfg.Store.Path)
	assert.Empty(t, cfg.Seal.KeyHex)

	assert.Equal(t, 10*time.Minute, cfg.SessionTimeout())
	assert.Equal(t, 15*time.Second, cfg.AttemptTimeout())
	assert.Equal(t, time.Second, cfg.Backoff())
	assert.Equal(t, 400*time.Millisecond, cfg.LEDBlinkInterval())
	assert.Equal(t, 5*time.Second, cfg.StatusPeriod())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biocapture.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = ":8088"

[scan]
session_timeout_seconds = 120

[capture]
max_attempts = 5
backoff_ms = 250

[device]
brightness = 70
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8088", cfg.Server.Listen)
	assert.Equal(t, 2*time.Minute, cfg.SessionTimeout())
	assert.Equal(t, 5, cfg.Capture.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff())
	assert.Equal(t, 70, cfg.Device.Brightness)

	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.AttemptTimeout())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct{ name, body string }{
		{"zero attempts", "[capture]\nmax_attempts = 0\n"},
		{"zero session timeout", "[scan]\nsession_timeout_seconds = 0\n"},
		{"brightness out of range", "[device]\nbrightness = 140\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.toml")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nlisten = ??"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSealKeyEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biocapture.toml")
	require.NoError(t, os.WriteFile(path, []byte("[seal]\nkey_hex = \"aa\"\n"), 0o600))

	t.Setenv("BIOCAPTURE_SEAL_KEY", "bb")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bb", cfg.Seal.KeyHex)
}
