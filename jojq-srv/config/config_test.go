package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8888", cfg.ListenAddress)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.False(t, cfg.Interception.Enabled)
	assert.NotEmpty(t, cfg.Interception.CADir)
	assert.Equal(t, 100, cfg.Capture.BufferSize)
	assert.Equal(t, int64(25<<20), cfg.Capture.MaxBodyBytes)
	assert.Equal(t, "sqlite", cfg.Statistics.Backend)
	assert.False(t, cfg.Statistics.Enabled)
	assert.Nil(t, cfg.Forward)
}

func TestLoadConfigJSON(t *testing.T) {
	content := `{
		"listen-address": "127.0.0.1:9999",
		"timeout-seconds": 10,
		"interception": {
			"enabled": true,
			"ca-dir": "/tmp/jojq-test-ca"
		},
		"capture": {
			"buffer-size": 50,
			"max-body-bytes": 1048576,
			"include-hosts": ["api.example.com"],
			"exclude-hosts": ["telemetry"]
		},
		"statistics": {
			"enabled": true,
			"backend": "sqlite",
			"sqlite-path": "/tmp/jojq-test.db"
		}
	}`
	path := writeConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddress)
	assert.Equal(t, 10, cfg.TimeoutSeconds)
	assert.True(t, cfg.Interception.Enabled)
	assert.Equal(t, "/tmp/jojq-test-ca", cfg.Interception.CADir)
	assert.Equal(t, 50, cfg.Capture.BufferSize)
	assert.Equal(t, int64(1048576), cfg.Capture.MaxBodyBytes)
	assert.Equal(t, []string{"api.example.com"}, cfg.Capture.IncludeHosts)
	assert.Equal(t, []string{"telemetry"}, cfg.Capture.ExcludeHosts)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "/tmp/jojq-test.db", cfg.Statistics.SQLitePath)
}

func TestLoadConfigJSONForwards(t *testing.T) {
	content := `{
		"forward": {
			"type": "socks5",
			"address": "127.0.0.1:1080",
			"username": "user"
		}
	}`
	path := writeConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	fwd, ok := cfg.Forward.(*ForwardSocks5)
	require.True(t, ok, "expected socks5 forward, got %T", cfg.Forward)
	assert.Equal(t, ForwardTypeSocks5, fwd.Type())
	assert.Equal(t, "127.0.0.1:1080", fwd.Address)
	require.NotNil(t, fwd.Username)
	assert.Equal(t, "user", *fwd.Username)
	assert.Nil(t, fwd.Password)
}

func TestLoadConfigJSONForwardMissingAddress(t *testing.T) {
	content := `{"forward": {"type": "proxy"}}`
	path := writeConfigFile(t, t.TempDir(), "config.json", content)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigInvalidBufferSize(t *testing.T) {
	content := `{"capture": {"buffer-size": -1}}`
	path := writeConfigFile(t, t.TempDir(), "config.json", content)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "listen-address: nope")

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("JOJQ_LISTENADDRESS", "127.0.0.1:7777")
	t.Setenv("JOJQ_TIMEOUTSECONDS", "5")
	t.Setenv("JOJQ_INTERCEPT", "true")
	t.Setenv("JOJQ_CADIR", "/tmp/jojq-env-ca")
	t.Setenv("JOJQ_BUFFERSIZE", "42")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7777", cfg.ListenAddress)
	assert.Equal(t, 5, cfg.TimeoutSeconds)
	assert.True(t, cfg.Interception.Enabled)
	assert.Equal(t, "/tmp/jojq-env-ca", cfg.Interception.CADir)
	assert.Equal(t, 42, cfg.Capture.BufferSize)
}

func TestLoadConfigSecretValue(t *testing.T) {
	t.Setenv("JOJQ_TEST_DSN", "postgres://stats@localhost/jojq")

	content := `{
		"statistics": {
			"enabled": true,
			"backend": "postgres",
			"postgres-dsn": {"_secret": "JOJQ_TEST_DSN"}
		}
	}`
	path := writeConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://stats@localhost/jojq", cfg.Statistics.PostgresDSN)
}

func TestLoadConfigSecretMissing(t *testing.T) {
	content := `{
		"statistics": {
			"postgres-dsn": {"_secret": "JOJQ_DEFINITELY_UNSET"}
		}
	}`
	path := writeConfigFile(t, t.TempDir(), "config.json", content)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
