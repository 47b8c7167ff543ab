package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv("TILLSYNC_CONFIG", "/custom/config.toml")
	t.Setenv("TILLSYNC_DATA_DIR", "/custom/data")
	t.Setenv("TILLSYNC_REMOTE_URL", "https://sync.example.com")
	t.Setenv("TILLSYNC_API_TOKEN", "tok")

	overrides := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "/custom/data", overrides.DataDir)
	assert.Equal(t, "https://sync.example.com", overrides.RemoteURL)
	assert.Equal(t, "tok", overrides.APIToken)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv("TILLSYNC_CONFIG", "")
	t.Setenv("TILLSYNC_DATA_DIR", "")
	t.Setenv("TILLSYNC_REMOTE_URL", "")
	t.Setenv("TILLSYNC_API_TOKEN", "")

	overrides := ReadEnvOverrides()
	assert.Equal(t, EnvOverrides{}, overrides)
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "TILLSYNC_CONFIG", EnvConfig)
	assert.Equal(t, "TILLSYNC_DATA_DIR", EnvDataDir)
	assert.Equal(t, "TILLSYNC_REMOTE_URL", EnvRemoteURL)
	assert.Equal(t, "TILLSYNC_API_TOKEN", EnvAPIToken)
}
