package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "TILLSYNC_CONFIG"
	EnvDataDir   = "TILLSYNC_DATA_DIR"
	EnvRemoteURL = "TILLSYNC_REMOTE_URL"
	EnvAPIToken  = "TILLSYNC_API_TOKEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // TILLSYNC_CONFIG: override config file path
	DataDir    string // TILLSYNC_DATA_DIR: directory for the database files
	RemoteURL  string // TILLSYNC_REMOTE_URL: remote base URL
	APIToken   string // TILLSYNC_API_TOKEN: bearer token for the remote
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		RemoteURL:  os.Getenv(EnvRemoteURL),
		APIToken:   os.Getenv(EnvAPIToken),
	}
}
