package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

const appName = "tillsync"

// File names placed under the resolved directories when the config leaves
// the corresponding path empty.
const (
	configFileName   = "config.toml"
	storeFileName    = "tillsync.db"
	snapshotFileName = "snapshots.db"
)

// Dirs are the per-user directories tillsync keeps its files in.
type Dirs struct {
	Config string // config.toml
	Data   string // local database and the watch PID file beside it
	Cache  string // snapshot cache, safe to delete
}

// platformDirs lays out Dirs for goos under home. On Linux the XDG base
// directory variables win over the home fallbacks; macOS keeps config and
// data together in Application Support. An empty home yields empty Dirs.
func platformDirs(goos, home string, getenv func(string) string) Dirs {
	if home == "" {
		return Dirs{}
	}

	switch goos {
	case platformDarwin:
		support := filepath.Join(home, "Library", "Application Support", appName)

		return Dirs{
			Config: support,
			Data:   support,
			Cache:  filepath.Join(home, "Library", "Caches", appName),
		}
	case platformLinux:
		return Dirs{
			Config: xdgDir(getenv("XDG_CONFIG_HOME"), home, ".config"),
			Data:   xdgDir(getenv("XDG_DATA_HOME"), home, ".local", "share"),
			Cache:  xdgDir(getenv("XDG_CACHE_HOME"), home, ".cache"),
		}
	default:
		return Dirs{
			Config: filepath.Join(home, ".config", appName),
			Data:   filepath.Join(home, ".local", "share", appName),
			Cache:  filepath.Join(home, ".cache", appName),
		}
	}
}

func xdgDir(xdg, home string, fallback ...string) string {
	if xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(append([]string{home}, append(fallback, appName)...)...)
}

func userDirs() Dirs {
	home, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}
	}

	return platformDirs(runtime.GOOS, home, os.Getenv)
}

// DefaultDirs returns the directories for this user and platform. A
// TILLSYNC_DATA_DIR override holds both the database and the snapshot
// cache, so one directory pins every file a till writes.
func DefaultDirs(env EnvOverrides) Dirs {
	d := userDirs()

	if env.DataDir != "" {
		d.Data, d.Cache = env.DataDir, env.DataDir
	}

	return d
}

// DefaultConfigPath is the config file used when neither TILLSYNC_CONFIG
// nor --config names one.
func DefaultConfigPath() string {
	dir := userDirs().Config
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// ResolvePaths fills the store path (under dataDir) and the snapshot cache
// path (under cacheDir) when the config leaves them empty, and expands a
// leading "~/".
func ResolvePaths(cfg *Config, dataDir, cacheDir string) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(dataDir, storeFileName)
	}

	if cfg.Cache.SnapshotPath == "" {
		cfg.Cache.SnapshotPath = filepath.Join(cacheDir, snapshotFileName)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.Cache.SnapshotPath = expandTilde(cfg.Cache.SnapshotPath)
	cfg.Logging.LogFile = expandTilde(cfg.Logging.LogFile)
}

func expandTilde(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
