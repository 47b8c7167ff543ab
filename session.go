package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tonimelisma/tillsync/internal/config"
	"github.com/tonimelisma/tillsync/internal/connection"
	"github.com/tonimelisma/tillsync/internal/engine"
)

// openEngine opens the local databases for one command. Callers must
// Close the engine.
func openEngine(ctx context.Context, cc *CLIContext) (*engine.Engine, error) {
	eng, err := engine.New(ctx, engine.Options{Config: cc.Cfg, Logger: cc.Logger})
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	return eng, nil
}

// awaitRemote gives the connection monitor one probe to find the remote
// store. Returns false straight away when probing is disabled.
func awaitRemote(ctx context.Context, cc *CLIContext, eng *engine.Engine) bool {
	if cc.Cfg.Connection.ProbeAddress == "" {
		return false
	}

	wait := config.Duration(cc.Cfg.Network.ConnectTimeout, 10*time.Second) +
		config.Duration(cc.Cfg.Connection.Debounce, connection.DefaultDebounce)

	if eng.AwaitConnection(ctx, wait) {
		return true
	}

	cc.Statusf("Remote store unreachable, working offline\n")

	return false
}

// configDirs returns the directories that fill empty store and snapshot
// paths, honoring TILLSYNC_DATA_DIR the same way config resolution does.
func configDirs() (dataDir, cacheDir string) {
	d := config.DefaultDirs(config.ReadEnvOverrides())

	return d.Data, d.Cache
}
