package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/tillsync/internal/config"
	"github.com/tonimelisma/tillsync/internal/engine"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run continuously, keeping collections live and syncing on reconnect",
		Long: `Run the sync daemon in the foreground. The configured collections are
subscribed for live remote snapshots, and pending local changes are replayed
whenever the connection settles after an outage and on the [sync] interval.

The config file is reloaded when it changes on disk or when 'tillsync reload'
sends SIGHUP. Collection changes apply at once; other settings need a restart.

The first SIGINT or SIGTERM shuts down gracefully; a second forces exit.`,
		RunE: runWatch,
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running watch daemon to reload its config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := sendSIGHUP(daemonPIDPath(cc.Cfg.Store.Path)); err != nil {
				return err
			}

			cc.Statusf("Reload signal sent\n")

			return nil
		},
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	cleanup, err := writePIDFile(daemonPIDPath(cc.Cfg.Store.Path))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	eng, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.Close()

	holder := config.NewHolder(cc.Cfg, cc.CfgPath)
	dataDir, cacheDir := configDirs()

	onReload := func(prev, next *config.Config) {
		applyReload(ctx, eng, prev, next, logger)
	}

	logger.Info("watch started",
		slog.String("store", cc.Cfg.Store.Path),
		slog.Any("collections", cc.Cfg.Remote.Collections),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Start(gctx)
	})

	g.Go(func() error {
		if err := config.Watch(gctx, holder, dataDir, cacheDir, logger, onReload); err != nil {
			// Losing the file watcher does not stop syncing.
			logger.Warn("config file watch unavailable", slog.String("error", err.Error()))
		}

		return nil
	})

	g.Go(func() error {
		hup := reloadSignals(gctx)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("received SIGHUP, reloading config")
				config.Reload(holder, dataDir, cacheDir, logger, onReload)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch: %w", err)
	}

	logger.Info("watch stopped")

	return nil
}

// collectionSetter is the part of the engine a reload touches.
type collectionSetter interface {
	SetCollections(ctx context.Context, collections []string)
}

var _ collectionSetter = (*engine.Engine)(nil)

// applyReload applies the settings that can change while running and warns
// about those that need a restart.
func applyReload(ctx context.Context, eng collectionSetter, prev, next *config.Config, logger *slog.Logger) {
	if !slices.Equal(prev.Remote.Collections, next.Remote.Collections) {
		eng.SetCollections(ctx, next.Remote.Collections)
	}

	restart := []struct {
		name        string
		prev, value string
	}{
		{"store.path", prev.Store.Path, next.Store.Path},
		{"remote.base_url", prev.Remote.BaseURL, next.Remote.BaseURL},
		{"sync.conflict_strategy", prev.Sync.ConflictStrategy, next.Sync.ConflictStrategy},
		{"connection.probe_address", prev.Connection.ProbeAddress, next.Connection.ProbeAddress},
	}

	for _, r := range restart {
		if r.prev != r.value {
			logger.Warn("config change requires restart to take effect", slog.String("setting", r.name))
		}
	}
}
