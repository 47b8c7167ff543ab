package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit for one save
// (truncate, write, chmod, or rename-over).
const reloadDebounce = 250 * time.Millisecond

// ReloadFunc receives the previous and the newly loaded config after a
// successful reload.
type ReloadFunc func(prev, next *Config)

// Watch watches the holder's config file and reloads it on change until ctx
// is canceled. The parent directory is watched so that atomic rename-over
// saves are seen. A file that fails to parse or validate is logged and the
// current config stays in effect. dataDir and cacheDir fill empty paths the
// same way Resolve does.
func Watch(ctx context.Context, h *Holder, dataDir, cacheDir string, logger *slog.Logger, onReload ReloadFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer w.Close()

	path := h.Path()
	dir := filepath.Dir(path)

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	logger.Debug("watching config file", slog.String("path", path))

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			timer.Reset(reloadDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			Reload(h, dataDir, cacheDir, logger, onReload)
		}
	}
}

// Reload re-reads the holder's config file now. A file that fails to parse
// or validate is logged and the current config stays in effect.
func Reload(h *Holder, dataDir, cacheDir string, logger *slog.Logger, onReload ReloadFunc) {
	next, err := LoadOrDefault(h.Path())
	if err != nil {
		logger.Warn("config reload failed, keeping current config",
			slog.String("path", h.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	ResolvePaths(next, dataDir, cacheDir)

	prev := h.Swap(next)

	logger.Info("config reloaded",
		slog.String("path", h.Path()),
		slog.Int("reload", h.Reloads()),
	)

	if onReload != nil {
		onReload(prev, next)
	}
}
