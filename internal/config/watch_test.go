package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeTestConfig(t, "[sync]\nreplay_workers = 2\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Remote.APIToken = "from-env"
	h := NewHolder(cfg, path)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var reloads atomic.Int32

	done := make(chan error, 1)

	go func() {
		done <- Watch(ctx, h, t.TempDir(), t.TempDir(), testLogger(t), func(prev, next *Config) {
			assert.Equal(t, 2, prev.Sync.ReplayWorkers)
			reloads.Add(1)
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nreplay_workers = 7\n"), 0o600))

	require.Eventually(t, func() bool {
		return h.Config().Sync.ReplayWorkers == 7
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), reloads.Load())
	assert.Equal(t, "from-env", h.Config().Remote.APIToken, "env token survives reload")

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_InvalidFileKeepsCurrent(t *testing.T) {
	path := writeTestConfig(t, "[sync]\nreplay_workers = 3\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(cfg, path)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go func() {
		_ = Watch(ctx, h, t.TempDir(), t.TempDir(), testLogger(t), nil)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nreplay_workers = 1000\n"), 0o600))

	// Wait past the debounce; the invalid file must not replace the config.
	time.Sleep(3 * reloadDebounce)
	assert.Equal(t, 3, h.Config().Sync.ReplayWorkers)
}
