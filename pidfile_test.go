package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonPIDPath_BesideStore(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("/var/lib/tillsync", pidFileName), daemonPIDPath("/var/lib/tillsync/till.db"))
	assert.Equal(t, pidFileName, daemonPIDPath("till.db"))
	assert.Empty(t, daemonPIDPath(""))

	assert.NotEqual(t, daemonPIDPath("/srv/shop-a/till.db"), daemonPIDPath("/srv/shop-b/till.db"),
		"watches over different databases use different PID files")
}

func TestWritePIDFile_SecondWatchOnSameDatabaseRefused(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := daemonPIDPath(filepath.Join(dir, "till.db"))

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	defer cleanup()

	second, err := writePIDFile(daemonPIDPath(filepath.Join(dir, "till.db")))
	require.Error(t, err)
	assert.Nil(t, second)
	assert.Contains(t, err.Error(), "another tillsync watch is already running for this database")

	other, err := writePIDFile(daemonPIDPath(filepath.Join(t.TempDir(), "nested", "till.db")))
	require.NoError(t, err, "a different database has its own lock")
	other()
}

func TestWritePIDFile_VisibleToStatusUntilCleanup(t *testing.T) {
	t.Parallel()

	path := daemonPIDPath(filepath.Join(t.TempDir(), "till.db"))

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	state, pid := daemonState(path)
	assert.Equal(t, daemonRunning, state)
	assert.Equal(t, os.Getpid(), pid)

	cleanup()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	state, pid = daemonState(path)
	assert.Equal(t, daemonStopped, state)
	assert.Zero(t, pid)
}

func TestWritePIDFile_NoStorePath(t *testing.T) {
	t.Parallel()

	cleanup, err := writePIDFile(daemonPIDPath(""))
	require.Error(t, err)
	assert.Nil(t, cleanup)
	assert.Contains(t, err.Error(), "no store path")
}

func TestReadPIDFile_RejectsBadContent(t *testing.T) {
	t.Parallel()

	for _, content := range []string{"not-a-pid\n", "0\n", "-3\n", ""} {
		path := filepath.Join(t.TempDir(), pidFileName)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		_, err := readPIDFile(path)
		require.Error(t, err, "content %q", content)
		assert.Contains(t, err.Error(), "invalid PID")
	}
}

func TestFindDaemon_NoPIDFile(t *testing.T) {
	t.Parallel()

	_, err := findDaemon(filepath.Join(t.TempDir(), pidFileName))
	require.ErrorIs(t, err, errNoDaemon)
	assert.Contains(t, err.Error(), "no PID file")

	_, err = findDaemon("")
	require.ErrorIs(t, err, errNoDaemon)
}

func TestFindDaemon_StalePIDFileRemoved(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), pidFileName)
	// PID 999999999 is almost certainly not a running process.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	_, err := findDaemon(path)
	require.ErrorIs(t, err, errNoDaemon)
	assert.Contains(t, err.Error(), "stale")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReloadCLI_NoDaemon(t *testing.T) {
	cfgPath := offlineConfig(t)
	db := filepath.Join(t.TempDir(), "till.db")

	_, err := runCLI(t, cfgPath, "--db", db, "reload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tillsync watch is running")
}

// Not parallel: SIGHUP is process-wide.
func TestReloadCLI_SignalsWatchForDatabase(t *testing.T) {
	cfgPath := offlineConfig(t)
	db := filepath.Join(t.TempDir(), "till.db")

	// This test process stands in for the watch daemon.
	cleanup, err := writePIDFile(daemonPIDPath(db))
	require.NoError(t, err)

	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hup := reloadSignals(ctx)

	_, err = runCLI(t, cfgPath, "--db", db, "reload")
	require.NoError(t, err)

	select {
	case sig := <-hup:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not receive SIGHUP")
	}

	data, err := os.ReadFile(daemonPIDPath(db))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))
}
