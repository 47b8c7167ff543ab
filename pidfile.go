package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFileName sits next to the local database.
const pidFileName = "tillsync.pid"

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755
)

// errNoDaemon means no watch daemon holds the PID file for a database.
var errNoDaemon = errors.New("no tillsync watch is running for this database")

// daemonPIDPath returns the watch daemon's PID file for the given store
// path, so daemons over different databases do not collide. An empty store
// path has no PID file.
func daemonPIDPath(storePath string) string {
	if storePath == "" {
		return ""
	}

	return filepath.Join(filepath.Dir(storePath), pidFileName)
}

// writePIDFile records the current process as the watch daemon for the
// database beside path and holds an exclusive flock on it until cleanup.
// A second watch over the same database fails to take the lock.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("no store path configured: cannot place the watch PID file")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another tillsync watch is already running for this database (could not lock %s)", path)
	}

	if err := writeOwnPID(f); err != nil {
		f.Close()

		return nil, err
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func writeOwnPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	// Readers (status, reload) must see the PID as soon as watch starts.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing PID file: %w", err)
	}

	return nil
}

// readPIDFile reads the PID from path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s: %d", path, pid)
	}

	return pid, nil
}

// findDaemon returns the live process named by the PID file. A PID file
// whose process has exited is removed and reported as errNoDaemon.
func findDaemon(pidPath string) (*os.Process, error) {
	if pidPath == "" {
		return nil, errNoDaemon
	}

	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w (no PID file at %s)", errNoDaemon, pidPath)
		}

		return nil, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return nil, fmt.Errorf("%w (PID %d exited, stale PID file removed)", errNoDaemon, pid)
	}

	return proc, nil
}

// sendSIGHUP asks the watch daemon named by pidPath to reload its config.
func sendSIGHUP(pidPath string) error {
	proc, err := findDaemon(pidPath)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("sending SIGHUP to tillsync watch (PID %d): %w", proc.Pid, err)
	}

	return nil
}
