package config

import (
	"slices"
	"sync"
)

// Holder is the live config of a running watch. The file watcher and the
// SIGHUP handler both reload through it, so a reload swaps the config in
// one place and readers never see a half-applied file.
type Holder struct {
	mu      sync.RWMutex
	cfg     *Config
	path    string // immutable after construction
	reloads int
}

// NewHolder creates a Holder for the config loaded from path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Config returns the current config. Callers must not modify it.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Collections returns a copy of the collections the watch keeps live.
func (h *Holder) Collections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return slices.Clone(h.cfg.Remote.Collections)
}

// Reloads reports how many configs have been swapped in since start.
func (h *Holder) Reloads() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.reloads
}

// Swap installs next and returns the config it replaced. Remote credentials
// that next leaves empty are carried over, because they usually come from
// TILLSYNC_REMOTE_URL and TILLSYNC_API_TOKEN rather than the file.
func (h *Holder) Swap(next *Config) (prev *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev = h.cfg

	if next.Remote.BaseURL == "" {
		next.Remote.BaseURL = prev.Remote.BaseURL
	}

	if next.Remote.APIToken == "" {
		next.Remote.APIToken = prev.Remote.APIToken
	}

	h.cfg = next
	h.reloads++

	return prev
}
