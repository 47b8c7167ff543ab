package breaker

import (
	"log/slog"
	"slices"
	"sync"
)

// Registry creates breakers lazily, one per resource name, and keeps them
// for the life of the process.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	settings Settings
	logger   *slog.Logger
}

// NewRegistry creates a registry whose breakers share settings.
func NewRegistry(settings Settings, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: settings,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.settings, r.logger)
		r.breakers[name] = b
	}

	return b
}

// Stats returns the stats of the named breaker and whether it exists.
// Looking up stats never creates a breaker.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return Stats{}, false
	}

	return b.Stats(), true
}

// All returns the stats of every breaker, sorted by name.
func (r *Registry) All() []Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	slices.Sort(names)

	out := make([]Stats, 0, len(names))
	for _, name := range names {
		if s, ok := r.Stats(name); ok {
			out = append(out, s)
		}
	}

	return out
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		b.Reset()
	}

	r.logger.Info("circuit breakers reset", slog.Int("count", len(r.breakers)))
}
