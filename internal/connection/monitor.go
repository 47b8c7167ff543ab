// Package connection tracks network reachability. Observations are
// debounced before they become the published State, and a transition to
// connected is announced on Reconnected only after the connection has
// stayed up for a settle delay.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for zero-valued Options fields.
const (
	DefaultProbeInterval = 10 * time.Second
	DefaultDebounce      = 300 * time.Millisecond
	DefaultSettleDelay   = 2 * time.Second
)

// State is the published connection state.
type State struct {
	IsOnline    bool      `json:"isOnline"`
	IsConnected bool      `json:"isConnected"`
	Quality     Quality   `json:"quality"`
	LastSync    time.Time `json:"lastSync,omitzero"`
	RetryCount  int       `json:"retryCount"`
}

// Options configures a Monitor.
type Options struct {
	// ProbeInterval is how often the prober runs. Zero uses the default;
	// negative disables probing so only Observe feeds the monitor.
	ProbeInterval time.Duration
	Debounce      time.Duration
	SettleDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = DefaultProbeInterval
	}

	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}

	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}

	return o
}

// Monitor owns the connection State. Safe for concurrent use.
type Monitor struct {
	prober Prober
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	candidate *Reachability
	lastClass Quality
	listeners map[int]func(State)
	nextID    int

	notify    chan struct{}
	reconnect chan struct{}
}

// NewMonitor creates a monitor that starts Offline. prober may be nil when
// observations are pushed through Observe.
func NewMonitor(prober Prober, opts Options, logger *slog.Logger) *Monitor {
	return &Monitor{
		prober:    prober,
		opts:      opts.withDefaults(),
		logger:    logger,
		listeners: make(map[int]func(State)),
		notify:    make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
	}
}

// Reconnected delivers one signal per settled not-connected -> connected
// transition. Signals are coalesced if the reader falls behind.
func (m *Monitor) Reconnected() <-chan struct{} {
	return m.reconnect
}

// State returns the published state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// IsConnected reports whether the published state is connected.
func (m *Monitor) IsConnected() bool {
	return m.State().IsConnected
}

// Observe queues an observation. It is published once no further
// observation arrives within the debounce window.
func (m *Monitor) Observe(r Reachability) {
	m.mu.Lock()
	m.candidate = &r
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
		// Already signaled.
	}
}

// SetQuality overrides the quality from a measured round trip. Ignored
// while disconnected.
func (m *Monitor) SetQuality(q Quality) {
	m.update(func(s *State) bool {
		if !s.IsConnected || s.Quality == q || q == Offline {
			return false
		}

		s.Quality = q

		return true
	})
}

// MarkSynced records a successful reconciliation.
func (m *Monitor) MarkSynced(at time.Time) {
	m.update(func(s *State) bool {
		s.LastSync = at
		s.RetryCount = 0

		return true
	})
}

// MarkSyncFailed counts a failed reconciliation.
func (m *Monitor) MarkSyncFailed() {
	m.update(func(s *State) bool {
		s.RetryCount++
		return true
	})
}

// Subscribe registers fn for every published change. The returned
// function removes it.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.listeners, id)
	}
}

// Run probes on the configured interval and drives the debounce and
// settle timers until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	debounce := time.NewTimer(m.opts.Debounce)
	debounce.Stop() // idle until an observation arrives
	defer debounce.Stop()

	settle := time.NewTimer(m.opts.SettleDelay)
	settle.Stop()
	defer settle.Stop()

	var probeC <-chan time.Time

	if m.prober != nil && m.opts.ProbeInterval > 0 {
		ticker := time.NewTicker(m.opts.ProbeInterval)
		defer ticker.Stop()

		probeC = ticker.C

		m.Observe(m.prober.Probe(ctx))
	}

	m.logger.Debug("connection monitor started",
		slog.Duration("probe_interval", m.opts.ProbeInterval),
		slog.Duration("debounce", m.opts.Debounce),
		slog.Duration("settle_delay", m.opts.SettleDelay),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-probeC:
			m.Observe(m.prober.Probe(ctx))

		case <-m.notify:
			debounce.Reset(m.opts.Debounce)

		case <-debounce.C:
			connected, disconnected := m.publish()

			switch {
			case connected:
				settle.Reset(m.opts.SettleDelay)
			case disconnected:
				settle.Stop()
			}

		case <-settle.C:
			if !m.IsConnected() {
				continue
			}

			m.logger.Info("connection settled, signaling reconnect")

			select {
			case m.reconnect <- struct{}{}:
			default:
			}
		}
	}
}

// publish applies the latest observation and reports whether it was a
// transition into or out of the connected state.
func (m *Monitor) publish() (connected, disconnected bool) {
	m.mu.Lock()
	r := m.candidate
	m.candidate = nil
	m.mu.Unlock()

	if r == nil {
		return false, false
	}

	var was bool

	m.update(func(s *State) bool {
		was = s.IsConnected

		next := *s
		next.IsOnline = r.Transport != TransportNone
		next.IsConnected = r.Reachable && next.IsOnline
		class := Classify(*r)
		next.Quality = class

		// A latency-derived quality stands until the medium itself changes.
		if was && next.IsConnected && class == m.lastClass {
			next.Quality = s.Quality
		}

		m.lastClass = class

		if next == *s {
			return false
		}

		*s = next

		return true
	})

	now := m.IsConnected()

	if now != was {
		m.logger.Info("connection state changed",
			slog.Bool("connected", now),
			slog.String("quality", m.State().Quality.String()),
		)
	}

	return now && !was, was && !now
}

// update mutates the state under the lock and notifies listeners when fn
// reports a change.
func (m *Monitor) update(fn func(s *State) bool) {
	m.mu.Lock()

	if !fn(&m.state) {
		m.mu.Unlock()
		return
	}

	snapshot := m.state

	listeners := make([]func(State), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}

	m.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}
