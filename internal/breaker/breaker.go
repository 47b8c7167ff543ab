// Package breaker isolates failing remote resources. Each named Breaker is
// a Closed/Open/HalfOpen state machine: consecutive failures open it, an
// open breaker rejects calls without invoking them until its timeout
// elapses, and a half-open breaker closes again after enough consecutive
// successes.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/tillsync/internal/apperr"
)

// Defaults applied to zero-valued Settings fields.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 60 * time.Second
)

// ErrOpen is matched by every rejection.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker's position in its state machine.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (s *State) UnmarshalText(b []byte) error {
	for c := Closed; c <= HalfOpen; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}

	return fmt.Errorf("breaker: unknown state %q", b)
}

// OpenError is returned for a rejected call. It matches both ErrOpen and
// apperr.ErrNetwork, so callers treat it as a transient failure.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %s: circuit open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() []error {
	return []error{ErrOpen, apperr.ErrNetwork}
}

// Settings configures a Breaker.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// Fallback, when set, is invoked with the rejection error whenever a
	// call is rejected; its result replaces the rejection.
	Fallback func(ctx context.Context, err error) error
	// IsFailure decides whether an error counts against the breaker.
	// Errors it rejects (validation, not found) pass through to the
	// caller and count as a healthy response. Nil counts every error
	// except caller cancellation.
	IsFailure func(error) bool
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}

	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}

	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}

	if s.IsFailure == nil {
		s.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}

	return s
}

// Stats is a snapshot of a breaker's state.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailureTime time.Time `json:"lastFailureTime,omitzero"`
	NextRetryTime   time.Time `json:"nextRetryTime,omitzero"`
	TotalCalls      int64     `json:"totalCalls"`
	Rejected        int64     `json:"rejected"`
}

// Breaker guards one named remote resource. Safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable for testing

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	nextRetry   time.Time
	totalCalls  int64
	rejected    int64
}

// New creates a closed breaker.
func New(name string, settings Settings, logger *slog.Logger) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Name returns the resource name.
func (b *Breaker) Name() string {
	return b.name
}

// Call runs fn unless the breaker rejects it, and records the outcome.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		if b.settings.Fallback != nil {
			return b.settings.Fallback(ctx, err)
		}

		return err
	}

	err := fn(ctx)
	b.record(err)

	return err
}

// allow decides whether a call may proceed, moving Open to HalfOpen once
// the timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	if b.state != Open {
		return nil
	}

	now := b.nowFunc()
	if now.Before(b.nextRetry) {
		b.rejected++
		return &OpenError{Name: b.name, RetryAt: b.nextRetry}
	}

	b.state = HalfOpen
	b.successes = 0

	b.logger.Info("circuit breaker half-open, probing",
		slog.String("breaker", b.name),
	)

	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.settings.IsFailure(err) {
		b.onFailure(err)
		return
	}

	b.onSuccess()
}

func (b *Breaker) onFailure(err error) {
	now := b.nowFunc()
	b.lastFailure = now
	b.failures++

	switch b.state {
	case HalfOpen:
		b.trip(now, err)
	case Closed:
		if b.failures >= b.settings.FailureThreshold {
			b.trip(now, err)
		}
	case Open:
		// A call admitted before the breaker opened finished late.
	}
}

func (b *Breaker) trip(now time.Time, err error) {
	b.state = Open
	b.successes = 0
	b.nextRetry = now.Add(b.settings.Timeout)

	b.logger.Warn("circuit breaker opened",
		slog.String("breaker", b.name),
		slog.Int("failures", b.failures),
		slog.String("last_error", err.Error()),
		slog.Duration("timeout", b.settings.Timeout),
	)
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0

			b.logger.Info("circuit breaker closed", slog.String("breaker", b.name))
		}
	case Open:
	}
}

// State returns the current state. An open breaker whose timeout has
// elapsed still reports Open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailureTime: b.lastFailure,
		NextRetryTime:   b.nextRetry,
		TotalCalls:      b.totalCalls,
		Rejected:        b.rejected,
	}
}

// Reset forces the breaker closed with zero counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
	b.nextRetry = time.Time{}
}

// Execute runs fn through b and returns its value.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T

	err := b.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}

		out = v

		return nil
	})

	return out, err
}

// ExecuteWithFallback is Execute with a per-call fallback used only when
// the breaker rejects the call.
func ExecuteWithFallback[T any](
	ctx context.Context, b *Breaker,
	fn func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, err error) (T, error),
) (T, error) {
	v, err := Execute(ctx, b, fn)
	if err != nil && errors.Is(err, ErrOpen) && fallback != nil {
		return fallback(ctx, err)
	}

	return v, err
}
