package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Call while the breaker is open. Callers distinguish
// it from transient call errors with errors.Is; an open breaker means the
// wrapped function was not invoked at all.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker tuning knobs.
type Config struct {
	// FailureThreshold opens the breaker once this many failures land within
	// FailureWindow.
	FailureThreshold int
	// FailureWindow is the sliding window over which failures are counted.
	FailureWindow time.Duration
	// RecoveryTimeout is how long the breaker stays open before the next call
	// is allowed through as a half-open trial. Evaluated lazily on Call, not
	// by a background timer.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Snapshot is a point-in-time read of breaker state for observability.
type Snapshot struct {
	State        string        `json:"state"`
	FailureCount int           `json:"failure_count"`
	TimeInState  time.Duration `json:"time_in_state"`
	LastFailure  time.Time     `json:"last_failure,omitempty"`
}

// Breaker gates calls to one external dependency. It is the one piece of
// shared mutable state in the core; all transitions happen under its lock.
type Breaker struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    []time.Time
	lastFailure time.Time
	changedAt   time.Time
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		cfg:       cfg,
		logger:    logger,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// Call invokes fn through the breaker. While open it fails immediately with
// ErrOpen and fn is never invoked.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow decides whether the next call may proceed, transitioning OPEN to
// HALF_OPEN once the recovery timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.changedAt) >= b.cfg.RecoveryTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrOpen
	}
	return ErrOpen
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now
	b.failures = append(b.pruned(now), now)

	switch b.state {
	case StateHalfOpen:
		b.setState(StateOpen)
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.failures = nil
		b.setState(StateClosed)
	case StateClosed:
		b.failures = nil
	}
}

// Reset forces the breaker closed. Safe to call concurrently with in-flight
// calls; it affects subsequent calls only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.setState(StateClosed)
	b.logger.Info("circuit breaker manually reset")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetSnapshot returns state, failure count within the window and time in the
// current state.
func (b *Breaker) GetSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:        b.state.String(),
		FailureCount: len(b.pruned(time.Now())),
		TimeInState:  time.Since(b.changedAt),
		LastFailure:  b.lastFailure,
	}
}

// pruned returns the failures still inside the sliding window. It builds a
// fresh slice; filtering b.failures in place would let a snapshot read
// scramble the live window.
func (b *Breaker) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := make([]time.Time, 0, len(b.failures))
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// setState transitions the breaker. Caller holds the lock.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.changedAt = time.Now()
	b.logger.Info("circuit breaker state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Int("failure_count", len(b.failures)),
	)
}
