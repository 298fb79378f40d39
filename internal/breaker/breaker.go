// Package breaker guards the record store with a circuit breaker so a failing
// database stops costing the read path time.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without calling the wrapped function while the
// circuit is open, or when the half-open trial quota is used up.
var ErrCircuitOpen = errors.New("circuit open")

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 5 * time.Minute
	DefaultHalfOpenTrials   = 3
)

// State is the externally reported circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes the breaker. Zero values take the defaults.
type Config struct {
	Name             string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	HalfOpenTrials   uint32

	// Ignore lists errors that are returned to the caller but not counted
	// as failures. context.Canceled is always ignored.
	Ignore []error
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	Rejections          uint64    `json:"rejections"`
}

// Breaker is a circuit breaker around one dependency.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger

	mu       sync.Mutex
	openedAt time.Time

	rejections atomic.Uint64
}

// New builds a breaker from cfg.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.HalfOpenTrials == 0 {
		cfg.HalfOpenTrials = DefaultHalfOpenTrials
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Breaker{logger: logger.With("breaker", cfg.Name)}
	ignore := cfg.Ignore
	threshold := cfg.FailureThreshold

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenTrials,
		// Counts are never cleared while closed; a success resets the
		// consecutive failure count.
		Interval: 0,
		Timeout:  cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			for _, target := range ignore {
				if errors.Is(err, target) {
					return true
				}
			}
			return false
		},
	})
	return b
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		b.openedAt = time.Now()
	case gobreaker.StateClosed:
		b.openedAt = time.Time{}
	}
	b.mu.Unlock()

	level := slog.LevelInfo
	if to == gobreaker.StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit state change",
		"from", mapState(from), "to", mapState(to))
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := Do(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do runs fn through b and returns its typed result.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejections.Add(1)
			return zero, ErrCircuitOpen
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// State returns the current state. An open circuit whose recovery timeout
// has elapsed reports half_open.
func (b *Breaker) State() State {
	return mapState(b.cb.State())
}

// Snapshot returns state, failure count and the time the circuit last opened.
func (b *Breaker) Snapshot() Snapshot {
	state := b.cb.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	openedAt := b.openedAt
	b.mu.Unlock()

	return Snapshot{
		State:               mapState(state),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		OpenedAt:            openedAt,
		Rejections:          b.rejections.Load(),
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
