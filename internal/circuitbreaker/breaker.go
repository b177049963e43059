// Package circuitbreaker provides per-target circuit breakers on top of
// github.com/sony/gobreaker.
//
// A breaker is CLOSED while calls succeed, trips to OPEN after
// FailureThreshold consecutive failures, rejects calls until OpenTimeout
// elapses, then lets HalfOpenRequests trial calls through (HALF_OPEN). A
// successful trial closes it again; a failed one reopens it.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when a breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config tunes a breaker.
type Config struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
	// Interval clears the closed-state counts periodically; 0 never clears.
	Interval time.Duration
}

// DefaultConfig trips after 5 consecutive failures and half-opens after 30s.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 1}
}

// Breaker guards calls to one target.
//
// AllowRequest/RecordSuccess/RecordFailure split a call in two steps: every
// allowed request must be followed by exactly one Record call. Outcomes are
// matched to permits in FIFO order.
type Breaker struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker

	mu      sync.Mutex
	permits []func(success bool)
}

func newBreaker(name string, cfg Config, onChange func(name string, from, to State)) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	threshold := cfg.FailureThreshold
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	}
	if onChange != nil {
		st.OnStateChange = func(n string, from, to gobreaker.State) {
			onChange(n, fromGobreaker(from), fromGobreaker(to))
		}
	}
	return &Breaker{name: name, cb: gobreaker.NewTwoStepCircuitBreaker(st)}
}

// New returns a standalone breaker.
func New(name string, cfg Config) *Breaker {
	return newBreaker(name, cfg, nil)
}

// Name returns the guarded target.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// AllowRequest reports whether a call may proceed. When it returns true the
// caller must report the outcome with RecordSuccess or RecordFailure.
func (b *Breaker) AllowRequest() bool {
	done, err := b.cb.Allow()
	if err != nil {
		return false
	}
	b.mu.Lock()
	b.permits = append(b.permits, done)
	b.mu.Unlock()
	return true
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() { b.record(true) }

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() { b.record(false) }

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	var done func(bool)
	if len(b.permits) > 0 {
		done = b.permits[0]
		b.permits = b.permits[1:]
	}
	b.mu.Unlock()

	if done == nil {
		// Outcome without a permit: take one now so it still counts.
		var err error
		if done, err = b.cb.Allow(); err != nil {
			return
		}
	}
	done(success)
}

// Execute runs fn when the breaker allows it and records its outcome. A
// rejected call returns an error wrapping ErrOpen without running fn.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.cb.Allow()
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	if err := fn(); err != nil {
		done(false)
		return err
	}
	done(true)
	return nil
}
