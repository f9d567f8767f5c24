// Package cbreaker guards calls to one peer. After FailureThreshold
// consecutive failures the breaker opens and rejects calls until
// ResetTimeout elapsed; then it lets trial calls through to the peer and
// closes again after SuccessThreshold consecutive successes.
package cbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shrtyk/replica-core/api"
)

var ErrOpenState = errors.New("circuit breaker is in open state")

type State int

const (
	_ State = iota
	Closed
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

type Option func(*CircuitBreaker)

// WithStateListener registers fn to be called on every transition. fn runs
// with the breaker locked and must not call back into it.
func WithStateListener(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

type CircuitBreaker struct {
	mu       sync.RWMutex
	state    State
	now      func() time.Time
	onChange func(from, to State)
	cfg      api.CircuitBreakerCfg

	failures    int
	successes   int
	nextTrialAt time.Time
}

func New(cfg api.CircuitBreakerCfg, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		state: Closed,
		now:   time.Now,
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Do runs fn unless the breaker is open.
func Do[Response any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (Response, error)) (Response, error) {
	if err := cb.admit(); err != nil {
		var zero Response
		return zero, err
	}
	resp, err := fn(ctx)
	cb.record(err)
	return resp, err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != Open {
		return nil
	}
	if cb.now().Before(cb.nextTrialAt) {
		return ErrOpenState
	}
	cb.transition(HalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.successes = 0
		cb.failures++
		if cb.state == HalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.nextTrialAt = cb.now().Add(cb.cfg.ResetTimeout)
			cb.transition(Open)
		}
		return
	}

	cb.failures = 0
	if cb.state == HalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(Closed)
		}
	}
}

// transition resets the counters on every state change.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.failures, cb.successes = 0, 0
	if cb.onChange != nil && from != to {
		cb.onChange(from, to)
	}
}

// IsClosed reports whether calls are currently let through.
// An open breaker whose reset timeout elapsed counts as closed: the next call is a trial.
func (cb *CircuitBreaker) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == Open {
		return !cb.now().Before(cb.nextTrialAt)
	}
	return true
}

func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
