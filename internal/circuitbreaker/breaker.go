// Package circuitbreaker guards calls to a failing dependency, such as the
// persistence backend, so callers fail fast instead of queueing behind
// timeouts.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	Closed   State = iota // Normal operation, calls pass through.
	Open                  // Failing, calls are rejected immediately.
	HalfOpen              // One trial call is allowed through.
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Option configures a Breaker.
type Option func(*Breaker)

// WithOnStateChange registers a callback invoked after every transition.
// It runs with the breaker's lock released.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithIsFailure decides which errors count towards opening the circuit.
// By default every non-nil error does.
func WithIsFailure(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	mu              sync.Mutex
	state           State
	probing         bool
	failures        int
	maxFailures     int
	resetTimeout    time.Duration
	lastFailureTime time.Time

	onChange  func(from, to State)
	isFailure func(error) bool
}

// New creates a Breaker that opens after maxFailures consecutive errors
// and attempts recovery after resetTimeout.
func New(maxFailures int, resetTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		state:        Closed,
		maxFailures:  max(maxFailures, 1),
		resetTimeout: resetTimeout,
		isFailure:    func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn through the circuit breaker. If the circuit is open, or a
// half-open trial call is already in flight, ErrCircuitOpen is returned without
// calling fn.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Open:
		if time.Since(b.lastFailureTime) <= b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.probing = true
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)

	err := fn()

	b.mu.Lock()
	from = b.state
	b.probing = false
	if err != nil && b.isFailure(err) {
		b.failures++
		b.lastFailureTime = time.Now()
		if b.state == HalfOpen || b.failures >= b.maxFailures {
			b.state = Open
		}
	} else {
		b.failures = 0
		b.state = Closed
	}
	to = b.state
	b.mu.Unlock()
	b.notify(from, to)

	return err
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

// GetState returns the current state of the breaker.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
