// Package circuitbreaker implements the circuit breaker pattern: after a
// run of failures the breaker opens and fails fast, then probes recovery
// through a half-open state.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker wraps calls with trip/recover logic.
type CircuitBreaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
	State() State
}

type breaker struct {
	failureThreshold uint32 // consecutive failures that trip the circuit
	successThreshold uint32 // consecutive half-open successes that close it
	timeout          time.Duration

	successes   uint32
	failures    uint32
	lastErrorAt time.Time
	state       State
	mu          sync.Mutex
}

// New creates a closed breaker. failureThreshold consecutive failures open
// it; after timeout it half-opens, and successThreshold consecutive
// successes close it again.
func New(failureThreshold, successThreshold uint32, timeout time.Duration) CircuitBreaker {
	return &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            Closed,
	}
}

func (cb *breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	cb.mu.Lock()
	if cb.state == Open && time.Since(cb.lastErrorAt) > cb.timeout {
		cb.state = HalfOpen
		cb.successes = 0
	}
	if cb.state == Open {
		cb.mu.Unlock()
		return nil, ErrCircuitOpen
	}
	cb.mu.Unlock()

	res, err := req()
	if err != nil {
		cb.onFailure()
		return nil, err
	}
	cb.onSuccess()
	return res, nil
}

func (cb *breaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case HalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = Closed
			cb.failures = 0
			cb.successes = 0
		}
	case Closed:
		cb.failures = 0
	}
}

func (cb *breaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case HalfOpen:
		cb.trip()
	case Closed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	}
}

func (cb *breaker) trip() {
	cb.state = Open
	cb.lastErrorAt = time.Now()
	cb.failures = 0
	cb.successes = 0
}
