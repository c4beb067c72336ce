package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Publish while the breaker is refusing
// traffic to a failing backend.
var ErrCircuitOpen = errors.New("lockstep: circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit-breaker logic on the
// publish path. After threshold consecutive failures the circuit
// opens and publishes fail fast with ErrCircuitOpen; after timeout a
// single probe is allowed through, and its outcome closes or re-opens
// the circuit. Subscriptions pass through untouched.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.RWMutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or due for a probe.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a publish should proceed, handling the open to
// half-open transition when the timeout has passed.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateHalfOpen:
		cb.state = stateClosed
		cb.failures = 0
	case stateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, ev Event) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, ev); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Subscribe passes through to the wrapped bus.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	return cb.bus.Subscribe(ctx, topic)
}

// Unsubscribe passes through to the wrapped bus.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}
