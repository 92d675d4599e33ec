package resilience

import (
	"errors"
	"sync"
	"time"
)

const (
	// FailureThreshold opens the circuit once this many failures land
	// inside FailureWindow.
	FailureThreshold = 3
	// FailureWindow bounds how long failures accumulate before the counter
	// resets.
	FailureWindow = 5 * time.Minute
	// OpenDuration is how long an open circuit rejects calls before
	// self-resetting.
	OpenDuration = 10 * time.Minute
)

// ErrCircuitOpen is returned for calls short-circuited by an open breaker.
var ErrCircuitOpen = errors.New("circuit open: service unavailable")

// CircuitBreaker tracks failures for one named service. A breaker is shared
// by every caller using the same service name: one tenant's failures protect
// the downstream service for everyone.
type CircuitBreaker struct {
	name string
	now  func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool
	openUntil   time.Time
}

// IsOpen reports whether calls should be rejected. An expired open state
// self-resets: the breaker closes and the failure counter zeroes.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open && b.now().After(b.openUntil) {
		b.open = false
		b.failures = 0
	}
	return b.open
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// RecordFailure counts a failure, restarting the window if the previous
// failure is stale, and opens the breaker at the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > FailureWindow {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	if b.failures >= FailureThreshold {
		b.open = true
		b.openUntil = now.Add(OpenDuration)
	}
}

// Call invokes fn unless the breaker is open, propagating the outcome to the
// breaker state. When open it returns ErrCircuitOpen without invoking fn.
func (b *CircuitBreaker) Call(fn func() error) error {
	if b.IsOpen() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Registry owns the circuit breakers for a process, keyed by service name.
// It is constructed once and passed by reference so tests and tenants can
// isolate breaker state when they need to.
type Registry struct {
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry() *Registry {
	return &Registry{
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// NewRegistryWithClock is for tests that need to control time.
func NewRegistryWithClock(now func() time.Time) *Registry {
	r := NewRegistry()
	r.now = now
	return r
}

// Breaker returns the breaker for serviceName, creating it on first use.
func (r *Registry) Breaker(serviceName string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[serviceName]
	if !ok {
		b = &CircuitBreaker{name: serviceName, now: r.now}
		r.breakers[serviceName] = b
	}
	return b
}
