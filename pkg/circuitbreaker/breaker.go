// Package circuitbreaker implements a windowed failure counter that trips
// open after a threshold and retries after a cooldown.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
)

// CircuitBreaker counts failures within a sliding window and opens once the
// threshold is reached. An open breaker closes again after the reset timeout.
type CircuitBreaker struct {
	enabled       bool
	failThreshold int
	failureWindow time.Duration
	resetTimeout  time.Duration
	logger        logger.Logger

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	tripped      bool
	tripTime     time.Time
}

// New creates a circuit breaker. A disabled breaker never opens.
func New(enabled bool, threshold int, window, resetTimeout time.Duration, log logger.Logger) *CircuitBreaker {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &CircuitBreaker{
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		logger:        log,
	}
}

// RecordFailure registers a failure and reports whether the circuit is now
// (or already was) open.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if cb.tripped {
		if now.Sub(cb.tripTime) > cb.resetTimeout {
			cb.logger.Notice("Circuit breaker: attempting reset after cooldown")
			cb.tripped = false
			cb.failureCount = 0
		} else {
			return true
		}
	}

	// Failures outside the window no longer count.
	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		cb.logger.Notice("Circuit breaker tripped: %d failures within %v", cb.failureCount, cb.failureWindow)
		return true
	}
	return false
}

// IsOpen reports whether the circuit is open. An open circuit past its reset
// timeout closes as a side effect.
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && time.Since(cb.tripTime) > cb.resetTimeout {
		cb.tripped = false
		cb.failureCount = 0
		return false
	}
	return cb.tripped
}

// Reset closes the circuit unconditionally.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripped = false
	cb.failureCount = 0
}

// State returns the current failure count and trip status.
func (cb *CircuitBreaker) State() (failureCount int, tripped bool, tripTime time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.tripped, cb.tripTime
}

// IsEnabled reports whether the breaker can trip at all.
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.enabled
}

// Keyed is a registry of circuit breakers indexed by condition name, lazily
// created with a shared configuration.
type Keyed struct {
	enabled      bool
	threshold    int
	window       time.Duration
	resetTimeout time.Duration
	logger       logger.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewKeyed creates a keyed breaker registry.
func NewKeyed(enabled bool, threshold int, window, resetTimeout time.Duration, log logger.Logger) *Keyed {
	return &Keyed{
		enabled:      enabled,
		threshold:    threshold,
		window:       window,
		resetTimeout: resetTimeout,
		logger:       log,
		breakers:     make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a condition, creating it on first use.
func (k *Keyed) Get(key string) *CircuitBreaker {
	k.mu.Lock()
	defer k.mu.Unlock()
	cb, ok := k.breakers[key]
	if !ok {
		cb = New(k.enabled, k.threshold, k.window, k.resetTimeout, k.logger)
		k.breakers[key] = cb
	}
	return cb
}

// AnyOpen reports whether any registered breaker is open.
func (k *Keyed) AnyOpen() bool {
	k.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(k.breakers))
	for _, cb := range k.breakers {
		breakers = append(breakers, cb)
	}
	k.mu.Unlock()

	for _, cb := range breakers {
		if cb.IsOpen() {
			return true
		}
	}
	return false
}

// ResetAll closes every registered breaker.
func (k *Keyed) ResetAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, cb := range k.breakers {
		cb.Reset()
	}
}
