package risk

import (
	"fmt"
	"sync/atomic"
)

// ErrCircuitBreakerOpen reports that entry submissions are halted.
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig tunes the breaker. A threshold <= 0 disables the
// corresponding limit.
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors trips the breaker after this many venue
	// errors in a row (placement, resize, cancel).
	MaxConsecutiveErrors int64
}

// CircuitBreaker gates new entry submissions after consecutive venue
// errors. Protection paths are never gated: a tripped breaker must not
// stop the engine from covering an open position.
//
// The hot path uses atomics only; the breaker is read from the runner
// loop and updated from venue adapter callbacks.
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveErrors    atomic.Int64
	maxConsecutiveErrors atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
}

// Halt trips the breaker manually (operator intervention).
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume clears the halt and the consecutive-error count.
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveErrors.Store(0)
}

// AllowEntries reports whether new entry submissions are permitted.
func (cb *CircuitBreaker) AllowEntries() error {
	if cb == nil {
		return nil
	}

	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}

	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		cb.halted.Store(true)
		return ErrCircuitBreakerOpen
	}

	return nil
}

// OnSuccess clears the consecutive-error count after a venue call
// succeeded.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError accumulates one venue error.
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
}

// Halted reports the current state without side effects.
func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}
