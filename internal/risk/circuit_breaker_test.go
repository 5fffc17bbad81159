package risk

import "testing"

func TestBreakerTripsAfterConsecutiveErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveErrors: 3})

	if err := cb.AllowEntries(); err != nil {
		t.Fatalf("fresh breaker must allow entries: %v", err)
	}

	cb.OnError()
	cb.OnError()
	if err := cb.AllowEntries(); err != nil {
		t.Fatalf("below threshold must allow entries: %v", err)
	}

	cb.OnError()
	if err := cb.AllowEntries(); err != ErrCircuitBreakerOpen {
		t.Fatalf("AllowEntries = %v, want ErrCircuitBreakerOpen", err)
	}
	if !cb.Halted() {
		t.Fatalf("threshold breach must latch the halt")
	}
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveErrors: 2})

	cb.OnError()
	cb.OnSuccess()
	cb.OnError()

	if err := cb.AllowEntries(); err != nil {
		t.Fatalf("interleaved success must reset the streak: %v", err)
	}
}

func TestManualHaltAndResume(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveErrors: 2})

	cb.Halt()
	if err := cb.AllowEntries(); err != ErrCircuitBreakerOpen {
		t.Fatalf("manual halt ignored: %v", err)
	}

	cb.Resume()
	if err := cb.AllowEntries(); err != nil {
		t.Fatalf("resume did not clear the halt: %v", err)
	}
}

func TestResumeClearsErrorStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveErrors: 2})

	cb.OnError()
	cb.OnError()
	if cb.AllowEntries() != ErrCircuitBreakerOpen {
		t.Fatalf("setup: breaker should be open")
	}

	cb.Resume()
	if err := cb.AllowEntries(); err != nil {
		t.Fatalf("resume must clear the streak too: %v", err)
	}
	cb.OnError()
	if err := cb.AllowEntries(); err != nil {
		t.Fatalf("one error after resume must not trip: %v", err)
	}
}

func TestZeroThresholdDisablesTripping(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	for i := 0; i < 100; i++ {
		cb.OnError()
	}
	if err := cb.AllowEntries(); err != nil {
		t.Fatalf("disabled threshold tripped: %v", err)
	}
}

func TestNilBreakerIsSafe(t *testing.T) {
	var cb *CircuitBreaker

	if err := cb.AllowEntries(); err != nil {
		t.Fatalf("nil breaker must allow entries: %v", err)
	}
	cb.OnError()
	cb.OnSuccess()
	cb.Halt()
	cb.Resume()
	if cb.Halted() {
		t.Fatalf("nil breaker reports halted")
	}
}
