package execution

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTryAcquireBlocksDuplicates(t *testing.T) {
	d := NewInFlightDeduper(time.Minute, 8)

	if err := d.TryAcquire("stop:TQQQ:-5:9.5"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := d.TryAcquire("stop:TQQQ:-5:9.5"); err != ErrDuplicateInFlight {
		t.Fatalf("duplicate acquire = %v, want ErrDuplicateInFlight", err)
	}
	// A different intent is independent.
	if err := d.TryAcquire("stop:TQQQ:-5:9.4"); err != nil {
		t.Fatalf("unrelated key blocked: %v", err)
	}
}

func TestReleaseAllowsResubmission(t *testing.T) {
	d := NewInFlightDeduper(time.Minute, 8)

	if err := d.TryAcquire("k"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	d.Release("k")
	if err := d.TryAcquire("k"); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	d := NewInFlightDeduper(10*time.Millisecond, 8)

	if err := d.TryAcquire("k"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := d.TryAcquire("k"); err != nil {
		t.Fatalf("acquire after TTL failed: %v", err)
	}
}

func TestNilAndEmptyKeyAreNoops(t *testing.T) {
	var d *InFlightDeduper
	if err := d.TryAcquire("k"); err != nil {
		t.Fatalf("nil deduper must not block: %v", err)
	}
	d.Release("k")

	d2 := NewInFlightDeduper(time.Minute, 8)
	if err := d2.TryAcquire(""); err != nil {
		t.Fatalf("empty key must not block: %v", err)
	}
	if err := d2.TryAcquire(""); err != nil {
		t.Fatalf("empty key must never dedupe: %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	d := NewInFlightDeduper(time.Minute, 16)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.TryAcquire("contested") == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestShardIndependence(t *testing.T) {
	d := NewInFlightDeduper(time.Minute, 4)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := d.TryAcquire(key); err != nil {
			t.Fatalf("acquire %s failed: %v", key, err)
		}
	}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := d.TryAcquire(key); err != ErrDuplicateInFlight {
			t.Fatalf("duplicate %s = %v, want ErrDuplicateInFlight", key, err)
		}
	}
}
