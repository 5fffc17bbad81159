package marketstate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestApplyAndLoad(t *testing.T) {
	b := NewQuoteBoard()

	if _, ok := b.Load("TQQQ"); ok {
		t.Fatalf("empty board returned a quote")
	}

	at := time.Now()
	b.Apply(domain.Quote{Symbol: "TQQQ", Last: d("10"), Bid: d("9.99"), Ask: d("10.01"), At: at})

	q, ok := b.Load("TQQQ")
	if !ok {
		t.Fatalf("quote not stored")
	}
	if !q.Last.Equal(d("10")) || !q.Bid.Equal(d("9.99")) || !q.Ask.Equal(d("10.01")) {
		t.Fatalf("quote mangled: %+v", q)
	}
	if !q.At.Equal(at) {
		t.Fatalf("timestamp mangled")
	}
}

func TestApplyKeepsZeroSides(t *testing.T) {
	b := NewQuoteBoard()
	b.Apply(domain.Quote{Symbol: "TQQQ", Last: d("10"), Bid: d("9.99"), Ask: d("10.01")})

	// A dead side must replace the stored one, not be patched over.
	b.Apply(domain.Quote{Symbol: "TQQQ", Last: d("10"), Bid: decimal.Zero, Ask: d("10.01")})

	q, _ := b.Load("TQQQ")
	if q.Bid.Sign() != 0 {
		t.Fatalf("dead bid resurrected: %s", q.Bid)
	}
}

func TestMergePatchesZeroFields(t *testing.T) {
	b := NewQuoteBoard()
	at := time.Now()

	b.Merge("TQQQ", d("10"), d("9.99"), d("10.01"), at)
	// Bid-only diff keeps last and ask.
	b.Merge("TQQQ", decimal.Zero, d("9.98"), decimal.Zero, at.Add(time.Second))

	q, ok := b.Load("TQQQ")
	if !ok {
		t.Fatalf("quote missing after merge")
	}
	if !q.Last.Equal(d("10")) || !q.Bid.Equal(d("9.98")) || !q.Ask.Equal(d("10.01")) {
		t.Fatalf("merge mangled the quote: %+v", q)
	}
	if !q.At.Equal(at.Add(time.Second)) {
		t.Fatalf("merge did not advance the timestamp")
	}
}

func TestSnapshotOmitsUnknown(t *testing.T) {
	b := NewQuoteBoard()
	b.Apply(domain.Quote{Symbol: "AAA", Last: d("1"), Bid: d("0.99"), Ask: d("1.01")})

	snap := b.Snapshot([]string{"AAA", "BBB"})
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d, want 1", len(snap))
	}
	if _, ok := snap["BBB"]; ok {
		t.Fatalf("unknown symbol materialized in snapshot")
	}
}

func TestIsFresh(t *testing.T) {
	b := NewQuoteBoard()
	if b.IsFresh("TQQQ", time.Minute) {
		t.Fatalf("missing quote reported fresh")
	}

	b.Apply(domain.Quote{Symbol: "TQQQ", Last: d("10"), At: time.Now().Add(-2 * time.Minute)})
	if b.IsFresh("TQQQ", time.Minute) {
		t.Fatalf("stale quote reported fresh")
	}
	if !b.IsFresh("TQQQ", 5*time.Minute) {
		t.Fatalf("young quote reported stale")
	}
}

func TestReset(t *testing.T) {
	b := NewQuoteBoard()
	b.Apply(domain.Quote{Symbol: "TQQQ", Last: d("10")})
	b.Reset("TQQQ")

	if _, ok := b.Load("TQQQ"); ok {
		t.Fatalf("quote survived reset")
	}
	// Resetting an unknown symbol is a no-op.
	b.Reset("missing")
}

func TestConcurrentApplyAndSnapshot(t *testing.T) {
	b := NewQuoteBoard()
	symbols := make([]string, 8)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("S%d", i)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			i := int64(1)
			for {
				select {
				case <-stop:
					return
				default:
				}
				px := decimal.NewFromInt(i)
				b.Merge(symbol, px, px.Sub(d("0.01")), px.Add(d("0.01")), time.Now())
				i++
			}
		}(symbol)
	}

	for i := 0; i < 100; i++ {
		for _, q := range b.Snapshot(symbols) {
			// Field consistency: bid and ask always bracket last.
			if q.Bid.Sign() > 0 && q.Ask.Sign() > 0 {
				if !q.Bid.LessThan(q.Ask) {
					t.Errorf("torn quote: %+v", q)
				}
			}
		}
	}
	close(stop)
	wg.Wait()
}
