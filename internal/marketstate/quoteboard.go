package marketstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/domain"
)

// QuoteBoard holds the latest top-of-book per symbol.
//
// High-frequency writes (stream) and reads (tick builder) are decoupled:
// each symbol's quote is swapped through an atomic pointer, so readers
// always see a consistent snapshot without field tearing.
type QuoteBoard struct {
	mu      sync.RWMutex
	entries map[string]*boardEntry
}

type boardEntry struct {
	quote atomic.Pointer[domain.Quote]
}

func NewQuoteBoard() *QuoteBoard {
	return &QuoteBoard{
		entries: make(map[string]*boardEntry),
	}
}

func (b *QuoteBoard) entry(symbol string, create bool) *boardEntry {
	b.mu.RLock()
	e := b.entries[symbol]
	b.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e = b.entries[symbol]; e == nil {
		e = &boardEntry{}
		b.entries[symbol] = e
	}
	return e
}

// Apply stores the quote verbatim. Zero sides are kept as zeros: a feed
// that reports a dead side must stay visible as dead to the monitors.
func (b *QuoteBoard) Apply(q domain.Quote) {
	if q.Symbol == "" {
		return
	}
	if q.At.IsZero() {
		q.At = time.Now()
	}
	b.entry(q.Symbol, true).quote.Store(&q)
}

// Merge folds a partial update into the stored quote: zero fields keep
// their previous value. Diff-style venue streams use this path.
func (b *QuoteBoard) Merge(symbol string, last, bid, ask decimal.Decimal, at time.Time) {
	if symbol == "" {
		return
	}
	e := b.entry(symbol, true)
	for {
		cur := e.quote.Load()
		next := domain.Quote{Symbol: symbol, At: at}
		if cur != nil {
			next.Last, next.Bid, next.Ask = cur.Last, cur.Bid, cur.Ask
		}
		if last.Sign() != 0 {
			next.Last = last
		}
		if bid.Sign() != 0 {
			next.Bid = bid
		}
		if ask.Sign() != 0 {
			next.Ask = ask
		}
		if next.At.IsZero() {
			next.At = time.Now()
		}
		if e.quote.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// Load returns the latest quote and whether one exists.
func (b *QuoteBoard) Load(symbol string) (domain.Quote, bool) {
	e := b.entry(symbol, false)
	if e == nil {
		return domain.Quote{}, false
	}
	q := e.quote.Load()
	if q == nil {
		return domain.Quote{}, false
	}
	return *q, true
}

// IsFresh reports whether the symbol's quote is younger than maxAge.
func (b *QuoteBoard) IsFresh(symbol string, maxAge time.Duration) bool {
	q, ok := b.Load(symbol)
	if !ok || q.At.IsZero() {
		return false
	}
	return time.Since(q.At) <= maxAge
}

// Snapshot copies the current quotes for the given symbols. Symbols with
// no stored quote are omitted.
func (b *QuoteBoard) Snapshot(symbols []string) map[string]domain.Quote {
	out := make(map[string]domain.Quote, len(symbols))
	for _, symbol := range symbols {
		if q, ok := b.Load(symbol); ok {
			out[symbol] = q
		}
	}
	return out
}

// All copies every stored quote.
func (b *QuoteBoard) All() map[string]domain.Quote {
	b.mu.RLock()
	symbols := make([]string, 0, len(b.entries))
	for symbol := range b.entries {
		symbols = append(symbols, symbol)
	}
	b.mu.RUnlock()
	return b.Snapshot(symbols)
}

// Reset clears one symbol in place. The entry object is kept because
// callers may cache it indirectly through concurrent Merge calls.
func (b *QuoteBoard) Reset(symbol string) {
	if e := b.entry(symbol, false); e != nil {
		e.quote.Store(nil)
	}
}
