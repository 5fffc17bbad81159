package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a top-of-book snapshot. A zero bid or ask means the venue has
// no current quote on that side.
type Quote struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	At     time.Time
}

// HasBothSides reports whether bid and ask are both present. The synthetic
// entry monitor treats a missing side as a dead instrument.
func (q Quote) HasBothSides() bool {
	return q.Bid.Sign() > 0 && q.Ask.Sign() > 0
}

// Mark returns the most useful reference price: last when present,
// otherwise the midpoint of whatever sides exist.
func (q Quote) Mark() decimal.Decimal {
	if q.Last.Sign() > 0 {
		return q.Last
	}
	if q.HasBothSides() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	if q.Bid.Sign() > 0 {
		return q.Bid
	}
	return q.Ask
}
