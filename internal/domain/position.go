package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position tracks the signed net quantity and cost basis per symbol.
// Venue adapters own these; the engine only ever reads the live quantity
// through the position port.
type Position struct {
	Symbol    string
	Quantity  decimal.Decimal // signed, positive = long
	CostBasis decimal.Decimal // signed cost of the open quantity
	AvgPrice  decimal.Decimal
	Realized  decimal.Decimal
	UpdatedAt time.Time
}

func (p *Position) IsFlat() bool {
	return p == nil || p.Quantity.IsZero()
}

func (p *Position) IsLong() bool {
	return p != nil && p.Quantity.Sign() > 0
}

// ApplyFill books a signed fill. Fills in the position's direction extend
// the cost basis; opposite fills realize PnL against the average price and
// may flip the position through flat.
func (p *Position) ApplyFill(quantity, price decimal.Decimal, at time.Time) {
	if p == nil || quantity.IsZero() {
		return
	}
	p.UpdatedAt = at

	sameDirection := p.Quantity.IsZero() || p.Quantity.Sign() == quantity.Sign()
	if sameDirection {
		p.CostBasis = p.CostBasis.Add(price.Mul(quantity))
		p.Quantity = p.Quantity.Add(quantity)
		if !p.Quantity.IsZero() {
			p.AvgPrice = p.CostBasis.Div(p.Quantity)
		}
		return
	}

	closing := decimal.Min(quantity.Abs(), p.Quantity.Abs())
	direction := decimal.NewFromInt(int64(p.Quantity.Sign()))
	pnl := price.Sub(p.AvgPrice).Mul(closing).Mul(direction)
	p.Realized = p.Realized.Add(pnl)

	p.CostBasis = p.CostBasis.Sub(p.AvgPrice.Mul(closing).Mul(direction))
	p.Quantity = p.Quantity.Add(quantity)

	if p.Quantity.IsZero() {
		p.CostBasis = decimal.Zero
		p.AvgPrice = decimal.Zero
		return
	}
	if p.Quantity.Sign() != direction.Sign() {
		// Flipped through flat; remainder opens at the fill price.
		p.AvgPrice = price
		p.CostBasis = price.Mul(p.Quantity)
	}
}

// UnrealizedPnL marks the open quantity against price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p == nil || p.Quantity.IsZero() {
		return decimal.Zero
	}
	return price.Mul(p.Quantity).Sub(p.CostBasis)
}

// RoundTripPnL is the realized result of closing quantity at exitPrice
// against entryPrice. quantity is the signed position being closed.
func RoundTripPnL(entryPrice, exitPrice, quantity decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(entryPrice).Mul(quantity)
}
