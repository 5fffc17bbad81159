package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes conditional from unconditional orders.
type OrderType string

const (
	OrderTypeStop   OrderType = "stop"
	OrderTypeMarket OrderType = "market"
)

// Side of an order. Signed quantities carry the same information; Side is
// kept on the order record for readable logs and venue payloads.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SideOf maps a signed quantity to its order side.
func SideOf(quantity decimal.Decimal) Side {
	if quantity.Sign() < 0 {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the normalized venue order state.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	// OrderStatusInvalid marks orders the venue rejected or errored out.
	OrderStatusInvalid OrderStatus = "invalid"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusInvalid
}

// IsLive reports whether the order still rests at the venue.
func (s OrderStatus) IsLive() bool {
	return s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled
}

// Order is the venue-side order record. Quantity is signed: positive buys,
// negative sells. TriggerPrice is zero for market orders.
type Order struct {
	OrderID      string
	Symbol       string
	Type         OrderType
	Side         Side
	Quantity     decimal.Decimal
	TriggerPrice decimal.Decimal
	Status       OrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Reason       string // venue text for invalid orders
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (o *Order) IsFilled() bool {
	return o != nil && o.Status == OrderStatusFilled
}

func (o *Order) IsLive() bool {
	return o != nil && o.Status.IsLive()
}

// RemainingQty is the signed quantity still working at the venue.
func (o *Order) RemainingQty() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	return o.Quantity.Sub(o.FilledQty)
}
