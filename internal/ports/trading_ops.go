package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/domain"
)

// Small capability interfaces shared across layers (engine/services/venue).

// OrderHandle is a live view of one venue order. Implementations are
// updated by their adapter as venue events arrive; the engine only reads.
type OrderHandle interface {
	ID() string
	Symbol() string
	Status() domain.OrderStatus
	// Quantity is the signed working quantity the order was last
	// submitted or resized to.
	Quantity() decimal.Decimal
	TriggerPrice() decimal.Decimal
	FilledQuantity() decimal.Decimal
	AvgFillPrice() decimal.Decimal
}

type StopOrderPlacer interface {
	// PlaceStopOrder submits a conditional order. quantity is signed.
	PlaceStopOrder(ctx context.Context, symbol string, quantity, trigger decimal.Decimal) (OrderHandle, error)
}

type MarketOrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, symbol string, quantity decimal.Decimal) (OrderHandle, error)
}

type OrderUpdater interface {
	// UpdateOrder resizes and re-prices in one venue request. An error
	// leaves the resting order untouched.
	UpdateOrder(ctx context.Context, handle OrderHandle, quantity, trigger decimal.Decimal) error
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, handle OrderHandle) error
}

// PositionReader reports the authoritative signed position. It must be at
// least as fresh as any order event already delivered.
type PositionReader interface {
	CurrentQuantity(symbol string) decimal.Decimal
}

// QuoteSubscriber manages the high-frequency quote feed. Subscriptions are
// counted per symbol; Release drops one reference.
type QuoteSubscriber interface {
	Subscribe(symbol string)
	Release(symbol string)
}

// Venue is the full surface the protection engine drives.
type Venue interface {
	StopOrderPlacer
	MarketOrderPlacer
	OrderUpdater
	OrderCanceler
	PositionReader
	QuoteSubscriber
}
