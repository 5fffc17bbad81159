package ports

import (
	"context"

	"github.com/stopbot/gostop/internal/events"
)

// OrderUpdateHandler receives order state transitions (serial delivery).
//
// NOTE: defined in a neutral package so venue adapters and the runner can
// depend on it without importing each other.
type OrderUpdateHandler interface {
	OnOrderUpdate(ctx context.Context, update *events.OrderUpdate) error
}

// QuoteHandler receives quote refreshes.
type QuoteHandler interface {
	OnQuote(ctx context.Context, tick *events.QuoteTick) error
}
