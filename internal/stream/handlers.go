package stream

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/ports"
)

var log = logrus.WithField("component", "stream")

// OrderHandlerList fans one order update out to registered handlers,
// serially and in registration order. Serial delivery is load-bearing:
// the protection engine's invariants assume one event at a time.
type OrderHandlerList struct {
	handlers []ports.OrderUpdateHandler
	mu       sync.RWMutex
}

func NewOrderHandlerList() *OrderHandlerList {
	return &OrderHandlerList{}
}

func (h *OrderHandlerList) Add(handler ports.OrderUpdateHandler) {
	if handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

// Snapshot copies the handler slice so Emit can iterate without holding
// the lock across callbacks.
func (h *OrderHandlerList) Snapshot() []ports.OrderUpdateHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ports.OrderUpdateHandler, len(h.handlers))
	copy(out, h.handlers)
	return out
}

// Emit delivers the update to every handler. A panicking handler is
// recovered and logged; the remaining handlers still run.
func (h *OrderHandlerList) Emit(ctx context.Context, update *events.OrderUpdate) {
	for i, handler := range h.Snapshot() {
		if handler == nil {
			continue
		}
		func(idx int, hd ports.OrderUpdateHandler) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("order handler %d panic: %v", idx, r)
				}
			}()
			if err := hd.OnOrderUpdate(ctx, update); err != nil {
				log.Errorf("order handler %d failed: %v", idx, err)
			}
		}(i, handler)
	}
}

func (h *OrderHandlerList) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

// QuoteHandlerList is the quote-side counterpart of OrderHandlerList.
type QuoteHandlerList struct {
	handlers []ports.QuoteHandler
	mu       sync.RWMutex
}

func NewQuoteHandlerList() *QuoteHandlerList {
	return &QuoteHandlerList{}
}

func (h *QuoteHandlerList) Add(handler ports.QuoteHandler) {
	if handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

func (h *QuoteHandlerList) Snapshot() []ports.QuoteHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ports.QuoteHandler, len(h.handlers))
	copy(out, h.handlers)
	return out
}

func (h *QuoteHandlerList) Emit(ctx context.Context, tick *events.QuoteTick) {
	for i, handler := range h.Snapshot() {
		if handler == nil {
			continue
		}
		func(idx int, hd ports.QuoteHandler) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("quote handler %d panic: %v", idx, r)
				}
			}()
			if err := hd.OnQuote(ctx, tick); err != nil {
				log.Errorf("quote handler %d failed: %v", idx, err)
			}
		}(i, handler)
	}
}

func (h *QuoteHandlerList) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}
