package rest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/execution"
	"github.com/stopbot/gostop/internal/ports"
	"github.com/stopbot/gostop/internal/stream"
)

var log = logrus.WithField("component", "rest_venue")

// Config collects everything the adapter needs to talk to the venue.
type Config struct {
	BaseURL         string
	WSURL           string
	APIToken        string
	RateLimitPerSec int
}

// Venue adapts the brokerage REST API plus its websocket event stream to
// the trading ports. Order state and positions are mirrored locally so
// OrderHandle reads and CurrentQuantity never hit the network.
type Venue struct {
	client *Client
	events *EventStream
	dedupe *execution.InFlightDeduper

	mu        sync.RWMutex
	orders    map[string]domain.Order
	positions map[string]*domain.Position
	subs      map[string]int

	orderHandlers *stream.OrderHandlerList
	quoteHandlers *stream.QuoteHandlerList
}

var _ ports.Venue = (*Venue)(nil)

func New(cfg Config) *Venue {
	v := &Venue{
		client:        NewClient(cfg.BaseURL, cfg.APIToken, cfg.RateLimitPerSec),
		dedupe:        execution.NewInFlightDeduper(10*time.Second, 16),
		orders:        make(map[string]domain.Order),
		positions:     make(map[string]*domain.Position),
		subs:          make(map[string]int),
		orderHandlers: stream.NewOrderHandlerList(),
		quoteHandlers: stream.NewQuoteHandlerList(),
	}
	v.events = NewEventStream(cfg.WSURL, cfg.APIToken, v.handleMessage, v.subscribedSymbols)
	return v
}

// Connect dials the event stream and loads the authoritative position
// snapshot. Must complete before the engine starts tracking instruments.
func (v *Venue) Connect(ctx context.Context) error {
	if err := v.events.Connect(ctx); err != nil {
		return err
	}
	return v.RefreshPositions(ctx)
}

func (v *Venue) Close() {
	v.events.Close()
}

// OnOrderUpdate registers a serial consumer of order transitions.
func (v *Venue) OnOrderUpdate(handler ports.OrderUpdateHandler) {
	v.orderHandlers.Add(handler)
}

// OnQuote registers a consumer of quote refreshes.
func (v *Venue) OnQuote(handler ports.QuoteHandler) {
	v.quoteHandlers.Add(handler)
}

// handle reads live order state out of the venue mirror.
type handle struct {
	id    string
	venue *Venue
}

var _ ports.OrderHandle = (*handle)(nil)

func (h *handle) order() domain.Order {
	h.venue.mu.RLock()
	defer h.venue.mu.RUnlock()
	return h.venue.orders[h.id]
}

func (h *handle) ID() string                      { return h.id }
func (h *handle) Symbol() string                  { return h.order().Symbol }
func (h *handle) Status() domain.OrderStatus      { return h.order().Status }
func (h *handle) Quantity() decimal.Decimal       { return h.order().Quantity }
func (h *handle) TriggerPrice() decimal.Decimal   { return h.order().TriggerPrice }
func (h *handle) FilledQuantity() decimal.Decimal { return h.order().FilledQty }
func (h *handle) AvgFillPrice() decimal.Decimal   { return h.order().AvgFillPrice }

// signedQty converts the wire side/magnitude pair back to the signed
// convention used everywhere else.
func signedQty(side string, qty decimal.Decimal) decimal.Decimal {
	if side == string(domain.SideSell) {
		return qty.Abs().Neg()
	}
	return qty.Abs()
}

func statusFromWire(s string) domain.OrderStatus {
	switch domain.OrderStatus(s) {
	case domain.OrderStatusSubmitted, domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled, domain.OrderStatusCanceled, domain.OrderStatusInvalid:
		return domain.OrderStatus(s)
	default:
		log.WithField("status", s).Warn("unknown venue order status")
		return domain.OrderStatusInvalid
	}
}

func (v *Venue) storeOrder(dto *orderDTO) domain.Order {
	qty := signedQty(dto.Side, dto.Quantity)
	order := domain.Order{
		OrderID:      dto.OrderID,
		Symbol:       dto.Symbol,
		Type:         domain.OrderType(dto.Type),
		Side:         domain.SideOf(qty),
		Quantity:     qty,
		TriggerPrice: dto.TriggerPrice,
		Status:       statusFromWire(dto.Status),
		FilledQty:    signedQty(dto.Side, dto.FilledQty),
		AvgFillPrice: dto.AvgFillPrice,
		Reason:       dto.Reason,
		UpdatedAt:    time.Now(),
	}
	v.mu.Lock()
	if prev, ok := v.orders[order.OrderID]; ok {
		if order.Type == "" {
			order.Type = prev.Type
		}
		order.CreatedAt = prev.CreatedAt
	} else {
		order.CreatedAt = order.UpdatedAt
	}
	v.orders[order.OrderID] = order
	v.mu.Unlock()
	return order
}

func (v *Venue) PlaceStopOrder(ctx context.Context, symbol string, quantity, trigger decimal.Decimal) (ports.OrderHandle, error) {
	clientID := uuid.New().String()
	dedupeKey := "stop:" + symbol + ":" + quantity.String() + ":" + trigger.String()
	if err := v.dedupe.TryAcquire(dedupeKey); err != nil {
		return nil, errors.Wrapf(err, "stop order %s", symbol)
	}
	defer v.dedupe.Release(dedupeKey)

	dto, err := v.client.PlaceOrder(ctx, &placeOrderRequest{
		Symbol:       symbol,
		Type:         string(domain.OrderTypeStop),
		Side:         string(domain.SideOf(quantity)),
		Quantity:     quantity.Abs(),
		TriggerPrice: trigger,
		ClientID:     clientID,
	})
	if err != nil {
		return nil, err
	}
	order := v.storeOrder(dto)
	log.WithFields(logrus.Fields{
		"symbol":  symbol,
		"orderID": order.OrderID,
		"qty":     quantity.String(),
		"trigger": trigger.String(),
	}).Info("stop order placed")
	return &handle{id: order.OrderID, venue: v}, nil
}

func (v *Venue) PlaceMarketOrder(ctx context.Context, symbol string, quantity decimal.Decimal) (ports.OrderHandle, error) {
	clientID := uuid.New().String()
	dedupeKey := "market:" + symbol + ":" + quantity.String()
	if err := v.dedupe.TryAcquire(dedupeKey); err != nil {
		return nil, errors.Wrapf(err, "market order %s", symbol)
	}
	defer v.dedupe.Release(dedupeKey)

	dto, err := v.client.PlaceOrder(ctx, &placeOrderRequest{
		Symbol:   symbol,
		Type:     string(domain.OrderTypeMarket),
		Side:     string(domain.SideOf(quantity)),
		Quantity: quantity.Abs(),
		ClientID: clientID,
	})
	if err != nil {
		return nil, err
	}
	order := v.storeOrder(dto)
	log.WithFields(logrus.Fields{
		"symbol":  symbol,
		"orderID": order.OrderID,
		"qty":     quantity.String(),
	}).Info("market order placed")
	return &handle{id: order.OrderID, venue: v}, nil
}

func (v *Venue) UpdateOrder(ctx context.Context, h ports.OrderHandle, quantity, trigger decimal.Decimal) error {
	if h == nil {
		return errors.New("update order: nil handle")
	}
	dto, err := v.client.UpdateOrder(ctx, h.ID(), &updateOrderRequest{
		Quantity:     quantity.Abs(),
		TriggerPrice: trigger,
	})
	if err != nil {
		return err
	}
	v.storeOrder(dto)
	return nil
}

func (v *Venue) CancelOrder(ctx context.Context, h ports.OrderHandle) error {
	if h == nil {
		return errors.New("cancel order: nil handle")
	}
	return v.client.CancelOrder(ctx, h.ID())
}

// CurrentQuantity serves the local position mirror. The mirror is updated
// from fill events before they reach any handler, so it is never staler
// than the event stream.
func (v *Venue) CurrentQuantity(symbol string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if pos, ok := v.positions[symbol]; ok {
		return pos.Quantity
	}
	return decimal.Zero
}

// RefreshPositions replaces the position mirror with the venue's view.
func (v *Venue) RefreshPositions(ctx context.Context) error {
	dtos, err := v.client.GetPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh positions")
	}
	fresh := make(map[string]*domain.Position, len(dtos))
	for _, dto := range dtos {
		fresh[dto.Symbol] = &domain.Position{
			Symbol:    dto.Symbol,
			Quantity:  dto.Quantity,
			AvgPrice:  dto.AvgEntry,
			Realized:  dto.RealizedPnL,
			UpdatedAt: time.Now(),
		}
	}
	v.mu.Lock()
	v.positions = fresh
	v.mu.Unlock()
	log.WithField("count", len(fresh)).Info("position mirror refreshed")
	return nil
}

func (v *Venue) Subscribe(symbol string) {
	v.mu.Lock()
	v.subs[symbol]++
	first := v.subs[symbol] == 1
	v.mu.Unlock()
	if first {
		if err := v.events.Send(&wsSubscribe{Action: "subscribe", Symbols: []string{symbol}}); err != nil {
			log.WithError(err).WithField("symbol", symbol).Warn("subscribe send failed")
		}
	}
}

func (v *Venue) Release(symbol string) {
	v.mu.Lock()
	n, ok := v.subs[symbol]
	if !ok {
		v.mu.Unlock()
		return
	}
	n--
	last := n <= 0
	if last {
		delete(v.subs, symbol)
	} else {
		v.subs[symbol] = n
	}
	v.mu.Unlock()
	if last {
		if err := v.events.Send(&wsSubscribe{Action: "unsubscribe", Symbols: []string{symbol}}); err != nil {
			log.WithError(err).WithField("symbol", symbol).Warn("unsubscribe send failed")
		}
	}
}

func (v *Venue) subscribedSymbols() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.subs))
	for s := range v.subs {
		out = append(out, s)
	}
	return out
}

// handleMessage is the event-stream sink. It runs on the stream's single
// read goroutine, which preserves the venue's event order end to end.
func (v *Venue) handleMessage(msg *wsMessage) {
	ctx := context.Background()
	switch msg.Type {
	case "quote":
		v.handleQuote(ctx, msg)
	case "order":
		v.handleOrder(ctx, msg)
	default:
		log.WithField("type", msg.Type).Debug("ignoring unknown stream message")
	}
}

func (v *Venue) handleQuote(ctx context.Context, msg *wsMessage) {
	if msg.Symbol == "" {
		return
	}
	at := time.Now()
	if msg.Timestamp > 0 {
		at = time.UnixMilli(msg.Timestamp)
	}
	v.quoteHandlers.Emit(ctx, &events.QuoteTick{
		Quote: domain.Quote{
			Symbol: msg.Symbol,
			Last:   msg.Last,
			Bid:    msg.Bid,
			Ask:    msg.Ask,
			At:     at,
		},
		Timestamp: at,
	})
}

func (v *Venue) handleOrder(ctx context.Context, msg *wsMessage) {
	if msg.Order == nil {
		return
	}
	order := v.storeOrder(msg.Order)
	fillQty := signedQty(msg.Order.Side, msg.FillQty)

	// Mirror the fill into the position before any handler observes the
	// event; CurrentQuantity must already reflect it.
	if fillQty.Sign() != 0 {
		at := time.Now()
		if msg.Timestamp > 0 {
			at = time.UnixMilli(msg.Timestamp)
		}
		v.mu.Lock()
		pos, ok := v.positions[order.Symbol]
		if !ok {
			pos = &domain.Position{Symbol: order.Symbol}
			v.positions[order.Symbol] = pos
		}
		pos.ApplyFill(fillQty, msg.FillPrice, at)
		v.mu.Unlock()
	}

	v.orderHandlers.Emit(ctx, &events.OrderUpdate{
		OrderID:   order.OrderID,
		Symbol:    order.Symbol,
		Status:    order.Status,
		FillQty:   fillQty,
		FillPrice: msg.FillPrice,
		Reason:    order.Reason,
		Timestamp: order.UpdatedAt,
	})
}
