package paper

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
	"github.com/stopbot/gostop/internal/ports"
	"github.com/stopbot/gostop/internal/stream"
	"github.com/stopbot/gostop/pkg/sigchan"
)

var log = logrus.WithField("component", "paper_venue")

// Config tunes the simulated venue behavior.
type Config struct {
	// RejectStopsInSpread reproduces the brokerage restriction this
	// engine exists for: a sell stop triggered at or above the bid, or
	// a buy stop at or below the ask, is rejected.
	RejectStopsInSpread bool
	// FailResizes makes UpdateOrder return an error, forcing the
	// engine's backup path. Dry runs and the test bench use it.
	FailResizes bool
}

// Venue is a deterministic in-process venue: orders rest in memory,
// quotes are injected, stop orders fill when the last trade crosses
// their trigger, and every state transition emits exactly one event.
type Venue struct {
	cfg Config

	mu        sync.Mutex
	quotes    map[string]domain.Quote
	orders    map[string]*domain.Order
	positions map[string]*domain.Position
	subs      map[string]int

	handlers *stream.OrderHandlerList

	// Events are delivered from a dedicated goroutine, never from the
	// goroutine that caused the transition. A handler that places
	// orders in reaction to an event only appends to the queue here,
	// the same decoupling a network venue gives for free.
	qmu     sync.Mutex
	pending []*events.OrderUpdate
	wake    *sigchan.Chan

	cancel    context.CancelFunc
	closeOnce sync.Once
	doneC     chan struct{}
}

var _ ports.Venue = (*Venue)(nil)

func New(cfg Config) *Venue {
	v := &Venue{
		cfg:       cfg,
		quotes:    make(map[string]domain.Quote),
		orders:    make(map[string]*domain.Order),
		positions: make(map[string]*domain.Position),
		subs:      make(map[string]int),
		handlers:  stream.NewOrderHandlerList(),
		wake:      sigchan.New(1),
		doneC:     make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	go v.deliver(ctx)
	return v
}

// Close stops event delivery. Events still queued are dropped.
func (v *Venue) Close() {
	v.closeOnce.Do(func() {
		v.cancel()
		<-v.doneC
	})
}

// OnOrderUpdate registers a handler for order transitions. Delivery is
// asynchronous but serial, in registration order per event.
func (v *Venue) OnOrderUpdate(handler ports.OrderUpdateHandler) {
	v.handlers.Add(handler)
}

func (v *Venue) publish(ev *events.OrderUpdate) {
	v.qmu.Lock()
	v.pending = append(v.pending, ev)
	v.qmu.Unlock()
	v.wake.Emit()
}

func (v *Venue) nextEvent() *events.OrderUpdate {
	v.qmu.Lock()
	defer v.qmu.Unlock()
	if len(v.pending) == 0 {
		v.pending = nil
		return nil
	}
	ev := v.pending[0]
	v.pending = v.pending[1:]
	return ev
}

func (v *Venue) deliver(ctx context.Context) {
	defer close(v.doneC)
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.wake.C():
		}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			ev := v.nextEvent()
			if ev == nil {
				break
			}
			v.handlers.Emit(ctx, ev)
		}
	}
}

// handle is a live read-only view of one resting order.
type handle struct {
	v  *Venue
	id string
}

var _ ports.OrderHandle = (*handle)(nil)

func (h *handle) order() domain.Order {
	h.v.mu.Lock()
	defer h.v.mu.Unlock()
	if o := h.v.orders[h.id]; o != nil {
		return *o
	}
	return domain.Order{OrderID: h.id, Status: domain.OrderStatusInvalid}
}

func (h *handle) ID() string                      { return h.id }
func (h *handle) Symbol() string                  { return h.order().Symbol }
func (h *handle) Status() domain.OrderStatus      { return h.order().Status }
func (h *handle) Quantity() decimal.Decimal       { return h.order().Quantity }
func (h *handle) TriggerPrice() decimal.Decimal   { return h.order().TriggerPrice }
func (h *handle) FilledQuantity() decimal.Decimal { return h.order().FilledQty }
func (h *handle) AvgFillPrice() decimal.Decimal   { return h.order().AvgFillPrice }

func (v *Venue) PlaceStopOrder(ctx context.Context, symbol string, quantity, trigger decimal.Decimal) (ports.OrderHandle, error) {
	if quantity.IsZero() {
		return nil, errors.New("paper: zero quantity")
	}
	now := time.Now()
	o := &domain.Order{
		OrderID:      uuid.NewString(),
		Symbol:       symbol,
		Type:         domain.OrderTypeStop,
		Side:         domain.SideOf(quantity),
		Quantity:     quantity,
		TriggerPrice: trigger,
		Status:       domain.OrderStatusSubmitted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	v.mu.Lock()
	v.orders[o.OrderID] = o
	q, haveQuote := v.quotes[symbol]
	v.mu.Unlock()

	h := &handle{v: v, id: o.OrderID}

	if v.cfg.RejectStopsInSpread && haveQuote && q.HasBothSides() {
		inSpread := false
		if quantity.Sign() < 0 {
			inSpread = trigger.GreaterThanOrEqual(q.Bid)
		} else {
			inSpread = trigger.LessThanOrEqual(q.Ask)
		}
		if inSpread {
			v.transition(ctx, o.OrderID, func(o *domain.Order) *events.OrderUpdate {
				o.Status = domain.OrderStatusInvalid
				o.Reason = "invalid stop price: trigger inside bid/ask spread"
				return &events.OrderUpdate{
					OrderID: o.OrderID,
					Symbol:  o.Symbol,
					Status:  o.Status,
					Reason:  o.Reason,
				}
			})
			return h, nil
		}
	}

	log.Debugf("stop order resting: %s %s qty=%s trigger=%s", o.OrderID, symbol, quantity, trigger)
	if haveQuote {
		v.evalRestingStops(ctx, symbol, q)
	}
	return h, nil
}

func (v *Venue) PlaceMarketOrder(ctx context.Context, symbol string, quantity decimal.Decimal) (ports.OrderHandle, error) {
	if quantity.IsZero() {
		return nil, errors.New("paper: zero quantity")
	}
	now := time.Now()
	o := &domain.Order{
		OrderID:   uuid.NewString(),
		Symbol:    symbol,
		Type:      domain.OrderTypeMarket,
		Side:      domain.SideOf(quantity),
		Quantity:  quantity,
		Status:    domain.OrderStatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}

	v.mu.Lock()
	v.orders[o.OrderID] = o
	q := v.quotes[symbol]
	v.mu.Unlock()

	price := q.Mark()
	if price.Sign() <= 0 {
		// No quote yet; the order rests and fills on the next quote.
		log.Warnf("market order with no quote, deferring fill: %s %s", o.OrderID, symbol)
		return &handle{v: v, id: o.OrderID}, nil
	}

	v.fill(ctx, o.OrderID, price)
	return &handle{v: v, id: o.OrderID}, nil
}

func (v *Venue) UpdateOrder(ctx context.Context, h ports.OrderHandle, quantity, trigger decimal.Decimal) error {
	if h == nil {
		return errors.New("paper: nil handle")
	}
	if v.cfg.FailResizes {
		return errors.New("paper: venue does not support order updates")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	o := v.orders[h.ID()]
	if o == nil || !o.Status.IsLive() {
		return errors.Errorf("paper: order %s not live", h.ID())
	}
	o.Quantity = quantity
	o.TriggerPrice = trigger
	o.UpdatedAt = time.Now()
	return nil
}

func (v *Venue) CancelOrder(ctx context.Context, h ports.OrderHandle) error {
	if h == nil {
		return errors.New("paper: nil handle")
	}
	ok := v.transition(ctx, h.ID(), func(o *domain.Order) *events.OrderUpdate {
		if !o.Status.IsLive() {
			return nil
		}
		o.Status = domain.OrderStatusCanceled
		return &events.OrderUpdate{OrderID: o.OrderID, Symbol: o.Symbol, Status: o.Status}
	})
	if !ok {
		return errors.Errorf("paper: order %s not found", h.ID())
	}
	return nil
}

func (v *Venue) CurrentQuantity(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p := v.positions[symbol]; p != nil {
		return p.Quantity
	}
	return decimal.Zero
}

// Position returns a copy of the full position record.
func (v *Venue) Position(symbol string) domain.Position {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p := v.positions[symbol]; p != nil {
		return *p
	}
	return domain.Position{Symbol: symbol}
}

func (v *Venue) Subscribe(symbol string) {
	v.mu.Lock()
	v.subs[symbol]++
	v.mu.Unlock()
}

func (v *Venue) Release(symbol string) {
	v.mu.Lock()
	if v.subs[symbol] > 0 {
		v.subs[symbol]--
	}
	if v.subs[symbol] == 0 {
		delete(v.subs, symbol)
	}
	v.mu.Unlock()
}

// Subscribed reports the refcount, for tests and diagnostics.
func (v *Venue) Subscribed(symbol string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.subs[symbol]
}

// SetQuote injects a quote and triggers any resting stop orders whose
// trigger the last trade crossed.
func (v *Venue) SetQuote(ctx context.Context, q domain.Quote) {
	if q.Symbol == "" {
		return
	}
	if q.At.IsZero() {
		q.At = time.Now()
	}
	v.mu.Lock()
	v.quotes[q.Symbol] = q
	v.mu.Unlock()

	v.evalRestingStops(ctx, q.Symbol, q)
	v.fillRestingMarkets(ctx, q)
}

// Quote returns the current quote for symbol.
func (v *Venue) Quote(symbol string) (domain.Quote, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	q, ok := v.quotes[symbol]
	return q, ok
}

func (v *Venue) evalRestingStops(ctx context.Context, symbol string, q domain.Quote) {
	if q.Last.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	var triggered []string
	for id, o := range v.orders {
		if o.Symbol != symbol || o.Type != domain.OrderTypeStop || !o.Status.IsLive() {
			continue
		}
		if o.Quantity.Sign() > 0 && q.Last.GreaterThanOrEqual(o.TriggerPrice) {
			triggered = append(triggered, id)
		} else if o.Quantity.Sign() < 0 && q.Last.LessThanOrEqual(o.TriggerPrice) {
			triggered = append(triggered, id)
		}
	}
	v.mu.Unlock()

	for _, id := range triggered {
		v.mu.Lock()
		trigger := v.orders[id].TriggerPrice
		v.mu.Unlock()
		v.fill(ctx, id, trigger)
	}
}

func (v *Venue) fillRestingMarkets(ctx context.Context, q domain.Quote) {
	price := q.Mark()
	if price.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	var pending []string
	for id, o := range v.orders {
		if o.Symbol == q.Symbol && o.Type == domain.OrderTypeMarket && o.Status.IsLive() {
			pending = append(pending, id)
		}
	}
	v.mu.Unlock()

	for _, id := range pending {
		v.fill(ctx, id, price)
	}
}

// fill executes the full remaining quantity at price and books it into
// the position.
func (v *Venue) fill(ctx context.Context, orderID string, price decimal.Decimal) {
	v.transition(ctx, orderID, func(o *domain.Order) *events.OrderUpdate {
		if !o.Status.IsLive() {
			return nil
		}
		fillQty := o.RemainingQty()
		o.FilledQty = o.Quantity
		o.AvgFillPrice = price
		o.Status = domain.OrderStatusFilled

		p := v.positions[o.Symbol]
		if p == nil {
			p = &domain.Position{Symbol: o.Symbol}
			v.positions[o.Symbol] = p
		}
		p.ApplyFill(fillQty, price, time.Now())

		return &events.OrderUpdate{
			OrderID:   o.OrderID,
			Symbol:    o.Symbol,
			Status:    o.Status,
			FillQty:   fillQty,
			FillPrice: price,
		}
	})
}

// transition applies fn to the order under the lock and queues the
// returned event for delivery. fn returning nil means no transition.
func (v *Venue) transition(ctx context.Context, orderID string, fn func(*domain.Order) *events.OrderUpdate) bool {
	v.mu.Lock()
	o := v.orders[orderID]
	if o == nil {
		v.mu.Unlock()
		return false
	}
	ev := fn(o)
	if ev != nil {
		o.UpdatedAt = time.Now()
		ev.Timestamp = o.UpdatedAt
	}
	v.mu.Unlock()

	if ev != nil {
		v.publish(ev)
	}
	return true
}
