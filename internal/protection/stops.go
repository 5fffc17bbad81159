package protection

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/metrics"
	"github.com/stopbot/gostop/internal/ports"
)

// SyntheticStopRequest is one pending exit-protection under synthetic
// monitoring. Quantity carries the opposite sign of the position being
// protected. At most one exists per instrument; quantities accumulate
// under the coverage cap.
type SyntheticStopRequest struct {
	Symbol      string
	TargetPrice decimal.Decimal
	Quantity    decimal.Decimal
	TimeoutAt   time.Time
	IsLong      bool // direction of the protected position

	session *InstrumentSession
}

// StopRequestView is the control-plane copy.
type StopRequestView struct {
	Symbol      string          `json:"symbol"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	TimeoutAt   time.Time       `json:"timeout_at"`
	IsLong      bool            `json:"is_long"`
}

// registerSyntheticStop merges requested coverage under the cap:
// already = |primary coverage| + |existing synthetic quantity|,
// needed = |live position| - already, added = min(|requested|, needed)
// signed opposite the position. A fully covered position is a no-op, so
// re-registration is idempotent and interleaved failures cannot
// over-cover.
func (e *Engine) registerSyntheticStop(sess *InstrumentSession, requested decimal.Decimal, now time.Time) {
	if sess == nil || requested.IsZero() {
		return
	}
	pos := e.venue.CurrentQuantity(sess.Symbol)
	if pos.IsZero() {
		return // nothing to protect
	}

	already := sess.coveredQuantity.Abs()
	existing := e.stops[sess.Symbol]
	if existing != nil {
		already = already.Add(existing.Quantity.Abs())
	}
	needed := pos.Abs().Sub(already)
	if needed.Sign() <= 0 {
		log.Debugf("synthetic stop skip: %s already fully covered (pos=%s covered=%s)",
			sess.Symbol, pos, already)
		return
	}

	add := decimal.Min(requested.Abs(), needed)
	direction := decimal.NewFromInt(int64(-pos.Sign()))
	signed := add.Mul(direction)

	if existing != nil {
		existing.Quantity = existing.Quantity.Add(signed)
		log.Infof("synthetic stop accumulated: %s added=%s total=%s", sess.Symbol, signed, existing.Quantity)
		e.record(events.ActionSyntheticStop, sess.Symbol, "", signed, existing.TargetPrice, "accumulated", now)
		return
	}

	req := &SyntheticStopRequest{
		Symbol:      sess.Symbol,
		TargetPrice: sess.StopTarget,
		Quantity:    signed,
		TimeoutAt:   now.Add(e.cfg.SyntheticTimeout),
		IsLong:      pos.Sign() > 0,
		session:     sess,
	}
	e.stops[sess.Symbol] = req
	e.venue.Subscribe(sess.Symbol)
	metrics.SyntheticStopsRegistered.Add(1)
	log.Infof("synthetic stop monitor: %s target=%s qty=%s timeout=%s",
		sess.Symbol, req.TargetPrice, req.Quantity, req.TimeoutAt.Format(time.RFC3339))
	e.record(events.ActionSyntheticStop, sess.Symbol, "", signed, req.TargetPrice, "", now)
}

func (e *Engine) dropStopRequest(symbol string) {
	if _, ok := e.stops[symbol]; !ok {
		return
	}
	delete(e.stops, symbol)
	e.venue.Release(symbol)
}

// evalStops runs the synthetic stop monitor for one tick, after every
// entry request has been evaluated. Position validation comes first and
// is the only removal trigger besides timeout: unlike entries, stops do
// NOT check quote validity. A request stuck with zero quotes while still
// holding a position rides until the fixed timeout.
func (e *Engine) evalStops(ctx context.Context, quotes map[string]domain.Quote, now time.Time) {
	if len(e.stops) == 0 {
		return
	}
	symbols := make([]string, 0, len(e.stops))
	for symbol := range e.stops {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		req, ok := e.stops[symbol]
		if !ok {
			continue
		}
		sess := req.session

		// Flat position means this protection is complete.
		pos := e.venue.CurrentQuantity(symbol)
		if pos.IsZero() {
			log.Infof("synthetic stop removed: %s position flat", symbol)
			e.dropStopRequest(symbol)
			e.maybeDispose(sess)
			continue
		}

		// Cap to the live position: size may have changed between the
		// request's creation and this tick.
		qty := req.Quantity
		if qty.Abs().GreaterThan(pos.Abs()) {
			qty = pos.Neg()
		}

		// Timeout forces the exit, exactly once: skip while an earlier
		// forced order is still live, because only its fill (or the
		// position going flat) clears this request.
		if !now.Before(req.TimeoutAt) {
			if sess.hasLiveProtective() {
				continue
			}
			h, err := e.venue.PlaceMarketOrder(ctx, symbol, qty)
			if err != nil {
				log.Errorf("synthetic stop timeout market order failed: %s: %v", symbol, err)
				continue
			}
			sess.protectiveHandle = h
			sess.coveredQuantity = qty
			metrics.MarketFallbacksTimeout.Add(1)
			log.Warnf("synthetic stop timeout: %s, forced market order=%s qty=%s", symbol, h.ID(), qty)
			e.record(events.ActionTimeoutExit, symbol, h.ID(), qty, req.TargetPrice, "", now)
			continue
		}

		q, haveQuote := quotes[symbol]
		if !haveQuote {
			continue
		}

		if qty.Sign() < 0 {
			e.evalLongStop(ctx, req, sess, qty, q, now)
		} else {
			e.evalShortStop(ctx, req, sess, qty, q, now)
		}
	}
}

// evalLongStop protects a long position with a sell-side trigger on the
// bid.
func (e *Engine) evalLongStop(ctx context.Context, req *SyntheticStopRequest, sess *InstrumentSession, qty decimal.Decimal, q domain.Quote, now time.Time) {
	minTrigger := req.TargetPrice.Sub(e.cfg.StopTolerance)

	if q.Bid.Sign() > 0 && q.Bid.GreaterThanOrEqual(minTrigger) {
		trigger := clampDecimal(q.Bid, minTrigger, req.TargetPrice)
		h, err := e.venue.PlaceStopOrder(ctx, req.Symbol, qty, trigger)
		if err != nil {
			log.Errorf("synthetic stop placement failed: %s: %v", req.Symbol, err)
			return // retried next tick
		}
		e.adoptProtective(sess, h, qty)
		e.dropStopRequest(req.Symbol)
		metrics.StopReplacements.Add(1)
		log.Infof("synthetic stop re-placed: %s bid=%s trigger=%s order=%s", req.Symbol, q.Bid, trigger, h.ID())
		e.record(events.ActionStopReplaced, req.Symbol, h.ID(), qty, trigger, "stop", now)
		return
	}

	if q.Last.Sign() > 0 && q.Last.LessThanOrEqual(req.TargetPrice) {
		if sess.hasLiveProtective() {
			return
		}
		h, err := e.venue.PlaceMarketOrder(ctx, req.Symbol, qty)
		if err != nil {
			log.Errorf("synthetic stop cross market order failed: %s: %v", req.Symbol, err)
			return
		}
		sess.protectiveHandle = h
		sess.coveredQuantity = qty
		metrics.MarketFallbacksCross.Add(1)
		log.Infof("synthetic stop cross: %s last=%s <= target=%s, market order=%s",
			req.Symbol, q.Last, req.TargetPrice, h.ID())
		e.record(events.ActionMarketFallback, req.Symbol, h.ID(), qty, req.TargetPrice, "stop cross", now)
	}
}

// evalShortStop protects a short position with a buy-side trigger on the
// ask.
func (e *Engine) evalShortStop(ctx context.Context, req *SyntheticStopRequest, sess *InstrumentSession, qty decimal.Decimal, q domain.Quote, now time.Time) {
	maxTrigger := req.TargetPrice.Add(e.cfg.StopTolerance)

	if q.Ask.Sign() > 0 && q.Ask.LessThanOrEqual(maxTrigger) {
		trigger := clampDecimal(q.Ask, req.TargetPrice, maxTrigger)
		h, err := e.venue.PlaceStopOrder(ctx, req.Symbol, qty, trigger)
		if err != nil {
			log.Errorf("synthetic stop placement failed: %s: %v", req.Symbol, err)
			return
		}
		e.adoptProtective(sess, h, qty)
		e.dropStopRequest(req.Symbol)
		metrics.StopReplacements.Add(1)
		log.Infof("synthetic stop re-placed: %s ask=%s trigger=%s order=%s", req.Symbol, q.Ask, trigger, h.ID())
		e.record(events.ActionStopReplaced, req.Symbol, h.ID(), qty, trigger, "stop", now)
		return
	}

	if q.Last.Sign() > 0 && q.Last.GreaterThanOrEqual(req.TargetPrice) {
		if sess.hasLiveProtective() {
			return
		}
		h, err := e.venue.PlaceMarketOrder(ctx, req.Symbol, qty)
		if err != nil {
			log.Errorf("synthetic stop cross market order failed: %s: %v", req.Symbol, err)
			return
		}
		sess.protectiveHandle = h
		sess.coveredQuantity = qty
		metrics.MarketFallbacksCross.Add(1)
		log.Infof("synthetic stop cross: %s last=%s >= target=%s, market order=%s",
			req.Symbol, q.Last, req.TargetPrice, h.ID())
		e.record(events.ActionMarketFallback, req.Symbol, h.ID(), qty, req.TargetPrice, "stop cross", now)
	}
}

// adoptProtective wires a freshly re-placed stop order into the session:
// it becomes the primary protective order when none is live, otherwise a
// backup covering the synthetic remainder alongside the primary.
func (e *Engine) adoptProtective(sess *InstrumentSession, h ports.OrderHandle, qty decimal.Decimal) {
	if sess.hasLiveProtective() {
		sess.backupHandles = append(sess.backupHandles, h)
		return
	}
	sess.protectiveHandle = h
	sess.coveredQuantity = qty
}
