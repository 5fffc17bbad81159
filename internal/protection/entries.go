package protection

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/metrics"
)

// SyntheticEntryRequest is one pending entry under synthetic monitoring.
// At most one exists per instrument; keyed by symbol in the engine's
// registry.
type SyntheticEntryRequest struct {
	Symbol      string
	TargetPrice decimal.Decimal
	Quantity    decimal.Decimal // signed; positive = long entry
	TimeoutAt   time.Time

	session *InstrumentSession
}

// EntryRequestView is the control-plane copy.
type EntryRequestView struct {
	Symbol      string          `json:"symbol"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	TimeoutAt   time.Time       `json:"timeout_at"`
}

// RequestsView bundles both registries for inspection.
type RequestsView struct {
	Entries []EntryRequestView `json:"entries"`
	Stops   []StopRequestView  `json:"stops"`
}

func (e *Engine) registerSyntheticEntry(sess *InstrumentSession, now time.Time) {
	if sess == nil {
		return
	}
	if _, exists := e.entries[sess.Symbol]; exists {
		return // already monitoring
	}
	req := &SyntheticEntryRequest{
		Symbol:      sess.Symbol,
		TargetPrice: sess.EntryTarget,
		Quantity:    sess.Quantity,
		TimeoutAt:   now.Add(e.cfg.SyntheticTimeout),
		session:     sess,
	}
	e.entries[sess.Symbol] = req
	e.venue.Subscribe(sess.Symbol)
	metrics.SyntheticEntriesRegistered.Add(1)
	log.Infof("synthetic entry monitor: %s target=%s qty=%s timeout=%s",
		sess.Symbol, req.TargetPrice, req.Quantity, req.TimeoutAt.Format(time.RFC3339))
	e.record(events.ActionSyntheticEntry, sess.Symbol, "", req.Quantity, req.TargetPrice, "", now)
}

func (e *Engine) dropEntryRequest(symbol string) {
	if _, ok := e.entries[symbol]; !ok {
		return
	}
	delete(e.entries, symbol)
	e.venue.Release(symbol)
}

// evalEntries runs the synthetic entry monitor for one tick. The
// registry is snapshotted first so placements and removals triggered
// mid-pass cannot affect this pass.
func (e *Engine) evalEntries(ctx context.Context, quotes map[string]domain.Quote, now time.Time) {
	if len(e.entries) == 0 {
		return
	}
	symbols := make([]string, 0, len(e.entries))
	for symbol := range e.entries {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		req, ok := e.entries[symbol]
		if !ok {
			continue
		}

		// Timeouts are absolute; an expired entry is abandoned, not
		// forced. There is no position to protect yet.
		if !now.Before(req.TimeoutAt) {
			log.Infof("synthetic entry timeout: %s, abandoning entry", symbol)
			e.dropEntryRequest(symbol)
			e.record(events.ActionEntryAbandoned, symbol, "", req.Quantity, req.TargetPrice, "timeout", now)
			e.maybeDispose(req.session)
			continue
		}

		q, haveQuote := quotes[symbol]
		if !haveQuote {
			continue
		}

		// A zero bid or ask is the dead-instrument signal. Entries are
		// the only place this check exists; the stop side relies on
		// position-flat detection instead.
		if q.Bid.Sign() == 0 || q.Ask.Sign() == 0 {
			log.Infof("dead quote: %s bid=%s ask=%s, dropping synthetic entry", symbol, q.Bid, q.Ask)
			e.dropEntryRequest(symbol)
			metrics.DeadQuoteDrops.Add(1)
			e.record(events.ActionDeadQuoteDrop, symbol, "", req.Quantity, req.TargetPrice, "", now)
			e.maybeDispose(req.session)
			continue
		}

		if req.Quantity.Sign() > 0 {
			e.evalLongEntry(ctx, req, q, now)
		} else {
			e.evalShortEntry(ctx, req, q, now)
		}
	}
}

func (e *Engine) evalLongEntry(ctx context.Context, req *SyntheticEntryRequest, q domain.Quote, now time.Time) {
	sess := req.session
	maxTrigger := req.TargetPrice.Add(e.cfg.EntryTolerance)

	// Preferred path: the ask cleared the trigger window, so a real
	// stop order is acceptable again. Trigger clamped to
	// [target, target+tolerance] preserves price discipline.
	if q.Ask.Sign() > 0 && q.Ask.LessThanOrEqual(maxTrigger) {
		if sess.hasLiveEntry() {
			return // a previous submission is still working
		}
		trigger := clampDecimal(q.Ask, req.TargetPrice, maxTrigger)
		h, err := e.venue.PlaceStopOrder(ctx, req.Symbol, req.Quantity, trigger)
		if err != nil {
			log.Errorf("synthetic entry stop placement failed: %s: %v", req.Symbol, err)
			return // request stays; retried next tick
		}
		sess.entryHandle = h
		e.dropEntryRequest(req.Symbol)
		metrics.StopReplacements.Add(1)
		log.Infof("synthetic entry re-placed as stop: %s ask=%s trigger=%s order=%s",
			req.Symbol, q.Ask, trigger, h.ID())
		e.record(events.ActionStopReplaced, req.Symbol, h.ID(), req.Quantity, trigger, "entry", now)
		return
	}

	// Price has already crossed the target: execution certainty beats
	// price quality. The request stays registered until a fill confirms
	// the position; the live-handle check prevents duplicates.
	if q.Last.Sign() > 0 && q.Last.GreaterThan(req.TargetPrice) {
		if sess.hasLiveEntry() {
			return
		}
		h, err := e.venue.PlaceMarketOrder(ctx, req.Symbol, req.Quantity)
		if err != nil {
			log.Errorf("synthetic entry market fallback failed: %s: %v", req.Symbol, err)
			return
		}
		sess.entryHandle = h
		metrics.MarketFallbacksCross.Add(1)
		log.Infof("synthetic entry cross: %s last=%s > target=%s, market order=%s",
			req.Symbol, q.Last, req.TargetPrice, h.ID())
		e.record(events.ActionMarketFallback, req.Symbol, h.ID(), req.Quantity, req.TargetPrice, "entry cross", now)
	}
}

func (e *Engine) evalShortEntry(ctx context.Context, req *SyntheticEntryRequest, q domain.Quote, now time.Time) {
	sess := req.session
	minTrigger := req.TargetPrice.Sub(e.cfg.EntryTolerance)

	if q.Bid.Sign() > 0 && q.Bid.GreaterThanOrEqual(minTrigger) {
		if sess.hasLiveEntry() {
			return
		}
		trigger := clampDecimal(q.Bid, minTrigger, req.TargetPrice)
		h, err := e.venue.PlaceStopOrder(ctx, req.Symbol, req.Quantity, trigger)
		if err != nil {
			log.Errorf("synthetic entry stop placement failed: %s: %v", req.Symbol, err)
			return
		}
		sess.entryHandle = h
		e.dropEntryRequest(req.Symbol)
		metrics.StopReplacements.Add(1)
		log.Infof("synthetic entry re-placed as stop: %s bid=%s trigger=%s order=%s",
			req.Symbol, q.Bid, trigger, h.ID())
		e.record(events.ActionStopReplaced, req.Symbol, h.ID(), req.Quantity, trigger, "entry", now)
		return
	}

	if q.Last.Sign() > 0 && q.Last.LessThan(req.TargetPrice) {
		if sess.hasLiveEntry() {
			return
		}
		h, err := e.venue.PlaceMarketOrder(ctx, req.Symbol, req.Quantity)
		if err != nil {
			log.Errorf("synthetic entry market fallback failed: %s: %v", req.Symbol, err)
			return
		}
		sess.entryHandle = h
		metrics.MarketFallbacksCross.Add(1)
		log.Infof("synthetic entry cross: %s last=%s < target=%s, market order=%s",
			req.Symbol, q.Last, req.TargetPrice, h.ID())
		e.record(events.ActionMarketFallback, req.Symbol, h.ID(), req.Quantity, req.TargetPrice, "entry cross", now)
	}
}
