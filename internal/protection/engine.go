package protection

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/metrics"
	"github.com/stopbot/gostop/internal/ports"
)

var log = logrus.WithField("component", "protection")

// Config carries the engine tunables.
type Config struct {
	// EntryTolerance is the trigger clamp window for synthetic entry
	// re-submission, one minimum price increment.
	EntryTolerance decimal.Decimal
	// StopTolerance is the wider window for synthetic stop
	// re-submission: exit coverage beats price precision.
	StopTolerance decimal.Decimal
	// SyntheticTimeout is the absolute lifetime of a synthetic request,
	// fixed at registration. Not renewable.
	SyntheticTimeout time.Duration
	// ReverseOnStop opens the opposite position once per cycle after a
	// protective fill.
	ReverseOnStop bool
}

// DefaultConfig mirrors the reference tunables.
func DefaultConfig() Config {
	return Config{
		EntryTolerance:   decimal.RequireFromString("0.01"),
		StopTolerance:    decimal.RequireFromString("0.02"),
		SyntheticTimeout: 10 * time.Minute,
	}
}

// Recorder receives one ProtectionAction per engine decision. The
// journal implements it; nil disables recording.
type Recorder interface {
	Record(action events.ProtectionAction)
}

// Engine is the order-protection reconciliation core. It guarantees that
// every live position is covered by exactly one effective protective
// mechanism and that every intended entry eventually executes, even when
// the venue rejects conditional orders inside the bid/ask spread.
//
// The engine is single-threaded by contract: every method must be called
// from one goroutine (the services runner). Registries and sessions are
// only mutated here.
type Engine struct {
	venue      ports.Venue
	classifier RejectionClassifier
	cfg        Config
	recorder   Recorder

	sessions *sessionSet
	entries  map[string]*SyntheticEntryRequest
	stops    map[string]*SyntheticStopRequest

	// lastQuotes is the snapshot from the most recent tick, used by the
	// proactive spread check and the reversal fallback.
	lastQuotes map[string]domain.Quote
}

func NewEngine(venue ports.Venue, classifier RejectionClassifier, cfg Config, recorder Recorder) *Engine {
	if classifier == nil {
		classifier = NewDefaultClassifier()
	}
	if cfg.EntryTolerance.Sign() <= 0 {
		cfg.EntryTolerance = DefaultConfig().EntryTolerance
	}
	if cfg.StopTolerance.Sign() <= 0 {
		cfg.StopTolerance = DefaultConfig().StopTolerance
	}
	if cfg.SyntheticTimeout <= 0 {
		cfg.SyntheticTimeout = DefaultConfig().SyntheticTimeout
	}
	return &Engine{
		venue:      venue,
		classifier: classifier,
		cfg:        cfg,
		recorder:   recorder,
		sessions:   newSessionSet(),
		entries:    make(map[string]*SyntheticEntryRequest),
		stops:      make(map[string]*SyntheticStopRequest),
		lastQuotes: make(map[string]domain.Quote),
	}
}

// WouldViolateSpread reports whether a stop trigger is already invalid
// against the current spread: a sell stop with trigger at or above the
// bid, or a buy stop with trigger at or below the ask, would be rejected
// by the venue. quantity is the signed order quantity.
func WouldViolateSpread(quantity, trigger decimal.Decimal, q domain.Quote) bool {
	if !q.HasBothSides() {
		return false
	}
	if quantity.Sign() < 0 {
		return trigger.GreaterThanOrEqual(q.Bid)
	}
	return trigger.LessThanOrEqual(q.Ask)
}

// Track hands an instrument to the engine: entry and stop targets plus
// the intended signed quantity. The risk distance is derived once, here.
// The entry order is placed immediately unless the proactive spread
// check already condemns it, in which case a synthetic entry is
// registered without the venue round trip.
func (e *Engine) Track(ctx context.Context, symbol string, entryTarget, stopTarget, quantity decimal.Decimal, now time.Time) error {
	if existing := e.sessions.get(symbol); existing != nil && !existing.disposed {
		log.Warnf("track %s: session already exists, ignoring", symbol)
		return nil
	}
	sess := e.sessions.create(symbol, entryTarget, stopTarget, quantity, now)

	if q, ok := e.lastQuotes[symbol]; ok && WouldViolateSpread(quantity, entryTarget, q) {
		log.Infof("track %s: entry trigger %s inside spread [%s, %s], registering synthetic entry up front",
			symbol, entryTarget, q.Bid, q.Ask)
		e.registerSyntheticEntry(sess, now)
		return nil
	}

	h, err := e.venue.PlaceStopOrder(ctx, symbol, quantity, entryTarget)
	if err != nil {
		e.sessions.delete(symbol)
		return err
	}
	sess.entryHandle = h
	log.Infof("track %s: entry stop placed order=%s qty=%s trigger=%s stop=%s",
		symbol, h.ID(), quantity, entryTarget, stopTarget)
	e.record(events.ActionEntryAccepted, symbol, h.ID(), quantity, entryTarget, "", now)
	return nil
}

// Remove takes an instrument out of the tracked universe. A live
// position is liquidated and its protection cleared first; the session
// itself is released once no position, synthetic, or backup state
// remains outstanding.
func (e *Engine) Remove(ctx context.Context, symbol string, now time.Time) {
	sess := e.sessions.get(symbol)
	if sess == nil {
		return
	}
	sess.disposed = true

	pos := e.venue.CurrentQuantity(symbol)
	if !pos.IsZero() {
		e.clearProtection(ctx, sess, now)
		if _, err := e.venue.PlaceMarketOrder(ctx, symbol, pos.Neg()); err != nil {
			log.Errorf("remove %s: liquidation market order failed: %v", symbol, err)
		}
		return
	}
	e.maybeDispose(sess)
}

// OnTick drives both monitors. Entries are always evaluated before
// stops, and both registries are snapshotted before iteration so
// mid-pass mutations cannot affect the current pass.
func (e *Engine) OnTick(ctx context.Context, quotes map[string]domain.Quote, now time.Time) {
	for symbol, q := range quotes {
		e.lastQuotes[symbol] = q
	}
	e.evalEntries(ctx, quotes, now)
	e.evalStops(ctx, quotes, now)
}

// OnOrderEvent routes one venue transition to the owning session. The
// primary lookup is by symbol; when that fails (symbol remapping) the
// dispatcher falls back to scanning sessions by order identity.
func (e *Engine) OnOrderEvent(ctx context.Context, ev *events.OrderUpdate) {
	if ev == nil {
		return
	}
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	sess := e.sessions.get(ev.Symbol)
	role := roleNone
	var h ports.OrderHandle
	if sess != nil {
		role, h = sess.roleOf(ev.OrderID)
	}
	if role == roleNone {
		sess, role, h = e.sessions.findByOrderID(ev.OrderID)
	}
	if sess == nil || role == roleNone {
		log.Warnf("order event for unknown order, dropped: symbol=%s order=%s status=%s",
			ev.Symbol, ev.OrderID, ev.Status)
		return
	}

	switch ev.Status {
	case domain.OrderStatusInvalid:
		e.handleRejection(ctx, sess, role, h, ev, now)
	case domain.OrderStatusFilled, domain.OrderStatusPartiallyFilled:
		e.handleFill(ctx, sess, role, h, ev, now)
	case domain.OrderStatusCanceled:
		log.Debugf("order canceled: %s role=%d order=%s", sess.Symbol, role, ev.OrderID)
	}

	e.maybeDispose(sess)
}

// CancelAllProtection cancels every live handle for the symbol and
// clears both synthetic registries. External daily-liquidation and
// safety flows use it to force a clean terminal state.
func (e *Engine) CancelAllProtection(ctx context.Context, symbol string, now time.Time) {
	sess := e.sessions.get(symbol)
	if sess == nil {
		return
	}
	e.clearProtection(ctx, sess, now)
	e.maybeDispose(sess)
}

// RegisterSyntheticEntry is the proactive path for an external spread
// check. No-op when the instrument is untracked or a request already
// exists.
func (e *Engine) RegisterSyntheticEntry(symbol string, now time.Time) {
	if sess := e.sessions.get(symbol); sess != nil {
		e.registerSyntheticEntry(sess, now)
	}
}

// RegisterSyntheticStop merges synthetic coverage for the symbol under
// the coverage cap.
func (e *Engine) RegisterSyntheticStop(symbol string, quantity decimal.Decimal, now time.Time) {
	if sess := e.sessions.get(symbol); sess != nil {
		e.registerSyntheticStop(sess, quantity, now)
	}
}

// Sessions returns read-only copies for the control plane.
func (e *Engine) Sessions() []SessionView {
	out := make([]SessionView, 0, len(e.sessions.sessions))
	for _, s := range e.sessions.snapshot() {
		out = append(out, s.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Requests returns copies of both synthetic registries.
func (e *Engine) Requests() RequestsView {
	var v RequestsView
	for _, r := range e.entries {
		v.Entries = append(v.Entries, EntryRequestView{
			Symbol:      r.Symbol,
			TargetPrice: r.TargetPrice,
			Quantity:    r.Quantity,
			TimeoutAt:   r.TimeoutAt,
		})
	}
	for _, r := range e.stops {
		v.Stops = append(v.Stops, StopRequestView{
			Symbol:      r.Symbol,
			TargetPrice: r.TargetPrice,
			Quantity:    r.Quantity,
			TimeoutAt:   r.TimeoutAt,
			IsLong:      r.IsLong,
		})
	}
	sort.Slice(v.Entries, func(i, j int) bool { return v.Entries[i].Symbol < v.Entries[j].Symbol })
	sort.Slice(v.Stops, func(i, j int) bool { return v.Stops[i].Symbol < v.Stops[j].Symbol })
	return v
}

// SyntheticSymbols lists every instrument with at least one active
// synthetic request; the tick builder bounds its snapshot to these plus
// instruments with sessions.
func (e *Engine) SyntheticSymbols() []string {
	seen := make(map[string]struct{}, len(e.entries)+len(e.stops))
	for symbol := range e.entries {
		seen[symbol] = struct{}{}
	}
	for symbol := range e.stops {
		seen[symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for symbol := range seen {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) handleRejection(ctx context.Context, sess *InstrumentSession, role orderRole, h ports.OrderHandle, ev *events.OrderUpdate, now time.Time) {
	// A rejected backup leaves its quantity uncovered regardless of the
	// rejection text; fold it into the synthetic stop registry.
	if role == roleBackup {
		log.Warnf("backup stop rejected: %s order=%s qty=%s reason=%q",
			sess.Symbol, ev.OrderID, h.Quantity(), ev.Reason)
		sess.removeBackup(ev.OrderID)
		e.registerSyntheticStop(sess, h.Quantity(), now)
		metrics.BackupsRejected.Add(1)
		e.record(events.ActionBackupRejected, sess.Symbol, ev.OrderID, h.Quantity(), decimal.Zero, ev.Reason, now)
		return
	}

	if e.classifier.Classify(ev.Reason) != RejectionSpreadViolation {
		log.Errorf("order rejected (not recoverable): %s role=%d order=%s reason=%q",
			sess.Symbol, role, ev.OrderID, ev.Reason)
		metrics.OtherRejections.Add(1)
		e.record(events.ActionOtherRejection, sess.Symbol, ev.OrderID, h.Quantity(), decimal.Zero, ev.Reason, now)
		return
	}

	log.Infof("spread-violation rejection: %s role=%d order=%s reason=%q",
		sess.Symbol, role, ev.OrderID, ev.Reason)
	e.record(events.ActionSpreadRejection, sess.Symbol, ev.OrderID, h.Quantity(), h.TriggerPrice(), ev.Reason, now)

	switch role {
	case roleEntry:
		e.registerSyntheticEntry(sess, now)
	case roleProtective:
		// Nothing covers the position until synthesis takes over.
		rejected := h.Quantity()
		sess.coveredQuantity = decimal.Zero
		sess.protectiveHandle = nil
		e.registerSyntheticStop(sess, rejected, now)
	}
}

func (e *Engine) handleFill(ctx context.Context, sess *InstrumentSession, role orderRole, h ports.OrderHandle, ev *events.OrderUpdate, now time.Time) {
	switch role {
	case roleEntry:
		e.handleEntryFill(ctx, sess, ev, now)
	case roleProtective:
		if ev.Status == domain.OrderStatusFilled {
			e.handleProtectiveFill(ctx, sess, h, ev, now)
		} else {
			// Partial protective fill shrinks the position; re-balance
			// coverage against the ledger.
			e.ensureProtected(ctx, sess, now)
		}
	case roleBackup:
		if ev.Status == domain.OrderStatusFilled {
			e.handleBackupFill(ctx, sess, ev, now)
		}
	}
}

func (e *Engine) handleEntryFill(ctx context.Context, sess *InstrumentSession, ev *events.OrderUpdate, now time.Time) {
	sess.recordEntryFill(ev.FillQty, ev.FillPrice)

	// Price improvement keeps the protected risk per share constant by
	// shifting the stop with the fill, never widening it.
	if sess.IsLong() && ev.FillPrice.Sign() > 0 && ev.FillPrice.LessThan(sess.EntryTarget) {
		sess.StopTarget = ev.FillPrice.Sub(sess.RiskDistance)
		log.Infof("entry price improvement: %s fill=%s < target=%s, stop moved to %s",
			sess.Symbol, ev.FillPrice, sess.EntryTarget, sess.StopTarget)
	} else if !sess.IsLong() && ev.FillPrice.GreaterThan(sess.EntryTarget) {
		sess.StopTarget = ev.FillPrice.Add(sess.RiskDistance)
		log.Infof("entry price improvement: %s fill=%s > target=%s, stop moved to %s",
			sess.Symbol, ev.FillPrice, sess.EntryTarget, sess.StopTarget)
	}

	// A fill that completes a synthetic-entry market fallback clears the
	// pending request.
	if _, ok := e.entries[sess.Symbol]; ok {
		delete(e.entries, sess.Symbol)
		e.venue.Release(sess.Symbol)
		log.Infof("synthetic entry confirmed by fill: %s", sess.Symbol)
	}

	e.ensureProtected(ctx, sess, now)
}

func (e *Engine) handleProtectiveFill(ctx context.Context, sess *InstrumentSession, h ports.OrderHandle, ev *events.OrderUpdate, now time.Time) {
	closedPos := h.Quantity().Neg() // protective quantity opposes the position it covered
	pnl := domain.RoundTripPnL(sess.EntryFillPrice, ev.FillPrice, closedPos)
	log.Infof("protective stop filled: %s qty=%s entry=%s exit=%s pnl=%s",
		sess.Symbol, h.Quantity(), sess.EntryFillPrice, ev.FillPrice, pnl)

	sess.coveredQuantity = decimal.Zero
	sess.protectiveHandle = nil

	e.maybeReverse(ctx, sess, closedPos, now)
}

// maybeReverse opens the opposite position after a stop-out, at most
// once per protection cycle, and protects it at the original entry
// price. A trigger already invalid against the spread is replaced by an
// immediate market order rather than a doomed conditional.
func (e *Engine) maybeReverse(ctx context.Context, sess *InstrumentSession, closedPos decimal.Decimal, now time.Time) {
	if !e.cfg.ReverseOnStop || sess.reversed || sess.disposed || closedPos.IsZero() {
		return
	}
	sess.reversed = true

	reversedQty := closedPos.Neg()
	h, err := e.venue.PlaceMarketOrder(ctx, sess.Symbol, reversedQty)
	if err != nil {
		log.Errorf("reversal market order failed: %s qty=%s: %v", sess.Symbol, reversedQty, err)
		return
	}
	sess.Quantity = reversedQty
	sess.entryHandle = h
	sess.filledQty = decimal.Zero
	sess.EntryFillPrice = decimal.Zero
	metrics.Reversals.Add(1)
	e.record(events.ActionReversal, sess.Symbol, h.ID(), reversedQty, decimal.Zero, "", now)

	protQty := reversedQty.Neg()
	trigger := sess.EntryTarget
	sess.StopTarget = trigger

	if q, ok := e.lastQuotes[sess.Symbol]; ok && WouldViolateSpread(protQty, trigger, q) {
		log.Warnf("reversal protective trigger %s invalid against spread [%s, %s]: %s, falling back to market",
			trigger, q.Bid, q.Ask, sess.Symbol)
		if _, err := e.venue.PlaceMarketOrder(ctx, sess.Symbol, protQty); err != nil {
			log.Errorf("reversal protective market fallback failed: %s: %v", sess.Symbol, err)
		}
		e.record(events.ActionMarketFallback, sess.Symbol, "", protQty, trigger, "reversal protective inside spread", now)
		return
	}

	ph, err := e.venue.PlaceStopOrder(ctx, sess.Symbol, protQty, trigger)
	if err != nil {
		log.Errorf("reversal protective stop failed: %s: %v", sess.Symbol, err)
		e.registerSyntheticStop(sess, protQty, now)
		return
	}
	sess.protectiveHandle = ph
	sess.coveredQuantity = protQty
	e.record(events.ActionProtectiveCreated, sess.Symbol, ph.ID(), protQty, trigger, "reversal", now)
}

// clearProtection cancels every live handle and drops both synthetic
// requests for the session. Idempotent.
func (e *Engine) clearProtection(ctx context.Context, sess *InstrumentSession, now time.Time) {
	if sess.hasLiveEntry() {
		if err := e.venue.CancelOrder(ctx, sess.entryHandle); err != nil {
			log.Errorf("cancel entry order failed: %s order=%s: %v", sess.Symbol, sess.entryHandle.ID(), err)
		}
	}
	if sess.hasLiveProtective() {
		if err := e.venue.CancelOrder(ctx, sess.protectiveHandle); err != nil {
			log.Errorf("cancel protective order failed: %s order=%s: %v", sess.Symbol, sess.protectiveHandle.ID(), err)
		}
	}
	for _, h := range sess.liveBackups() {
		if err := e.venue.CancelOrder(ctx, h); err != nil {
			log.Errorf("cancel backup order failed: %s order=%s: %v", sess.Symbol, h.ID(), err)
		}
	}
	sess.backupHandles = nil
	sess.protectiveHandle = nil
	sess.coveredQuantity = decimal.Zero

	if _, ok := e.entries[sess.Symbol]; ok {
		delete(e.entries, sess.Symbol)
		e.venue.Release(sess.Symbol)
	}
	if _, ok := e.stops[sess.Symbol]; ok {
		delete(e.stops, sess.Symbol)
		e.venue.Release(sess.Symbol)
	}
	e.record(events.ActionProtectionCleared, sess.Symbol, "", decimal.Zero, decimal.Zero, "", now)
}

// maybeDispose releases a session whose removal conditions all hold:
// left the universe, flat, and no synthetic or backup state outstanding.
func (e *Engine) maybeDispose(sess *InstrumentSession) {
	if sess == nil || !sess.disposed {
		return
	}
	if !e.venue.CurrentQuantity(sess.Symbol).IsZero() {
		return
	}
	if _, ok := e.entries[sess.Symbol]; ok {
		return
	}
	if _, ok := e.stops[sess.Symbol]; ok {
		return
	}
	if len(sess.liveBackups()) > 0 || sess.hasLiveEntry() || sess.hasLiveProtective() {
		return
	}
	e.sessions.delete(sess.Symbol)
	log.Infof("session released: %s", sess.Symbol)
}

func (e *Engine) record(kind, symbol, orderID string, qty, price decimal.Decimal, detail string, at time.Time) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(events.ProtectionAction{
		Kind:      kind,
		Symbol:    symbol,
		OrderID:   orderID,
		Quantity:  qty,
		Price:     price,
		Detail:    detail,
		Timestamp: at,
	})
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
