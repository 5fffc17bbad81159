package protection

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/metrics"
)

// ensureProtected reconciles protective coverage against the live
// position. Invoked on every fill that can change the covered/actual
// relationship. Re-running with no intervening fill is a no-op.
//
// The position is always re-read from the ledger; the cached session
// quantity is never trusted here.
func (e *Engine) ensureProtected(ctx context.Context, sess *InstrumentSession, now time.Time) {
	if sess == nil {
		return
	}
	metrics.ReconcileRuns.Add(1)

	pos := e.venue.CurrentQuantity(sess.Symbol)

	// Flat: terminal, idempotent cleanup.
	if pos.IsZero() {
		e.cancelAllStops(ctx, sess)
		return
	}

	desired := pos.Neg()

	// No live protective order: create one for the full position.
	if sess.protectiveHandle == nil || !sess.protectiveHandle.Status().IsLive() {
		h, err := e.venue.PlaceStopOrder(ctx, sess.Symbol, desired, sess.StopTarget)
		if err != nil {
			log.Errorf("protective stop creation failed: %s qty=%s: %v", sess.Symbol, desired, err)
			e.registerSyntheticStop(sess, desired, now)
			return
		}
		sess.protectiveHandle = h
		sess.coveredQuantity = desired
		log.Infof("protective stop created: %s position=%s stopQty=%s trigger=%s order=%s",
			sess.Symbol, pos, desired, sess.StopTarget, h.ID())
		e.record(events.ActionProtectiveCreated, sess.Symbol, h.ID(), desired, sess.StopTarget, "", now)
		return
	}

	// Right size already: confirmation only.
	if sess.coveredQuantity.Equal(desired) {
		log.Debugf("protection confirmed: %s already covering %s", sess.Symbol, pos)
		return
	}

	// Wrong size: atomic resize, quantity and trigger in one request.
	err := e.venue.UpdateOrder(ctx, sess.protectiveHandle, desired, sess.StopTarget)
	if err == nil {
		log.Infof("protective stop resized: %s %s -> %s order=%s",
			sess.Symbol, sess.coveredQuantity, desired, sess.protectiveHandle.ID())
		sess.coveredQuantity = desired
		e.record(events.ActionProtectiveResized, sess.Symbol, sess.protectiveHandle.ID(), desired, sess.StopTarget, "", now)
		return
	}

	// Resize refused: cover the deficit with a backup order, and merge
	// synthetic coverage behind it in case the backup is rejected too.
	metrics.ResizeFailures.Add(1)
	uncovered := desired.Sub(sess.coveredQuantity)
	log.Warnf("protective resize failed: %s (%v), placing backup for %s", sess.Symbol, err, uncovered)

	bh, berr := e.venue.PlaceStopOrder(ctx, sess.Symbol, uncovered, sess.StopTarget)
	if berr != nil {
		log.Errorf("backup stop placement failed: %s qty=%s: %v", sess.Symbol, uncovered, berr)
	} else {
		sess.backupHandles = append(sess.backupHandles, bh)
		metrics.BackupsPlaced.Add(1)
		e.record(events.ActionBackupPlaced, sess.Symbol, bh.ID(), uncovered, sess.StopTarget, "", now)
	}

	e.registerSyntheticStop(sess, uncovered, now)
}

// handleBackupFill completes a backup order: any remainder left by a
// partial fill or a racing fill elsewhere is flattened immediately at
// market, and the primary protective order is canceled so two live
// orders never cover overlapping quantity.
func (e *Engine) handleBackupFill(ctx context.Context, sess *InstrumentSession, ev *events.OrderUpdate, now time.Time) {
	log.Infof("backup stop filled: %s order=%s", sess.Symbol, ev.OrderID)
	sess.removeBackup(ev.OrderID)

	pos := e.venue.CurrentQuantity(sess.Symbol)
	if pos.IsZero() {
		return
	}

	log.Warnf("backup partial: %s remaining=%s, flattening at market", sess.Symbol, pos)
	if _, err := e.venue.PlaceMarketOrder(ctx, sess.Symbol, pos.Neg()); err != nil {
		log.Errorf("remainder flatten failed: %s: %v", sess.Symbol, err)
		return
	}
	metrics.RemaindersFlattened.Add(1)
	e.record(events.ActionRemainderFlattened, sess.Symbol, "", pos.Neg(), decimal.Zero, "", now)

	if sess.hasLiveProtective() {
		if err := e.venue.CancelOrder(ctx, sess.protectiveHandle); err != nil {
			log.Errorf("cancel primary protective failed: %s order=%s: %v",
				sess.Symbol, sess.protectiveHandle.ID(), err)
		}
	}
	sess.protectiveHandle = nil
	sess.coveredQuantity = decimal.Zero
}

// cancelAllStops tears down every live protective and backup order and
// resets coverage tracking. Called from the flat branch of
// reconciliation; safe to call repeatedly.
func (e *Engine) cancelAllStops(ctx context.Context, sess *InstrumentSession) {
	if sess.hasLiveProtective() {
		if err := e.venue.CancelOrder(ctx, sess.protectiveHandle); err != nil {
			log.Errorf("cancel protective failed: %s order=%s: %v",
				sess.Symbol, sess.protectiveHandle.ID(), err)
		}
	}
	for _, h := range sess.liveBackups() {
		if err := e.venue.CancelOrder(ctx, h); err != nil {
			log.Errorf("cancel backup failed: %s order=%s: %v", sess.Symbol, h.ID(), err)
		}
	}
	sess.backupHandles = nil
	sess.protectiveHandle = nil
	sess.coveredQuantity = decimal.Zero
}
