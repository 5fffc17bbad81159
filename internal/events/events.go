package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/domain"
)

// OrderUpdate is one venue state transition for one order. The venue
// delivers exactly one per transition; FillQty/FillPrice describe the
// increment carried by this transition, not cumulative totals.
type OrderUpdate struct {
	OrderID   string
	Symbol    string
	Status    domain.OrderStatus
	FillQty   decimal.Decimal // signed, zero unless the transition fills
	FillPrice decimal.Decimal
	Reason    string // populated for invalid orders
	Timestamp time.Time
}

// QuoteTick is one instrument's quote refresh.
type QuoteTick struct {
	Quote     domain.Quote
	Timestamp time.Time
}

// UniverseChange announces an instrument entering or leaving scope.
type UniverseChange struct {
	Symbol    string
	Added     bool
	Timestamp time.Time
}

// ProtectionAction is a journal record of one engine decision. Kind names
// the transition; the remaining fields identify the order movement.
type ProtectionAction struct {
	Kind      string          `json:"kind"`
	Symbol    string          `json:"symbol"`
	OrderID   string          `json:"order_id,omitempty"`
	Quantity  decimal.Decimal `json:"quantity,omitempty"`
	Price     decimal.Decimal `json:"price,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Action kinds recorded to the journal.
const (
	ActionEntryAccepted      = "entry_accepted"
	ActionSpreadRejection    = "spread_rejection"
	ActionOtherRejection     = "other_rejection"
	ActionSyntheticEntry     = "synthetic_entry_registered"
	ActionSyntheticStop      = "synthetic_stop_registered"
	ActionEntryAbandoned     = "entry_abandoned"
	ActionStopReplaced       = "stop_replaced"
	ActionMarketFallback     = "market_fallback"
	ActionTimeoutExit        = "timeout_exit"
	ActionDeadQuoteDrop      = "dead_quote_drop"
	ActionProtectiveCreated  = "protective_created"
	ActionProtectiveResized  = "protective_resized"
	ActionBackupPlaced       = "backup_placed"
	ActionBackupRejected     = "backup_rejected"
	ActionRemainderFlattened = "remainder_flattened"
	ActionReversal           = "reversal"
	ActionProtectionCleared  = "protection_cleared"
)
