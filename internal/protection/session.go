package protection

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/ports"
)

// orderRole names which slot of a session an order occupies.
type orderRole int

const (
	roleNone orderRole = iota
	roleEntry
	roleProtective
	roleBackup
)

// InstrumentSession is the per-instrument protection state. All fields
// are mutated only from engine methods; the runner guarantees those run
// one event at a time.
type InstrumentSession struct {
	Symbol string

	// Decision inputs, fixed when the instrument is handed over. The
	// stop target moves on price improvement; RiskDistance never does.
	EntryTarget  decimal.Decimal
	StopTarget   decimal.Decimal
	RiskDistance decimal.Decimal

	// Quantity is the intended signed size. Positive = long.
	Quantity decimal.Decimal

	// EntryFillPrice is the volume-weighted entry fill, zero before any
	// fill. Used for realized PnL when the protective order triggers.
	EntryFillPrice decimal.Decimal
	filledQty      decimal.Decimal

	entryHandle      ports.OrderHandle
	protectiveHandle ports.OrderHandle
	backupHandles    []ports.OrderHandle

	// coveredQuantity is the signed quantity the current primary
	// protective order covers. Single source of truth; only the
	// reconciliation path writes it.
	coveredQuantity decimal.Decimal

	reversed bool
	disposed bool

	createdAt time.Time
}

func (s *InstrumentSession) IsLong() bool {
	return s != nil && s.Quantity.Sign() > 0
}

func (s *InstrumentSession) hasLiveEntry() bool {
	return s != nil && s.entryHandle != nil && s.entryHandle.Status().IsLive()
}

func (s *InstrumentSession) hasLiveProtective() bool {
	return s != nil && s.protectiveHandle != nil && s.protectiveHandle.Status().IsLive()
}

func (s *InstrumentSession) liveBackups() []ports.OrderHandle {
	if s == nil {
		return nil
	}
	var out []ports.OrderHandle
	for _, h := range s.backupHandles {
		if h != nil && h.Status().IsLive() {
			out = append(out, h)
		}
	}
	return out
}

// roleOf resolves an order ID against the session's handles. Precedence:
// entry, protective, backups.
func (s *InstrumentSession) roleOf(orderID string) (orderRole, ports.OrderHandle) {
	if s == nil || orderID == "" {
		return roleNone, nil
	}
	if s.entryHandle != nil && s.entryHandle.ID() == orderID {
		return roleEntry, s.entryHandle
	}
	if s.protectiveHandle != nil && s.protectiveHandle.ID() == orderID {
		return roleProtective, s.protectiveHandle
	}
	for _, h := range s.backupHandles {
		if h != nil && h.ID() == orderID {
			return roleBackup, h
		}
	}
	return roleNone, nil
}

func (s *InstrumentSession) removeBackup(orderID string) {
	if s == nil {
		return
	}
	for i, h := range s.backupHandles {
		if h != nil && h.ID() == orderID {
			s.backupHandles = append(s.backupHandles[:i], s.backupHandles[i+1:]...)
			return
		}
	}
}

// recordEntryFill folds one fill increment into the volume-weighted
// entry price.
func (s *InstrumentSession) recordEntryFill(qty, price decimal.Decimal) {
	if s == nil || qty.IsZero() {
		return
	}
	abs := qty.Abs()
	total := s.filledQty.Add(abs)
	if s.filledQty.IsZero() {
		s.EntryFillPrice = price
	} else {
		s.EntryFillPrice = s.EntryFillPrice.Mul(s.filledQty).Add(price.Mul(abs)).Div(total)
	}
	s.filledQty = total
}

// sessionSet owns every InstrumentSession. Sessions are created by Track
// and released exactly once when their removal conditions hold.
type sessionSet struct {
	sessions map[string]*InstrumentSession
}

func newSessionSet() *sessionSet {
	return &sessionSet{sessions: make(map[string]*InstrumentSession)}
}

func (set *sessionSet) get(symbol string) *InstrumentSession {
	return set.sessions[symbol]
}

func (set *sessionSet) create(symbol string, entryTarget, stopTarget, quantity decimal.Decimal, now time.Time) *InstrumentSession {
	s := &InstrumentSession{
		Symbol:       symbol,
		EntryTarget:  entryTarget,
		StopTarget:   stopTarget,
		RiskDistance: entryTarget.Sub(stopTarget).Abs(),
		Quantity:     quantity,
		createdAt:    now,
	}
	set.sessions[symbol] = s
	return s
}

func (set *sessionSet) delete(symbol string) {
	delete(set.sessions, symbol)
}

// findByOrderID scans every session for one owning the order. Fallback
// path for events whose symbol no longer resolves (symbol remapping).
func (set *sessionSet) findByOrderID(orderID string) (*InstrumentSession, orderRole, ports.OrderHandle) {
	for _, s := range set.sessions {
		if role, h := s.roleOf(orderID); role != roleNone {
			return s, role, h
		}
	}
	return nil, roleNone, nil
}

func (set *sessionSet) snapshot() []*InstrumentSession {
	out := make([]*InstrumentSession, 0, len(set.sessions))
	for _, s := range set.sessions {
		out = append(out, s)
	}
	return out
}

// SessionView is the read-only copy handed to the control plane.
type SessionView struct {
	Symbol          string          `json:"symbol"`
	EntryTarget     decimal.Decimal `json:"entry_target"`
	StopTarget      decimal.Decimal `json:"stop_target"`
	RiskDistance    decimal.Decimal `json:"risk_distance"`
	Quantity        decimal.Decimal `json:"quantity"`
	EntryFillPrice  decimal.Decimal `json:"entry_fill_price"`
	CoveredQuantity decimal.Decimal `json:"covered_quantity"`
	EntryOrderID    string          `json:"entry_order_id,omitempty"`
	ProtectiveID    string          `json:"protective_order_id,omitempty"`
	BackupOrderIDs  []string        `json:"backup_order_ids,omitempty"`
	Reversed        bool            `json:"reversed"`
	Disposed        bool            `json:"disposed"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (s *InstrumentSession) view() SessionView {
	v := SessionView{
		Symbol:          s.Symbol,
		EntryTarget:     s.EntryTarget,
		StopTarget:      s.StopTarget,
		RiskDistance:    s.RiskDistance,
		Quantity:        s.Quantity,
		EntryFillPrice:  s.EntryFillPrice,
		CoveredQuantity: s.coveredQuantity,
		Reversed:        s.reversed,
		Disposed:        s.disposed,
		CreatedAt:       s.createdAt,
	}
	if s.entryHandle != nil {
		v.EntryOrderID = s.entryHandle.ID()
	}
	if s.protectiveHandle != nil {
		v.ProtectiveID = s.protectiveHandle.ID()
	}
	for _, h := range s.backupHandles {
		if h != nil {
			v.BackupOrderIDs = append(v.BackupOrderIDs, h.ID())
		}
	}
	return v
}
