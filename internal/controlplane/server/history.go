package server

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/protection"
)

// HistoryStore keeps protection actions queryable after the badger
// journal has been compacted away. It implements protection.Recorder so
// it can sit on the engine's recorder tee.
type HistoryStore struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenHistory(path string) (*HistoryStore, error) {
	if path == "" {
		return nil, errors.New("history db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir history db dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	// SQLite behaves best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &HistoryStore{db: db}
	if err := h.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *HistoryStore) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *HistoryStore) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS protection_actions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  symbol TEXT NOT NULL,
  order_id TEXT,
  quantity TEXT,
  price TEXT,
  detail TEXT,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_symbol ON protection_actions(symbol, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := h.db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "migrate history db: %s", stmt)
		}
	}
	return nil
}

// Record implements protection.Recorder. Insert failures are logged and
// swallowed so history persistence never stalls the engine.
func (h *HistoryStore) Record(action events.ProtectionAction) {
	if h == nil || h.db == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.db.Exec(
		`INSERT INTO protection_actions (kind, symbol, order_id, quantity, price, detail, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		action.Kind,
		action.Symbol,
		action.OrderID,
		action.Quantity.String(),
		action.Price.String(),
		action.Detail,
		action.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		log.WithError(err).Error("history: insert action failed")
	}
}

// HistoryEntry is one recorded action as served by the API.
type HistoryEntry struct {
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"order_id,omitempty"`
	Quantity string `json:"quantity,omitempty"`
	Price    string `json:"price,omitempty"`
	Detail   string `json:"detail,omitempty"`
	At       string `json:"at"`
}

// Query returns the newest matching actions, newest first. symbol and
// kind filter when non-empty; limit caps the result (default 100).
func (h *HistoryStore) Query(symbol, kind string, limit int) ([]HistoryEntry, error) {
	if h == nil || h.db == nil {
		return nil, errors.New("history store is closed")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT seq, kind, symbol, order_id, quantity, price, detail, ts
	          FROM protection_actions`
	var where []string
	var args []interface{}
	if symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, symbol)
	}
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, kind)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT %d", limit)

	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Symbol, &e.OrderID, &e.Quantity, &e.Price, &e.Detail, &e.At); err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		// A zero value was never meaningful on the producing side.
		if e.Quantity == "0" {
			e.Quantity = ""
		}
		if e.Price == "0" {
			e.Price = ""
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ protection.Recorder = (*HistoryStore)(nil)
