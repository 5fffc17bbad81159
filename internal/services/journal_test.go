package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/protection"
	"github.com/stopbot/gostop/pkg/persistence"
	"github.com/stopbot/gostop/pkg/statestore"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	store, err := statestore.Open(statestore.OpenOptions{InMemory: true})
	if err != nil {
		t.Fatalf("open statestore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	snap := persistence.NewJSONFileService(t.TempDir()).NewStore("gostop", "engine", "snapshot")
	return NewJournal(store, snap)
}

func action(kind, symbol string, seqHint int) events.ProtectionAction {
	return events.ProtectionAction{
		Kind:      kind,
		Symbol:    symbol,
		Quantity:  decimal.NewFromInt(int64(seqHint)),
		Price:     decimal.RequireFromString("9.5"),
		Timestamp: time.Now().UTC(),
	}
}

func TestRecordAndReplayOrder(t *testing.T) {
	j := newTestJournal(t)

	j.Record(action(events.ActionEntryAccepted, "TQQQ", 1))
	j.Record(action(events.ActionSpreadRejection, "TQQQ", 2))
	j.Record(action(events.ActionSyntheticEntry, "UPRO", 3))

	var kinds []string
	var quantities []decimal.Decimal
	err := j.Replay(func(a events.ProtectionAction) error {
		kinds = append(kinds, a.Kind)
		quantities = append(quantities, a.Quantity)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	want := []string{events.ActionEntryAccepted, events.ActionSpreadRejection, events.ActionSyntheticEntry}
	if len(kinds) != len(want) {
		t.Fatalf("replayed %d records, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("record %d kind = %q, want %q", i, kinds[i], want[i])
		}
	}
	// Sequence keys preserve append order.
	for i, q := range quantities {
		if !q.Equal(decimal.NewFromInt(int64(i + 1))) {
			t.Errorf("record %d out of order: quantity %s", i, q)
		}
	}
}

func TestRecent(t *testing.T) {
	j := newTestJournal(t)
	for i := 1; i <= 10; i++ {
		j.Record(action(events.ActionStopReplaced, "TQQQ", i))
	}

	recent, err := j.Recent(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent returned %d, want 3", len(recent))
	}
	// Oldest of the kept window first.
	for i, a := range recent {
		if !a.Quantity.Equal(decimal.NewFromInt(int64(8 + i))) {
			t.Errorf("recent[%d] quantity = %s", i, a.Quantity)
		}
	}

	if r, err := j.Recent(0); err != nil || r != nil {
		t.Fatalf("Recent(0) = %v, %v", r, err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	j := newTestJournal(t)

	// No snapshot yet: empty, not an error.
	loaded, err := j.LoadSnapshot()
	if err != nil {
		t.Fatalf("load before save: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("phantom snapshot: %+v", loaded)
	}

	sessions := []protection.SessionView{
		{
			Symbol:      "TQQQ",
			EntryTarget: decimal.RequireFromString("10"),
			StopTarget:  decimal.RequireFromString("9.5"),
			Quantity:    decimal.RequireFromString("5"),
			CreatedAt:   time.Now().UTC().Truncate(time.Second),
		},
	}
	if err := j.SaveSnapshot(sessions); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	loaded, err = j.LoadSnapshot()
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d sessions, want 1", len(loaded))
	}
	got := loaded[0]
	if got.Symbol != "TQQQ" || !got.EntryTarget.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("snapshot mangled: %+v", got)
	}
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.Record(action(events.ActionEntryAccepted, "X", 1))
	if err := j.Replay(func(events.ProtectionAction) error { return nil }); err != nil {
		t.Fatalf("nil replay: %v", err)
	}
	if err := j.SaveSnapshot(nil); err != nil {
		t.Fatalf("nil save: %v", err)
	}
	if _, err := j.LoadSnapshot(); err != nil {
		t.Fatalf("nil load: %v", err)
	}
}

func TestTeeRecorderFansOut(t *testing.T) {
	var a, b recordCounter
	tee := TeeRecorder{&a, nil, &b}

	tee.Record(action(events.ActionEntryAccepted, "TQQQ", 1))
	tee.Record(action(events.ActionStopReplaced, "TQQQ", 2))

	if a.n != 2 || b.n != 2 {
		t.Fatalf("fan-out counts = %d, %d, want 2, 2", a.n, b.n)
	}
}

type recordCounter struct {
	n int
}

func (r *recordCounter) Record(events.ProtectionAction) { r.n++ }
