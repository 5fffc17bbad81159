package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/stopbot/gostop/internal/events"
	"github.com/stopbot/gostop/internal/metrics"
	"github.com/stopbot/gostop/internal/protection"
	"github.com/stopbot/gostop/pkg/persistence"
	"github.com/stopbot/gostop/pkg/statestore"
)

const journalKeyPrefix = "journal/"

// Journal persists every protection action as a sequenced record and
// periodically snapshots the session table to a JSON file. Records are
// append-only; the store sequence gives a total order across restarts.
type Journal struct {
	store    *statestore.Store
	snapshot persistence.Store
}

func NewJournal(store *statestore.Store, snapshot persistence.Store) *Journal {
	return &Journal{store: store, snapshot: snapshot}
}

// Record implements protection.Recorder. Append failures are logged and
// swallowed: the journal must never stall the engine.
func (j *Journal) Record(action events.ProtectionAction) {
	if j == nil || j.store == nil {
		return
	}
	seq, err := j.store.NextSeq()
	if err != nil {
		log.WithError(err).Error("journal: sequence allocation failed")
		return
	}
	payload, err := json.Marshal(action)
	if err != nil {
		log.WithError(err).Error("journal: marshal action failed")
		return
	}
	key := fmt.Sprintf("%s%016d", journalKeyPrefix, seq)
	if err := j.store.Put(key, payload); err != nil {
		log.WithError(err).WithField("key", key).Error("journal: append failed")
		return
	}
	metrics.JournalAppends.Add(1)
}

// Replay walks every journal record in sequence order.
func (j *Journal) Replay(fn func(events.ProtectionAction) error) error {
	if j == nil || j.store == nil {
		return nil
	}
	return j.store.Scan(journalKeyPrefix, func(key string, val []byte) error {
		var action events.ProtectionAction
		if err := json.Unmarshal(val, &action); err != nil {
			return errors.Wrapf(err, "journal: decode record %s", key)
		}
		return fn(action)
	})
}

// Recent returns the newest n journal records, oldest first.
func (j *Journal) Recent(n int) ([]events.ProtectionAction, error) {
	if n <= 0 {
		return nil, nil
	}
	var ring []events.ProtectionAction
	err := j.Replay(func(action events.ProtectionAction) error {
		ring = append(ring, action)
		if len(ring) > n {
			ring = ring[1:]
		}
		return nil
	})
	return ring, err
}

// SaveSnapshot writes the session table to the snapshot file.
func (j *Journal) SaveSnapshot(sessions []protection.SessionView) error {
	if j == nil || j.snapshot == nil {
		return nil
	}
	if err := j.snapshot.Save(sessions); err != nil {
		return errors.Wrap(err, "journal: save session snapshot")
	}
	metrics.SnapshotSaves.Add(1)
	return nil
}

// LoadSnapshot reads the last saved session table. Returns an empty
// slice when no snapshot exists yet.
func (j *Journal) LoadSnapshot() ([]protection.SessionView, error) {
	if j == nil || j.snapshot == nil {
		return nil, nil
	}
	var sessions []protection.SessionView
	err := j.snapshot.Load(&sessions)
	if err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "journal: load session snapshot")
	}
	return sessions, nil
}

// StartSnapshots periodically saves the session table until ctx is
// canceled, then writes one final snapshot.
func (j *Journal) StartSnapshots(ctx context.Context, interval time.Duration, source func(context.Context) ([]protection.SessionView, error)) {
	if j == nil || j.snapshot == nil || source == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				j.saveFrom(context.Background(), source)
				return
			case <-ticker.C:
				j.saveFrom(ctx, source)
			}
		}
	}()
}

func (j *Journal) saveFrom(ctx context.Context, source func(context.Context) ([]protection.SessionView, error)) {
	sessions, err := source(ctx)
	if err != nil {
		log.WithError(err).Warn("journal: session snapshot source failed")
		return
	}
	if err := j.SaveSnapshot(sessions); err != nil {
		log.WithError(err).Error("journal: periodic snapshot failed")
	}
}

// TeeRecorder fans a protection action out to every recorder.
type TeeRecorder []protection.Recorder

func (t TeeRecorder) Record(action events.ProtectionAction) {
	for _, r := range t {
		if r != nil {
			r.Record(action)
		}
	}
}
