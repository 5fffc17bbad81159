package statestore

import (
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// Store is a small Badger-backed KV used for the protection journal and
// any other state that must survive a restart.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

type OpenOptions struct {
	Path     string
	InMemory bool // tests and dry runs; Path is ignored
	ReadOnly bool
}

func Open(opts OpenOptions) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("statestore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithLogger(nil).WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "statestore: open")
	}
	s := &Store{db: db}
	if !opts.ReadOnly {
		seq, err := db.GetSequence([]byte("!seq"), 128)
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "statestore: sequence")
		}
		s.seq = seq
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

func (s *Store) Put(key string, val []byte) error {
	if s == nil || s.db == nil {
		return errors.New("statestore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return errors.New("statestore: key is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	})
}

// Get returns the value and whether the key existed.
func (s *Store) Get(key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("statestore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return nil, false, errors.New("statestore: key is empty")
	}
	var out []byte
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// NextSeq hands out a monotonically increasing sequence number. Numbers
// survive restarts; gaps are possible after a crash.
func (s *Store) NextSeq() (uint64, error) {
	if s == nil || s.seq == nil {
		return 0, errors.New("statestore: not opened for writing")
	}
	return s.seq.Next()
}

// Scan visits every key with the prefix in lexicographic order. The
// callback receives copies it may retain.
func (s *Store) Scan(prefix string, fn func(key string, val []byte) error) error {
	if s == nil || s.db == nil {
		return errors.New("statestore: not opened")
	}
	p := []byte(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         p,
		})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}
