// Package badger is an embedded tracking store backed by Badger. It runs in
// memory when no path is configured, which makes it the default for local
// development and tests.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/alphauslabs/ferry/internal/database"
	"github.com/alphauslabs/ferry/internal/states"
)

func init() {
	database.Register("badger", func(ctx context.Context, cfg database.Config) (database.Store, error) {
		return Open(cfg.Path)
	})
}

// Store implements database.Store on Badger.
type Store struct {
	db *badger.DB

	// writes serializes read-modify-write transactions so they never conflict.
	writes sync.Mutex
	seqs   map[states.Kind]*badger.Sequence
	now    func() time.Time
}

// Open opens a store at path, or an in-memory store when path is empty.
func Open(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{db: db, seqs: make(map[states.Kind]*badger.Sequence), now: func() time.Time { return time.Now().UTC() }}
	for _, kind := range []states.Kind{states.KindExport, states.KindImport} {
		seq, err := db.GetSequence([]byte("seq/"+string(kind)), 16)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open id sequence: %w", err)
		}
		s.seqs[kind] = seq
	}
	return s, nil
}

func (s *Store) Close() error {
	for _, seq := range s.seqs {
		_ = seq.Release()
	}
	return s.db.Close()
}

func trackerKey(kind states.Kind, id int64) []byte {
	return []byte(fmt.Sprintf("t/%s/%020d", kind, id))
}

func trackerPrefix(kind states.Kind) []byte {
	return []byte(fmt.Sprintf("t/%s/", kind))
}

func logKey(kind states.Kind, id, seq int64) []byte {
	return []byte(fmt.Sprintf("l/%s/%020d/%020d", kind, id, seq))
}

func logPrefix(kind states.Kind, id int64) []byte {
	return []byte(fmt.Sprintf("l/%s/%020d/", kind, id))
}

func getTracker(txn *badger.Txn, kind states.Kind, id int64) (*Tracker, error) {
	item, err := txn.Get(trackerKey(kind, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	var t Tracker
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &t) }); err != nil {
		return nil, fmt.Errorf("failed to parse tracker: %w", err)
	}
	return &t, nil
}

// Tracker is the stored form; it is the database model as-is.
type Tracker = database.Tracker

func putTracker(txn *badger.Txn, t *Tracker) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return txn.Set(trackerKey(t.Kind, t.ID), data)
}

func appendLog(txn *badger.Txn, t *Tracker, message string, at time.Time) error {
	t.LogSeq++
	entry := database.LogEntry{TrackerID: t.ID, Kind: t.Kind, Seq: t.LogSeq, CreateTime: at, Message: message}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return txn.Set(logKey(t.Kind, t.ID, t.LogSeq), data)
}

func (s *Store) nextID(kind states.Kind) (int64, error) {
	seq, ok := s.seqs[kind]
	if !ok {
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	return int64(n) + 1, nil
}

func (s *Store) insert(t *Tracker, message string) (*Tracker, error) {
	id, err := s.nextID(t.Kind)
	if err != nil {
		return nil, err
	}
	now := s.now()
	row := *t
	row.ID = id
	row.CreateTime = now
	row.UpdateTime = now

	err = s.db.Update(func(txn *badger.Txn) error {
		if message != "" {
			if err := appendLog(txn, &row, message, now); err != nil {
				return err
			}
		}
		return putTracker(txn, &row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert tracker: %w", err)
	}
	return &row, nil
}

func (s *Store) CreateTracker(ctx context.Context, t *Tracker) (*Tracker, error) {
	if !states.Valid(t.Kind, t.State) {
		return nil, fmt.Errorf("%w: %q", database.ErrInvalidState, t.State)
	}
	s.writes.Lock()
	defer s.writes.Unlock()
	return s.insert(t, "")
}

func (s *Store) GetTracker(ctx context.Context, kind states.Kind, id int64) (*Tracker, error) {
	var out *Tracker
	err := s.db.View(func(txn *badger.Txn) error {
		t, err := getTracker(txn, kind, id)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListTrackers(ctx context.Context, kind states.Kind, filter database.TrackerFilter) ([]*Tracker, error) {
	var out []*Tracker
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := trackerPrefix(kind)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t Tracker
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &t) }); err != nil {
				return fmt.Errorf("failed to parse tracker: %w", err)
			}
			if filter.Matches(&t) {
				out = append(out, &t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) UpdateTracker(ctx context.Context, kind states.Kind, id int64, upd database.TrackerUpdate) (*Tracker, error) {
	s.writes.Lock()
	defer s.writes.Unlock()

	var out *Tracker
	err := s.db.Update(func(txn *badger.Txn) error {
		t, err := getTracker(txn, kind, id)
		if err != nil {
			return err
		}
		now := s.now()
		message, err := database.ApplyUpdate(t, upd, now)
		if err != nil {
			return err
		}
		if message != "" {
			if err := appendLog(txn, t, message, t.UpdateTime); err != nil {
				return err
			}
		}
		out = t
		return putTracker(txn, t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListLogs(ctx context.Context, kind states.Kind, id int64) ([]*database.LogEntry, error) {
	var out []*database.LogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getTracker(txn, kind, id); err != nil {
			return err
		}
		prefix := logPrefix(kind, id)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e database.LogEntry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return fmt.Errorf("failed to parse log entry: %w", err)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Requeue(ctx context.Context, kind states.Kind, id int64, state string) (*Tracker, error) {
	s.writes.Lock()
	defer s.writes.Unlock()

	old, err := s.GetTracker(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	cp, message, err := database.PrepareRequeue(old, state)
	if err != nil {
		return nil, err
	}
	return s.insert(cp, message)
}

func (s *Store) TryClaimLease(ctx context.Context, kind states.Kind, id int64, holder string, until time.Time) (bool, error) {
	s.writes.Lock()
	defer s.writes.Unlock()

	claimed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		t, err := getTracker(txn, kind, id)
		if err != nil {
			return err
		}
		if !database.CanClaim(t, holder, s.now()) {
			return nil
		}
		h, u := holder, until.UTC()
		t.LeaseOwner, t.LeaseExpiresAt = &h, &u
		claimed = true
		return putTracker(txn, t)
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *Store) ReleaseLease(ctx context.Context, kind states.Kind, id int64, holder string) error {
	s.writes.Lock()
	defer s.writes.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		t, err := getTracker(txn, kind, id)
		if err != nil {
			return err
		}
		if t.LeaseOwner == nil || *t.LeaseOwner != holder {
			return nil
		}
		t.LeaseOwner, t.LeaseExpiresAt = nil, nil
		return putTracker(txn, t)
	})
}
