package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/atlas-voice/atlas/pkg/types"
)

// Key layout:
//
//	u/<run>/<utterance>  → JSON UsageRecord (append-only)
//	counters             → JSON Counters (replaced on every commit)
//	reset/<unixnano>     → JSON period transition
//
// Usage keys are scoped by a per-process run marker because utterance IDs
// restart at 1 with the process; idempotent commits are only required within
// a run. Keys sort by run then utterance, so a reverse scan yields newest
// first.
const (
	usagePrefix  = "u/"
	countersKey  = "counters"
	resetPrefix  = "reset/"
	badgerKeyFmt = usagePrefix + "%016x/%020d"
	resetKeyFmt  = resetPrefix + "%020d"
)

var _ Store = (*BadgerStore)(nil)

// BadgerStore is the default embedded [Store], keeping the ledger dependency-
// free of external services.
type BadgerStore struct {
	db  *badger.DB
	run uint64
}

// NewBadgerStore opens (or creates) the database directory at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db, run: uint64(time.Now().UnixNano())}, nil
}

// Commit implements Store.
func (s *BadgerStore) Commit(_ context.Context, rec types.UsageRecord, c Counters) (bool, error) {
	key := []byte(fmt.Sprintf(badgerKeyFmt, s.run, rec.UtteranceID))

	inserted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		switch _, err := txn.Get(key); {
		case err == nil:
			return nil // already recorded
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		recJSON, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		ctrJSON, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := txn.Set(key, recJSON); err != nil {
			return err
		}
		if err := txn.Set([]byte(countersKey), ctrJSON); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ledger: badger commit: %w", err)
	}
	return inserted, nil
}

// Counters implements Store.
func (s *BadgerStore) Counters(context.Context) (Counters, bool, error) {
	var c Counters
	ok := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(countersKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			ok = true
			return nil
		})
	})
	if err != nil {
		return Counters{}, false, fmt.Errorf("ledger: badger counters: %w", err)
	}
	return c, ok, nil
}

// Recent implements Store.
func (s *BadgerStore) Recent(_ context.Context, n int) ([]types.UsageRecord, error) {
	var out []types.UsageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(usagePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode the seek position must be past the last prefixed key.
		seek := append([]byte(usagePrefix), 0xff)
		for it.Seek(seek); it.Valid() && len(out) < n; it.Next() {
			var rec types.UsageRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: badger recent: %w", err)
	}
	return out, nil
}

// LogPeriodReset implements Store.
func (s *BadgerStore) LogPeriodReset(_ context.Context, fromKey, toKey string, at time.Time) error {
	entry, err := json.Marshal(map[string]string{
		"from": fromKey,
		"to":   toKey,
		"at":   at.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf(resetKeyFmt, uint64(at.UnixNano())))
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, entry)
	})
	if err != nil {
		return fmt.Errorf("ledger: badger reset log: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
