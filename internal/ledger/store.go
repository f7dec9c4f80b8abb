// Package ledger persists per-call usage, derives the budget state, and
// enforces spend caps. The [Ledger] is the single writer; storage backends
// implement [Store] (embedded Badger by default, shared Postgres optionally).
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-voice/atlas/pkg/types"
)

// Counters is the persisted rolling-spend state. Spend is held in integer
// cents so boundary comparisons are exact.
type Counters struct {
	// MonthKey identifies the billing month, e.g. "2026-08".
	MonthKey string `json:"month_key"`

	// DayKey identifies the billing day, e.g. "2026-08-24".
	DayKey string `json:"day_key"`

	// MonthCents is the spend accumulated under MonthKey.
	MonthCents int64 `json:"month_cents"`

	// DayCents is the spend accumulated under DayKey.
	DayCents int64 `json:"day_cents"`
}

// Store is the persistence backend for usage records and counters.
// Implementations must be safe for concurrent use and must write the record
// and the counters atomically.
type Store interface {
	// Commit appends rec and replaces the saved counters in one transaction.
	// When a record for rec.UtteranceID already exists, nothing is written
	// and inserted is false.
	Commit(ctx context.Context, rec types.UsageRecord, c Counters) (inserted bool, err error)

	// Counters returns the last saved counters. ok is false when the store
	// is empty.
	Counters(ctx context.Context) (c Counters, ok bool, err error)

	// Recent returns up to n usage records, newest first.
	Recent(ctx context.Context, n int) ([]types.UsageRecord, error)

	// LogPeriodReset appends a period transition to the reset log.
	LogPeriodReset(ctx context.Context, fromKey, toKey string, at time.Time) error

	// Close releases backend resources.
	Close() error
}

// MemoryStore is an in-memory [Store] used in tests. The zero value is not
// usable; construct with [NewMemoryStore].
type MemoryStore struct {
	mu       sync.Mutex
	records  []types.UsageRecord
	seen     map[uint64]bool
	counters Counters
	haveCtrs bool
	resets   []string

	// FailWrites makes Commit fail, simulating a broken backend.
	FailWrites bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[uint64]bool)}
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, rec types.UsageRecord, c Counters) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return false, errStoreDown
	}
	if s.seen[rec.UtteranceID] {
		return false, nil
	}
	s.seen[rec.UtteranceID] = true
	s.records = append(s.records, rec)
	s.counters = c
	s.haveCtrs = true
	return true, nil
}

// Counters implements Store.
func (s *MemoryStore) Counters(context.Context) (Counters, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters, s.haveCtrs, nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(_ context.Context, n int) ([]types.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.records) {
		n = len(s.records)
	}
	out := make([]types.UsageRecord, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

// LogPeriodReset implements Store.
func (s *MemoryStore) LogPeriodReset(_ context.Context, fromKey, toKey string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, fromKey+"->"+toKey)
	return nil
}

// Resets returns the logged period transitions.
func (s *MemoryStore) Resets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.resets))
	copy(out, s.resets)
	return out
}

// Records returns a copy of all committed records in commit order.
func (s *MemoryStore) Records() []types.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
