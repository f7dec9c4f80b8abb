package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/pkg/types"
)

var errStoreDown = errors.New("ledger: store unavailable")

// Ledger owns spend accounting. Records are committed idempotently by
// utterance ID, budget state reads are O(1) from cached counters, and mode
// transitions happen synchronously inside Record so the very next BudgetState
// call reflects them.
//
// When the store fails, the ledger keeps tracking spend in memory, reports
// Degraded in the budget state (the router then behaves as at least THRIFTY),
// and retries flushing the backlog on subsequent commits.
type Ledger struct {
	store Store
	cfg   config.BudgetConfig
	loc   *time.Location
	clock *types.Clock
	now   func() time.Time

	// onReset, when set, is called after a billing period rollover.
	onReset func(fromKey, toKey string)

	mu       sync.Mutex
	counters Counters
	seen     map[uint64]bool
	degraded bool
	backlog  []pending

	// Mode is tracked per cap so each component stays monotone within its
	// own period: the monthly component resets at the configured period
	// boundary, the daily component at midnight. The effective mode is the
	// stricter of the two.
	modeMonth types.BudgetMode
	modeDay   types.BudgetMode
}

type pending struct {
	rec types.UsageRecord
	c   Counters
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPeriodResetHook registers a callback invoked after each billing period
// rollover, outside the ledger lock.
func WithPeriodResetHook(fn func(fromKey, toKey string)) Option {
	return func(l *Ledger) { l.onReset = fn }
}

// WithNowFunc overrides the wall-clock source. Tests use this to drive period
// rollovers.
func WithNowFunc(fn func() time.Time) Option {
	return func(l *Ledger) { l.now = fn }
}

// New creates a Ledger over store. Saved counters are adopted when they belong
// to the current billing period; stale counters trigger an immediate rollover.
func New(ctx context.Context, store Store, cfg config.BudgetConfig, clock *types.Clock, opts ...Option) (*Ledger, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("ledger: timezone %q: %w", cfg.Timezone, err)
	}

	l := &Ledger{
		store: store,
		cfg:   cfg,
		loc:   loc,
		clock: clock,
		now:   time.Now,
		seen:  make(map[uint64]bool),
	}
	for _, o := range opts {
		o(l)
	}

	saved, ok, err := store.Counters(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load counters: %w", err)
	}
	now := l.now().In(loc)
	if ok {
		l.counters = saved
	}
	l.rollLocked(ctx, now)
	l.advanceModeLocked()
	return l, nil
}

// Record commits one usage record. Committing the same utterance twice is a
// no-op with no effect on budget state. Mode transitions are applied before
// Record returns.
func (l *Ledger) Record(ctx context.Context, rec types.UsageRecord) error {
	if rec.CostUSD < 0 {
		return fmt.Errorf("ledger: negative cost %.4f for utterance %d", rec.CostUSD, rec.UtteranceID)
	}
	if rec.CommittedWall.IsZero() {
		rec.CommittedWall = l.now()
	}
	if rec.Committed == 0 && l.clock != nil {
		rec.Committed = l.clock.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := rec.CommittedWall.In(l.loc)
	l.rollLocked(ctx, now)

	if l.seen[rec.UtteranceID] {
		return nil
	}

	cents := int64(math.Round(rec.CostUSD * 100))
	next := l.counters
	next.MonthCents += cents
	next.DayCents += cents

	inserted, err := l.store.Commit(ctx, rec, next)
	switch {
	case err != nil:
		if !l.degraded {
			l.degraded = true
			slog.Error("ledger store failing, tracking spend in memory", "err", err)
		}
		l.backlog = append(l.backlog, pending{rec: rec, c: next})
	case !inserted:
		// The store saw this utterance in a previous process incarnation.
		l.seen[rec.UtteranceID] = true
		return nil
	default:
		l.flushBacklogLocked(ctx)
	}

	l.seen[rec.UtteranceID] = true
	l.counters = next
	l.advanceModeLocked()
	return nil
}

// BudgetState returns the current snapshot. O(1); also applies a pending
// period rollover when the wall clock has crossed the boundary.
func (l *Ledger) BudgetState() types.BudgetState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(context.Background(), l.now().In(l.loc))
	return types.BudgetState{
		MonthlySpendUSD: float64(l.counters.MonthCents) / 100,
		DailySpendUSD:   float64(l.counters.DayCents) / 100,
		Mode:            maxMode(l.modeMonth, l.modeDay),
		Degraded:        l.degraded,
	}
}

// SetCaps applies new spend caps and mode thresholds mid-period. The billing
// timezone and period boundary keep their startup values. Each cap's mode
// component is recomputed from current spend against its new cap, so raising
// a cap can relax the mode and lowering one tightens it before the next turn.
func (l *Ledger) SetCaps(cfg config.BudgetConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cfg.MonthlyCapUSD = cfg.MonthlyCapUSD
	l.cfg.DailyCapUSD = cfg.DailyCapUSD
	l.cfg.SoftFraction = cfg.SoftFraction
	l.cfg.HardFraction = cfg.HardFraction

	prev := maxMode(l.modeMonth, l.modeDay)
	l.modeMonth = capMode(l.counters.MonthCents, l.cfg.MonthlyCapUSD, l.cfg.SoftFraction, l.cfg.HardFraction)
	l.modeDay = capMode(l.counters.DayCents, l.cfg.DailyCapUSD, l.cfg.SoftFraction, l.cfg.HardFraction)
	if next := maxMode(l.modeMonth, l.modeDay); next != prev {
		slog.Info("budget mode recomputed for new caps",
			"from", prev,
			"to", next,
			"monthly_cap_usd", cfg.MonthlyCapUSD,
			"daily_cap_usd", cfg.DailyCapUSD,
		)
	}
}

// Recent returns the latest n usage records, newest first. In degraded mode
// the unflushed backlog is included.
func (l *Ledger) Recent(ctx context.Context, n int) ([]types.UsageRecord, error) {
	l.mu.Lock()
	backlog := make([]types.UsageRecord, 0, len(l.backlog))
	for i := len(l.backlog) - 1; i >= 0; i-- {
		backlog = append(backlog, l.backlog[i].rec)
	}
	l.mu.Unlock()

	if len(backlog) >= n {
		return backlog[:n], nil
	}
	stored, err := l.store.Recent(ctx, n-len(backlog))
	if err != nil {
		return backlog, nil
	}
	return append(backlog, stored...), nil
}

// Close flushes any backlog and closes the store.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	l.flushBacklogLocked(ctx)
	remaining := len(l.backlog)
	l.mu.Unlock()

	if remaining > 0 {
		slog.Warn("ledger closing with unflushed records", "count", remaining)
	}
	return l.store.Close()
}

// ─── internal ───────────────────────────────────────────────────────────────

func monthKey(t time.Time) string { return t.Format("2006-01") }
func dayKey(t time.Time) string   { return t.Format("2006-01-02") }

// rollLocked resets counters when now has crossed a period boundary. Must be
// called with l.mu held.
func (l *Ledger) rollLocked(ctx context.Context, now time.Time) {
	mk, dk := monthKey(now), dayKey(now)

	if l.counters.MonthKey == "" {
		l.counters.MonthKey = mk
		l.counters.DayKey = dk
		return
	}

	monthRolled := l.counters.MonthKey != mk
	dayRolled := l.counters.DayKey != dk
	if !monthRolled && !dayRolled {
		return
	}

	fromKey := l.counters.DayKey
	if monthRolled {
		fromKey = l.counters.MonthKey
		l.counters.MonthKey = mk
		l.counters.MonthCents = 0
	}
	l.counters.DayKey = dk
	l.counters.DayCents = 0

	// The daily component starts fresh every midnight. The monthly component
	// resets at the configured billing boundary, which a "daily" period pulls
	// in to midnight as well.
	l.modeDay = types.BudgetNormal
	if monthRolled || l.cfg.PeriodReset == "daily" {
		l.modeMonth = types.BudgetNormal
	}
	l.advanceModeLocked()

	toKey := mk
	if !monthRolled {
		toKey = dk
	}
	slog.Info("billing period rolled over", "from", fromKey, "to", toKey)
	if err := l.store.LogPeriodReset(ctx, fromKey, toKey, now); err != nil {
		slog.Warn("failed to log period reset", "err", err)
	}
	if l.onReset != nil {
		go l.onReset(fromKey, toKey)
	}
}

// advanceModeLocked applies monotone mode transitions, each component
// ratcheting only upward until its own period resets it.
func (l *Ledger) advanceModeLocked() {
	prev := maxMode(l.modeMonth, l.modeDay)
	l.modeMonth = maxMode(l.modeMonth, capMode(l.counters.MonthCents, l.cfg.MonthlyCapUSD, l.cfg.SoftFraction, l.cfg.HardFraction))
	l.modeDay = maxMode(l.modeDay, capMode(l.counters.DayCents, l.cfg.DailyCapUSD, l.cfg.SoftFraction, l.cfg.HardFraction))
	if next := maxMode(l.modeMonth, l.modeDay); next != prev {
		slog.Warn("budget mode transition",
			"from", prev,
			"to", next,
			"month_spend_usd", float64(l.counters.MonthCents)/100,
			"day_spend_usd", float64(l.counters.DayCents)/100,
		)
	}
}

// capMode compares spend against one cap. Boundary inclusive: spend exactly
// at a fraction enters the stricter mode.
func capMode(spendCents int64, capUSD, softFrac, hardFrac float64) types.BudgetMode {
	if capUSD <= 0 {
		return types.BudgetNormal
	}
	softCents := int64(math.Round(capUSD * softFrac * 100))
	hardCents := int64(math.Round(capUSD * hardFrac * 100))
	switch {
	case spendCents >= hardCents:
		return types.BudgetLocalOnly
	case spendCents >= softCents:
		return types.BudgetThrifty
	default:
		return types.BudgetNormal
	}
}

func maxMode(a, b types.BudgetMode) types.BudgetMode {
	if a > b {
		return a
	}
	return b
}

// flushBacklogLocked retries persisting records that failed earlier. Clears
// the degraded flag once the backlog is empty.
func (l *Ledger) flushBacklogLocked(ctx context.Context) {
	for len(l.backlog) > 0 {
		p := l.backlog[0]
		if _, err := l.store.Commit(ctx, p.rec, p.c); err != nil {
			return
		}
		l.backlog = l.backlog[1:]
	}
	if l.degraded {
		l.degraded = false
		slog.Info("ledger store recovered, backlog flushed")
	}
}
