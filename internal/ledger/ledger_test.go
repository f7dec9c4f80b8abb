package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/pkg/types"
)

func testBudget() config.BudgetConfig {
	return config.BudgetConfig{
		MonthlyCapUSD: 10,
		DailyCapUSD:   2,
		SoftFraction:  0.8,
		HardFraction:  1.0,
		Timezone:      "UTC",
		PeriodReset:   "monthly",
	}
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func usage(id uint64, costUSD float64, wall time.Time) types.UsageRecord {
	return types.UsageRecord{
		UtteranceID:   id,
		Tier:          types.TierFast,
		InputTokens:   40,
		OutputTokens:  80,
		CostUSD:       costUSD,
		Category:      types.CategoryAdvice,
		CommittedWall: wall,
	}
}

func newTestLedger(t *testing.T, store Store, cfg config.BudgetConfig, now time.Time) *Ledger {
	t.Helper()
	l, err := New(context.Background(), store, cfg, types.NewClock(), WithNowFunc(fixedNow(now)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestLedger_RecordIsIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := newTestLedger(t, store, testBudget(), now)

	rec := usage(1, 0.50, now)
	for i := 0; i < 3; i++ {
		if err := l.Record(context.Background(), rec); err != nil {
			t.Fatalf("Record attempt %d: %v", i, err)
		}
	}

	st := l.BudgetState()
	if st.MonthlySpendUSD != 0.50 {
		t.Errorf("monthly spend = %.2f, want 0.50", st.MonthlySpendUSD)
	}
	if st.DailySpendUSD != 0.50 {
		t.Errorf("daily spend = %.2f, want 0.50", st.DailySpendUSD)
	}
	if got := len(store.Records()); got != 1 {
		t.Errorf("store holds %d records, want 1", got)
	}
}

func TestLedger_ModeTransitionsAtExactBoundaries(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cfg := testBudget()
	cfg.DailyCapUSD = 0 // isolate the monthly cap
	l := newTestLedger(t, NewMemoryStore(), cfg, now)
	ctx := context.Background()

	// Just below the soft threshold of 8.00.
	if err := l.Record(ctx, usage(1, 7.99, now)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetNormal {
		t.Fatalf("mode below soft threshold = %v, want NORMAL", got)
	}

	// One cent more lands exactly on 80% of the cap.
	if err := l.Record(ctx, usage(2, 0.01, now)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetThrifty {
		t.Fatalf("mode at soft threshold = %v, want THRIFTY", got)
	}

	// Exactly at the cap.
	if err := l.Record(ctx, usage(3, 2.00, now)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetLocalOnly {
		t.Fatalf("mode at hard threshold = %v, want LOCAL_ONLY", got)
	}
}

func TestLedger_DailyCapTriggersMode(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, NewMemoryStore(), testBudget(), now)

	// 1.60 is 80% of the 2.00 daily cap but far below the monthly cap.
	if err := l.Record(context.Background(), usage(1, 1.60, now)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetThrifty {
		t.Errorf("mode = %v, want THRIFTY from daily cap", got)
	}
}

func TestLedger_DegradedModeKeepsTracking(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := newTestLedger(t, store, testBudget(), now)
	ctx := context.Background()

	store.FailWrites = true
	if err := l.Record(ctx, usage(1, 0.30, now)); err != nil {
		t.Fatalf("Record during outage: %v", err)
	}

	st := l.BudgetState()
	if !st.Degraded {
		t.Error("Degraded = false during store outage")
	}
	if st.MonthlySpendUSD != 0.30 {
		t.Errorf("monthly spend = %.2f, want 0.30 tracked in memory", st.MonthlySpendUSD)
	}
	if got := len(store.Records()); got != 0 {
		t.Fatalf("store holds %d records during outage, want 0", got)
	}

	// Backend recovery: the next commit flushes the backlog.
	store.FailWrites = false
	if err := l.Record(ctx, usage(2, 0.10, now)); err != nil {
		t.Fatalf("Record after recovery: %v", err)
	}

	st = l.BudgetState()
	if st.Degraded {
		t.Error("Degraded = true after recovery")
	}
	if st.MonthlySpendUSD != 0.40 {
		t.Errorf("monthly spend = %.2f, want 0.40", st.MonthlySpendUSD)
	}
	if got := len(store.Records()); got != 2 {
		t.Errorf("store holds %d records after flush, want 2", got)
	}
}

func TestLedger_MonthRolloverResetsCountersAndMode(t *testing.T) {
	t.Parallel()

	aug := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	sep := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := newTestLedger(t, store, testBudget(), aug)
	ctx := context.Background()

	cfg := testBudget()
	if err := l.Record(ctx, usage(1, cfg.MonthlyCapUSD, aug)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetLocalOnly {
		t.Fatalf("mode before rollover = %v, want LOCAL_ONLY", got)
	}

	if err := l.Record(ctx, usage(2, 0.05, sep)); err != nil {
		t.Fatal(err)
	}

	st := l.BudgetState()
	if st.MonthlySpendUSD != 0.05 {
		t.Errorf("monthly spend after rollover = %.2f, want 0.05", st.MonthlySpendUSD)
	}
	if st.Mode != types.BudgetNormal {
		t.Errorf("mode after rollover = %v, want NORMAL", st.Mode)
	}
	resets := store.Resets()
	if len(resets) != 1 || resets[0] != "2026-08->2026-09" {
		t.Errorf("logged resets = %v, want [2026-08->2026-09]", resets)
	}
}

func TestLedger_DailyRolloverKeepsMonthlySpend(t *testing.T) {
	t.Parallel()

	day1 := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 25, 1, 0, 0, 0, time.UTC)
	l := newTestLedger(t, NewMemoryStore(), testBudget(), day1)
	ctx := context.Background()

	// Saturate the daily cap, then cross midnight.
	if err := l.Record(ctx, usage(1, 2.00, day1)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetLocalOnly {
		t.Fatalf("mode at daily cap = %v, want LOCAL_ONLY", got)
	}

	if err := l.Record(ctx, usage(2, 0.10, day2)); err != nil {
		t.Fatal(err)
	}

	st := l.BudgetState()
	if st.DailySpendUSD != 0.10 {
		t.Errorf("daily spend after midnight = %.2f, want 0.10", st.DailySpendUSD)
	}
	if st.MonthlySpendUSD != 2.10 {
		t.Errorf("monthly spend = %.2f, want 2.10 carried across days", st.MonthlySpendUSD)
	}
	// With a monthly billing period the mode stays put at midnight; it only
	// relaxes because the daily counter no longer pins it.
	if st.Mode != types.BudgetNormal {
		t.Errorf("mode after midnight = %v, want NORMAL", st.Mode)
	}
}

func TestLedger_ModeIsMonotoneWithinPeriod(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cfg := testBudget()
	cfg.DailyCapUSD = 0
	store := NewMemoryStore()
	l := newTestLedger(t, store, cfg, now)
	ctx := context.Background()

	if err := l.Record(ctx, usage(1, 8.00, now)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetThrifty {
		t.Fatalf("mode = %v, want THRIFTY", got)
	}

	// Zero-cost records never relax the mode.
	if err := l.Record(ctx, usage(2, 0, now)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetThrifty {
		t.Errorf("mode after free record = %v, want THRIFTY retained", got)
	}
}

func TestLedger_AdoptsPersistedCounters(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	first := newTestLedger(t, store, testBudget(), now)
	if err := first.Record(context.Background(), usage(1, 9.00, now)); err != nil {
		t.Fatal(err)
	}

	// A fresh ledger over the same store resumes mid-period.
	second := newTestLedger(t, store, testBudget(), now.Add(time.Hour))
	st := second.BudgetState()
	if st.MonthlySpendUSD != 9.00 {
		t.Errorf("restarted monthly spend = %.2f, want 9.00", st.MonthlySpendUSD)
	}
	if st.Mode != types.BudgetThrifty {
		t.Errorf("restarted mode = %v, want THRIFTY recomputed from counters", st.Mode)
	}
}

func TestLedger_RecentMergesBacklog(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	l := newTestLedger(t, store, testBudget(), now)
	ctx := context.Background()

	if err := l.Record(ctx, usage(1, 0.10, now)); err != nil {
		t.Fatal(err)
	}
	store.FailWrites = true
	if err := l.Record(ctx, usage(2, 0.10, now)); err != nil {
		t.Fatal(err)
	}
	store.FailWrites = false

	got, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d records, want 2", len(got))
	}
	if got[0].UtteranceID != 2 || got[1].UtteranceID != 1 {
		t.Errorf("Recent order = [%d %d], want [2 1]", got[0].UtteranceID, got[1].UtteranceID)
	}
}

func TestLedger_SetCapsRecomputesMode(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cfg := testBudget()
	cfg.DailyCapUSD = 0
	l := newTestLedger(t, NewMemoryStore(), cfg, now)

	if err := l.Record(context.Background(), usage(1, 8.00, now)); err != nil {
		t.Fatal(err)
	}
	if got := l.BudgetState().Mode; got != types.BudgetThrifty {
		t.Fatalf("mode = %v, want THRIFTY at 80%% of cap", got)
	}

	// Raising the cap relaxes the mode immediately.
	raised := cfg
	raised.MonthlyCapUSD = 100
	l.SetCaps(raised)
	if got := l.BudgetState().Mode; got != types.BudgetNormal {
		t.Errorf("mode after raising cap = %v, want NORMAL", got)
	}

	// Lowering it below current spend pins LOCAL_ONLY.
	lowered := cfg
	lowered.MonthlyCapUSD = 5
	l.SetCaps(lowered)
	if got := l.BudgetState().Mode; got != types.BudgetLocalOnly {
		t.Errorf("mode after lowering cap = %v, want LOCAL_ONLY", got)
	}
}

func TestLedger_RejectsNegativeCost(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, NewMemoryStore(), testBudget(), now)

	if err := l.Record(context.Background(), usage(1, -0.01, now)); err == nil {
		t.Error("negative cost accepted")
	}
}
