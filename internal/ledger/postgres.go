package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-voice/atlas/pkg/types"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore is the shared [Store] for deployments where several devices
// bill against one budget. All operations go through a single [pgxpool.Pool].
type PostgresStore struct {
	pool *pgxpool.Pool
	run  int64
}

const ddlUsage = `
CREATE TABLE IF NOT EXISTS usage (
    id           BIGSERIAL    PRIMARY KEY,
    run_id       BIGINT       NOT NULL,
    utterance_id BIGINT       NOT NULL,
    tier         TEXT         NOT NULL,
    input_tokens BIGINT       NOT NULL DEFAULT 0,
    output_tokens BIGINT      NOT NULL DEFAULT 0,
    cost_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
    ttft_ns      BIGINT       NOT NULL DEFAULT 0,
    total_ns     BIGINT       NOT NULL DEFAULT 0,
    category     TEXT         NOT NULL DEFAULT 'unknown',
    committed_ns BIGINT       NOT NULL DEFAULT 0,
    committed_wall TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (run_id, utterance_id)
);

CREATE TABLE IF NOT EXISTS counters (
    id          INT    PRIMARY KEY DEFAULT 1,
    month_key   TEXT   NOT NULL,
    day_key     TEXT   NOT NULL,
    month_cents BIGINT NOT NULL,
    day_cents   BIGINT NOT NULL,
    CHECK (id = 1)
);

CREATE TABLE IF NOT EXISTS period_resets (
    id       BIGSERIAL   PRIMARY KEY,
    from_key TEXT        NOT NULL,
    to_key   TEXT        NOT NULL,
    at       TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to the database at dsn and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlUsage); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: postgres migrate: %w", err)
	}
	return &PostgresStore{pool: pool, run: time.Now().UnixNano()}, nil
}

// Commit implements Store.
func (s *PostgresStore) Commit(ctx context.Context, rec types.UsageRecord, c Counters) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("ledger: postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO usage (run_id, utterance_id, tier, input_tokens, output_tokens,
		                   cost_usd, ttft_ns, total_ns, category, committed_ns, committed_wall)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, utterance_id) DO NOTHING`,
		s.run, int64(rec.UtteranceID), rec.Tier.String(), rec.InputTokens, rec.OutputTokens,
		rec.CostUSD, rec.LatencyTTFT.Nanoseconds(), rec.LatencyTotal.Nanoseconds(),
		rec.Category.String(), rec.Committed.Nanoseconds(), rec.CommittedWall,
	)
	if err != nil {
		return false, fmt.Errorf("ledger: postgres insert usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO counters (id, month_key, day_key, month_cents, day_cents)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET month_key = $1, day_key = $2, month_cents = $3, day_cents = $4`,
		c.MonthKey, c.DayKey, c.MonthCents, c.DayCents,
	); err != nil {
		return false, fmt.Errorf("ledger: postgres update counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("ledger: postgres commit: %w", err)
	}
	return true, nil
}

// Counters implements Store.
func (s *PostgresStore) Counters(ctx context.Context) (Counters, bool, error) {
	var c Counters
	err := s.pool.QueryRow(ctx,
		`SELECT month_key, day_key, month_cents, day_cents FROM counters WHERE id = 1`,
	).Scan(&c.MonthKey, &c.DayKey, &c.MonthCents, &c.DayCents)
	if err == pgx.ErrNoRows {
		return Counters{}, false, nil
	}
	if err != nil {
		return Counters{}, false, fmt.Errorf("ledger: postgres counters: %w", err)
	}
	return c, true, nil
}

// Recent implements Store.
func (s *PostgresStore) Recent(ctx context.Context, n int) ([]types.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT utterance_id, tier, input_tokens, output_tokens, cost_usd,
		       ttft_ns, total_ns, category, committed_ns, committed_wall
		FROM usage ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("ledger: postgres recent: %w", err)
	}
	defer rows.Close()

	var out []types.UsageRecord
	for rows.Next() {
		var (
			rec            types.UsageRecord
			utteranceID    int64
			tier, category string
			ttftNS         int64
			totalNS        int64
			committedNS    int64
		)
		if err := rows.Scan(&utteranceID, &tier, &rec.InputTokens, &rec.OutputTokens,
			&rec.CostUSD, &ttftNS, &totalNS, &category, &committedNS, &rec.CommittedWall,
		); err != nil {
			return nil, fmt.Errorf("ledger: postgres scan: %w", err)
		}
		rec.UtteranceID = uint64(utteranceID)
		rec.Tier, _ = types.ParseTier(tier)
		rec.Category, _ = types.ParseCategory(category)
		rec.LatencyTTFT = time.Duration(ttftNS)
		rec.LatencyTotal = time.Duration(totalNS)
		rec.Committed = time.Duration(committedNS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LogPeriodReset implements Store.
func (s *PostgresStore) LogPeriodReset(ctx context.Context, fromKey, toKey string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO period_resets (from_key, to_key, at) VALUES ($1, $2, $3)`,
		fromKey, toKey, at)
	if err != nil {
		return fmt.Errorf("ledger: postgres reset log: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
