// Package sqlstore implements the limitrate Store interface on top of
// database/sql, with Postgres and SQLite backends sharing the same
// two-table schema: counters are keyed by (logical key, window length,
// window index) so that minute/hour/day windows for the same key coexist,
// and the window's own row is the unit of atomicity — commit is a single
// upsert statement, not an application-level lock.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/limitrate/limitrate/store"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS limitrate_rate_counters (
	key            TEXT NOT NULL,
	window_seconds INTEGER NOT NULL,
	window_index   BIGINT NOT NULL,
	count          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (key, window_seconds, window_index)
);
CREATE TABLE IF NOT EXISTS limitrate_cost_counters (
	key            TEXT NOT NULL,
	window_seconds INTEGER NOT NULL,
	window_index   BIGINT NOT NULL,
	amount         DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (key, window_seconds, window_index)
);
`

// reapInterval is how often a durable store sweeps rows whose window has
// fully elapsed. Counters are not read once their window is over, so these
// rows are pure accumulation; left alone they grow the table forever.
const reapInterval = 10 * time.Minute

// PostgresStore is a limitrate Store backed by a Postgres database.
type PostgresStore struct {
	db   *sql.DB
	stop chan struct{}
}

// NewPostgresStore wraps db, ensures the counter tables exist, and starts a
// background sweep of expired windows.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, stop: make(chan struct{})}
	if _, err := db.ExecContext(context.Background(), postgresSchema); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate postgres schema: %w", err)
	}
	go s.reapLoop()
	return s, nil
}

// Close stops the background reaper. It does not close db; the caller owns
// that connection pool.
func (s *PostgresStore) Close() error {
	close(s.stop)
	return nil
}

func (s *PostgresStore) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.reapExpired(context.Background())
		case <-s.stop:
			return
		}
	}
}

// reapExpired deletes rows whose window has fully elapsed: a row is stale
// once (window_index+1)*window_seconds, the window's end time, is in the
// past relative to now.
func (s *PostgresStore) reapExpired(ctx context.Context) error {
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM limitrate_rate_counters WHERE (window_index + 1) * window_seconds < $1`, now); err != nil {
		return fmt.Errorf("sqlstore: reap rate counters: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM limitrate_cost_counters WHERE (window_index + 1) * window_seconds < $1`, now); err != nil {
		return fmt.Errorf("sqlstore: reap cost counters: %w", err)
	}
	return nil
}

var _ store.Store = (*PostgresStore)(nil)

func (s *PostgresStore) PeekRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM limitrate_rate_counters WHERE key = $1 AND window_seconds = $2 AND window_index = $3`,
		key, windowSeconds, idx).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return store.RateResult{}, &store.ErrUnavailable{Op: "PeekRate", Reason: err.Error()}
	}
	return store.RateResult{
		Current:        count,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       limit > 0 && count > limit,
	}, nil
}

func (s *PostgresStore) CommitRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO limitrate_rate_counters (key, window_seconds, window_index, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (key, window_seconds, window_index)
		DO UPDATE SET count = limitrate_rate_counters.count + 1
		RETURNING count`,
		key, windowSeconds, idx).Scan(&count)
	if err != nil {
		return store.RateResult{}, &store.ErrUnavailable{Op: "CommitRate", Reason: err.Error()}
	}
	return store.RateResult{
		Current:        count,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       limit > 0 && count > limit,
	}, nil
}

func (s *PostgresStore) PeekCost(ctx context.Context, key string, windowSeconds int) (store.CostResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	var amount float64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM limitrate_cost_counters WHERE key = $1 AND window_seconds = $2 AND window_index = $3`,
		key, windowSeconds, idx).Scan(&amount)
	if err != nil && err != sql.ErrNoRows {
		return store.CostResult{}, &store.ErrUnavailable{Op: "PeekCost", Reason: err.Error()}
	}
	return store.CostResult{Current: amount, ResetInSeconds: store.ResetInSeconds(now, windowSeconds)}, nil
}

func (s *PostgresStore) CommitCost(ctx context.Context, key string, amount float64, windowSeconds int, cap float64) (store.CostResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	var total float64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO limitrate_cost_counters (key, window_seconds, window_index, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key, window_seconds, window_index)
		DO UPDATE SET amount = limitrate_cost_counters.amount + EXCLUDED.amount
		RETURNING amount`,
		key, windowSeconds, idx, amount).Scan(&total)
	if err != nil {
		return store.CostResult{}, &store.ErrUnavailable{Op: "CommitCost", Reason: err.Error()}
	}
	return store.CostResult{
		Current:        total,
		ResetInSeconds: store.ResetInSeconds(now, windowSeconds),
		Exceeded:       cap > 0 && total > cap,
		Cap:            cap,
	}, nil
}

func (s *PostgresStore) Reset(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limitrate_rate_counters WHERE key = $1`, key); err != nil {
		return &store.ErrUnavailable{Op: "Reset", Reason: err.Error()}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limitrate_cost_counters WHERE key = $1`, key); err != nil {
		return &store.ErrUnavailable{Op: "Reset", Reason: err.Error()}
	}
	return nil
}
