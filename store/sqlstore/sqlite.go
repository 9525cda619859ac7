package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/limitrate/limitrate/store"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS limitrate_rate_counters (
	key            TEXT NOT NULL,
	window_seconds INTEGER NOT NULL,
	window_index   INTEGER NOT NULL,
	count          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (key, window_seconds, window_index)
);
CREATE TABLE IF NOT EXISTS limitrate_cost_counters (
	key            TEXT NOT NULL,
	window_seconds INTEGER NOT NULL,
	window_index   INTEGER NOT NULL,
	amount         REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (key, window_seconds, window_index)
);
`

// SQLiteStore is a limitrate Store backed by a pure-Go SQLite database,
// suitable for single-instance deployments that want durability across
// restarts without running a separate database server.
type SQLiteStore struct {
	db   *sql.DB
	stop chan struct{}
}

// NewSQLiteStore wraps db, ensures the counter tables exist, and starts a
// background sweep of expired windows.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, stop: make(chan struct{})}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate sqlite schema: %w", err)
	}
	go s.reapLoop()
	return s, nil
}

// Close stops the background reaper. It does not close db; the caller owns
// that connection pool.
func (s *SQLiteStore) Close() error {
	close(s.stop)
	return nil
}

func (s *SQLiteStore) reapLoop() {
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
func (s *SQLiteStore) reapExpired(ctx context.Context) error {
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM limitrate_rate_counters WHERE (window_index + 1) * window_seconds < ?`, now); err != nil {
		return fmt.Errorf("sqlstore: reap rate counters: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM limitrate_cost_counters WHERE (window_index + 1) * window_seconds < ?`, now); err != nil {
		return fmt.Errorf("sqlstore: reap cost counters: %w", err)
	}
	return nil
}

var _ store.Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) PeekRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM limitrate_rate_counters WHERE key = ? AND window_seconds = ? AND window_index = ?`,
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

func (s *SQLiteStore) CommitRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO limitrate_rate_counters (key, window_seconds, window_index, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (key, window_seconds, window_index)
		DO UPDATE SET count = count + 1
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

func (s *SQLiteStore) PeekCost(ctx context.Context, key string, windowSeconds int) (store.CostResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	var amount float64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM limitrate_cost_counters WHERE key = ? AND window_seconds = ? AND window_index = ?`,
		key, windowSeconds, idx).Scan(&amount)
	if err != nil && err != sql.ErrNoRows {
		return store.CostResult{}, &store.ErrUnavailable{Op: "PeekCost", Reason: err.Error()}
	}
	return store.CostResult{Current: amount, ResetInSeconds: store.ResetInSeconds(now, windowSeconds)}, nil
}

func (s *SQLiteStore) CommitCost(ctx context.Context, key string, amount float64, windowSeconds int, cap float64) (store.CostResult, error) {
	now := time.Now()
	idx := store.WindowIndex(now, windowSeconds)
	var total float64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO limitrate_cost_counters (key, window_seconds, window_index, amount)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key, window_seconds, window_index)
		DO UPDATE SET amount = amount + excluded.amount
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

func (s *SQLiteStore) Reset(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limitrate_rate_counters WHERE key = ?`, key); err != nil {
		return &store.ErrUnavailable{Op: "Reset", Reason: err.Error()}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limitrate_cost_counters WHERE key = ?`, key); err != nil {
		return &store.ErrUnavailable{Op: "Reset", Reason: err.Error()}
	}
	return nil
}
