// Package history records the per-channel totals of finished runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// Run is one recorded run.
type Run struct {
	ID      string
	Start   time.Time
	End     time.Time
	Units   flow.Units
	Cycles  int
	Amounts [flow.NumChannels]decimal.Decimal
}

// Store is a SQLite-backed run history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; the sampler hook and HTTP readers share the handle.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			units TEXT NOT NULL,
			cycles INTEGER NOT NULL,
			recorded_ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_end ON runs(end_ts);`,
		`CREATE TABLE IF NOT EXISTS run_channels (
			run_id TEXT NOT NULL REFERENCES runs(id),
			channel INTEGER NOT NULL,
			amount TEXT NOT NULL,
			PRIMARY KEY (run_id, channel)
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run and returns its ID. Amounts are stored as
// decimal text rounded to the 2 dp shown to operators.
func (s *Store) Record(ctx context.Context, run flow.RunSummary) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(id, start_ts, end_ts, units, cycles, recorded_ts) VALUES(?, ?, ?, ?, ?, ?);`,
		id, run.Start.UnixMilli(), run.End.UnixMilli(), string(run.Units), run.Cycles, s.now().Unix())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	for ch, v := range run.Amounts {
		amount := decimal.NewFromFloat(v).Round(2).String()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_channels(run_id, channel, amount) VALUES(?, ?, ?);`,
			id, ch, amount); err != nil {
			return "", fmt.Errorf("insert channel %d: %w", ch, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_ts, end_ts, units, cycles FROM runs ORDER BY end_ts DESC, recorded_ts DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var runs []Run
	for rows.Next() {
		var (
			r          Run
			start, end int64
			units      string
		)
		if err := rows.Scan(&r.ID, &start, &end, &units, &r.Cycles); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Start = time.UnixMilli(start).UTC()
		r.End = time.UnixMilli(end).UTC()
		r.Units = flow.Units(units)
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if err := s.loadAmounts(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) loadAmounts(ctx context.Context, r *Run) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, amount FROM run_channels WHERE run_id = ? ORDER BY channel;`, r.ID)
	if err != nil {
		return fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ch     int
			amount string
		)
		if err := rows.Scan(&ch, &amount); err != nil {
			return fmt.Errorf("scan channel: %w", err)
		}
		if flow.CheckChannel(ch) != nil {
			continue
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("run %s channel %d amount %q: %w", r.ID, ch, amount, err)
		}
		r.Amounts[ch] = d
	}
	return rows.Err()
}
