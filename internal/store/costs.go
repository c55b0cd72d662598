package store

import (
	"context"
	"fmt"
	"time"
)

// CostRow is one persisted cost ledger entry. Rows are append-only:
// (run_id, seq) is unique and re-inserting an existing row is a no-op.
type CostRow struct {
	RunID            string
	Seq              int
	Stage            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostMicros       int64
	RecordedAt       time.Time
}

// DayTotal is the aggregated cost for one calendar day (UTC).
type DayTotal struct {
	Date       string // YYYY-MM-DD
	Records    int
	CostMicros int64
}

// RunTotal is the aggregated cost for one run.
type RunTotal struct {
	RunID      string
	Records    int
	CostMicros int64
	FirstAt    time.Time
}

func (s *Store) initCosts() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cost_records (
			run_id            TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			stage             TEXT NOT NULL,
			model             TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_micros       INTEGER NOT NULL DEFAULT 0,
			recorded_at       INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cost_records_recorded_at ON cost_records (recorded_at)`)
	return err
}

// InsertCostRecords appends rows in a single transaction.
func (s *Store) InsertCostRecords(ctx context.Context, rows []CostRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cost tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO cost_records
			(run_id, seq, stage, model, prompt_tokens, completion_tokens, cost_micros, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare cost insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.RunID, r.Seq, r.Stage, r.Model,
			r.PromptTokens, r.CompletionTokens, r.CostMicros, r.RecordedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert cost record %s/%d: %w", r.RunID, r.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cost tx: %w", err)
	}
	return nil
}

// RunCosts returns all rows for a run ordered by sequence.
func (s *Store) RunCosts(ctx context.Context, runID string) ([]CostRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, stage, model, prompt_tokens, completion_tokens, cost_micros, recorded_at
		FROM cost_records WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostRow
	for rows.Next() {
		var r CostRow
		var recorded int64
		if err := rows.Scan(&r.RunID, &r.Seq, &r.Stage, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.CostMicros, &recorded); err != nil {
			return nil, err
		}
		r.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CostSince returns the summed cost of every row recorded at or after since.
func (s *Store) CostSince(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_micros), 0) FROM cost_records WHERE recorded_at >= ?`,
		since.UnixNano(),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// DailyTotals aggregates cost per UTC day for rows recorded at or after since,
// most recent day first.
func (s *Store) DailyTotals(ctx context.Context, since time.Time) ([]DayTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(recorded_at / 1000000000, 'unixepoch') AS day,
		       COUNT(*), COALESCE(SUM(cost_micros), 0)
		FROM cost_records
		WHERE recorded_at >= ?
		GROUP BY day
		ORDER BY day DESC`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayTotal
	for rows.Next() {
		var d DayTotal
		if err := rows.Scan(&d.Date, &d.Records, &d.CostMicros); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentRuns returns per-run totals for the most recent runs.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunTotal, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*), COALESCE(SUM(cost_micros), 0), MIN(recorded_at) AS first_at
		FROM cost_records
		GROUP BY run_id
		ORDER BY first_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunTotal
	for rows.Next() {
		var r RunTotal
		var first int64
		if err := rows.Scan(&r.RunID, &r.Records, &r.CostMicros, &first); err != nil {
			return nil, err
		}
		r.FirstAt = time.Unix(0, first).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
