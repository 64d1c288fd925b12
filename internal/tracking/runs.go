package tracking

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Run statuses.
const (
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// Run is a recorded training or detection run.
type Run struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Status    string             `json:"status"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Params    map[string]string  `json:"params,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

type runRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Status    string `db:"status"`
	StartedAt int64  `db:"started_at"`
	EndedAt   int64  `db:"ended_at"`
}

func (r runRow) toRun() Run {
	run := Run{
		ID:        r.ID,
		Name:      r.Name,
		Status:    r.Status,
		StartedAt: time.Unix(0, r.StartedAt).UTC(),
	}
	if r.EndedAt != 0 {
		run.EndedAt = time.Unix(0, r.EndedAt).UTC()
	}
	return run
}

// StartRun creates a run in the RUNNING state.
func (s *Store) StartRun(ctx context.Context, runID, name string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO runs(id, name, status, started_at) VALUES(?, ?, ?, ?)
	`), runID, name, StatusRunning, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// LogParams upserts run parameters.
func (s *Store) LogParams(ctx context.Context, runID string, params map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	q := tx.Rebind(`
		INSERT INTO run_params(run_id, key, value) VALUES(?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value
	`)
	for _, k := range sortedKeys(params) {
		if _, err := tx.ExecContext(ctx, q, runID, k, params[k]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("log param %s on run %s: %w", k, runID, err)
		}
	}
	return tx.Commit()
}

// LogMetrics upserts run metrics. A key logged twice keeps the latest value.
func (s *Store) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	q := tx.Rebind(`
		INSERT INTO run_metrics(run_id, key, value, logged_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value, logged_at = excluded.logged_at
	`)
	now := s.now().UnixNano()
	for _, k := range sortedKeys(metrics) {
		if _, err := tx.ExecContext(ctx, q, runID, k, metrics[k], now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("log metric %s on run %s: %w", k, runID, err)
		}
	}
	return tx.Commit()
}

// EndRun sets the final status of a run.
func (s *Store) EndRun(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET status = ?, ended_at = ? WHERE id = ?
	`), status, s.now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun returns a run with its parameters and metrics.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, name, status, started_at, ended_at FROM runs WHERE id = ?
	`), runID)
	if isNoRows(err) {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	run := row.toRun()

	var params []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &params, s.db.Rebind(`
		SELECT key, value FROM run_params WHERE run_id = ?
	`), runID); err != nil {
		return nil, fmt.Errorf("get params of run %s: %w", runID, err)
	}
	run.Params = make(map[string]string, len(params))
	for _, p := range params {
		run.Params[p.Key] = p.Value
	}

	var metrics []struct {
		Key   string  `db:"key"`
		Value float64 `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &metrics, s.db.Rebind(`
		SELECT key, value FROM run_metrics WHERE run_id = ?
	`), runID); err != nil {
		return nil, fmt.Errorf("get metrics of run %s: %w", runID, err)
	}
	run.Metrics = make(map[string]float64, len(metrics))
	for _, m := range metrics {
		run.Metrics[m.Key] = m.Value
	}
	return &run, nil
}

// ListRuns returns the most recent runs without params or metrics.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, name, status, started_at, ended_at FROM runs
		ORDER BY started_at DESC, id ASC LIMIT ?
	`), limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]Run, len(rows))
	for i, r := range rows {
		runs[i] = r.toRun()
	}
	return runs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
