package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

// AnomalyQuery filters the anomaly history. Zero fields match everything.
type AnomalyQuery struct {
	Service  string
	Metric   string
	Severity anomaly.Severity
	From     time.Time
	To       time.Time
	Limit    int
}

type anomalyRow struct {
	ID         string  `db:"id"`
	Service    string  `db:"service"`
	Metric     string  `db:"metric"`
	Value      float64 `db:"value"`
	Severity   string  `db:"severity"`
	Score      float64 `db:"score"`
	ZScore     float64 `db:"z_score"`
	DetectedAt int64   `db:"detected_at"`
}

// AppendAnomalies stores detected records in one transaction.
func (s *Store) AppendAnomalies(ctx context.Context, records []anomaly.AnomalyRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	q := tx.Rebind(`
		INSERT INTO anomaly_events(id, service, metric, value, severity, score, z_score, detected_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, q, uuid.NewString(), r.Service, r.Metric, r.Value,
			string(r.Severity), r.Score, r.ZScore, r.Timestamp.UnixNano()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append anomaly %s/%s: %w", r.Service, r.Metric, err)
		}
	}
	return tx.Commit()
}

// QueryAnomalies returns matching records, newest first.
func (s *Store) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]anomaly.AnomalyRecord, error) {
	query := `SELECT id, service, metric, value, severity, score, z_score, detected_at FROM anomaly_events WHERE 1=1`
	args := []any{}

	if q.Service != "" {
		query += ` AND service = ?`
		args = append(args, q.Service)
	}
	if q.Metric != "" {
		query += ` AND metric = ?`
		args = append(args, q.Metric)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(q.Severity))
	}
	if !q.From.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, q.To.UnixNano())
	}
	query += ` ORDER BY detected_at DESC, service ASC, metric ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	var rows []anomalyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	out := make([]anomaly.AnomalyRecord, len(rows))
	for i, r := range rows {
		out[i] = anomaly.AnomalyRecord{
			Timestamp: time.Unix(0, r.DetectedAt).UTC(),
			Service:   r.Service,
			Metric:    r.Metric,
			Value:     r.Value,
			Severity:  anomaly.Severity(r.Severity),
			Score:     r.Score,
			ZScore:    r.ZScore,
		}
	}
	return out, nil
}

// AnomalySummary counts stored anomalies per severity.
func (s *Store) AnomalySummary(ctx context.Context) (map[anomaly.Severity]int, error) {
	var rows []struct {
		Severity string `db:"severity"`
		Count    int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT severity, COUNT(*) AS n FROM anomaly_events GROUP BY severity`); err != nil {
		return nil, fmt.Errorf("anomaly summary: %w", err)
	}
	out := make(map[anomaly.Severity]int, len(rows))
	for _, r := range rows {
		out[anomaly.Severity(r.Severity)] = r.Count
	}
	return out, nil
}
