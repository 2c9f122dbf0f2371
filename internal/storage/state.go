package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Watermark names.
const (
	WatermarkScoring = "scoring"
	WatermarkAlerts  = "alerts"
)

// Watermark returns the last change sequence consumed by a job; 0 if unset.
func (s *Storage) Watermark(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pipeline_state WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark %s: %w", name, err)
	}
	return v, nil
}

// AdvanceWatermark moves a watermark forward. It never moves backwards.
func (s *Storage) AdvanceWatermark(ctx context.Context, name string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_state (name, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			value = MAX(value, excluded.value), updated_at = excluded.updated_at`,
		name, seq, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to advance watermark %s: %w", name, err)
	}
	return nil
}

// ChangedTenders returns up to limit tenders with a change of one of the
// given kinds after seq, in order of their latest such change, together with
// the highest sequence number covered. Advancing the watermark to that
// sequence after the batch is processed never skips a change: a tender with
// a later change is returned again by the next call.
func (s *Storage) ChangedTenders(ctx context.Context, after int64, limit int, kinds ...ChangeKind) ([]string, int64, error) {
	if len(kinds) == 0 {
		return nil, after, errors.New("at least one change kind is required")
	}
	args := []any{after}
	in := "?"
	args = append(args, string(kinds[0]))
	for _, k := range kinds[1:] {
		in += ",?"
		args = append(args, string(k))
	}
	args = append(args, noLimit(limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT tender_id, MAX(seq) AS last
		FROM tender_changes
		WHERE seq > ? AND kind IN (`+in+`)
		GROUP BY tender_id
		ORDER BY last
		LIMIT ?`, args...)
	if err != nil {
		return nil, after, fmt.Errorf("failed to query changed tenders: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	high := after
	for rows.Next() {
		var id string
		var last int64
		if err := rows.Scan(&id, &last); err != nil {
			return nil, after, fmt.Errorf("failed to scan change: %w", err)
		}
		ids = append(ids, id)
		if last > high {
			high = last
		}
	}
	return ids, high, rows.Err()
}
