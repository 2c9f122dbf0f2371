package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

const flagCols = `id, tender_id, flag_type, severity, confidence, evidence,
	detector_rev, detected_at, false_positive, superseded`

// SaveFlags reconciles the stored flag set of a tender with a fresh detector
// run. Flags are keyed by fingerprint: a flag seen again keeps its original
// row (and any false-positive mark), new flags are inserted, and flags absent
// from the run are marked superseded. It reports whether the active set changed.
func (s *Storage) SaveFlags(ctx context.Context, tenderID string, flags []models.Flag) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var changed int64
	seen := make([]any, 0, len(flags)+1)
	seen = append(seen, tenderID)
	for i := range flags {
		f := &flags[i]
		if f.TenderID != tenderID {
			return false, fmt.Errorf("flag %s belongs to tender %s, not %s", f.ID, f.TenderID, tenderID)
		}
		evidence, err := json.Marshal(f.Evidence)
		if err != nil {
			return false, fmt.Errorf("failed to marshal evidence: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO flags (`+flagCols+`, fingerprint)
			VALUES (?,?,?,?,?,?,?,?,0,0,?)
			ON CONFLICT(id) DO UPDATE SET superseded = 0 WHERE superseded = 1`,
			f.ID, f.TenderID, string(f.Type), string(f.Severity), f.Confidence, string(evidence),
			f.DetectorRev, toNanos(f.DetectedAt), f.Fingerprint(),
		)
		if err != nil {
			return false, fmt.Errorf("failed to save flag: %w", err)
		}
		n, _ := res.RowsAffected()
		changed += n
		seen = append(seen, f.ID)
	}

	query := `UPDATE flags SET superseded = 1 WHERE tender_id = ? AND superseded = 0`
	if len(flags) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(",?", len(flags)-1) + `)`
	}
	res, err := tx.ExecContext(ctx, query, seen...)
	if err != nil {
		return false, fmt.Errorf("failed to supersede flags: %w", err)
	}
	n, _ := res.RowsAffected()
	changed += n

	if changed > 0 {
		if err := logChange(ctx, tx, tenderID, ChangeFlags, time.Now()); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit flags: %w", err)
	}
	return changed > 0, nil
}

// ListFlags returns the flags of a tender. Superseded flags are included only
// when asked for; false positives are always returned with their mark set.
func (s *Storage) ListFlags(ctx context.Context, tenderID string, includeSuperseded bool) ([]models.Flag, error) {
	query := `SELECT ` + flagCols + ` FROM flags WHERE tender_id = ?`
	if !includeSuperseded {
		query += ` AND superseded = 0`
	}
	query += ` ORDER BY flag_type, id`
	rows, err := s.db.QueryContext(ctx, query, tenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	flags := []models.Flag{}
	for rows.Next() {
		f, err := scanFlag(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		flags = append(flags, *f)
	}
	return flags, rows.Err()
}

func (s *Storage) GetFlag(ctx context.Context, id string) (*models.Flag, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flagCols+` FROM flags WHERE id = ?`, id)
	f, err := scanFlag(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag: %w", err)
	}
	return f, nil
}

// MarkFlagFalsePositive excludes a flag from scoring and queues its tender
// for re-scoring.
func (s *Storage) MarkFlagFalsePositive(ctx context.Context, flagID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := markFalsePositive(ctx, tx, flagID); err != nil {
		return err
	}
	return tx.Commit()
}

func markFalsePositive(ctx context.Context, tx *sql.Tx, flagID string) error {
	var tenderID string
	err := tx.QueryRowContext(ctx, `SELECT tender_id FROM flags WHERE id = ?`, flagID).Scan(&tenderID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("flag %s: %w", flagID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up flag: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE flags SET false_positive = 1 WHERE id = ?`, flagID); err != nil {
		return fmt.Errorf("failed to mark flag: %w", err)
	}
	return logChange(ctx, tx, tenderID, ChangeReview, time.Now())
}

func scanFlag(scan func(...any) error) (*models.Flag, error) {
	var f models.Flag
	var typ, severity, evidence string
	var detectedAt int64
	var falsePositive, superseded int
	err := scan(
		&f.ID, &f.TenderID, &typ, &severity, &f.Confidence, &evidence,
		&f.DetectorRev, &detectedAt, &falsePositive, &superseded,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
	}
	f.Type = models.FlagType(typ)
	f.Severity = models.Severity(severity)
	f.DetectedAt = fromNanos(detectedAt)
	f.FalsePositive = falsePositive != 0
	f.Superseded = superseded != 0
	return &f, nil
}
