package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

const scoreCols = `tender_id, raw_score, calibrated_probability, ci_lower, ci_upper,
	uncertainty, data_completeness, risk_level, flag_count, top_flags, model_version, computed_at`

// SaveRiskScore replaces the current score of a tender. When nothing but
// computed_at differs from the stored score no change is logged, so an
// unchanged re-run does not wake the alert matcher.
func (s *Storage) SaveRiskScore(ctx context.Context, rs *models.RiskScore) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	prev, err := scanRiskScore(tx.QueryRowContext(ctx,
		`SELECT `+scoreCols+` FROM risk_scores WHERE tender_id = ?`, rs.TenderID).Scan)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to load previous score: %w", err)
	}
	changed := prev == nil || !sameScore(prev, rs)

	topFlags, err := json.Marshal(rs.TopFlags)
	if err != nil {
		return false, fmt.Errorf("failed to marshal top flags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO risk_scores (`+scoreCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rs.TenderID, rs.RawScore, rs.CalibratedProbability, rs.CILower, rs.CIUpper,
		string(rs.Uncertainty), rs.DataCompleteness, string(rs.RiskLevel), rs.FlagCount,
		string(topFlags), rs.ModelVersion, toNanos(rs.ComputedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save risk score: %w", err)
	}
	if changed {
		if err := logChange(ctx, tx, rs.TenderID, ChangeScore, rs.ComputedAt); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit risk score: %w", err)
	}
	return changed, nil
}

func (s *Storage) GetRiskScore(ctx context.Context, tenderID string) (*models.RiskScore, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scoreCols+` FROM risk_scores WHERE tender_id = ?`, tenderID)
	rs, err := scanRiskScore(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("risk score %s: %w", tenderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk score: %w", err)
	}
	return rs, nil
}

// LabeledScores pairs current raw scores with the latest decisive review of
// each tender (confirmed = 1, false_positive = 0), newest review first.
// Reviews older than since are ignored; limit <= 0 returns all.
func (s *Storage) LabeledScores(ctx context.Context, since time.Time, limit int) ([]models.LabeledScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.tender_id, r.raw_score, f.verdict, MAX(f.created_at) AS at
		FROM review_feedback f JOIN risk_scores r ON r.tender_id = f.tender_id
		WHERE f.tender_id != '' AND f.verdict IN (?, ?)
		GROUP BY f.tender_id
		HAVING at >= ?
		ORDER BY at DESC, f.tender_id
		LIMIT ?`,
		string(models.VerdictConfirmed), string(models.VerdictFalsePositive),
		toNanos(since), noLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query labeled scores: %w", err)
	}
	defer rows.Close()

	out := []models.LabeledScore{}
	for rows.Next() {
		var ls models.LabeledScore
		var verdict string
		var at int64
		if err := rows.Scan(&ls.TenderID, &ls.RawScore, &verdict, &at); err != nil {
			return nil, fmt.Errorf("failed to scan labeled score: %w", err)
		}
		fb := models.ReviewFeedback{Verdict: models.Verdict(verdict)}
		ls.Label, _ = fb.Label()
		ls.At = fromNanos(at)
		out = append(out, ls)
	}
	return out, rows.Err()
}

func sameScore(a, b *models.RiskScore) bool {
	if len(a.TopFlags) != len(b.TopFlags) {
		return false
	}
	for i := range a.TopFlags {
		if a.TopFlags[i] != b.TopFlags[i] {
			return false
		}
	}
	return a.RawScore == b.RawScore &&
		a.CalibratedProbability == b.CalibratedProbability &&
		a.CILower == b.CILower && a.CIUpper == b.CIUpper &&
		a.Uncertainty == b.Uncertainty &&
		a.DataCompleteness == b.DataCompleteness &&
		a.FlagCount == b.FlagCount &&
		a.ModelVersion == b.ModelVersion
}

func scanRiskScore(scan func(...any) error) (*models.RiskScore, error) {
	var rs models.RiskScore
	var uncertainty, level, topFlags string
	var computedAt int64
	err := scan(
		&rs.TenderID, &rs.RawScore, &rs.CalibratedProbability, &rs.CILower, &rs.CIUpper,
		&uncertainty, &rs.DataCompleteness, &level, &rs.FlagCount, &topFlags,
		&rs.ModelVersion, &computedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(topFlags), &rs.TopFlags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal top flags: %w", err)
	}
	rs.Uncertainty = models.Uncertainty(uncertainty)
	rs.RiskLevel = models.RiskLevel(level)
	rs.ComputedAt = fromNanos(computedAt)
	return &rs, nil
}
