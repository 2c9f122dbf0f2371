package storage

import (
	"context"
	"fmt"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

// AddFeedback records a human review. A false_positive verdict on a flag also
// marks that flag, which excludes it from the next score.
func (s *Storage) AddFeedback(ctx context.Context, f *models.ReviewFeedback) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid feedback: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_feedback (id, tender_id, flag_id, verdict, confidence, created_at)
		VALUES (?,?,?,?,?,?)`,
		f.ID, f.TenderID, f.FlagID, string(f.Verdict), f.Confidence, toNanos(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	if f.FlagID != "" && f.Verdict == models.VerdictFalsePositive {
		if err := markFalsePositive(ctx, tx, f.FlagID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
