package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

const tenderCols = `id, title, institution_id, institution_name, procedure_type,
	estimated_value, awarded_value, bidder_count, published_at, submission_deadline,
	awarded_at, winner_id, winner_name, status, document_completeness, updated_at`

// UpsertTender inserts or replaces a tender and records the change.
func (s *Storage) UpsertTender(ctx context.Context, t *models.Tender) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tender: %w", err)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenders (`+tenderCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, institution_id=excluded.institution_id,
			institution_name=excluded.institution_name, procedure_type=excluded.procedure_type,
			estimated_value=excluded.estimated_value, awarded_value=excluded.awarded_value,
			bidder_count=excluded.bidder_count, published_at=excluded.published_at,
			submission_deadline=excluded.submission_deadline, awarded_at=excluded.awarded_at,
			winner_id=excluded.winner_id, winner_name=excluded.winner_name,
			status=excluded.status, document_completeness=excluded.document_completeness,
			updated_at=excluded.updated_at`,
		t.ID, t.Title, t.InstitutionID, t.InstitutionName, t.ProcedureType,
		t.EstimatedValue, t.AwardedValue, t.BidderCount,
		toNanos(t.PublishedAt), toNanos(t.SubmissionDeadline), toNanos(t.AwardedAt),
		t.WinnerID, t.WinnerName, string(t.Status), t.DocumentCompleteness,
		toNanos(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tender: %w", err)
	}
	if err := logChange(ctx, tx, t.ID, ChangeTender, t.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) GetTender(ctx context.Context, id string) (*models.Tender, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenderCols+` FROM tenders WHERE id = ?`, id)
	t, err := scanTender(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tender %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tender: %w", err)
	}
	return t, nil
}

// AddBid inserts or replaces one bidder's bid and records the change.
func (s *Storage) AddBid(ctx context.Context, b *models.Bid) error {
	if b.TenderID == "" || b.BidderID == "" {
		return errors.New("bid requires tender and bidder IDs")
	}
	if b.Amount < 0 {
		return errors.New("bid amount must not be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO bids (tender_id, bidder_id, bidder_name, amount, submitted_at)
		VALUES (?,?,?,?,?)`,
		b.TenderID, b.BidderID, b.BidderName, b.Amount, toNanos(b.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	if err := logChange(ctx, tx, b.TenderID, ChangeBid, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListBids returns the bids of a tender, cheapest first.
func (s *Storage) ListBids(ctx context.Context, tenderID string) ([]models.Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tender_id, bidder_id, bidder_name, amount, submitted_at
		FROM bids WHERE tender_id = ? ORDER BY amount, bidder_id`, tenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	bids := []models.Bid{}
	for rows.Next() {
		var b models.Bid
		var submittedAt int64
		if err := rows.Scan(&b.TenderID, &b.BidderID, &b.BidderName, &b.Amount, &submittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		b.SubmittedAt = fromNanos(submittedAt)
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// PastAwards returns up to limit awarded tenders of the institution dated
// before t, newest first, excluding t itself.
func (s *Storage) PastAwards(ctx context.Context, t *models.Tender, limit int) ([]models.PastAward, error) {
	before := t.Date()
	if before.IsZero() {
		return []models.PastAward{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.winner_id, t.awarded_at, COALESCE(group_concat(b.bidder_id), '')
		FROM tenders t LEFT JOIN bids b ON b.tender_id = t.id
		WHERE t.institution_id = ? AND t.id != ? AND t.winner_id != ''
		  AND t.awarded_at > 0 AND t.awarded_at < ?
		GROUP BY t.id
		ORDER BY t.awarded_at DESC, t.id
		LIMIT ?`,
		t.InstitutionID, t.ID, before.UnixNano(), noLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query past awards: %w", err)
	}
	defer rows.Close()

	awards := []models.PastAward{}
	for rows.Next() {
		var a models.PastAward
		var awardedAt int64
		var bidders string
		if err := rows.Scan(&a.TenderID, &a.WinnerID, &awardedAt, &bidders); err != nil {
			return nil, fmt.Errorf("failed to scan past award: %w", err)
		}
		a.AwardedAt = fromNanos(awardedAt)
		a.BidderIDs = []string{}
		if bidders != "" {
			a.BidderIDs = strings.Split(bidders, ",")
		}
		awards = append(awards, a)
	}
	return awards, rows.Err()
}

// ListEntities returns every institution and winning company that has at
// least one scored tender.
func (s *Storage) ListEntities(ctx context.Context) ([]models.EntityRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT 'institution', t.institution_id
		FROM tenders t JOIN risk_scores r ON r.tender_id = t.id
		UNION
		SELECT DISTINCT 'company', t.winner_id
		FROM tenders t JOIN risk_scores r ON r.tender_id = t.id
		WHERE t.winner_id != ''
		ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	refs := []models.EntityRef{}
	for rows.Next() {
		var ref models.EntityRef
		var typ string
		if err := rows.Scan(&typ, &ref.ID); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		ref.Type = models.EntityType(typ)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// RiskHistory returns the raw scores of an entity's tenders ordered by tender
// date (award date, else publication date).
func (s *Storage) RiskHistory(ctx context.Context, ref models.EntityRef) ([]models.RiskPoint, error) {
	column := "institution_id"
	switch ref.Type {
	case models.EntityInstitution:
	case models.EntityCompany:
		column = "winner_id"
	default:
		return nil, fmt.Errorf("unknown entity type %q", ref.Type)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, CASE WHEN t.awarded_at > 0 THEN t.awarded_at ELSE t.published_at END AS d, r.raw_score
		FROM tenders t JOIN risk_scores r ON r.tender_id = t.id
		WHERE t.`+column+` = ?
		ORDER BY d, t.id`, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk history: %w", err)
	}
	defer rows.Close()

	points := []models.RiskPoint{}
	for rows.Next() {
		var p models.RiskPoint
		var date int64
		if err := rows.Scan(&p.TenderID, &date, &p.Score); err != nil {
			return nil, fmt.Errorf("failed to scan risk point: %w", err)
		}
		p.Date = fromNanos(date)
		points = append(points, p)
	}
	return points, rows.Err()
}

func scanTender(scan func(...any) error) (*models.Tender, error) {
	var t models.Tender
	var status string
	var published, deadline, awarded, updated int64
	err := scan(
		&t.ID, &t.Title, &t.InstitutionID, &t.InstitutionName, &t.ProcedureType,
		&t.EstimatedValue, &t.AwardedValue, &t.BidderCount,
		&published, &deadline, &awarded,
		&t.WinnerID, &t.WinnerName, &status, &t.DocumentCompleteness, &updated,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.TenderStatus(status)
	t.PublishedAt = fromNanos(published)
	t.SubmissionDeadline = fromNanos(deadline)
	t.AwardedAt = fromNanos(awarded)
	t.UpdatedAt = fromNanos(updated)
	return &t, nil
}
