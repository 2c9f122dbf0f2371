package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

const alertCols = `id, subscription_id, user_id, tender_id, rule_type, severity,
	title, details, created_at, read`

// AddSubscription stores a subscription. Its rule config is parsed first so
// that malformed configs are rejected at write time.
func (s *Storage) AddSubscription(ctx context.Context, sub *models.AlertSubscription) error {
	if sub.ID == "" || sub.UserID == "" {
		return errors.New("subscription requires ID and user ID")
	}
	if _, err := models.ParseRuleConfig(sub.RuleType, sub.RawConfig); err != nil {
		return err
	}
	if sub.SeverityFilter != "" && !sub.SeverityFilter.Valid() {
		return fmt.Errorf("unknown severity filter %q", sub.SeverityFilter)
	}
	return s.putSubscription(ctx, sub)
}

func (s *Storage) putSubscription(ctx context.Context, sub *models.AlertSubscription) error {
	raw := string(sub.RawConfig)
	if raw == "" {
		raw = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alert_subscriptions
			(id, user_id, rule_type, rule_config, severity_filter, active, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		sub.ID, sub.UserID, string(sub.RuleType), raw, string(sub.SeverityFilter),
		boolToInt(sub.Active), toNanos(sub.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *Storage) DeactivateSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alert_subscriptions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveSubscriptions returns every active subscription. Rule configs are
// returned raw; parsing happens per evaluation.
func (s *Storage) ActiveSubscriptions(ctx context.Context) ([]models.AlertSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, rule_type, rule_config, severity_filter, active, created_at
		FROM alert_subscriptions WHERE active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []models.AlertSubscription{}
	for rows.Next() {
		var sub models.AlertSubscription
		var ruleType, raw, severity string
		var active int
		var createdAt int64
		if err := rows.Scan(&sub.ID, &sub.UserID, &ruleType, &raw, &severity, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.RuleType = models.RuleType(ruleType)
		sub.RawConfig = []byte(raw)
		sub.SeverityFilter = models.Severity(severity)
		sub.Active = active != 0
		sub.CreatedAt = fromNanos(createdAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// InsertAlertIfAbsent inserts a, unless an alert with the same
// (user, tender, rule type) exists. A duplicate is not an error; it reports
// false. The uniqueness constraint makes this safe under concurrent writers.
func (s *Storage) InsertAlertIfAbsent(ctx context.Context, a *models.Alert) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id, tender_id, rule_type) DO NOTHING`,
		a.ID, a.SubscriptionID, a.UserID, a.TenderID, string(a.RuleType), string(a.Severity),
		a.Title, a.Details, toNanos(a.CreatedAt), boolToInt(a.Read),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

func (s *Storage) MarkAlertRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListAlerts returns a user's alerts, newest first.
func (s *Storage) ListAlerts(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Alert, error) {
	query := `SELECT ` + alertCols + ` FROM alerts WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, userID, noLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		var a models.Alert
		var ruleType, severity string
		var createdAt int64
		var read int
		err := rows.Scan(
			&a.ID, &a.SubscriptionID, &a.UserID, &a.TenderID, &ruleType, &severity,
			&a.Title, &a.Details, &createdAt, &read,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.RuleType = models.RuleType(ruleType)
		a.Severity = models.Severity(severity)
		a.CreatedAt = fromNanos(createdAt)
		a.Read = read != 0
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
