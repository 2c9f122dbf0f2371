// Package alerts matches user subscriptions against freshly scored tenders
// and records at most one alert per (user, tender, rule type).
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/tenderwatch/internal/logger"
	"github.com/rewired-gh/tenderwatch/internal/models"
	"github.com/rewired-gh/tenderwatch/internal/storage"
)

// Outcome is the state a subscription evaluation ends in.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeMatched    Outcome = "matched"
	OutcomeDelivered  Outcome = "delivered"
	OutcomeNotMatched Outcome = "not_matched"
)

// Store is the persistence the matcher reads and writes.
type Store interface {
	ActiveSubscriptions(ctx context.Context) ([]models.AlertSubscription, error)
	GetTender(ctx context.Context, id string) (*models.Tender, error)
	GetRiskScore(ctx context.Context, tenderID string) (*models.RiskScore, error)
	ListFlags(ctx context.Context, tenderID string, includeSuperseded bool) ([]models.Flag, error)
	GetTemporalProfile(ctx context.Context, ref models.EntityRef) (*models.TemporalProfile, error)
	InsertAlertIfAbsent(ctx context.Context, a *models.Alert) (bool, error)
	Watermark(ctx context.Context, name string) (int64, error)
	AdvanceWatermark(ctx context.Context, name string, seq int64) error
	ChangedTenders(ctx context.Context, after int64, limit int, kinds ...storage.ChangeKind) ([]string, int64, error)
}

// Result summarizes one batch.
type Result struct {
	// Batch is the number of changed tenders taken from the log.
	Batch       int
	Tenders     int
	Evaluations int
	Matched     int
	Duplicates  int
	// Skipped counts subscriptions with an unusable rule config.
	Skipped   int
	Inserted  []models.Alert
	Watermark int64
}

type Matcher struct {
	store Store
	now   func() time.Time
}

func NewMatcher(store Store) *Matcher {
	return &Matcher{store: store, now: time.Now}
}

type subscription struct {
	models.AlertSubscription
	rule models.RuleConfig
}

// ProcessChanges evaluates the next batch of tenders whose score or flags
// changed since the alert watermark, then advances the watermark. On error
// the watermark stays put and the same batch is evaluated again next time;
// alerts already inserted are deduplicated by the store.
func (m *Matcher) ProcessChanges(ctx context.Context, limit int) (*Result, error) {
	after, err := m.store.Watermark(ctx, storage.WatermarkAlerts)
	if err != nil {
		return nil, err
	}
	ids, high, err := m.store.ChangedTenders(ctx, after, limit, storage.ChangeScore, storage.ChangeFlags)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &Result{Watermark: after}, nil
	}

	res, err := m.Evaluate(ctx, ids)
	res.Batch = len(ids)
	if err != nil {
		return res, err
	}
	if err := m.store.AdvanceWatermark(ctx, storage.WatermarkAlerts, high); err != nil {
		return res, err
	}
	res.Watermark = high
	return res, nil
}

// Evaluate runs every active subscription against each tender.
func (m *Matcher) Evaluate(ctx context.Context, tenderIDs []string) (*Result, error) {
	res := &Result{Inserted: []models.Alert{}}

	all, err := m.store.ActiveSubscriptions(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	subs := make([]subscription, 0, len(all))
	for _, sub := range all {
		rule, err := models.ParseRuleConfig(sub.RuleType, sub.RawConfig)
		if err != nil {
			logger.Warn("Skipping subscription %s of user %s: %v", sub.ID, sub.UserID, err)
			res.Skipped++
			continue
		}
		subs = append(subs, subscription{AlertSubscription: sub, rule: rule})
	}
	if len(subs) == 0 {
		return res, nil
	}

	for _, id := range tenderIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		subject, err := m.subject(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Tender %s vanished before alert evaluation", id)
			continue
		}
		if err != nil {
			return res, err
		}
		res.Tenders++

		for i := range subs {
			res.Evaluations++
			outcome, alert, err := m.evaluate(ctx, &subs[i], subject)
			if err != nil {
				return res, err
			}
			switch outcome {
			case OutcomeDelivered:
				res.Matched++
				res.Inserted = append(res.Inserted, *alert)
			case OutcomeMatched:
				res.Matched++
				res.Duplicates++
			}
		}
	}
	return res, nil
}

// evaluate walks one subscription through pending → matched → delivered, or
// to not_matched. A duplicate insert leaves the evaluation at matched. Only
// storage failures are returned as errors.
func (m *Matcher) evaluate(ctx context.Context, sub *subscription, s *Subject) (Outcome, *models.Alert, error) {
	match, err := m.apply(sub, s)
	if err != nil {
		logger.Warn("Rule %s of subscription %s failed on tender %s: %v", sub.RuleType, sub.ID, s.Tender.ID, err)
		return OutcomeNotMatched, nil, nil
	}
	if match == nil {
		return OutcomeNotMatched, nil, nil
	}
	if !match.Severity.AtLeast(sub.SeverityFilter) {
		return OutcomeNotMatched, nil, nil
	}

	alert := &models.Alert{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		TenderID:       s.Tender.ID,
		RuleType:       sub.RuleType,
		Severity:       match.Severity,
		Title:          match.Title,
		Details:        match.Details,
		CreatedAt:      m.now(),
	}
	inserted, err := m.store.InsertAlertIfAbsent(ctx, alert)
	if err != nil {
		return OutcomePending, nil, err
	}
	if !inserted {
		return OutcomeMatched, nil, nil
	}
	return OutcomeDelivered, alert, nil
}

func (m *Matcher) apply(sub *subscription, s *Subject) (match *Match, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return Evaluate(sub.rule, s)
}

func (m *Matcher) subject(ctx context.Context, tenderID string) (*Subject, error) {
	t, err := m.store.GetTender(ctx, tenderID)
	if err != nil {
		return nil, err
	}
	s := &Subject{Tender: t, Trajectories: map[models.EntityType]models.Trajectory{}}

	score, err := m.store.GetRiskScore(ctx, tenderID)
	switch {
	case err == nil:
		s.Score = score
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	flags, err := m.store.ListFlags(ctx, tenderID, false)
	if err != nil {
		return nil, err
	}
	for _, f := range flags {
		if f.Counts() {
			s.Flags = append(s.Flags, f)
		}
	}

	refs := []models.EntityRef{{Type: models.EntityInstitution, ID: t.InstitutionID}}
	if t.WinnerID != "" {
		refs = append(refs, models.EntityRef{Type: models.EntityCompany, ID: t.WinnerID})
	}
	for _, ref := range refs {
		p, err := m.store.GetTemporalProfile(ctx, ref)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.Trajectories[ref.Type] = p.Trajectory
	}
	return s, nil
}
