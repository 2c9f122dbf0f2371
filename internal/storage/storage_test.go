package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

var (
	ctx  = context.Background()
	base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTender(id, institution string, published time.Time) *models.Tender {
	return &models.Tender{
		ID:                   id,
		Title:                "Road maintenance " + id,
		InstitutionID:        institution,
		InstitutionName:      "Ministry " + institution,
		ProcedureType:        "open",
		EstimatedValue:       2_500_000,
		BidderCount:          3,
		PublishedAt:          published,
		SubmissionDeadline:   published.Add(30 * 24 * time.Hour),
		Status:               models.TenderOpen,
		DocumentCompleteness: -1,
		UpdatedAt:            published,
	}
}

func awarded(t *models.Tender, winner string, at time.Time) *models.Tender {
	t.Status = models.TenderAwarded
	t.WinnerID = winner
	t.WinnerName = "Company " + winner
	t.AwardedAt = at
	t.AwardedValue = t.EstimatedValue
	return t
}

func mustUpsert(t *testing.T, s *Storage, tenders ...*models.Tender) {
	t.Helper()
	for _, td := range tenders {
		if err := s.UpsertTender(ctx, td); err != nil {
			t.Fatalf("UpsertTender %s: %v", td.ID, err)
		}
	}
}

func testFlag(tenderID string, typ models.FlagType, sev models.Severity) models.Flag {
	f := models.Flag{
		TenderID:    tenderID,
		Type:        typ,
		Severity:    sev,
		Confidence:  0.8,
		Evidence:    map[string]any{"bidder_count": 1},
		DetectorRev: 1,
		DetectedAt:  base,
	}
	f.ID = f.Fingerprint()
	return f
}

func TestStorage_UpsertAndGetTender(t *testing.T) {
	s := newTestStorage(t)
	td := testTender("t-1", "inst-1", base)
	mustUpsert(t, s, td)

	got, err := s.GetTender(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTender: %v", err)
	}
	if got.Title != td.Title || got.EstimatedValue != td.EstimatedValue {
		t.Errorf("got %+v, want %+v", got, td)
	}
	if !got.PublishedAt.Equal(base) {
		t.Errorf("PublishedAt = %v, want %v", got.PublishedAt, base)
	}
	if !got.AwardedAt.IsZero() {
		t.Errorf("AwardedAt = %v, want zero", got.AwardedAt)
	}
	if got.DocumentCompleteness != -1 {
		t.Errorf("DocumentCompleteness = %v, want -1", got.DocumentCompleteness)
	}

	td.Title = "Updated"
	mustUpsert(t, s, td)
	got, _ = s.GetTender(ctx, "t-1")
	if got.Title != "Updated" {
		t.Errorf("title not updated: got %q", got.Title)
	}
}

func TestStorage_GetTender_NotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetTender(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStorage_UpsertTender_Invalid(t *testing.T) {
	s := newTestStorage(t)
	td := testTender("t-1", "", base)
	if err := s.UpsertTender(ctx, td); err == nil {
		t.Error("expected error for tender without institution")
	}
}

func TestStorage_Bids(t *testing.T) {
	s := newTestStorage(t)
	mustUpsert(t, s, testTender("t-1", "inst-1", base))

	for i, amount := range []float64{300, 100, 200} {
		b := &models.Bid{TenderID: "t-1", BidderID: fmt.Sprintf("c-%d", i), Amount: amount, SubmittedAt: base}
		if err := s.AddBid(ctx, b); err != nil {
			t.Fatalf("AddBid: %v", err)
		}
	}
	bids, err := s.ListBids(ctx, "t-1")
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	if len(bids) != 3 {
		t.Fatalf("got %d bids, want 3", len(bids))
	}
	if bids[0].Amount != 100 || bids[2].Amount != 300 {
		t.Errorf("bids not ordered by amount: %+v", bids)
	}
}

func TestStorage_PastAwards(t *testing.T) {
	s := newTestStorage(t)
	day := 24 * time.Hour
	mustUpsert(t, s,
		awarded(testTender("old-1", "inst-1", base.Add(-60*day)), "c-1", base.Add(-40*day)),
		awarded(testTender("old-2", "inst-1", base.Add(-50*day)), "c-2", base.Add(-20*day)),
		awarded(testTender("later", "inst-1", base), "c-1", base.Add(10*day)),
		awarded(testTender("other", "inst-2", base.Add(-50*day)), "c-1", base.Add(-30*day)),
		testTender("open", "inst-1", base.Add(-10*day)),
	)
	for _, id := range []string{"c-1", "c-2"} {
		if err := s.AddBid(ctx, &models.Bid{TenderID: "old-2", BidderID: id, Amount: 10}); err != nil {
			t.Fatalf("AddBid: %v", err)
		}
	}

	current := awarded(testTender("current", "inst-1", base), "c-2", base.Add(day))
	awards, err := s.PastAwards(ctx, current, 10)
	if err != nil {
		t.Fatalf("PastAwards: %v", err)
	}
	if len(awards) != 2 {
		t.Fatalf("got %d awards, want 2: %+v", len(awards), awards)
	}
	if awards[0].TenderID != "old-2" || awards[1].TenderID != "old-1" {
		t.Errorf("awards not newest first: %+v", awards)
	}
	if len(awards[0].BidderIDs) != 2 {
		t.Errorf("old-2 bidders = %v, want 2", awards[0].BidderIDs)
	}
	if len(awards[1].BidderIDs) != 0 {
		t.Errorf("old-1 bidders = %v, want none", awards[1].BidderIDs)
	}
}

func TestStorage_SaveFlags(t *testing.T) {
	s := newTestStorage(t)
	mustUpsert(t, s, testTender("t-1", "inst-1", base))

	single := testFlag("t-1", models.FlagSingleBidder, models.SeverityHigh)
	short := testFlag("t-1", models.FlagShortDeadline, models.SeverityMedium)

	changed, err := s.SaveFlags(ctx, "t-1", []models.Flag{single, short})
	if err != nil || !changed {
		t.Fatalf("first SaveFlags = %v, %v; want changed", changed, err)
	}

	again := single
	again.DetectedAt = base.Add(time.Hour)
	changed, err = s.SaveFlags(ctx, "t-1", []models.Flag{again, short})
	if err != nil || changed {
		t.Fatalf("identical SaveFlags = %v, %v; want unchanged", changed, err)
	}

	changed, err = s.SaveFlags(ctx, "t-1", []models.Flag{single})
	if err != nil || !changed {
		t.Fatalf("shrinking SaveFlags = %v, %v; want changed", changed, err)
	}
	active, _ := s.ListFlags(ctx, "t-1", false)
	if len(active) != 1 || active[0].Type != models.FlagSingleBidder {
		t.Errorf("active flags = %+v, want single_bidder only", active)
	}
	all, _ := s.ListFlags(ctx, "t-1", true)
	if len(all) != 2 {
		t.Fatalf("got %d flags including superseded, want 2", len(all))
	}
	for _, f := range all {
		if f.Type == models.FlagShortDeadline && !f.Superseded {
			t.Error("short_deadline should be superseded")
		}
	}
	if !active[0].DetectedAt.Equal(base) {
		t.Errorf("DetectedAt = %v, want original %v", active[0].DetectedAt, base)
	}

	changed, _ = s.SaveFlags(ctx, "t-1", []models.Flag{single, short})
	if !changed {
		t.Error("reactivating a superseded flag should report a change")
	}
	active, _ = s.ListFlags(ctx, "t-1", false)
	if len(active) != 2 {
		t.Errorf("got %d active flags, want 2", len(active))
	}
}

func TestStorage_SaveFlags_Empty(t *testing.T) {
	s := newTestStorage(t)
	mustUpsert(t, s, testTender("t-1", "inst-1", base))
	if _, err := s.SaveFlags(ctx, "t-1", []models.Flag{testFlag("t-1", models.FlagRoundEstimate, models.SeverityLow)}); err != nil {
		t.Fatalf("SaveFlags: %v", err)
	}
	changed, err := s.SaveFlags(ctx, "t-1", nil)
	if err != nil || !changed {
		t.Fatalf("SaveFlags(nil) = %v, %v; want changed", changed, err)
	}
	active, _ := s.ListFlags(ctx, "t-1", false)
	if len(active) != 0 {
		t.Errorf("got %d active flags, want 0", len(active))
	}
}

func TestStorage_FeedbackMarksFalsePositive(t *testing.T) {
	s := newTestStorage(t)
	mustUpsert(t, s, testTender("t-1", "inst-1", base))
	f := testFlag("t-1", models.FlagSingleBidder, models.SeverityHigh)
	if _, err := s.SaveFlags(ctx, "t-1", []models.Flag{f}); err != nil {
		t.Fatalf("SaveFlags: %v", err)
	}
	mark, _ := s.Watermark(ctx, WatermarkScoring)
	_, high, _ := s.ChangedTenders(ctx, mark, 0, ChangeReview)

	fb := &models.ReviewFeedback{ID: "fb-1", FlagID: f.ID, Verdict: models.VerdictFalsePositive, Confidence: 0.9, CreatedAt: base}
	if err := s.AddFeedback(ctx, fb); err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}
	got, err := s.GetFlag(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFlag: %v", err)
	}
	if !got.FalsePositive || got.Counts() {
		t.Errorf("flag should be a false positive: %+v", got)
	}
	ids, _, _ := s.ChangedTenders(ctx, high, 0, ChangeReview)
	if len(ids) != 1 || ids[0] != "t-1" {
		t.Errorf("review change not logged: %v", ids)
	}

	bad := &models.ReviewFeedback{ID: "fb-2", FlagID: "missing", Verdict: models.VerdictFalsePositive}
	if err := s.AddFeedback(ctx, bad); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStorage_SaveRiskScore(t *testing.T) {
	s := newTestStorage(t)
	mustUpsert(t, s, testTender("t-1", "inst-1", base))
	rs := &models.RiskScore{
		TenderID: "t-1", RawScore: 37.5, CalibratedProbability: 0.375,
		CILower: 0.075, CIUpper: 0.675, Uncertainty: models.UncertaintyHigh,
		DataCompleteness: 0.75, RiskLevel: models.RiskLow, FlagCount: 2,
		TopFlags:     []models.FlagType{models.FlagSingleBidder, models.FlagShortDeadline},
		ModelVersion: "identity", ComputedAt: base,
	}
	changed, err := s.SaveRiskScore(ctx, rs)
	if err != nil || !changed {
		t.Fatalf("first SaveRiskScore = %v, %v; want changed", changed, err)
	}

	rerun := *rs
	rerun.ComputedAt = base.Add(time.Hour)
	if changed, _ := s.SaveRiskScore(ctx, &rerun); changed {
		t.Error("re-run with identical values should not report a change")
	}

	rerun.RawScore = 50
	if changed, _ := s.SaveRiskScore(ctx, &rerun); !changed {
		t.Error("new raw score should report a change")
	}

	got, err := s.GetRiskScore(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetRiskScore: %v", err)
	}
	if got.RawScore != 50 || len(got.TopFlags) != 2 || got.TopFlags[0] != models.FlagSingleBidder {
		t.Errorf("got %+v", got)
	}
	if _, err := s.GetRiskScore(ctx, "t-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStorage_LabeledScores(t *testing.T) {
	s := newTestStorage(t)
	for i, score := range []float64{80, 20, 50} {
		id := fmt.Sprintf("t-%d", i)
		mustUpsert(t, s, testTender(id, "inst-1", base))
		if _, err := s.SaveRiskScore(ctx, &models.RiskScore{TenderID: id, RawScore: score, ComputedAt: base}); err != nil {
			t.Fatalf("SaveRiskScore: %v", err)
		}
	}
	reviews := []models.ReviewFeedback{
		{ID: "r1", TenderID: "t-0", Verdict: models.VerdictConfirmed, CreatedAt: base.Add(1 * time.Hour)},
		{ID: "r2", TenderID: "t-1", Verdict: models.VerdictConfirmed, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "r3", TenderID: "t-1", Verdict: models.VerdictFalsePositive, CreatedAt: base.Add(3 * time.Hour)},
		{ID: "r4", TenderID: "t-2", Verdict: models.VerdictInconclusive, CreatedAt: base.Add(4 * time.Hour)},
	}
	for i := range reviews {
		if err := s.AddFeedback(ctx, &reviews[i]); err != nil {
			t.Fatalf("AddFeedback: %v", err)
		}
	}

	got, err := s.LabeledScores(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("LabeledScores: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d labeled scores, want 2: %+v", len(got), got)
	}
	if got[0].TenderID != "t-1" || got[0].Label != 0 || got[0].RawScore != 20 {
		t.Errorf("latest review should win: %+v", got[0])
	}
	if got[1].TenderID != "t-0" || got[1].Label != 1 {
		t.Errorf("got %+v", got[1])
	}

	recent, _ := s.LabeledScores(ctx, base.Add(150*time.Minute), 0)
	if len(recent) != 1 {
		t.Errorf("since filter: got %d, want 1", len(recent))
	}
}

func TestStorage_ActivateCalibrationModel(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.ActiveCalibrationModel(ctx, "cri", 0.1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound before any fit", err)
	}

	for i := 1; i <= 3; i++ {
		m := &models.CalibrationModel{
			ID: fmt.Sprintf("m-%d", i), ModelName: "cri", Alpha: 0.1,
			PlattA: float64(i), QuantileThreshold: 0.2, ECEThreshold: 0.05, FittedAt: base,
		}
		if err := s.ActivateCalibrationModel(ctx, m); err != nil {
			t.Fatalf("ActivateCalibrationModel: %v", err)
		}
		if m.Version != i || !m.Active {
			t.Errorf("model %d: version %d active %v", i, m.Version, m.Active)
		}
	}
	other := &models.CalibrationModel{ID: "m-other", ModelName: "cri", Alpha: 0.05, FittedAt: base}
	if err := s.ActivateCalibrationModel(ctx, other); err != nil {
		t.Fatalf("ActivateCalibrationModel: %v", err)
	}
	if other.Version != 1 {
		t.Errorf("separate alpha should start at version 1, got %d", other.Version)
	}

	n, err := s.CountActiveModels(ctx, "cri", 0.1)
	if err != nil || n != 1 {
		t.Fatalf("CountActiveModels = %d, %v; want 1", n, err)
	}
	active, err := s.ActiveCalibrationModel(ctx, "cri", 0.1)
	if err != nil {
		t.Fatalf("ActiveCalibrationModel: %v", err)
	}
	if active.ID != "m-3" || active.Version != 3 || active.PlattA != 3 {
		t.Errorf("active = %+v, want m-3", active)
	}
}

func TestStorage_CalibrationChecks(t *testing.T) {
	s := newTestStorage(t)
	for i, drift := range []bool{false, true} {
		c := &models.CalibrationCheck{
			ID: fmt.Sprintf("c-%d", i), ModelID: "m-1", ModelName: "cri",
			CoverageActual: 0.6, CoverageTarget: 0.9, NSamples: 40,
			DriftDetected: drift, CheckedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if drift {
			c.Reasons = []string{"coverage 0.600 outside 0.900±0.050"}
		}
		if err := s.AddCalibrationCheck(ctx, c); err != nil {
			t.Fatalf("AddCalibrationCheck: %v", err)
		}
	}
	latest, err := s.LatestCalibrationCheck(ctx, "m-1")
	if err != nil {
		t.Fatalf("LatestCalibrationCheck: %v", err)
	}
	if latest.ID != "c-1" || !latest.DriftDetected || len(latest.Reasons) != 1 {
		t.Errorf("latest = %+v", latest)
	}
	if _, err := s.LatestCalibrationCheck(ctx, "m-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStorage_TemporalProfile(t *testing.T) {
	s := newTestStorage(t)
	p := &models.TemporalProfile{
		EntityID: "inst-1", EntityType: models.EntityInstitution, PointCount: 20,
		RollingAvg30d: 65, TrendSlope: 2.5, Volatility: 4,
		ChangePoints: []models.ChangePoint{{
			Date: base, Index: 10, Direction: models.DirectionIncrease,
			Magnitude: 50, Confidence: 0.8, BeforeAvg: 20, AfterAvg: 70,
		}},
		Trajectory: models.TrajectoryEscalating, TrajectoryConfidence: 0.9,
		PeriodStart: base.Add(-24 * time.Hour), PeriodEnd: base, ComputedAt: base,
	}
	if err := s.SaveTemporalProfile(ctx, p); err != nil {
		t.Fatalf("SaveTemporalProfile: %v", err)
	}
	ref := models.EntityRef{Type: models.EntityInstitution, ID: "inst-1"}
	got, err := s.GetTemporalProfile(ctx, ref)
	if err != nil {
		t.Fatalf("GetTemporalProfile: %v", err)
	}
	if got.Trajectory != models.TrajectoryEscalating || len(got.ChangePoints) != 1 || got.ChangePoints[0].Index != 10 {
		t.Errorf("got %+v", got)
	}
	if _, err := s.GetTemporalProfile(ctx, models.EntityRef{Type: models.EntityCompany, ID: "inst-1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStorage_EntitiesAndHistory(t *testing.T) {
	s := newTestStorage(t)
	day := 24 * time.Hour
	tenders := []*models.Tender{
		awarded(testTender("t-2", "inst-1", base.Add(-5*day)), "c-1", base.Add(-1*day)),
		testTender("t-1", "inst-1", base.Add(-10*day)),
		testTender("t-3", "inst-2", base),
	}
	mustUpsert(t, s, tenders...)
	for i, id := range []string{"t-1", "t-2"} {
		if _, err := s.SaveRiskScore(ctx, &models.RiskScore{TenderID: id, RawScore: float64(10 * (i + 1)), ComputedAt: base}); err != nil {
			t.Fatalf("SaveRiskScore: %v", err)
		}
	}

	refs, err := s.ListEntities(ctx)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d entities, want 2 (unscored inst-2 excluded): %+v", len(refs), refs)
	}
	if refs[0] != (models.EntityRef{Type: models.EntityCompany, ID: "c-1"}) {
		t.Errorf("refs[0] = %+v", refs[0])
	}

	history, err := s.RiskHistory(ctx, models.EntityRef{Type: models.EntityInstitution, ID: "inst-1"})
	if err != nil {
		t.Fatalf("RiskHistory: %v", err)
	}
	if len(history) != 2 || history[0].TenderID != "t-1" || history[1].Score != 20 {
		t.Errorf("history = %+v", history)
	}
	if !history[1].Date.Equal(base.Add(-1 * day)) {
		t.Errorf("awarded tender should be dated by award: %v", history[1].Date)
	}
}

func TestStorage_Subscriptions(t *testing.T) {
	s := newTestStorage(t)
	good := &models.AlertSubscription{
		ID: "s-1", UserID: "u-1", RuleType: models.RuleHighRiskScore,
		RawConfig: []byte(`{"threshold":0.7}`), Active: true, CreatedAt: base,
	}
	if err := s.AddSubscription(ctx, good); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	bad := &models.AlertSubscription{
		ID: "s-2", UserID: "u-1", RuleType: models.RuleHighRiskScore,
		RawConfig: []byte(`{}`), Active: true, CreatedAt: base,
	}
	if err := s.AddSubscription(ctx, bad); !errors.Is(err, models.ErrInvalidRuleConfig) {
		t.Errorf("err = %v, want ErrInvalidRuleConfig", err)
	}

	subs, err := s.ActiveSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ActiveSubscriptions: %v", err)
	}
	if len(subs) != 1 || string(subs[0].RawConfig) != `{"threshold":0.7}` {
		t.Fatalf("subs = %+v", subs)
	}
	if err := s.DeactivateSubscription(ctx, "s-1"); err != nil {
		t.Fatalf("DeactivateSubscription: %v", err)
	}
	subs, _ = s.ActiveSubscriptions(ctx)
	if len(subs) != 0 {
		t.Errorf("got %d active subscriptions, want 0", len(subs))
	}
}

func TestStorage_InsertAlertIfAbsent(t *testing.T) {
	s := newTestStorage(t)
	a := &models.Alert{
		ID: "a-1", SubscriptionID: "s-1", UserID: "u-1", TenderID: "t-1",
		RuleType: models.RuleSingleBidderHighValue, Severity: models.SeverityHigh,
		Title: "Single bidder", CreatedAt: base,
	}
	inserted, err := s.InsertAlertIfAbsent(ctx, a)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v; want inserted", inserted, err)
	}

	dup := *a
	dup.ID = "a-2"
	dup.SubscriptionID = "s-2"
	inserted, err = s.InsertAlertIfAbsent(ctx, &dup)
	if err != nil {
		t.Fatalf("duplicate insert should not error: %v", err)
	}
	if inserted {
		t.Error("duplicate (user, tender, rule) should not insert")
	}

	other := *a
	other.ID = "a-3"
	other.RuleType = models.RuleHighRiskScore
	if inserted, _ := s.InsertAlertIfAbsent(ctx, &other); !inserted {
		t.Error("different rule type should insert")
	}

	alerts, _ := s.ListAlerts(ctx, "u-1", false, 0)
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	if err := s.MarkAlertRead(ctx, "a-1"); err != nil {
		t.Fatalf("MarkAlertRead: %v", err)
	}
	unread, _ := s.ListAlerts(ctx, "u-1", true, 0)
	if len(unread) != 1 || unread[0].ID != "a-3" {
		t.Errorf("unread = %+v, want a-3", unread)
	}
	if err := s.MarkAlertRead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStorage_Watermark(t *testing.T) {
	s := newTestStorage(t)
	if v, err := s.Watermark(ctx, WatermarkAlerts); err != nil || v != 0 {
		t.Fatalf("initial watermark = %d, %v", v, err)
	}
	if err := s.AdvanceWatermark(ctx, WatermarkAlerts, 5); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}
	if err := s.AdvanceWatermark(ctx, WatermarkAlerts, 3); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}
	if v, _ := s.Watermark(ctx, WatermarkAlerts); v != 5 {
		t.Errorf("watermark = %d, want 5 (never moves back)", v)
	}
	if v, _ := s.Watermark(ctx, WatermarkScoring); v != 0 {
		t.Errorf("scoring watermark = %d, want 0", v)
	}
}

func TestStorage_ChangedTenders(t *testing.T) {
	s := newTestStorage(t)
	mustUpsert(t, s,
		testTender("t-a", "inst-1", base),
		testTender("t-b", "inst-1", base),
		testTender("t-c", "inst-1", base),
	)
	// t-a changes again after the others
	mustUpsert(t, s, testTender("t-a", "inst-1", base))

	ids, high, err := s.ChangedTenders(ctx, 0, 2, ChangeTender, ChangeBid)
	if err != nil {
		t.Fatalf("ChangedTenders: %v", err)
	}
	if len(ids) != 2 || ids[0] != "t-b" || ids[1] != "t-c" {
		t.Fatalf("first batch = %v, want [t-b t-c]", ids)
	}

	ids, high2, _ := s.ChangedTenders(ctx, high, 2, ChangeTender)
	if len(ids) != 1 || ids[0] != "t-a" {
		t.Fatalf("second batch = %v, want [t-a]", ids)
	}
	ids, high3, _ := s.ChangedTenders(ctx, high2, 2, ChangeTender)
	if len(ids) != 0 || high3 != high2 {
		t.Errorf("drained log returned %v, %d", ids, high3)
	}

	if ids, _, _ := s.ChangedTenders(ctx, 0, 0, ChangeScore); len(ids) != 0 {
		t.Errorf("score changes = %v, want none", ids)
	}
}

func saveScore(t *testing.T, s *Storage, id, version string, u models.Uncertainty) {
	t.Helper()
	mustUpsert(t, s, testTender(id, "inst-1", base))
	rs := &models.RiskScore{TenderID: id, RawScore: 40, Uncertainty: u, ModelVersion: version, ComputedAt: base}
	if _, err := s.SaveRiskScore(ctx, rs); err != nil {
		t.Fatalf("SaveRiskScore %s: %v", id, err)
	}
}

func rescoreQueue(t *testing.T, s *Storage) []string {
	t.Helper()
	ids, _, err := s.ChangedTenders(ctx, 0, 0, ChangeRescore)
	if err != nil {
		t.Fatalf("ChangedTenders: %v", err)
	}
	return ids
}

func TestStorage_ActivateCalibrationModel_QueuesRescore(t *testing.T) {
	s := newTestStorage(t)
	saveScore(t, s, "t-1", "identity", models.UncertaintyMedium)
	saveScore(t, s, "t-2", "identity", models.UncertaintyHigh)
	mustUpsert(t, s, testTender("t-unscored", "inst-1", base))

	if got := rescoreQueue(t, s); len(got) != 0 {
		t.Fatalf("queue before activation = %v, want empty", got)
	}
	m := &models.CalibrationModel{ID: "m-1", ModelName: "cri", Alpha: 0.1, FittedAt: base}
	if err := s.ActivateCalibrationModel(ctx, m); err != nil {
		t.Fatalf("ActivateCalibrationModel: %v", err)
	}
	got := rescoreQueue(t, s)
	if len(got) != 2 || got[0] != "t-1" || got[1] != "t-2" {
		t.Errorf("queue = %v, want [t-1 t-2]", got)
	}

	// scores already produced by the new version are left alone
	s2 := newTestStorage(t)
	saveScore(t, s2, "t-1", "cri@v1", models.UncertaintyLow)
	if err := s2.ActivateCalibrationModel(ctx, &models.CalibrationModel{ID: "m-1", ModelName: "cri", Alpha: 0.1}); err != nil {
		t.Fatalf("ActivateCalibrationModel: %v", err)
	}
	if got := rescoreQueue(t, s2); len(got) != 0 {
		t.Errorf("queue = %v, want empty", got)
	}
}

func TestStorage_AddCalibrationCheck_DriftQueuesRescore(t *testing.T) {
	s := newTestStorage(t)
	m := &models.CalibrationModel{ID: "m-1", ModelName: "cri", Alpha: 0.1, FittedAt: base}
	if err := s.ActivateCalibrationModel(ctx, m); err != nil {
		t.Fatalf("ActivateCalibrationModel: %v", err)
	}
	saveScore(t, s, "t-low", "cri@v1", models.UncertaintyLow)
	saveScore(t, s, "t-high", "cri@v1", models.UncertaintyHigh)
	saveScore(t, s, "t-old", "identity", models.UncertaintyMedium)

	healthy := &models.CalibrationCheck{ID: "c-1", ModelID: "m-1", ModelName: "cri", CheckedAt: base}
	if err := s.AddCalibrationCheck(ctx, healthy); err != nil {
		t.Fatalf("AddCalibrationCheck: %v", err)
	}
	if got := rescoreQueue(t, s); len(got) != 0 {
		t.Fatalf("healthy check queued %v", got)
	}

	drifted := &models.CalibrationCheck{
		ID: "c-2", ModelID: "m-1", ModelName: "cri", DriftDetected: true,
		Reasons: []string{"coverage"}, CheckedAt: base.Add(time.Hour),
	}
	if err := s.AddCalibrationCheck(ctx, drifted); err != nil {
		t.Fatalf("AddCalibrationCheck: %v", err)
	}
	got := rescoreQueue(t, s)
	if len(got) != 1 || got[0] != "t-low" {
		t.Errorf("queue = %v, want [t-low]", got)
	}

	unknown := &models.CalibrationCheck{ID: "c-3", ModelID: "m-9", ModelName: "cri", DriftDetected: true, CheckedAt: base}
	if err := s.AddCalibrationCheck(ctx, unknown); err != nil {
		t.Errorf("drift on an unknown model: %v", err)
	}
}

func TestStorage_RequestRescore(t *testing.T) {
	s := newTestStorage(t)
	if err := s.RequestRescore(ctx); err != nil {
		t.Fatalf("empty RequestRescore: %v", err)
	}
	if err := s.RequestRescore(ctx, "t-2", "t-1"); err != nil {
		t.Fatalf("RequestRescore: %v", err)
	}
	got := rescoreQueue(t, s)
	if len(got) != 2 || got[0] != "t-2" || got[1] != "t-1" {
		t.Errorf("queue = %v, want [t-2 t-1]", got)
	}
	if ids, _, _ := s.ChangedTenders(ctx, 0, 0, ChangeTender); len(ids) != 0 {
		t.Errorf("tender changes = %v, want none", ids)
	}
}
