package alerts

import (
	"errors"
	"testing"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

type unknownRule struct{ models.EscalatingRiskConfig }

func subjectWith(flags ...models.Flag) *Subject {
	return &Subject{
		Tender: &models.Tender{
			ID: "t-1", Title: "Bridge repair", InstitutionID: "inst-1", InstitutionName: "City of Arden",
			EstimatedValue: 50_000_000, WinnerID: "c-9", WinnerName: "Acme Build",
		},
		Score: &models.RiskScore{TenderID: "t-1", RawScore: 82, CalibratedProbability: 0.74,
			CILower: 0.5, CIUpper: 0.98, Uncertainty: models.UncertaintyMedium},
		Flags:        flags,
		Trajectories: map[models.EntityType]models.Trajectory{},
	}
}

func flagOf(typ models.FlagType, sev models.Severity) models.Flag {
	return models.Flag{TenderID: "t-1", Type: typ, Severity: sev}
}

func TestEvaluateRules(t *testing.T) {
	single := flagOf(models.FlagSingleBidder, models.SeverityHigh)
	late := flagOf(models.FlagLateBid, models.SeverityCritical)

	escalating := subjectWith()
	escalating.Trajectories[models.EntityCompany] = models.TrajectoryEscalating
	unscored := subjectWith(single)
	unscored.Score = nil

	tests := []struct {
		name    string
		rule    models.RuleConfig
		subject *Subject
		want    bool
		sev     models.Severity
	}{
		{"score above threshold", models.HighRiskScoreConfig{Threshold: 0.7}, subjectWith(), true, models.SeverityHigh},
		{"score below threshold", models.HighRiskScoreConfig{Threshold: 0.8}, subjectWith(), false, ""},
		{"unscored tender", models.HighRiskScoreConfig{Threshold: 0.1}, unscored, false, ""},
		{"single bidder high value", models.SingleBidderHighValueConfig{ValueThreshold: 10_000_000}, subjectWith(single), true, models.SeverityHigh},
		{"single bidder below value", models.SingleBidderHighValueConfig{ValueThreshold: 60_000_000}, subjectWith(single), false, ""},
		{"no single bidder flag", models.SingleBidderHighValueConfig{ValueThreshold: 1}, subjectWith(late), false, ""},
		{"watched winner name", models.WatchedEntityConfig{WatchedEntities: []string{"acme build"}}, subjectWith(late), true, models.SeverityCritical},
		{"watched institution id", models.WatchedEntityConfig{WatchedEntities: []string{"inst-1"}}, subjectWith(), true, models.SeverityLow},
		{"unwatched", models.WatchedEntityConfig{WatchedEntities: []string{"Other Ltd"}}, subjectWith(), false, ""},
		{"enough flags", models.MultipleFlagsConfig{FlagThreshold: 2}, subjectWith(single, late), true, models.SeverityCritical},
		{"too few flags", models.MultipleFlagsConfig{FlagThreshold: 3}, subjectWith(single, late), false, ""},
		{"escalating winner", models.EscalatingRiskConfig{}, escalating, true, models.SeverityCritical},
		{"stable entities", models.EscalatingRiskConfig{}, subjectWith(), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Evaluate(tt.rule, tt.subject)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if (m != nil) != tt.want {
				t.Fatalf("matched = %v, want %v", m != nil, tt.want)
			}
			if m == nil {
				return
			}
			if m.Severity != tt.sev {
				t.Errorf("Severity = %s, want %s", m.Severity, tt.sev)
			}
			if m.Title == "" || m.Details == "" {
				t.Errorf("missing title or details: %+v", m)
			}
		})
	}
}

func TestEvaluateUnknownRule(t *testing.T) {
	_, err := Evaluate(unknownRule{}, subjectWith())
	if !errors.Is(err, models.ErrInvalidRuleConfig) {
		t.Errorf("err = %v, want ErrInvalidRuleConfig", err)
	}
}
