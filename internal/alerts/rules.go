package alerts

import (
	"fmt"
	"strings"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

// Subject is everything a rule may look at for one tender.
type Subject struct {
	Tender *models.Tender
	// Score is nil when the tender has not been scored yet.
	Score *models.RiskScore
	// Flags holds only flags that count toward the score.
	Flags []models.Flag
	// Trajectories of the tender's institution and winning company, where known.
	Trajectories map[models.EntityType]models.Trajectory
}

func (s *Subject) hasFlag(t models.FlagType) (*models.Flag, bool) {
	for i := range s.Flags {
		if s.Flags[i].Type == t {
			return &s.Flags[i], true
		}
	}
	return nil, false
}

func (s *Subject) maxFlagSeverity() models.Severity {
	sev := models.SeverityLow
	for _, f := range s.Flags {
		sev = models.MaxSeverity(sev, f.Severity)
	}
	return sev
}

// Match is the outcome of one rule predicate.
type Match struct {
	Severity models.Severity
	Title    string
	Details  string
}

// Evaluate applies a parsed rule config to a subject. It returns nil when the
// rule does not match.
func Evaluate(cfg models.RuleConfig, s *Subject) (*Match, error) {
	t := s.Tender
	switch c := cfg.(type) {
	case models.HighRiskScoreConfig:
		if s.Score == nil || s.Score.CalibratedProbability < c.Threshold {
			return nil, nil
		}
		return &Match{
			Severity: severityForProbability(s.Score.CalibratedProbability),
			Title:    fmt.Sprintf("High risk score on %s", label(t)),
			Details: fmt.Sprintf("Calibrated probability %.2f (interval %.2f to %.2f, %s uncertainty) reached the %.2f threshold.",
				s.Score.CalibratedProbability, s.Score.CILower, s.Score.CIUpper, s.Score.Uncertainty, c.Threshold),
		}, nil

	case models.SingleBidderHighValueConfig:
		f, ok := s.hasFlag(models.FlagSingleBidder)
		if !ok || t.EstimatedValue < c.ValueThreshold {
			return nil, nil
		}
		return &Match{
			Severity: f.Severity,
			Title:    fmt.Sprintf("Single bidder on high-value tender %s", label(t)),
			Details: fmt.Sprintf("Only one bid on a tender estimated at %.0f (threshold %.0f) from %s.",
				t.EstimatedValue, c.ValueThreshold, institution(t)),
		}, nil

	case models.WatchedEntityConfig:
		hit := watched(c.WatchedEntities, t)
		if hit == "" {
			return nil, nil
		}
		return &Match{
			Severity: s.maxFlagSeverity(),
			Title:    fmt.Sprintf("Watched entity %s in %s", hit, label(t)),
			Details:  fmt.Sprintf("%s appears on tender %s with %d active flag(s).", hit, t.ID, len(s.Flags)),
		}, nil

	case models.MultipleFlagsConfig:
		if len(s.Flags) < c.FlagThreshold {
			return nil, nil
		}
		types := make([]string, 0, len(s.Flags))
		for _, f := range s.Flags {
			types = append(types, string(f.Type))
		}
		return &Match{
			Severity: s.maxFlagSeverity(),
			Title:    fmt.Sprintf("%d red flags on %s", len(s.Flags), label(t)),
			Details:  fmt.Sprintf("Flags raised: %s (threshold %d).", strings.Join(types, ", "), c.FlagThreshold),
		}, nil

	case models.EscalatingRiskConfig:
		var who []string
		if s.Trajectories[models.EntityInstitution] == models.TrajectoryEscalating {
			who = append(who, institution(t))
		}
		if t.WinnerID != "" && s.Trajectories[models.EntityCompany] == models.TrajectoryEscalating {
			who = append(who, winner(t))
		}
		if len(who) == 0 {
			return nil, nil
		}
		sev := models.SeverityHigh
		if s.Score != nil && models.LevelForScore(s.Score.RawScore) == models.RiskCritical {
			sev = models.SeverityCritical
		}
		return &Match{
			Severity: sev,
			Title:    fmt.Sprintf("Escalating risk around %s", label(t)),
			Details:  fmt.Sprintf("Risk trajectory is escalating for %s.", strings.Join(who, " and ")),
		}, nil
	}
	return nil, fmt.Errorf("%w: unhandled rule config %T", models.ErrInvalidRuleConfig, cfg)
}

func severityForProbability(p float64) models.Severity {
	switch {
	case p >= 0.85:
		return models.SeverityCritical
	case p >= 0.7:
		return models.SeverityHigh
	case p >= 0.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// watched returns the first watched name that equals the tender's
// institution or winner, by id or name, ignoring case.
func watched(names []string, t *models.Tender) string {
	candidates := []string{t.InstitutionID, t.InstitutionName, t.WinnerID, t.WinnerName}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		for _, c := range candidates {
			if c != "" && strings.EqualFold(n, c) {
				return n
			}
		}
	}
	return ""
}

func label(t *models.Tender) string {
	if t.Title == "" {
		return "tender " + t.ID
	}
	return fmt.Sprintf("%q", t.Title)
}

func institution(t *models.Tender) string {
	if t.InstitutionName != "" {
		return t.InstitutionName
	}
	return t.InstitutionID
}

func winner(t *models.Tender) string {
	if t.WinnerName != "" {
		return t.WinnerName
	}
	return t.WinnerID
}
