package models

import "time"

// Uncertainty is a coarse band over the width of a score's prediction interval
// and the completeness of its inputs.
type Uncertainty string

const (
	UncertaintyLow    Uncertainty = "low"
	UncertaintyMedium Uncertainty = "medium"
	UncertaintyHigh   Uncertainty = "high"
)

// RiskLevel buckets the raw CRI for dashboards.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// LevelForScore maps a 0-100 raw score onto a RiskLevel.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	case score >= 20:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// RiskScore is the current corruption risk index of one tender.
type RiskScore struct {
	TenderID              string      `json:"tender_id"`
	RawScore              float64     `json:"raw_score"`
	CalibratedProbability float64     `json:"calibrated_probability"`
	CILower               float64     `json:"ci_lower"`
	CIUpper               float64     `json:"ci_upper"`
	Uncertainty           Uncertainty `json:"uncertainty"`
	DataCompleteness      float64     `json:"data_completeness"`
	RiskLevel             RiskLevel   `json:"risk_level"`
	FlagCount             int         `json:"flag_count"`
	TopFlags              []FlagType  `json:"top_flags"`
	ModelVersion          string      `json:"model_version"`
	ComputedAt            time.Time   `json:"computed_at"`
}

// RiskPoint is one element of an entity's risk history.
type RiskPoint struct {
	TenderID string    `json:"tender_id"`
	Date     time.Time `json:"date"`
	Score    float64   `json:"score"`
}

// LabeledScore pairs a stored raw score with a reviewer verdict.
type LabeledScore struct {
	TenderID string
	RawScore float64
	Label    int
	At       time.Time
}
