package flags

import (
	"fmt"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

// Weights configures the CRI weighted sum.
type Weights struct {
	Severity map[models.Severity]float64
	// Model scales the ensemble probability (already mapped to 0-100).
	Model float64
	// Collusion and Causal scale the optional graph and causal signals (0-1 inputs).
	Collusion float64
	Causal    float64
}

// DefaultWeights returns the stock severity and signal weights.
func DefaultWeights() Weights {
	return Weights{
		Severity: map[models.Severity]float64{
			models.SeverityLow:      5,
			models.SeverityMedium:   12,
			models.SeverityHigh:     25,
			models.SeverityCritical: 40,
		},
		Model:     0.4,
		Collusion: 10,
		Causal:    5,
	}
}

// Validate rejects weights that would break monotonicity: every weight must
// be non-negative and severity weights must not decrease with severity.
func (w Weights) Validate() error {
	prev := 0.0
	for _, s := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical} {
		v, ok := w.Severity[s]
		if !ok {
			return fmt.Errorf("missing severity weight for %s", s)
		}
		if v < prev {
			return fmt.Errorf("severity weight for %s (%.2f) is below the previous level (%.2f)", s, v, prev)
		}
		prev = v
	}
	if w.Model < 0 || w.Collusion < 0 || w.Causal < 0 {
		return fmt.Errorf("feature weights must not be negative")
	}
	return nil
}

// Features are the numeric inputs supplied by external collaborators. A nil
// pointer means the signal was unavailable and contributes nothing.
type Features struct {
	EnsembleProbability *float64
	CollusionScore      *float64
	CausalEffect        *float64
	// Observed and Expected count the underlying model features that had a
	// real value. Expected == 0 means the counts are unknown.
	Observed int
	Expected int
}

// Aggregate is the output of the risk aggregator for one tender.
type Aggregate struct {
	RawScore          float64
	FlagContribution  float64
	ModelContribution float64
	DataCompleteness  float64
	FlagCount         int
	TopFlags          []models.FlagType
}

// Aggregator folds flags and features into the raw CRI.
type Aggregator struct {
	weights Weights
}

// NewAggregator returns an Aggregator using w.
func NewAggregator(w Weights) *Aggregator {
	return &Aggregator{weights: w}
}

// Score computes raw_score = clamp(sum(weight(severity) * confidence) + model, 0, 100).
// Flags marked false positive or superseded are ignored.
func (a *Aggregator) Score(t *models.Tender, flags []models.Flag, f Features) Aggregate {
	var agg Aggregate
	counted := make([]models.Flag, 0, len(flags))
	for _, fl := range flags {
		if !fl.Counts() {
			continue
		}
		counted = append(counted, fl)
		agg.FlagContribution += a.weights.Severity[fl.Severity] * clamp(fl.Confidence, 0, 1)
	}
	agg.FlagCount = len(counted)

	if f.EnsembleProbability != nil {
		agg.ModelContribution += a.weights.Model * clamp(*f.EnsembleProbability, 0, 1) * 100
	}
	if f.CollusionScore != nil {
		agg.ModelContribution += a.weights.Collusion * clamp(*f.CollusionScore, 0, 1)
	}
	if f.CausalEffect != nil {
		agg.ModelContribution += a.weights.Causal * clamp(*f.CausalEffect, 0, 1)
	}

	agg.RawScore = round(clamp(agg.FlagContribution+agg.ModelContribution, 0, 100), 4)
	agg.DataCompleteness = round(Completeness(t, f), 4)

	SortBySeverity(counted)
	for i := 0; i < len(counted) && i < 3; i++ {
		agg.TopFlags = append(agg.TopFlags, counted[i].Type)
	}
	return agg
}

// Completeness is the fraction of expected inputs that carried real values.
// When the feature counts are unknown it falls back to the tender-level
// signals the pipeline can see directly.
func Completeness(t *models.Tender, f Features) float64 {
	if f.Expected > 0 {
		return clamp(float64(f.Observed)/float64(f.Expected), 0, 1)
	}
	checks := []bool{
		f.EnsembleProbability != nil,
		f.CollusionScore != nil,
		f.CausalEffect != nil,
		t.EstimatedValue > 0,
		t.BidderCount > 0,
		!t.PublishedAt.IsZero(),
		!t.SubmissionDeadline.IsZero(),
		t.DocumentCompleteness >= 0,
	}
	present := 0
	for _, ok := range checks {
		if ok {
			present++
		}
	}
	return float64(present) / float64(len(checks))
}
