// Package calibration maps raw risk scores to calibrated probabilities with
// conformal prediction intervals, and watches its own calibration for drift.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/tenderwatch/internal/models"
)

// ErrInsufficientData is returned when there are too few labeled examples to fit or check.
var ErrInsufficientData = errors.New("insufficient labeled data")

// Config holds the calibration and drift check parameters.
type Config struct {
	// ECEThreshold is the acceptable expected calibration error.
	ECEThreshold float64
	// CoverageTolerance bounds |coverage_actual - (1-alpha)| before drift is declared.
	CoverageTolerance float64
	Bins              int
	// HoldoutFraction of the labeled set is reserved for the conformal step.
	HoldoutFraction float64
	MinSamples      int
	// FallbackHalfWidth is the interval half-width used when no model exists.
	FallbackHalfWidth float64
	// Uncertainty bands over interval width and data completeness.
	NarrowInterval   float64
	WideInterval     float64
	LowCompleteness  float64
	HighCompleteness float64
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		ECEThreshold:      0.05,
		CoverageTolerance: 0.05,
		Bins:              10,
		HoldoutFraction:   0.3,
		MinSamples:        50,
		FallbackHalfWidth: 0.3,
		NarrowInterval:    0.3,
		WideInterval:      0.6,
		LowCompleteness:   0.5,
		HighCompleteness:  0.8,
	}
}

func (c Config) Validate() error {
	if c.ECEThreshold <= 0 || c.ECEThreshold >= 1 {
		return fmt.Errorf("ece threshold must be between 0 and 1")
	}
	if c.CoverageTolerance < 0 || c.CoverageTolerance >= 1 {
		return fmt.Errorf("coverage tolerance must be between 0 and 1")
	}
	if c.Bins < 1 {
		return fmt.Errorf("bins must be at least 1")
	}
	if c.HoldoutFraction <= 0 || c.HoldoutFraction >= 1 {
		return fmt.Errorf("holdout fraction must be between 0 and 1")
	}
	if c.NarrowInterval > c.WideInterval {
		return fmt.Errorf("narrow interval must not exceed wide interval")
	}
	if c.LowCompleteness > c.HighCompleteness {
		return fmt.Errorf("low completeness must not exceed high completeness")
	}
	return nil
}

// Engine is stateless: the active model is passed in on every call.
type Engine struct {
	cfg Config
}

// NewEngine returns an Engine using cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Fit learns Platt parameters on the training split and the conformal
// threshold on the held-out split. The returned model is not yet active.
func (e *Engine) Fit(modelName string, scores []float64, labels []int, alpha float64, now time.Time) (*models.CalibrationModel, error) {
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("scores and labels differ in length: %d vs %d", len(scores), len(labels))
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("alpha must be between 0 and 1, got %v", alpha)
	}
	if len(scores) < e.cfg.MinSamples {
		return nil, fmt.Errorf("%w: %d samples, need %d", ErrInsufficientData, len(scores), e.cfg.MinSamples)
	}

	trainX, trainY, calX, calY := e.split(scores, labels)
	if len(trainX) == 0 || len(calX) == 0 {
		return nil, fmt.Errorf("%w: empty split", ErrInsufficientData)
	}

	a, b, err := FitPlatt(trainX, trainY)
	if err != nil {
		return nil, fmt.Errorf("failed to fit platt scaling: %w", err)
	}

	calProbs := make([]float64, len(calX))
	for i, s := range calX {
		calProbs[i] = PlattProbability(a, b, s)
	}
	threshold := ConformalThreshold(Nonconformity(calProbs, calY), alpha)
	ece, mce := CalibrationError(calProbs, calY, e.cfg.Bins)

	return &models.CalibrationModel{
		ID:                 uuid.NewString(),
		ModelName:          modelName,
		Alpha:              alpha,
		QuantileThreshold:  threshold,
		PlattA:             a,
		PlattB:             b,
		CalibrationSetSize: len(calX),
		TrainingSetSize:    len(trainX),
		ECE:                ece,
		MCE:                mce,
		ECEThreshold:       e.cfg.ECEThreshold,
		IsWellCalibrated:   ece < e.cfg.ECEThreshold,
		FittedAt:           now,
	}, nil
}

// split interleaves examples so that roughly HoldoutFraction of them land in
// the calibration set regardless of how the input is ordered.
func (e *Engine) split(scores []float64, labels []int) (trainX []float64, trainY []int, calX []float64, calY []int) {
	var acc float64
	for i := range scores {
		acc += e.cfg.HoldoutFraction
		if acc >= 1 {
			acc--
			calX = append(calX, scores[i])
			calY = append(calY, labels[i])
			continue
		}
		trainX = append(trainX, scores[i])
		trainY = append(trainY, labels[i])
	}
	return trainX, trainY, calX, calY
}

// Result is the calibrated view of one raw score.
type Result struct {
	Probability  float64
	CILower      float64
	CIUpper      float64
	Uncertainty  models.Uncertainty
	ModelVersion string
}

// Apply calibrates rawScore (0-100). With no model it falls back to the
// identity mapping with a wide interval and high uncertainty. drifted marks
// the model as stale: it is still used, but uncertainty is escalated to high.
func (e *Engine) Apply(model *models.CalibrationModel, rawScore, completeness float64, drifted bool) Result {
	raw := math.Max(0, math.Min(100, rawScore))
	if model == nil {
		p := raw / 100
		lo, hi := Interval(p, e.cfg.FallbackHalfWidth)
		return Result{
			Probability:  p,
			CILower:      lo,
			CIUpper:      hi,
			Uncertainty:  models.UncertaintyHigh,
			ModelVersion: model.Tag(),
		}
	}

	p := PlattProbability(model.PlattA, model.PlattB, raw)
	lo, hi := Interval(p, model.QuantileThreshold)
	u := e.uncertainty(hi-lo, completeness)
	if drifted || !model.IsWellCalibrated {
		u = models.UncertaintyHigh
	}
	return Result{
		Probability:  p,
		CILower:      lo,
		CIUpper:      hi,
		Uncertainty:  u,
		ModelVersion: model.Tag(),
	}
}

func (e *Engine) uncertainty(width, completeness float64) models.Uncertainty {
	switch {
	case width > e.cfg.WideInterval || completeness < e.cfg.LowCompleteness:
		return models.UncertaintyHigh
	case width <= e.cfg.NarrowInterval && completeness >= e.cfg.HighCompleteness:
		return models.UncertaintyLow
	default:
		return models.UncertaintyMedium
	}
}

// CheckDrift re-measures calibration quality of model on a recent labeled
// window. Drift is advisory; callers keep scoring with the stale model.
func (e *Engine) CheckDrift(model *models.CalibrationModel, scores []float64, labels []int, now time.Time) (*models.CalibrationCheck, error) {
	if model == nil {
		return nil, errors.New("no calibration model to check")
	}
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("scores and labels differ in length: %d vs %d", len(scores), len(labels))
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: empty window", ErrInsufficientData)
	}

	probs := make([]float64, len(scores))
	for i, s := range scores {
		probs[i] = PlattProbability(model.PlattA, model.PlattB, s)
	}
	ece, mce := CalibrationError(probs, labels, e.cfg.Bins)
	coverage := Coverage(probs, labels, model.QuantileThreshold)
	target := 1 - model.Alpha

	threshold := model.ECEThreshold
	if threshold <= 0 {
		threshold = e.cfg.ECEThreshold
	}

	check := &models.CalibrationCheck{
		ID:             uuid.NewString(),
		ModelID:        model.ID,
		ModelName:      model.ModelName,
		ECE:            ece,
		MCE:            mce,
		CoverageActual: coverage,
		CoverageTarget: target,
		NSamples:       len(scores),
		CheckedAt:      now,
	}
	if ece > threshold {
		check.Reasons = append(check.Reasons, fmt.Sprintf("ece %.4f above %.4f", ece, threshold))
	}
	if coverage < target-e.cfg.CoverageTolerance || coverage > target+e.cfg.CoverageTolerance {
		check.Reasons = append(check.Reasons, fmt.Sprintf("coverage %.3f outside %.3f±%.3f", coverage, target, e.cfg.CoverageTolerance))
	}
	check.DriftDetected = len(check.Reasons) > 0
	return check, nil
}
