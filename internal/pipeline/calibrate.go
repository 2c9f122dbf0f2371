package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/calibration"
	"github.com/rewired-gh/tenderwatch/internal/logger"
	"github.com/rewired-gh/tenderwatch/internal/metrics"
	"github.com/rewired-gh/tenderwatch/internal/models"
	"github.com/rewired-gh/tenderwatch/internal/storage"
)

// ErrRefitInProgress is returned when another refit of the same model holds
// the lock.
var ErrRefitInProgress = errors.New("refit already in progress")

// Refit fits a new calibration model from every labeled score and makes it
// the active version. Too few labels is not a failure: the current model (or
// the identity fallback) stays in place.
func (r *Runner) Refit(ctx context.Context) (*models.CalibrationModel, error) {
	release, ok, err := r.Locker.TryLock(ctx, "refit:"+r.cfg.ModelName, r.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Info("Skipping refit of %s: %v", r.cfg.ModelName, ErrRefitInProgress)
		return nil, ErrRefitInProgress
	}
	defer release()

	labeled, err := r.Store.LabeledScores(ctx, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	scores, labels := split(labeled)

	model, err := r.Engine.Fit(r.cfg.ModelName, scores, labels, r.cfg.Alpha, r.now())
	if errors.Is(err, calibration.ErrInsufficientData) {
		logger.Info("Not refitting %s: %v", r.cfg.ModelName, err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fit %s: %w", r.cfg.ModelName, err)
	}
	if err := r.Store.ActivateCalibrationModel(ctx, model); err != nil {
		return nil, err
	}
	metrics.CalibrationECE.WithLabelValues(model.ModelName).Set(model.ECE)
	metrics.CalibrationDrift.WithLabelValues(model.ModelName).Set(0)
	logger.Info("Activated %s (ece %.4f, q %.4f, %d train / %d calibration); stored scores queued for rescoring",
		model.Tag(), model.ECE, model.QuantileThreshold, model.TrainingSetSize, model.CalibrationSetSize)
	return model, nil
}

// CheckCalibration measures the active model against labels from the drift
// window and records the result. On drift the operator is notified and, if
// configured, a refit follows. The stale model keeps scoring either way.
func (r *Runner) CheckCalibration(ctx context.Context) error {
	model, err := r.Store.ActiveCalibrationModel(ctx, r.cfg.ModelName, r.cfg.Alpha)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("No active %s model, fitting the first one", r.cfg.ModelName)
		return r.refitQuietly(ctx)
	}
	if err != nil {
		return err
	}

	now := r.now()
	var since time.Time
	if r.cfg.DriftWindow > 0 {
		since = now.Add(-r.cfg.DriftWindow)
	}
	labeled, err := r.Store.LabeledScores(ctx, since, 0)
	if err != nil {
		return err
	}
	scores, labels := split(labeled)

	check, err := r.Engine.CheckDrift(model, scores, labels, now)
	if errors.Is(err, calibration.ErrInsufficientData) {
		logger.Debug("No labels in the drift window of %s", model.Tag())
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.Store.AddCalibrationCheck(ctx, check); err != nil {
		return err
	}

	metrics.CalibrationECE.WithLabelValues(model.ModelName).Set(check.ECE)
	if !check.DriftDetected {
		metrics.CalibrationDrift.WithLabelValues(model.ModelName).Set(0)
		logger.Info("Calibration of %s healthy: ece %.4f, coverage %.3f over %d samples",
			model.Tag(), check.ECE, check.CoverageActual, check.NSamples)
		return nil
	}

	metrics.CalibrationDrift.WithLabelValues(model.ModelName).Set(1)
	logger.Warn("Calibration drift on %s: %v", model.Tag(), check.Reasons)
	if r.Notifier != nil {
		if err := r.Notifier.SendDrift(check); err != nil {
			logger.Warn("Failed to send drift notification: %v", err)
		}
	}
	if r.cfg.RefitOnDrift {
		return r.refitQuietly(ctx)
	}
	return nil
}

func (r *Runner) refitQuietly(ctx context.Context) error {
	_, err := r.Refit(ctx)
	if errors.Is(err, ErrRefitInProgress) {
		return nil
	}
	return err
}

func split(labeled []models.LabeledScore) ([]float64, []int) {
	scores := make([]float64, len(labeled))
	labels := make([]int, len(labeled))
	for i, l := range labeled {
		scores[i] = l.RawScore
		labels[i] = l.Label
	}
	return scores, labels
}
