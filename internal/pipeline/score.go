package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/tenderwatch/internal/flags"
	"github.com/rewired-gh/tenderwatch/internal/logger"
	"github.com/rewired-gh/tenderwatch/internal/metrics"
	"github.com/rewired-gh/tenderwatch/internal/models"
	"github.com/rewired-gh/tenderwatch/internal/storage"
)

// ScoreStats summarizes one ScoreTenders run.
type ScoreStats struct {
	Tenders int
	Changed int
	Failed  int
	// Requeued counts tenders scored with neutral model features because the
	// predictor failed. They are queued for another pass.
	Requeued int
}

// unitError is a failure confined to one tender's computation. It is
// counted and skipped; any other error aborts the batch.
type unitError struct {
	err error
}

func (e *unitError) Error() string { return e.err.Error() }
func (e *unitError) Unwrap() error { return e.err }

// ScoreTenders re-detects flags and rescores every tender whose data or
// review state changed since the last run, or that was queued for rescoring.
// Batches are processed in log order and the scoring watermark advances after
// each finished batch. A tender whose computation fails is logged and
// skipped; a storage error aborts the batch and leaves the watermark alone.
func (r *Runner) ScoreTenders(ctx context.Context) (*ScoreStats, error) {
	stats := &ScoreStats{}
	model, drifted, err := r.activeModel(ctx)
	if err != nil {
		return stats, err
	}

	var (
		mu    sync.Mutex
		retry []string
	)
	// retries are queued once the run ends, never within it
	defer func() {
		if len(retry) == 0 {
			return
		}
		if err := r.Store.RequestRescore(context.WithoutCancel(ctx), retry...); err != nil {
			logger.Error("Failed to queue %d tenders for rescoring: %v", len(retry), err)
			return
		}
		stats.Requeued = len(retry)
	}()

	for {
		after, err := r.Store.Watermark(ctx, storage.WatermarkScoring)
		if err != nil {
			return stats, err
		}
		ids, high, err := r.Store.ChangedTenders(ctx, after, r.cfg.BatchSize,
			storage.ChangeTender, storage.ChangeBid, storage.ChangeReview, storage.ChangeRescore)
		if err != nil {
			return stats, err
		}
		if len(ids) == 0 {
			break
		}

		var changed, failed int64
		var batchRetry []string
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Workers)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := r.scoreTender(gctx, id, model, drifted)
				var unit *unitError
				switch {
				case errors.As(err, &unit):
					logger.Warn("Failed to score tender %s: %v", id, err)
					metrics.UnitFailures.WithLabelValues("score").Inc()
					atomic.AddInt64(&failed, 1)
					return nil
				case err != nil:
					return fmt.Errorf("tender %s: %w", id, err)
				}
				if res.changed {
					atomic.AddInt64(&changed, 1)
				}
				if res.degraded {
					mu.Lock()
					batchRetry = append(batchRetry, id)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}

		stats.Tenders += len(ids)
		stats.Changed += int(changed)
		stats.Failed += int(failed)
		if err := r.Store.AdvanceWatermark(ctx, storage.WatermarkScoring, high); err != nil {
			return stats, err
		}
		retry = append(retry, batchRetry...)
		if len(ids) < r.cfg.BatchSize {
			break
		}
	}

	if stats.Tenders > 0 {
		logger.Info("Scored %d tenders (%d changed, %d failed, %d without model features)",
			stats.Tenders, stats.Changed, stats.Failed, len(retry))
	}
	return stats, nil
}

// activeModel loads the current calibration model and whether its latest
// check found drift. No model is not an error: scoring falls back to the
// identity mapping.
func (r *Runner) activeModel(ctx context.Context) (*models.CalibrationModel, bool, error) {
	model, err := r.Store.ActiveCalibrationModel(ctx, r.cfg.ModelName, r.cfg.Alpha)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load calibration model: %w", err)
	}
	check, err := r.Store.LatestCalibrationCheck(ctx, model.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return model, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load calibration check: %w", err)
	}
	return model, check.DriftDetected, nil
}

type scoreResult struct {
	// changed reports whether the stored score changed.
	changed bool
	// degraded reports that the predictor failed and neutral features were used.
	degraded bool
}

// scoreTender runs detection and scoring for one tender. Store errors are
// returned as is; failures of the computation itself come back as *unitError.
func (r *Runner) scoreTender(ctx context.Context, id string, model *models.CalibrationModel, drifted bool) (scoreResult, error) {
	now := r.now()
	t, err := r.Store.GetTender(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Tender %s vanished before scoring", id)
		return scoreResult{}, nil
	}
	if err != nil {
		return scoreResult{}, err
	}

	bids, err := r.Store.ListBids(ctx, id)
	if err != nil {
		return scoreResult{}, err
	}
	past, err := r.Store.PastAwards(ctx, t, r.cfg.PastAwardsLimit)
	if err != nil {
		return scoreResult{}, err
	}

	var raised []models.Flag
	if err := compute(func() {
		raised = r.Detector.Evaluate(t, &flags.EvalContext{Bids: bids, PastAwards: past}, now)
	}); err != nil {
		return scoreResult{}, err
	}
	flagsChanged, err := r.Store.SaveFlags(ctx, id, raised)
	if err != nil {
		return scoreResult{}, err
	}
	if flagsChanged {
		for _, f := range raised {
			metrics.FlagsRaised.WithLabelValues(string(f.Type), string(f.Severity)).Inc()
		}
	}

	current, err := r.Store.ListFlags(ctx, id, false)
	if err != nil {
		return scoreResult{}, err
	}

	var (
		score    *models.RiskScore
		degraded bool
	)
	if err := compute(func() {
		var features flags.Features
		features, degraded = r.features(ctx, id)
		agg := r.Aggregator.Score(t, current, features)
		cal := r.Engine.Apply(model, agg.RawScore, agg.DataCompleteness, drifted)
		score = &models.RiskScore{
			TenderID:              id,
			RawScore:              agg.RawScore,
			CalibratedProbability: cal.Probability,
			CILower:               cal.CILower,
			CIUpper:               cal.CIUpper,
			Uncertainty:           cal.Uncertainty,
			DataCompleteness:      agg.DataCompleteness,
			RiskLevel:             models.LevelForScore(agg.RawScore),
			FlagCount:             agg.FlagCount,
			TopFlags:              agg.TopFlags,
			ModelVersion:          cal.ModelVersion,
			ComputedAt:            now,
		}
	}); err != nil {
		return scoreResult{}, err
	}

	changed, err := r.Store.SaveRiskScore(ctx, score)
	if err != nil {
		return scoreResult{}, err
	}
	metrics.TendersScored.Inc()
	metrics.RawScore.Observe(score.RawScore)
	logger.Debug("Scored tender %s: raw %.1f, p=%.3f [%.3f, %.3f] %s", id,
		score.RawScore, score.CalibratedProbability, score.CILower, score.CIUpper, score.Uncertainty)
	return scoreResult{changed: changed, degraded: degraded}, nil
}

// compute runs fn and turns a panic into a *unitError.
func compute(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &unitError{err: fmt.Errorf("panic: %v", p)}
		}
	}()
	fn()
	return nil
}

// features asks the predictor for model inputs. Failures degrade to neutral
// features and report degraded: an unavailable model never blocks scoring.
func (r *Runner) features(ctx context.Context, id string) (f flags.Features, degraded bool) {
	if r.Predictor == nil {
		return flags.Features{}, false
	}
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pred, err := r.Predictor.Predict(pctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return flags.Features{}, false
		}
		logger.Warn("Prediction for tender %s unavailable: %v", id, err)
		return flags.Features{}, true
	}
	return pred.Features(), false
}
