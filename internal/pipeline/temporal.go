package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/tenderwatch/internal/logger"
	"github.com/rewired-gh/tenderwatch/internal/metrics"
	"github.com/rewired-gh/tenderwatch/internal/models"
)

// AnalyzeEntities recomputes the temporal profile of every institution and
// winning company with scored tenders. Returns the number of profiles saved.
// An entity whose analysis fails is skipped; a storage error aborts the run.
func (r *Runner) AnalyzeEntities(ctx context.Context) (int, error) {
	entities, err := r.Store.ListEntities(ctx)
	if err != nil {
		return 0, err
	}

	var saved int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, ref := range entities {
		ref := ref
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := r.analyzeEntity(gctx, ref)
			var unit *unitError
			switch {
			case errors.As(err, &unit):
				logger.Warn("Failed to analyze %s %s: %v", ref.Type, ref.ID, err)
				metrics.UnitFailures.WithLabelValues("temporal").Inc()
				return nil
			case err != nil:
				return fmt.Errorf("%s %s: %w", ref.Type, ref.ID, err)
			}
			atomic.AddInt64(&saved, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(saved), err
	}
	logger.Info("Analyzed %d of %d entities", saved, len(entities))
	return int(saved), nil
}

func (r *Runner) analyzeEntity(ctx context.Context, ref models.EntityRef) error {
	history, err := r.Store.RiskHistory(ctx, ref)
	if err != nil {
		return err
	}
	var profile models.TemporalProfile
	if err := compute(func() {
		profile = r.Analyzer.Analyze(ref.ID, ref.Type, history, r.now())
	}); err != nil {
		return err
	}
	if err := r.Store.SaveTemporalProfile(ctx, &profile); err != nil {
		return err
	}
	if len(profile.ChangePoints) > 0 {
		logger.Debug("%s %s: %s with %d change points", ref.Type, ref.ID, profile.Trajectory, len(profile.ChangePoints))
	}
	return nil
}
