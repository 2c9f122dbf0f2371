package pipeline

import (
	"context"

	"github.com/rewired-gh/tenderwatch/internal/logger"
	"github.com/rewired-gh/tenderwatch/internal/metrics"
	"github.com/rewired-gh/tenderwatch/internal/models"
)

// AlertStats summarizes one EvaluateAlerts run.
type AlertStats struct {
	Tenders    int
	Matched    int
	Duplicates int
	Skipped    int
	Inserted   int
}

// EvaluateAlerts drains the change log past the alert watermark one batch at
// a time. New alerts are handed to the publisher after they are stored; a
// publish failure is logged and never undoes the insert.
func (r *Runner) EvaluateAlerts(ctx context.Context) (*AlertStats, error) {
	stats := &AlertStats{}
	batch := r.cfg.AlertBatchSize
	if batch <= 0 {
		batch = r.cfg.BatchSize
	}
	for {
		res, err := r.Matcher.ProcessChanges(ctx, batch)
		if res != nil {
			stats.Tenders += res.Tenders
			stats.Matched += res.Matched
			stats.Duplicates += res.Duplicates
			stats.Skipped += res.Skipped
			metrics.AlertDuplicates.Add(float64(res.Duplicates))
			r.publish(ctx, res.Inserted)
			stats.Inserted += len(res.Inserted)
		}
		if err != nil {
			return stats, err
		}
		if res.Batch < batch {
			break
		}
	}
	if stats.Tenders > 0 {
		logger.Info("Evaluated alerts for %d tenders: %d new, %d duplicates, %d subscriptions skipped",
			stats.Tenders, stats.Inserted, stats.Duplicates, stats.Skipped)
	}
	return stats, nil
}

func (r *Runner) publish(ctx context.Context, inserted []models.Alert) {
	if len(inserted) == 0 {
		return
	}
	for _, a := range inserted {
		metrics.AlertsInserted.WithLabelValues(string(a.RuleType)).Inc()
	}
	if err := r.Publisher.Publish(ctx, inserted); err != nil {
		logger.Warn("Failed to publish %d alerts: %v", len(inserted), err)
	}
}
