// Package pipeline wires the detector, aggregator, calibration engine,
// temporal analyzer and alert matcher into the batch stages the scheduler
// runs. Stages only talk to each other through the store.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/alerts"
	"github.com/rewired-gh/tenderwatch/internal/calibration"
	"github.com/rewired-gh/tenderwatch/internal/ensemble"
	"github.com/rewired-gh/tenderwatch/internal/flags"
	"github.com/rewired-gh/tenderwatch/internal/models"
	"github.com/rewired-gh/tenderwatch/internal/outbox"
	"github.com/rewired-gh/tenderwatch/internal/storage"
	"github.com/rewired-gh/tenderwatch/internal/temporal"
)

// Predictor supplies the external model features for a tender. A nil
// prediction with a nil error means the model has nothing for it.
type Predictor interface {
	Predict(ctx context.Context, tenderID string) (*ensemble.Prediction, error)
}

// DriftNotifier is told about calibration checks that detected drift.
type DriftNotifier interface {
	SendDrift(check *models.CalibrationCheck) error
}

// Locker serializes jobs that must not overlap, across processes when the
// implementation allows it. release is only valid when ok is true.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Config sizes the batch stages and names the calibration model in use.
type Config struct {
	Workers   int
	BatchSize int
	// AlertBatchSize defaults to BatchSize.
	AlertBatchSize  int
	ModelName       string
	Alpha           float64
	DriftWindow     time.Duration
	PastAwardsLimit int
	LockTTL         time.Duration
	RefitOnDrift    bool
}

func DefaultConfig() Config {
	return Config{
		Workers:         8,
		BatchSize:       500,
		ModelName:       "cri",
		Alpha:           0.1,
		DriftWindow:     90 * 24 * time.Hour,
		PastAwardsLimit: 50,
		LockTTL:         30 * time.Minute,
		RefitOnDrift:    true,
	}
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return fmt.Errorf("alpha must be between 0 and 1")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	return nil
}

// Store is the persistence the stages read and write. *storage.Storage
// implements it.
type Store interface {
	Watermark(ctx context.Context, name string) (int64, error)
	AdvanceWatermark(ctx context.Context, name string, seq int64) error
	ChangedTenders(ctx context.Context, after int64, limit int, kinds ...storage.ChangeKind) ([]string, int64, error)
	RequestRescore(ctx context.Context, tenderIDs ...string) error

	GetTender(ctx context.Context, id string) (*models.Tender, error)
	ListBids(ctx context.Context, tenderID string) ([]models.Bid, error)
	PastAwards(ctx context.Context, t *models.Tender, limit int) ([]models.PastAward, error)
	SaveFlags(ctx context.Context, tenderID string, flags []models.Flag) (bool, error)
	ListFlags(ctx context.Context, tenderID string, includeSuperseded bool) ([]models.Flag, error)
	SaveRiskScore(ctx context.Context, rs *models.RiskScore) (bool, error)

	ActiveCalibrationModel(ctx context.Context, name string, alpha float64) (*models.CalibrationModel, error)
	ActivateCalibrationModel(ctx context.Context, m *models.CalibrationModel) error
	LatestCalibrationCheck(ctx context.Context, modelID string) (*models.CalibrationCheck, error)
	AddCalibrationCheck(ctx context.Context, c *models.CalibrationCheck) error
	LabeledScores(ctx context.Context, since time.Time, limit int) ([]models.LabeledScore, error)

	ListEntities(ctx context.Context) ([]models.EntityRef, error)
	RiskHistory(ctx context.Context, ref models.EntityRef) ([]models.RiskPoint, error)
	SaveTemporalProfile(ctx context.Context, p *models.TemporalProfile) error
}

// Deps are the collaborators of a Runner. Predictor, Publisher and Notifier
// are optional.
type Deps struct {
	Store      Store
	Detector   *flags.Detector
	Aggregator *flags.Aggregator
	Engine     *calibration.Engine
	Analyzer   *temporal.Analyzer
	Matcher    *alerts.Matcher
	Locker     Locker
	Predictor  Predictor
	Publisher  outbox.Publisher
	Notifier   DriftNotifier
}

// Runner executes the pipeline stages against the store.
type Runner struct {
	Deps
	cfg Config
	now func() time.Time
}

func New(cfg Config, deps Deps) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if deps.Store == nil || deps.Detector == nil || deps.Aggregator == nil ||
		deps.Engine == nil || deps.Analyzer == nil || deps.Matcher == nil || deps.Locker == nil {
		return nil, fmt.Errorf("pipeline is missing a required component")
	}
	if deps.Publisher == nil {
		deps.Publisher = outbox.Discard{}
	}
	return &Runner{Deps: deps, cfg: cfg, now: time.Now}, nil
}

// RunAll runs every stage once in dependency order. A failing stage does not
// stop the later ones; the first error is returned.
func (r *Runner) RunAll(ctx context.Context) error {
	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{"score", func(ctx context.Context) error { _, err := r.ScoreTenders(ctx); return err }},
		{"calibration", r.CheckCalibration},
		{"temporal", func(ctx context.Context) error { _, err := r.AnalyzeEntities(ctx); return err }},
		{"alerts", func(ctx context.Context) error { _, err := r.EvaluateAlerts(ctx); return err }},
	}
	var first error
	for _, st := range stages {
		if err := st.run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if first == nil {
				first = fmt.Errorf("%s stage: %w", st.name, err)
			}
		}
	}
	return first
}
