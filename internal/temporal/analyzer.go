// Package temporal classifies how an entity's risk evolves over time: rolling
// averages, trend slope, volatility and CUSUM change points, recomputed from
// the full history on every pass.
package temporal

import (
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

const day = 24 * time.Hour

// Config tunes change point detection and trajectory classification.
type Config struct {
	MinHistory int
	// CUSUMMultiplier scales the noise level into the change point threshold.
	CUSUMMultiplier float64
	// NoiseFloor is the smallest noise estimate as a fraction of the series
	// range. Piecewise-flat series have zero MAD and fall back to it.
	NoiseFloor float64
	// SlopeThreshold is the per-point trend (score units) treated as sustained.
	SlopeThreshold float64
	// VolatilityThreshold separates calm from volatile series.
	VolatilityThreshold float64
	HighRisk            float64
	LowRisk             float64
	// NewPatternMagnitude is the minimum shift that counts as a new pattern,
	// NewPatternTail the most points allowed after it.
	NewPatternMagnitude float64
	NewPatternTail      int
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		MinHistory:          5,
		CUSUMMultiplier:     4,
		NoiseFloor:          0.05,
		SlopeThreshold:      1,
		VolatilityThreshold: 15,
		HighRisk:            60,
		LowRisk:             30,
		NewPatternMagnitude: 20,
		NewPatternTail:      4,
	}
}

// Analyzer computes temporal profiles. It holds no state between calls.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer returns an Analyzer using cfg.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze builds the profile of one entity from its risk history. Points are
// ordered by date first. Rolling windows trail the most recent point.
func (a *Analyzer) Analyze(entityID string, entityType models.EntityType, history []models.RiskPoint, now time.Time) models.TemporalProfile {
	points := append([]models.RiskPoint(nil), history...)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })

	p := models.TemporalProfile{
		EntityID:     entityID,
		EntityType:   entityType,
		PointCount:   len(points),
		ChangePoints: []models.ChangePoint{},
		ComputedAt:   now,
	}
	if len(points) > 0 {
		p.PeriodStart = points[0].Date
		p.PeriodEnd = points[len(points)-1].Date
	}
	if len(points) < a.cfg.MinHistory {
		p.Trajectory = models.TrajectoryInsufficientData
		p.TrajectoryDescription, p.TrajectoryRecommendation = narrative(p.Trajectory)
		return p
	}

	values := make([]float64, len(points))
	for i, pt := range points {
		values[i] = pt.Score
	}

	p.RollingAvg30d = round(rollingAverage(points, p.PeriodEnd, 30*day), 4)
	p.RollingAvg90d = round(rollingAverage(points, p.PeriodEnd, 90*day), 4)
	p.RollingAvg365d = round(rollingAverage(points, p.PeriodEnd, 365*day), 4)

	slope, r2 := olsSlope(values)
	p.TrendSlope = round(slope, 4)
	p.Volatility = round(volatility(values), 4)

	sigma := noiseLevel(values, a.cfg.NoiseFloor)
	if cps := detectChangePoints(points, a.cfg.CUSUMMultiplier, sigma); len(cps) > 0 {
		p.ChangePoints = cps
	}

	p.Trajectory, p.TrajectoryConfidence = a.classify(p, len(points), r2)
	p.TrajectoryConfidence = round(p.TrajectoryConfidence, 4)
	p.TrajectoryDescription, p.TrajectoryRecommendation = narrative(p.Trajectory)
	return p
}

// classify applies the decision rule in priority order. A single recent
// large shift wins over slope, since a step also produces a positive slope.
func (a *Analyzer) classify(p models.TemporalProfile, n int, r2 float64) (models.Trajectory, float64) {
	c := a.cfg
	size := math.Min(1, float64(n)/30)

	if len(p.ChangePoints) == 1 {
		cp := p.ChangePoints[0]
		if cp.Magnitude >= c.NewPatternMagnitude && n-cp.Index <= c.NewPatternTail {
			return models.TrajectoryNewPattern, 0.5*size + 0.5*cp.Confidence
		}
	}

	calm := p.Volatility <= c.VolatilityThreshold
	switch {
	case p.TrendSlope >= c.SlopeThreshold && calm:
		return models.TrajectoryEscalating, 0.5*size + 0.5*r2
	case p.TrendSlope <= -c.SlopeThreshold:
		return models.TrajectoryDeclining, 0.5*size + 0.5*r2
	case !calm && math.Abs(p.TrendSlope) < c.SlopeThreshold:
		return models.TrajectoryVolatile, 0.5*size + 0.5*math.Min(1, p.Volatility/(2*c.VolatilityThreshold))
	}

	steadiness := 1 - math.Min(1, p.Volatility/(2*c.VolatilityThreshold))
	if sustained(p, func(v float64) bool { return v >= c.HighRisk }) {
		return models.TrajectoryStableHigh, 0.5*size + 0.5*steadiness
	}
	if sustained(p, func(v float64) bool { return v <= c.LowRisk }) {
		return models.TrajectoryStableLow, 0.5*size + 0.5*steadiness
	}
	return models.TrajectoryModerate, 0.5 * size
}

// sustained reports whether every populated rolling window satisfies ok.
// Empty windows average to zero and are skipped unless all are empty.
func sustained(p models.TemporalProfile, ok func(float64) bool) bool {
	windows := []float64{p.RollingAvg30d, p.RollingAvg90d, p.RollingAvg365d}
	seen := false
	for _, w := range windows {
		if w == 0 {
			continue
		}
		seen = true
		if !ok(w) {
			return false
		}
	}
	return seen || ok(0)
}

func narrative(t models.Trajectory) (description, recommendation string) {
	switch t {
	case models.TrajectoryEscalating:
		return "Risk has been rising steadily across recent tenders.",
			"escalating: prioritize for review"
	case models.TrajectoryStableHigh:
		return "Risk has stayed high across the 30, 90 and 365 day windows.",
			"persistently high: schedule an in-depth audit"
	case models.TrajectoryStableLow:
		return "Risk has stayed low across all windows.",
			"low risk: routine monitoring is sufficient"
	case models.TrajectoryDeclining:
		return "Risk has been falling across recent tenders.",
			"improving: keep monitoring and confirm the trend"
	case models.TrajectoryVolatile:
		return "Risk swings widely from tender to tender without a clear direction.",
			"erratic: review the highest-scoring tenders individually"
	case models.TrajectoryNewPattern:
		return "A sharp recent shift in risk level with little history after it.",
			"new pattern: review the tenders around the change point"
	case models.TrajectoryInsufficientData:
		return "Not enough scored tenders to establish a trend.",
			"collect more history before drawing conclusions"
	default:
		return "Risk sits in the middle range without a clear trend.",
			"moderate: standard monitoring"
	}
}
