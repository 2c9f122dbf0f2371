package temporal

import (
	"math"
	"testing"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

var start = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func series(scores ...float64) []models.RiskPoint {
	out := make([]models.RiskPoint, len(scores))
	for i, s := range scores {
		out[i] = models.RiskPoint{
			TenderID: "t" + string(rune('a'+i%26)),
			Date:     start.Add(time.Duration(i) * day),
			Score:    s,
		}
	}
	return out
}

func generate(n int, f func(i int) float64) []models.RiskPoint {
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = f(i)
	}
	return series(scores...)
}

func TestAnalyzeInsufficientHistory(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	p := a.Analyze("inst-1", models.EntityInstitution, series(40, 90, 10), start)

	if p.Trajectory != models.TrajectoryInsufficientData {
		t.Fatalf("Trajectory = %s, want insufficient_data", p.Trajectory)
	}
	if p.TrendSlope != 0 || p.Volatility != 0 || p.RollingAvg30d != 0 {
		t.Errorf("statistics not zeroed: %+v", p)
	}
	if p.ChangePoints == nil || len(p.ChangePoints) != 0 {
		t.Errorf("ChangePoints = %v, want empty slice", p.ChangePoints)
	}
	if p.PointCount != 3 {
		t.Errorf("PointCount = %d, want 3", p.PointCount)
	}
	if p.TrajectoryRecommendation == "" {
		t.Error("expected a recommendation")
	}
}

func TestAnalyzeDetectsStep(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	wobble := []float64{0, 1, -1, 0.5, -0.5}
	history := generate(20, func(i int) float64 {
		base := 20.0
		if i >= 10 {
			base = 70
		}
		return base + wobble[i%len(wobble)]
	})

	p := a.Analyze("co-1", models.EntityCompany, history, start)
	if len(p.ChangePoints) == 0 {
		t.Fatal("expected a change point")
	}
	cp := p.ChangePoints[0]
	if math.Abs(float64(cp.Index-10)) > 2 {
		t.Errorf("change point index = %d, want 10±2", cp.Index)
	}
	if cp.Direction != models.DirectionIncrease {
		t.Errorf("Direction = %s, want increase", cp.Direction)
	}
	if cp.Magnitude < 40 {
		t.Errorf("Magnitude = %v, want about 50", cp.Magnitude)
	}
	if cp.Confidence <= 0 || cp.Confidence > 1 {
		t.Errorf("Confidence = %v out of (0,1]", cp.Confidence)
	}
}

func TestAnalyzeDetectsSmallStepBetweenFlatSegments(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	history := generate(20, func(i int) float64 {
		if i >= 10 {
			return 35
		}
		return 30
	})

	p := a.Analyze("inst-3", models.EntityInstitution, history, start)
	if len(p.ChangePoints) != 1 {
		t.Fatalf("ChangePoints = %+v, want exactly one", p.ChangePoints)
	}
	cp := p.ChangePoints[0]
	if math.Abs(float64(cp.Index-10)) > 2 {
		t.Errorf("change point index = %d, want 10±2", cp.Index)
	}
	if cp.Direction != models.DirectionIncrease {
		t.Errorf("Direction = %s, want increase", cp.Direction)
	}
	if cp.Magnitude != 5 {
		t.Errorf("Magnitude = %v, want 5", cp.Magnitude)
	}
}

func TestAnalyzeConstantSeriesHasNoChangePoints(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	p := a.Analyze("inst-4", models.EntityInstitution, generate(20, func(int) float64 { return 42 }), start)
	if len(p.ChangePoints) != 0 {
		t.Errorf("ChangePoints = %v, want none", p.ChangePoints)
	}
}

func TestAnalyzeFlatSeriesHasNoChangePoints(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	p := a.Analyze("inst-2", models.EntityInstitution, generate(15, func(i int) float64 {
		return 50 + float64(i%2)
	}), start)
	if len(p.ChangePoints) != 0 {
		t.Errorf("ChangePoints = %v, want none", p.ChangePoints)
	}
}

func TestAnalyzeTrajectories(t *testing.T) {
	tests := []struct {
		name    string
		history []models.RiskPoint
		want    models.Trajectory
	}{
		{"escalating", generate(20, func(i int) float64 { return 10 + 3*float64(i) }), models.TrajectoryEscalating},
		{"declining", generate(20, func(i int) float64 { return 80 - 3*float64(i) }), models.TrajectoryDeclining},
		{"stable high", generate(12, func(i int) float64 { return 75 + 2*float64(i%2) }), models.TrajectoryStableHigh},
		{"stable low", generate(12, func(i int) float64 { return 10 + 2*float64(i%2) }), models.TrajectoryStableLow},
		{"volatile", generate(20, func(i int) float64 { return 20 + 50*float64(i%2) }), models.TrajectoryVolatile},
		{"moderate", generate(12, func(i int) float64 { return 45 + 2*float64(i%2) }), models.TrajectoryModerate},
		{"new pattern", generate(19, func(i int) float64 {
			if i >= 16 {
				return 70
			}
			return 20
		}), models.TrajectoryNewPattern},
	}

	a := NewAnalyzer(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := a.Analyze("e", models.EntityInstitution, tt.history, start)
			if p.Trajectory != tt.want {
				t.Errorf("Trajectory = %s, want %s (slope %.2f volatility %.2f cps %d)",
					p.Trajectory, tt.want, p.TrendSlope, p.Volatility, len(p.ChangePoints))
			}
			if p.TrajectoryConfidence < 0 || p.TrajectoryConfidence > 1 {
				t.Errorf("TrajectoryConfidence = %v", p.TrajectoryConfidence)
			}
			if p.TrajectoryDescription == "" {
				t.Error("missing description")
			}
		})
	}
}

func TestAnalyzeSortsByDate(t *testing.T) {
	ordered := generate(10, func(i int) float64 { return 10 + 5*float64(i) })
	shuffled := []models.RiskPoint{ordered[3], ordered[9], ordered[0], ordered[5], ordered[1], ordered[8], ordered[2], ordered[7], ordered[4], ordered[6]}

	a := NewAnalyzer(DefaultConfig())
	p := a.Analyze("e", models.EntityCompany, shuffled, start)
	if p.TrendSlope != 5 {
		t.Errorf("TrendSlope = %v, want 5", p.TrendSlope)
	}
	if !p.PeriodStart.Equal(ordered[0].Date) || !p.PeriodEnd.Equal(ordered[9].Date) {
		t.Errorf("period = %v..%v", p.PeriodStart, p.PeriodEnd)
	}
	if shuffled[0].Score != ordered[3].Score {
		t.Error("input slice was reordered")
	}
}

func TestRollingAverageWindows(t *testing.T) {
	end := start.Add(400 * day)
	points := []models.RiskPoint{
		{Date: end.Add(-300 * day), Score: 90},
		{Date: end.Add(-60 * day), Score: 60},
		{Date: end.Add(-10 * day), Score: 30},
		{Date: end, Score: 10},
	}
	if got := rollingAverage(points, end, 30*day); got != 20 {
		t.Errorf("30d = %v, want 20", got)
	}
	if got := rollingAverage(points, end, 90*day); math.Abs(got-100.0/3) > 1e-9 {
		t.Errorf("90d = %v, want 33.33", got)
	}
	if got := rollingAverage(points, end, 365*day); got != 47.5 {
		t.Errorf("365d = %v, want 47.5", got)
	}
}

func TestVolatilityAndSlope(t *testing.T) {
	if v := volatility([]float64{1, 2, 3, 4}); v != 0 {
		t.Errorf("volatility of a ramp = %v, want 0", v)
	}
	slope, r2 := olsSlope([]float64{2, 4, 6, 8})
	if math.Abs(slope-2) > 1e-12 || math.Abs(r2-1) > 1e-12 {
		t.Errorf("olsSlope = %v, %v", slope, r2)
	}
}
