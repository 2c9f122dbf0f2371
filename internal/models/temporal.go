package models

import "time"

// EntityType distinguishes the two kinds of entities that carry a risk history.
type EntityType string

const (
	EntityInstitution EntityType = "institution"
	EntityCompany     EntityType = "company"
)

// Trajectory is the qualitative classification of an entity's risk trend.
type Trajectory string

const (
	TrajectoryInsufficientData Trajectory = "insufficient_data"
	TrajectoryEscalating       Trajectory = "escalating"
	TrajectoryStableHigh       Trajectory = "stable_high"
	TrajectoryStableLow        Trajectory = "stable_low"
	TrajectoryDeclining        Trajectory = "declining"
	TrajectoryVolatile         Trajectory = "volatile"
	TrajectoryNewPattern       Trajectory = "new_pattern"
	TrajectoryModerate         Trajectory = "moderate"
)

// Direction of a detected mean shift.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// ChangePoint marks a statistically significant shift in an entity's mean risk.
type ChangePoint struct {
	Date       time.Time `json:"date"`
	Index      int       `json:"index"`
	Direction  Direction `json:"direction"`
	Magnitude  float64   `json:"magnitude"`
	Confidence float64   `json:"confidence"`
	BeforeAvg  float64   `json:"before_avg"`
	AfterAvg   float64   `json:"after_avg"`
}

// TemporalProfile is recomputed from scratch on every pass; nothing is merged.
type TemporalProfile struct {
	EntityID                 string        `json:"entity_id"`
	EntityType               EntityType    `json:"entity_type"`
	PointCount               int           `json:"point_count"`
	RollingAvg30d            float64       `json:"rolling_avg_30d"`
	RollingAvg90d            float64       `json:"rolling_avg_90d"`
	RollingAvg365d           float64       `json:"rolling_avg_365d"`
	TrendSlope               float64       `json:"trend_slope"`
	Volatility               float64       `json:"volatility"`
	ChangePoints             []ChangePoint `json:"change_points"`
	Trajectory               Trajectory    `json:"trajectory"`
	TrajectoryConfidence     float64       `json:"trajectory_confidence"`
	TrajectoryDescription    string        `json:"trajectory_description"`
	TrajectoryRecommendation string        `json:"trajectory_recommendation"`
	PeriodStart              time.Time     `json:"period_start"`
	PeriodEnd                time.Time     `json:"period_end"`
	ComputedAt               time.Time     `json:"computed_at"`
}

// EntityRef names one entity with a risk history.
type EntityRef struct {
	Type EntityType
	ID   string
}
