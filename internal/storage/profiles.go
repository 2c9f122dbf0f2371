package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

// SaveTemporalProfile overwrites the profile of an entity.
func (s *Storage) SaveTemporalProfile(ctx context.Context, p *models.TemporalProfile) error {
	cps := p.ChangePoints
	if cps == nil {
		cps = []models.ChangePoint{}
	}
	changePoints, err := json.Marshal(cps)
	if err != nil {
		return fmt.Errorf("failed to marshal change points: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO temporal_profiles
			(entity_type, entity_id, point_count, rolling_avg_30d, rolling_avg_90d,
			 rolling_avg_365d, trend_slope, volatility, change_points, trajectory,
			 trajectory_confidence, trajectory_description, trajectory_recommendation,
			 period_start, period_end, computed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(p.EntityType), p.EntityID, p.PointCount, p.RollingAvg30d, p.RollingAvg90d,
		p.RollingAvg365d, p.TrendSlope, p.Volatility, string(changePoints), string(p.Trajectory),
		p.TrajectoryConfidence, p.TrajectoryDescription, p.TrajectoryRecommendation,
		toNanos(p.PeriodStart), toNanos(p.PeriodEnd), toNanos(p.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save temporal profile: %w", err)
	}
	return nil
}

func (s *Storage) GetTemporalProfile(ctx context.Context, ref models.EntityRef) (*models.TemporalProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, point_count, rolling_avg_30d, rolling_avg_90d,
		       rolling_avg_365d, trend_slope, volatility, change_points, trajectory,
		       trajectory_confidence, trajectory_description, trajectory_recommendation,
		       period_start, period_end, computed_at
		FROM temporal_profiles WHERE entity_type = ? AND entity_id = ?`,
		string(ref.Type), ref.ID)

	var p models.TemporalProfile
	var typ, changePoints, trajectory string
	var start, end, computed int64
	err := row.Scan(
		&typ, &p.EntityID, &p.PointCount, &p.RollingAvg30d, &p.RollingAvg90d,
		&p.RollingAvg365d, &p.TrendSlope, &p.Volatility, &changePoints, &trajectory,
		&p.TrajectoryConfidence, &p.TrajectoryDescription, &p.TrajectoryRecommendation,
		&start, &end, &computed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("temporal profile %s/%s: %w", ref.Type, ref.ID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get temporal profile: %w", err)
	}
	if err := json.Unmarshal([]byte(changePoints), &p.ChangePoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change points: %w", err)
	}
	p.EntityType = models.EntityType(typ)
	p.Trajectory = models.Trajectory(trajectory)
	p.PeriodStart = fromNanos(start)
	p.PeriodEnd = fromNanos(end)
	p.ComputedAt = fromNanos(computed)
	return &p, nil
}
