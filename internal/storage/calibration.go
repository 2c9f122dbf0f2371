package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

const modelCols = `id, model_name, version, alpha, quantile_threshold, platt_a, platt_b,
	calibration_set_size, training_set_size, ece, mce, ece_threshold,
	is_well_calibrated, active, fitted_at`

// ActivateCalibrationModel stores m as the next version for its
// (model_name, alpha) and makes it the only active one, in one transaction.
// Every stored score produced under another version is queued for rescoring.
// m.Version and m.Active are updated in place.
func (s *Storage) ActivateCalibrationModel(ctx context.Context, m *models.CalibrationModel) error {
	if m.ID == "" || m.ModelName == "" {
		return errors.New("calibration model requires ID and name")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var version int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM calibration_models
		WHERE model_name = ? AND alpha = ?`, m.ModelName, m.Alpha).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read model version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE calibration_models SET active = 0
		WHERE model_name = ? AND alpha = ? AND active = 1`, m.ModelName, m.Alpha); err != nil {
		return fmt.Errorf("failed to deactivate previous model: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration_models (`+modelCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,1,?)`,
		m.ID, m.ModelName, version+1, m.Alpha, m.QuantileThreshold, m.PlattA, m.PlattB,
		m.CalibrationSetSize, m.TrainingSetSize, m.ECE, m.MCE, m.ECEThreshold,
		boolToInt(m.IsWellCalibrated), toNanos(m.FittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert calibration model: %w", err)
	}
	tag := (&models.CalibrationModel{ModelName: m.ModelName, Version: version + 1}).Tag()
	if err := queueRescore(ctx, tx, `model_version != ?`, tag); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit calibration model: %w", err)
	}
	m.Version = version + 1
	m.Active = true
	return nil
}

// ActiveCalibrationModel returns the active model for (name, alpha), or
// ErrNotFound when none has been fit yet.
func (s *Storage) ActiveCalibrationModel(ctx context.Context, name string, alpha float64) (*models.CalibrationModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+modelCols+` FROM calibration_models
		WHERE model_name = ? AND alpha = ? AND active = 1`, name, alpha)
	m, err := scanModel(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration model %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration model: %w", err)
	}
	return m, nil
}

// CountActiveModels is the number of active versions for (name, alpha).
func (s *Storage) CountActiveModels(ctx context.Context, name string, alpha float64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM calibration_models
		WHERE model_name = ? AND alpha = ? AND active = 1`, name, alpha).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count models: %w", err)
	}
	return n, nil
}

// AddCalibrationCheck records a check. When it detected drift, scores
// produced by the checked model that are not already marked high
// uncertainty are queued for rescoring in the same transaction.
func (s *Storage) AddCalibrationCheck(ctx context.Context, c *models.CalibrationCheck) error {
	reasons, err := json.Marshal(c.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration_checks
			(id, model_id, model_name, ece, mce, coverage_actual, coverage_target,
			 n_samples, drift_detected, reasons, checked_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ModelID, c.ModelName, c.ECE, c.MCE, c.CoverageActual, c.CoverageTarget,
		c.NSamples, boolToInt(c.DriftDetected), string(reasons), toNanos(c.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert calibration check: %w", err)
	}

	if c.DriftDetected {
		m := models.CalibrationModel{}
		err := tx.QueryRowContext(ctx,
			`SELECT model_name, version FROM calibration_models WHERE id = ?`, c.ModelID,
		).Scan(&m.ModelName, &m.Version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// unknown model: nothing was scored with it
		case err != nil:
			return fmt.Errorf("failed to read checked model: %w", err)
		default:
			err = queueRescore(ctx, tx, `model_version = ? AND uncertainty != ?`,
				m.Tag(), string(models.UncertaintyHigh))
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit calibration check: %w", err)
	}
	return nil
}

// RequestRescore queues tenders for rescoring, e.g. after the ensemble
// service re-ran or a prediction failed.
func (s *Storage) RequestRescore(ctx context.Context, tenderIDs ...string) error {
	if len(tenderIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	for _, id := range tenderIDs {
		if err := logChange(ctx, tx, id, ChangeRescore, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rescore request: %w", err)
	}
	return nil
}

// queueRescore logs a rescore change for every stored score matching where.
func queueRescore(ctx context.Context, ex execer, where string, args ...any) error {
	args = append([]any{string(ChangeRescore), toNanos(time.Now())}, args...)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO tender_changes (tender_id, kind, changed_at)
		SELECT tender_id, ?, ? FROM risk_scores WHERE `+where+`
		ORDER BY tender_id`, args...)
	if err != nil {
		return fmt.Errorf("failed to queue rescore: %w", err)
	}
	return nil
}

// LatestCalibrationCheck returns the most recent check of a model version.
func (s *Storage) LatestCalibrationCheck(ctx context.Context, modelID string) (*models.CalibrationCheck, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model_id, model_name, ece, mce, coverage_actual, coverage_target,
		       n_samples, drift_detected, reasons, checked_at
		FROM calibration_checks WHERE model_id = ?
		ORDER BY checked_at DESC, id LIMIT 1`, modelID)

	var c models.CalibrationCheck
	var drift int
	var reasons string
	var checkedAt int64
	err := row.Scan(
		&c.ID, &c.ModelID, &c.ModelName, &c.ECE, &c.MCE, &c.CoverageActual, &c.CoverageTarget,
		&c.NSamples, &drift, &reasons, &checkedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration check for %s: %w", modelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration check: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &c.Reasons); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
	}
	c.DriftDetected = drift != 0
	c.CheckedAt = fromNanos(checkedAt)
	return &c, nil
}

func scanModel(scan func(...any) error) (*models.CalibrationModel, error) {
	var m models.CalibrationModel
	var wellCalibrated, active int
	var fittedAt int64
	err := scan(
		&m.ID, &m.ModelName, &m.Version, &m.Alpha, &m.QuantileThreshold, &m.PlattA, &m.PlattB,
		&m.CalibrationSetSize, &m.TrainingSetSize, &m.ECE, &m.MCE, &m.ECEThreshold,
		&wellCalibrated, &active, &fittedAt,
	)
	if err != nil {
		return nil, err
	}
	m.IsWellCalibrated = wellCalibrated != 0
	m.Active = active != 0
	m.FittedAt = fromNanos(fittedAt)
	return &m, nil
}
