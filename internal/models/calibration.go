package models

import (
	"strconv"
	"time"
)

// CalibrationModel is one fitted, versioned parameter set. At most one model
// per (ModelName, Alpha) is Active; the store enforces it.
type CalibrationModel struct {
	ID                 string    `json:"id"`
	ModelName          string    `json:"model_name"`
	Version            int       `json:"version"`
	Alpha              float64   `json:"alpha"`
	QuantileThreshold  float64   `json:"quantile_threshold"`
	PlattA             float64   `json:"platt_a"`
	PlattB             float64   `json:"platt_b"`
	CalibrationSetSize int       `json:"calibration_set_size"`
	TrainingSetSize    int       `json:"training_set_size"`
	ECE                float64   `json:"ece"`
	MCE                float64   `json:"mce"`
	ECEThreshold       float64   `json:"ece_threshold"`
	IsWellCalibrated   bool      `json:"is_well_calibrated"`
	Active             bool      `json:"active"`
	FittedAt           time.Time `json:"fitted_at"`
}

// Tag identifies the model in RiskScore.ModelVersion.
func (m *CalibrationModel) Tag() string {
	if m == nil {
		return "identity"
	}
	return m.ModelName + "@v" + strconv.Itoa(m.Version)
}

// CalibrationCheck is one observation of live calibration quality.
type CalibrationCheck struct {
	ID             string    `json:"id"`
	ModelID        string    `json:"model_id"`
	ModelName      string    `json:"model_name"`
	ECE            float64   `json:"ece"`
	MCE            float64   `json:"mce"`
	CoverageActual float64   `json:"coverage_actual"`
	CoverageTarget float64   `json:"coverage_target"`
	NSamples       int       `json:"n_samples"`
	DriftDetected  bool      `json:"drift_detected"`
	Reasons        []string  `json:"reasons,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}
