package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
storage:
  db_path: "./data/test.db"

scoring:
  severity_weights:
    low: 4
    medium: 10
    high: 20
    critical: 35
  model_weight: 0.5
  workers: 4
  interval: 10m

calibration:
  model_name: "cri_v2"
  alpha: 0.05
  drift_window: 720h

temporal:
  cusum_multiplier: 5

kafka:
  enabled: true
  brokers:
    - localhost:9092

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Scoring.Interval != 10*time.Minute {
		t.Errorf("Unexpected scoring interval: %v", cfg.Scoring.Interval)
	}
	if cfg.Calibration.Alpha != 0.05 {
		t.Errorf("Unexpected alpha: %f", cfg.Calibration.Alpha)
	}
	if cfg.Calibration.DriftWindow != 720*time.Hour {
		t.Errorf("Unexpected drift window: %v", cfg.Calibration.DriftWindow)
	}
	if cfg.Temporal.CUSUMMultiplier != 5 {
		t.Errorf("Unexpected cusum multiplier: %f", cfg.Temporal.CUSUMMultiplier)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Topic != "tenderwatch.alerts" {
		t.Errorf("Unexpected kafka config: %+v", cfg.Kafka)
	}

	w := cfg.Scoring.Weights()
	if w.Severity[models.SeverityCritical] != 35 || w.Model != 0.5 {
		t.Errorf("Unexpected weights: %+v", w)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	p := cfg.Pipeline()
	if p.ModelName != "cri_v2" || p.Workers != 4 || p.AlertBatchSize != 500 {
		t.Errorf("Unexpected pipeline config: %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("pipeline config invalid: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Alerts.Interval != 15*time.Minute {
		t.Errorf("alerts.interval = %v, want 15m", cfg.Alerts.Interval)
	}
	if cfg.Calibration.ECEThreshold != 0.05 {
		t.Errorf("calibration.ece_threshold = %v, want 0.05", cfg.Calibration.ECEThreshold)
	}
	if cfg.Lock.RedisAddr != "" {
		t.Errorf("lock.redis_addr = %q, want in-process default", cfg.Lock.RedisAddr)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TENDERWATCH_CALIBRATION_MODEL_NAME", "from_env")
	cfg, err := Load(writeConfig(t, "calibration:\n  model_name: from_file\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Calibration.ModelName != "from_env" {
		t.Errorf("model_name = %q, want from_env", cfg.Calibration.ModelName)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/tenderwatch.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, "storage:\n  db_path: ./data/test.db\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing telegram token when enabled",
			mutate:  func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" },
			wantErr: "telegram.bot_token",
		},
		{
			name:    "alpha out of range",
			mutate:  func(c *Config) { c.Calibration.Alpha = 1.5 },
			wantErr: "calibration.alpha",
		},
		{
			name:    "decreasing severity weights",
			mutate:  func(c *Config) { c.Scoring.SeverityWeights["critical"] = 1 },
			wantErr: "scoring weights",
		},
		{
			name:    "missing severity weight",
			mutate:  func(c *Config) { delete(c.Scoring.SeverityWeights, "low") },
			wantErr: "scoring weights",
		},
		{
			name:    "non-positive ece threshold",
			mutate:  func(c *Config) { c.Calibration.ECEThreshold = 0 },
			wantErr: "calibration",
		},
		{
			name:    "too short history",
			mutate:  func(c *Config) { c.Temporal.MinHistory = 1 },
			wantErr: "temporal.min_history",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Kafka.Enabled = true },
			wantErr: "kafka.brokers",
		},
		{
			name:    "alert interval too short",
			mutate:  func(c *Config) { c.Alerts.Interval = time.Second },
			wantErr: "alerts.interval",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
