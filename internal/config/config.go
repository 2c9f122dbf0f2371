package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/tenderwatch/internal/calibration"
	"github.com/rewired-gh/tenderwatch/internal/flags"
	"github.com/rewired-gh/tenderwatch/internal/models"
	"github.com/rewired-gh/tenderwatch/internal/pipeline"
	"github.com/rewired-gh/tenderwatch/internal/temporal"
)

// Config represents the complete application configuration
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Ensemble    EnsembleConfig    `mapstructure:"ensemble"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Temporal    TemporalConfig    `mapstructure:"temporal"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Lock        LockConfig        `mapstructure:"lock"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// ScoringConfig drives flag detection and the CRI aggregation.
type ScoringConfig struct {
	SeverityWeights    map[string]float64 `mapstructure:"severity_weights"`
	ModelWeight        float64            `mapstructure:"model_weight"`
	CollusionWeight    float64            `mapstructure:"collusion_weight"`
	CausalWeight       float64            `mapstructure:"causal_weight"`
	HighValueThreshold float64            `mapstructure:"high_value_threshold"`
	PastAwardsLimit    int                `mapstructure:"past_awards_limit"`
	Workers            int                `mapstructure:"workers"`
	BatchSize          int                `mapstructure:"batch_size"`
	Interval           time.Duration      `mapstructure:"interval"`
}

// EnsembleConfig points at the external risk model. An empty URL disables it.
type EnsembleConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

type CalibrationConfig struct {
	ModelName         string        `mapstructure:"model_name"`
	Alpha             float64       `mapstructure:"alpha"`
	ECEThreshold      float64       `mapstructure:"ece_threshold"`
	CoverageTolerance float64       `mapstructure:"coverage_tolerance"`
	Bins              int           `mapstructure:"bins"`
	HoldoutFraction   float64       `mapstructure:"holdout_fraction"`
	MinSamples        int           `mapstructure:"min_samples"`
	FallbackHalfWidth float64       `mapstructure:"fallback_half_width"`
	RefitInterval     time.Duration `mapstructure:"refit_interval"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	DriftWindow       time.Duration `mapstructure:"drift_window"`
	RefitOnDrift      bool          `mapstructure:"refit_on_drift"`
}

type TemporalConfig struct {
	MinHistory      int           `mapstructure:"min_history"`
	CUSUMMultiplier float64       `mapstructure:"cusum_multiplier"`
	Interval        time.Duration `mapstructure:"interval"`
}

type AlertsConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// LockConfig selects the refit lock. An empty RedisAddr keeps the lock in
// process.
type LockConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TelegramConfig holds operator notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// TENDERWATCH_TELEGRAM_BOT_TOKEN overrides telegram.bot_token
	v.SetEnvPrefix("TENDERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.db_path", "./data/tenderwatch.db")

	w := flags.DefaultWeights()
	v.SetDefault("scoring.severity_weights", map[string]float64{
		"low":      w.Severity[models.SeverityLow],
		"medium":   w.Severity[models.SeverityMedium],
		"high":     w.Severity[models.SeverityHigh],
		"critical": w.Severity[models.SeverityCritical],
	})
	v.SetDefault("scoring.model_weight", w.Model)
	v.SetDefault("scoring.collusion_weight", w.Collusion)
	v.SetDefault("scoring.causal_weight", w.Causal)
	v.SetDefault("scoring.high_value_threshold", flags.DefaultThresholds().HighValue)
	v.SetDefault("scoring.past_awards_limit", 50)
	v.SetDefault("scoring.workers", 8)
	v.SetDefault("scoring.batch_size", 500)
	v.SetDefault("scoring.interval", "5m")

	v.SetDefault("ensemble.url", "")
	v.SetDefault("ensemble.timeout", "10s")
	v.SetDefault("ensemble.max_retries", 3)
	v.SetDefault("ensemble.retry_delay_base", "1s")

	c := calibration.DefaultConfig()
	v.SetDefault("calibration.model_name", "cri")
	v.SetDefault("calibration.alpha", 0.1)
	v.SetDefault("calibration.ece_threshold", c.ECEThreshold)
	v.SetDefault("calibration.coverage_tolerance", c.CoverageTolerance)
	v.SetDefault("calibration.bins", c.Bins)
	v.SetDefault("calibration.holdout_fraction", c.HoldoutFraction)
	v.SetDefault("calibration.min_samples", c.MinSamples)
	v.SetDefault("calibration.fallback_half_width", c.FallbackHalfWidth)
	v.SetDefault("calibration.refit_interval", "168h")
	v.SetDefault("calibration.check_interval", "24h")
	v.SetDefault("calibration.drift_window", "2160h")
	v.SetDefault("calibration.refit_on_drift", true)

	tc := temporal.DefaultConfig()
	v.SetDefault("temporal.min_history", tc.MinHistory)
	v.SetDefault("temporal.cusum_multiplier", tc.CUSUMMultiplier)
	v.SetDefault("temporal.interval", "168h")

	v.SetDefault("alerts.interval", "15m")
	v.SetDefault("alerts.batch_size", 500)

	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.ttl", "30m")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "tenderwatch.alerts")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	// Scoring
	if err := c.Scoring.Weights().Validate(); err != nil {
		return fmt.Errorf("scoring weights: %w", err)
	}
	if c.Scoring.HighValueThreshold <= 0 {
		return fmt.Errorf("scoring.high_value_threshold must be positive")
	}
	if c.Scoring.Workers < 1 {
		return fmt.Errorf("scoring.workers must be at least 1")
	}
	if c.Scoring.BatchSize < 1 {
		return fmt.Errorf("scoring.batch_size must be at least 1")
	}
	if c.Scoring.Interval < 1*time.Minute {
		return fmt.Errorf("scoring.interval must be at least 1 minute")
	}

	if c.Ensemble.URL != "" && c.Ensemble.Timeout <= 0 {
		return fmt.Errorf("ensemble.timeout must be positive")
	}

	// Calibration
	if c.Calibration.ModelName == "" {
		return fmt.Errorf("calibration.model_name is required")
	}
	if c.Calibration.Alpha <= 0 || c.Calibration.Alpha >= 1 {
		return fmt.Errorf("calibration.alpha must be between 0.0 and 1.0")
	}
	if err := c.Calibration.Engine().Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if c.Calibration.MinSamples < 2 {
		return fmt.Errorf("calibration.min_samples must be at least 2")
	}
	if c.Calibration.RefitInterval < 1*time.Hour {
		return fmt.Errorf("calibration.refit_interval must be at least 1 hour")
	}
	if c.Calibration.CheckInterval < 1*time.Hour {
		return fmt.Errorf("calibration.check_interval must be at least 1 hour")
	}
	if c.Calibration.DriftWindow < 0 {
		return fmt.Errorf("calibration.drift_window must not be negative")
	}

	// Temporal
	if c.Temporal.MinHistory < 2 {
		return fmt.Errorf("temporal.min_history must be at least 2")
	}
	if c.Temporal.CUSUMMultiplier <= 0 {
		return fmt.Errorf("temporal.cusum_multiplier must be positive")
	}
	if c.Temporal.Interval < 1*time.Hour {
		return fmt.Errorf("temporal.interval must be at least 1 hour")
	}

	// Alerts
	if c.Alerts.Interval < 1*time.Minute {
		return fmt.Errorf("alerts.interval must be at least 1 minute")
	}
	if c.Alerts.BatchSize < 1 {
		return fmt.Errorf("alerts.batch_size must be at least 1")
	}

	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Weights converts the scoring section into aggregator weights.
func (s ScoringConfig) Weights() flags.Weights {
	sev := make(map[models.Severity]float64, len(s.SeverityWeights))
	for k, v := range s.SeverityWeights {
		sev[models.Severity(strings.ToLower(k))] = v
	}
	return flags.Weights{
		Severity:  sev,
		Model:     s.ModelWeight,
		Collusion: s.CollusionWeight,
		Causal:    s.CausalWeight,
	}
}

func (s ScoringConfig) Thresholds() flags.Thresholds {
	th := flags.DefaultThresholds()
	th.HighValue = s.HighValueThreshold
	return th
}

// Engine converts the calibration section into engine settings. Uncertainty
// bands keep their defaults.
func (c CalibrationConfig) Engine() calibration.Config {
	cfg := calibration.DefaultConfig()
	cfg.ECEThreshold = c.ECEThreshold
	cfg.CoverageTolerance = c.CoverageTolerance
	cfg.Bins = c.Bins
	cfg.HoldoutFraction = c.HoldoutFraction
	cfg.MinSamples = c.MinSamples
	cfg.FallbackHalfWidth = c.FallbackHalfWidth
	return cfg
}

func (t TemporalConfig) Analyzer() temporal.Config {
	cfg := temporal.DefaultConfig()
	cfg.MinHistory = t.MinHistory
	cfg.CUSUMMultiplier = t.CUSUMMultiplier
	return cfg
}

// Pipeline assembles the runner settings spread over several sections.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Workers:         c.Scoring.Workers,
		BatchSize:       c.Scoring.BatchSize,
		AlertBatchSize:  c.Alerts.BatchSize,
		ModelName:       c.Calibration.ModelName,
		Alpha:           c.Calibration.Alpha,
		DriftWindow:     c.Calibration.DriftWindow,
		PastAwardsLimit: c.Scoring.PastAwardsLimit,
		LockTTL:         c.Lock.TTL,
		RefitOnDrift:    c.Calibration.RefitOnDrift,
	}
}
