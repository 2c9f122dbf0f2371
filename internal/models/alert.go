package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RuleType selects the predicate a subscription evaluates.
type RuleType string

const (
	RuleHighRiskScore         RuleType = "high_risk_score"
	RuleSingleBidderHighValue RuleType = "single_bidder_high_value"
	RuleWatchedEntity         RuleType = "watched_entity"
	RuleMultipleFlags         RuleType = "multiple_flags"
	RuleEscalatingRisk        RuleType = "escalating_risk"
)

// ErrInvalidRuleConfig is returned when a rule_config payload is missing a key
// its rule type requires, or carries an out-of-range value.
var ErrInvalidRuleConfig = errors.New("invalid rule config")

// RuleConfig is the typed payload of a subscription. Each rule type has
// exactly one implementation; the unexported method closes the set.
type RuleConfig interface {
	RuleType() RuleType
	isRuleConfig()
}

type HighRiskScoreConfig struct {
	Threshold float64 `json:"threshold"`
}

type SingleBidderHighValueConfig struct {
	ValueThreshold float64 `json:"value_threshold"`
}

type WatchedEntityConfig struct {
	WatchedEntities []string `json:"watched_entities"`
}

type MultipleFlagsConfig struct {
	FlagThreshold int `json:"flag_threshold"`
}

type EscalatingRiskConfig struct{}

func (HighRiskScoreConfig) RuleType() RuleType         { return RuleHighRiskScore }
func (SingleBidderHighValueConfig) RuleType() RuleType { return RuleSingleBidderHighValue }
func (WatchedEntityConfig) RuleType() RuleType         { return RuleWatchedEntity }
func (MultipleFlagsConfig) RuleType() RuleType         { return RuleMultipleFlags }
func (EscalatingRiskConfig) RuleType() RuleType        { return RuleEscalatingRisk }

func (HighRiskScoreConfig) isRuleConfig()         {}
func (SingleBidderHighValueConfig) isRuleConfig() {}
func (WatchedEntityConfig) isRuleConfig()         {}
func (MultipleFlagsConfig) isRuleConfig()         {}
func (EscalatingRiskConfig) isRuleConfig()        {}

// ParseRuleConfig decodes the stored JSON payload of a subscription into the
// variant matching ruleType.
func ParseRuleConfig(ruleType RuleType, raw []byte) (RuleConfig, error) {
	var fields map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRuleConfig, err)
		}
	}
	require := func(key string, dst any) error {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			return fmt.Errorf("%w: %s requires %q", ErrInvalidRuleConfig, ruleType, key)
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidRuleConfig, ruleType, key, err)
		}
		return nil
	}

	switch ruleType {
	case RuleHighRiskScore:
		var c HighRiskScoreConfig
		if err := require("threshold", &c.Threshold); err != nil {
			return nil, err
		}
		if c.Threshold < 0 || c.Threshold > 1 {
			return nil, fmt.Errorf("%w: threshold must be between 0.0 and 1.0", ErrInvalidRuleConfig)
		}
		return c, nil
	case RuleSingleBidderHighValue:
		var c SingleBidderHighValueConfig
		if err := require("value_threshold", &c.ValueThreshold); err != nil {
			return nil, err
		}
		if c.ValueThreshold < 0 {
			return nil, fmt.Errorf("%w: value_threshold must not be negative", ErrInvalidRuleConfig)
		}
		return c, nil
	case RuleWatchedEntity:
		var c WatchedEntityConfig
		if err := require("watched_entities", &c.WatchedEntities); err != nil {
			return nil, err
		}
		if len(c.WatchedEntities) == 0 {
			return nil, fmt.Errorf("%w: watched_entities must not be empty", ErrInvalidRuleConfig)
		}
		return c, nil
	case RuleMultipleFlags:
		var c MultipleFlagsConfig
		if err := require("flag_threshold", &c.FlagThreshold); err != nil {
			return nil, err
		}
		if c.FlagThreshold < 1 {
			return nil, fmt.Errorf("%w: flag_threshold must be at least 1", ErrInvalidRuleConfig)
		}
		return c, nil
	case RuleEscalatingRisk:
		return EscalatingRiskConfig{}, nil
	}
	return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalidRuleConfig, ruleType)
}

// MarshalRuleConfig encodes c for storage.
func MarshalRuleConfig(c RuleConfig) ([]byte, error) {
	return json.Marshal(c)
}

// AlertSubscription is a user-owned rule. RawConfig is kept as stored so a
// malformed payload surfaces at evaluation time instead of at load time.
type AlertSubscription struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	RuleType       RuleType        `json:"rule_type"`
	RawConfig      json.RawMessage `json:"rule_config"`
	SeverityFilter Severity        `json:"severity_filter,omitempty"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Alert is produced at most once per (UserID, TenderID, RuleType). Only Read
// changes after insertion.
type Alert struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	TenderID       string    `json:"tender_id"`
	RuleType       RuleType  `json:"rule_type"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Details        string    `json:"details"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// DedupKey is the uniqueness key of an alert.
func (a *Alert) DedupKey() string {
	return strings.Join([]string{a.UserID, a.TenderID, string(a.RuleType)}, "|")
}
