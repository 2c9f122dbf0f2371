package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Severity ranks how strongly a flag or alert should be weighed.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s is at or above min. An empty min accepts everything.
func (s Severity) AtLeast(min Severity) bool {
	if min == "" {
		return true
	}
	return s.Rank() >= min.Rank()
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// FlagType names one heuristic of the detector catalog.
type FlagType string

const (
	FlagSingleBidder          FlagType = "single_bidder"
	FlagShortDeadline         FlagType = "short_deadline"
	FlagIdenticalBids         FlagType = "identical_bids"
	FlagBidClustering         FlagType = "bid_clustering"
	FlagPriceNearEstimate     FlagType = "price_near_estimate"
	FlagAwardAboveEstimate    FlagType = "award_above_estimate"
	FlagNonLowestWinner       FlagType = "non_lowest_winner"
	FlagLateBid               FlagType = "late_bid"
	FlagRepeatWinner          FlagType = "repeat_winner"
	FlagBidRotation           FlagType = "bid_rotation"
	FlagMissingDocuments      FlagType = "missing_documents"
	FlagNonCompetitiveProcess FlagType = "non_competitive_procedure"
	FlagRoundEstimate         FlagType = "round_estimate"
	FlagWeekendPublication    FlagType = "weekend_publication"
	FlagRapidAward            FlagType = "rapid_award"
)

// Flag is one rule match against a tender. Flags are never mutated after
// detection; FalsePositive and Superseded are status fields kept beside the
// immutable record so the audit trail survives.
type Flag struct {
	ID            string         `json:"id"`
	TenderID      string         `json:"tender_id"`
	Type          FlagType       `json:"flag_type"`
	Severity      Severity       `json:"severity"`
	Confidence    float64        `json:"confidence"`
	Evidence      map[string]any `json:"evidence"`
	DetectorRev   int            `json:"detector_rev"`
	DetectedAt    time.Time      `json:"detected_at"`
	FalsePositive bool           `json:"false_positive"`
	Superseded    bool           `json:"superseded"`
}

// Counts reports whether the flag takes part in aggregation.
func (f *Flag) Counts() bool {
	return !f.FalsePositive && !f.Superseded
}

// Fingerprint hashes everything that defines the flag except detected_at
// and the status fields. Two runs over unchanged input yield equal fingerprints.
func (f *Flag) Fingerprint() string {
	evidence, err := json.Marshal(f.Evidence)
	if err != nil {
		evidence = []byte(fmt.Sprintf("%v", f.Evidence))
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%.6f|%d|", f.TenderID, f.Type, f.Severity, f.Confidence, f.DetectorRev)
	h.Write(evidence)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
