package models

import (
	"errors"
	"time"
)

// Verdict is a human reviewer's judgement on a tender or a single flag.
type Verdict string

const (
	VerdictConfirmed     Verdict = "confirmed"
	VerdictFalsePositive Verdict = "false_positive"
	VerdictInconclusive  Verdict = "inconclusive"
)

// ReviewFeedback is ground truth for calibration. Exactly one of TenderID or
// FlagID targets the verdict.
type ReviewFeedback struct {
	ID         string    `json:"id"`
	TenderID   string    `json:"tender_id,omitempty"`
	FlagID     string    `json:"flag_id,omitempty"`
	Verdict    Verdict   `json:"verdict"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

func (f *ReviewFeedback) Validate() error {
	if (f.TenderID == "") == (f.FlagID == "") {
		return errors.New("feedback must target exactly one of tender or flag")
	}
	switch f.Verdict {
	case VerdictConfirmed, VerdictFalsePositive, VerdictInconclusive:
	default:
		return errors.New("verdict must be one of confirmed, false_positive, inconclusive")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return errors.New("confidence must be between 0.0 and 1.0")
	}
	return nil
}

// Label converts a tender verdict into a binary calibration label.
// Inconclusive verdicts carry no label.
func (f *ReviewFeedback) Label() (int, bool) {
	switch f.Verdict {
	case VerdictConfirmed:
		return 1, true
	case VerdictFalsePositive:
		return 0, true
	}
	return 0, false
}
