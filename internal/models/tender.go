// Package models defines the core domain entities: tenders, flags, risk scores,
// calibration models, temporal profiles, subscriptions and alerts.
package models

import (
	"errors"
	"time"
)

// TenderStatus is the lifecycle state of a tender.
type TenderStatus string

const (
	TenderOpen      TenderStatus = "open"
	TenderClosed    TenderStatus = "closed"
	TenderAwarded   TenderStatus = "awarded"
	TenderCancelled TenderStatus = "cancelled"
)

// Valid reports whether s is a known lifecycle status.
func (s TenderStatus) Valid() bool {
	switch s {
	case TenderOpen, TenderClosed, TenderAwarded, TenderCancelled:
		return true
	}
	return false
}

// Tender is a procurement notice as delivered by the ingestion collaborator.
// The pipeline only reads it.
type Tender struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	InstitutionID      string       `json:"institution_id"`
	InstitutionName    string       `json:"institution_name"`
	ProcedureType      string       `json:"procedure_type"`
	EstimatedValue     float64      `json:"estimated_value"`
	AwardedValue       float64      `json:"awarded_value"`
	BidderCount        int          `json:"bidder_count"`
	PublishedAt        time.Time    `json:"published_at"`
	SubmissionDeadline time.Time    `json:"submission_deadline"`
	AwardedAt          time.Time    `json:"awarded_at"`
	WinnerID           string       `json:"winner_id,omitempty"`
	WinnerName         string       `json:"winner_name,omitempty"`
	Status             TenderStatus `json:"status"`
	// DocumentCompleteness is the fraction of required documents present, or -1 when unknown.
	DocumentCompleteness float64   `json:"document_completeness"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Validate checks tender field constraints.
func (t *Tender) Validate() error {
	if t.ID == "" {
		return errors.New("tender ID must not be empty")
	}
	if t.InstitutionID == "" {
		return errors.New("institution ID must not be empty")
	}
	if !t.Status.Valid() {
		return errors.New("tender status must be one of open, closed, awarded, cancelled")
	}
	if t.EstimatedValue < 0 {
		return errors.New("estimated value must not be negative")
	}
	if t.AwardedValue < 0 {
		return errors.New("awarded value must not be negative")
	}
	if t.BidderCount < 0 {
		return errors.New("bidder count must not be negative")
	}
	if t.DocumentCompleteness > 1 {
		return errors.New("document completeness must be at most 1.0")
	}
	if !t.SubmissionDeadline.IsZero() && !t.PublishedAt.IsZero() && t.SubmissionDeadline.Before(t.PublishedAt) {
		return errors.New("submission deadline must not precede publication")
	}
	return nil
}

// Date is the date used to order a tender in entity histories.
func (t *Tender) Date() time.Time {
	if !t.AwardedAt.IsZero() {
		return t.AwardedAt
	}
	return t.PublishedAt
}

// Bid is one offer submitted to a tender.
type Bid struct {
	TenderID    string    `json:"tender_id"`
	BidderID    string    `json:"bidder_id"`
	BidderName  string    `json:"bidder_name"`
	Amount      float64   `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PastAward summarises an earlier awarded tender of the same institution.
type PastAward struct {
	TenderID  string    `json:"tender_id"`
	WinnerID  string    `json:"winner_id"`
	BidderIDs []string  `json:"bidder_ids"`
	AwardedAt time.Time `json:"awarded_at"`
}
