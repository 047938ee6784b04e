// Package model defines the core domain models used throughout the application.
package model

import (
	"fmt"
	"strings"
	"time"
)

// RecordStatus is the lifecycle state of a classification record.
type RecordStatus string

// Record status constants.
const (
	StatusPending     RecordStatus = "pending"
	StatusConfirmed   RecordStatus = "confirmed"
	StatusCorrected   RecordStatus = "corrected"
	StatusNeedsReview RecordStatus = "needs_review"
	StatusFailed      RecordStatus = "failed"
)

// statusTransitions lists the allowed target states for every status.
// Corrected may only be re-entered through another explicit correction.
var statusTransitions = map[RecordStatus][]RecordStatus{
	StatusPending:     {StatusConfirmed, StatusCorrected, StatusNeedsReview, StatusFailed},
	StatusConfirmed:   {StatusCorrected},
	StatusCorrected:   {StatusCorrected},
	StatusNeedsReview: {StatusCorrected, StatusPending},
	StatusFailed:      {StatusCorrected, StatusPending},
}

// ParseRecordStatus converts a stored string into a RecordStatus.
func ParseRecordStatus(s string) (RecordStatus, error) {
	status := RecordStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown record status %q", s)
	}
	return status, nil
}

// Valid reports whether the status is one of the known states.
func (s RecordStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Terminal reports whether automation must leave the record alone.
func (s RecordStatus) Terminal() bool {
	return s == StatusCorrected
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s RecordStatus) CanTransitionTo(next RecordStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ClassificationRecord is the persisted outcome of classifying one document.
// It is never deleted; every mutation is kept in the record history.
type ClassificationRecord struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ID              string
	OrganizationID  string
	DocumentKind    DocumentKind
	CounterpartyKey string
	Description     string
	SecondaryKey    string
	SnapshotHash    string
	FamilyCode      string
	SubfamilyCode   string
	AccountCode     string
	Status          RecordStatus
	Explanation     string
	FailurePhase    Phase
	ReviewerID      string
	Snapshot        Snapshot
	Confidence      float64
	Version         int
}

// NewPendingRecord builds the initial record for a snapshot.
func NewPendingRecord(snap Snapshot, now time.Time) *ClassificationRecord {
	return &ClassificationRecord{
		ID:              snap.RecordID,
		OrganizationID:  snap.OrganizationID,
		DocumentKind:    snap.Kind,
		CounterpartyKey: snap.CounterpartyKey,
		Description:     snap.Description,
		SecondaryKey:    snap.SecondaryKey,
		SnapshotHash:    snap.Hash(),
		Status:          StatusPending,
		Snapshot:        snap,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// HierarchyConsistent reports whether each level is prefixed by its parent.
// Empty lower levels are considered consistent so partial results can be checked.
func (r *ClassificationRecord) HierarchyConsistent() bool {
	if r.SubfamilyCode != "" && !strings.HasPrefix(r.SubfamilyCode, r.FamilyCode) {
		return false
	}
	if r.AccountCode != "" && !strings.HasPrefix(r.AccountCode, r.SubfamilyCode) {
		return false
	}
	return true
}

// AssignedCategory is the category used for accuracy metrics.
func (r *ClassificationRecord) AssignedCategory() string {
	return r.FamilyCode
}

// Clone returns a copy that can be mutated without touching the original.
func (r *ClassificationRecord) Clone() *ClassificationRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Snapshot.LineItems = append([]LineItem(nil), r.Snapshot.LineItems...)
	return &clone
}

// FeedbackAction names a reviewer action applied to a record.
type FeedbackAction string

// Feedback action constants.
const (
	ActionConfirm FeedbackAction = "confirm"
	ActionCorrect FeedbackAction = "correct"
)

// FeedbackEvent is the audit row written for every reviewer action.
type FeedbackEvent struct {
	CreatedAt  time.Time
	RecordID   string
	ReviewerID string
	Action     FeedbackAction
	Detail     string
}
