// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// RecordFilter narrows record listings.
type RecordFilter struct {
	OrganizationID string
	Statuses       []model.RecordStatus
	Limit          int
	Offset         int
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	// Organization operations
	GetOrganization(ctx context.Context, id string) (*model.OrganizationProfile, error)
	SaveOrganization(ctx context.Context, profile *model.OrganizationProfile) error
	ListOrganizations(ctx context.Context) ([]model.OrganizationProfile, error)

	// Classification record operations
	CreateRecord(ctx context.Context, record *model.ClassificationRecord) (bool, error)
	GetRecord(ctx context.Context, id string) (*model.ClassificationRecord, error)
	UpdateRecord(ctx context.Context, record *model.ClassificationRecord) error
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.ClassificationRecord, error)
	GetRecordHistory(ctx context.Context, id string) ([]RecordRevision, error)

	// Correction memory operations
	FindCorrections(ctx context.Context, organizationID, counterpartyKey, secondaryKey string) ([]model.CorrectionEntry, error)
	AppendCorrection(ctx context.Context, entry *model.CorrectionEntry) error
	HasRecentCorrection(ctx context.Context, entry *model.CorrectionEntry, since time.Time) (bool, error)

	// Accuracy metric operations
	IncrementAccuracy(ctx context.Context, organizationID, category string, correct bool) error
	GetAccuracy(ctx context.Context, organizationID string) ([]model.AccuracyMetric, error)

	// Feedback audit
	AppendFeedbackEvent(ctx context.Context, event *model.FeedbackEvent) error
	ListFeedbackEvents(ctx context.Context, recordID string) ([]model.FeedbackEvent, error)

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit() error
	Rollback() error
	// Include all Storage methods for use within transaction
	Storage
}

// RecordRevision is one stored version of a classification record.
type RecordRevision struct {
	ChangedAt     time.Time
	RecordID      string
	FamilyCode    string
	SubfamilyCode string
	AccountCode   string
	Status        model.RecordStatus
	Explanation   string
	Version       int
	Confidence    float64
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryOptions returns three attempts with exponential backoff.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// ClassificationStats shows the results of a batch classification run.
type ClassificationStats struct {
	Submitted   int
	Skipped     int
	AutoApplied int
	Pending     int
	NeedsReview int
	Failed      int
	Duration    time.Duration
}
