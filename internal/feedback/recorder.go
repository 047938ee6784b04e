// Package feedback applies reviewer confirmations and corrections to
// classification records.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/guardrail"
	"github.com/Veraticus/the-books-must-balance/internal/memory"
	"github.com/Veraticus/the-books-must-balance/internal/metrics"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
)

// CorrectionMemory is the part of the correction memory the recorder writes to.
type CorrectionMemory interface {
	RecordIn(ctx context.Context, store memory.Store, entry *model.CorrectionEntry) (bool, error)
	Remember(entry *model.CorrectionEntry)
}

// Recorder turns reviewer actions into record updates, memory entries and
// accuracy counts, all inside one transaction per action.
type Recorder struct {
	storage service.Storage
	catalog *catalog.Catalog
	memory  CorrectionMemory
	guard   *guardrail.Validator
	metrics *metrics.Aggregator
	logger  *slog.Logger
	now     func() time.Time
	retry   service.RetryOptions
}

// Config holds the recorder collaborators. Guard and Logger are optional.
type Config struct {
	Storage service.Storage
	Catalog *catalog.Catalog
	Memory  CorrectionMemory
	Guard   *guardrail.Validator
	Metrics *metrics.Aggregator
	Logger  *slog.Logger
	Retry   service.RetryOptions
}

// NewRecorder creates a feedback recorder.
func NewRecorder(cfg Config) (*Recorder, error) {
	switch {
	case cfg.Storage == nil:
		return nil, fmt.Errorf("%w: storage", common.ErrMissingConfig)
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("%w: catalog", common.ErrMissingConfig)
	case cfg.Memory == nil:
		return nil, fmt.Errorf("%w: correction memory", common.ErrMissingConfig)
	case cfg.Metrics == nil:
		return nil, fmt.Errorf("%w: metrics", common.ErrMissingConfig)
	}
	if cfg.Guard == nil {
		cfg.Guard = guardrail.New(cfg.Catalog)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
		}
	}
	return &Recorder{
		storage: cfg.Storage,
		catalog: cfg.Catalog,
		memory:  cfg.Memory,
		guard:   cfg.Guard,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     func() time.Time { return time.Now().UTC() },
		retry:   cfg.Retry,
	}, nil
}

// Confirm accepts the current classification of a record. Confirming a
// confirmed record again is a no-op; confirming a corrected one fails with
// common.ErrTerminalStatus.
func (r *Recorder) Confirm(ctx context.Context, recordID, reviewerID string) (*model.ClassificationRecord, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, common.NewUserError("reviewer id is required", nil)
	}

	var (
		saved   *model.ClassificationRecord
		changed bool
	)
	err := r.inTx(ctx, func(tx service.Transaction) error {
		prev, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		switch prev.Status {
		case model.StatusConfirmed:
			saved, changed = prev, false
			return nil
		case model.StatusCorrected:
			return fmt.Errorf("%w: record %s was corrected by %s", common.ErrTerminalStatus, recordID, prev.ReviewerID)
		}
		if !prev.Status.CanTransitionTo(model.StatusConfirmed) {
			return fmt.Errorf("%w: %s record %s cannot be confirmed", common.ErrInvalidTransition, prev.Status, recordID)
		}

		next := prev.Clone()
		next.Status = model.StatusConfirmed
		next.ReviewerID = reviewerID
		next.UpdatedAt = r.now()
		if err := r.guard.Validate(next, prev); err != nil {
			return err
		}
		if err := tx.UpdateRecord(ctx, next); err != nil {
			return err
		}
		if err := r.metrics.RecordOutcome(ctx, tx, next.OrganizationID, next.AssignedCategory(), true); err != nil {
			return err
		}
		if err := tx.AppendFeedbackEvent(ctx, &model.FeedbackEvent{
			RecordID:   recordID,
			ReviewerID: reviewerID,
			Action:     model.ActionConfirm,
			Detail:     next.AccountCode,
			CreatedAt:  next.UpdatedAt,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit confirmation: %w", err)
		}
		saved, changed = next, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.metrics.ObserveFeedback(model.ActionConfirm)
		common.LogInfo(r.logger, "Record confirmed", common.Fields{
			"record_id":    recordID,
			"reviewer_id":  reviewerID,
			"account_code": saved.AccountCode,
		})
	}
	return saved, nil
}

// Correct replaces the classification of a record with an account chosen by
// a reviewer and teaches the correction memory. Repeating the same correction
// is a no-op.
func (r *Recorder) Correct(ctx context.Context, recordID, reviewerID, correctedCode, note string) (*model.ClassificationRecord, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, common.NewUserError("reviewer id is required", nil)
	}
	correctedCode = strings.TrimSpace(correctedCode)
	family, subfamily, account, err := r.catalog.Ancestry(correctedCode)
	if err != nil {
		return nil, err
	}
	if account == "" {
		return nil, fmt.Errorf("%w: %s is not an account", common.ErrUnknownCode, correctedCode)
	}

	var (
		saved   *model.ClassificationRecord
		entry   *model.CorrectionEntry
		changed bool
	)
	err = r.inTx(ctx, func(tx service.Transaction) error {
		entry = nil
		prev, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if prev.Status == model.StatusCorrected && prev.AccountCode == account {
			saved, changed = prev, false
			return nil
		}

		next := prev.Clone()
		next.Status = model.StatusCorrected
		next.FamilyCode, next.SubfamilyCode, next.AccountCode = family, subfamily, account
		next.ReviewerID = reviewerID
		next.Confidence = 1
		next.FailurePhase = ""
		next.Explanation = correctionExplanation(prev.AccountCode, account, note)
		next.UpdatedAt = r.now()
		if err := r.guard.ValidateCorrection(next, prev); err != nil {
			return err
		}
		if err := tx.UpdateRecord(ctx, next); err != nil {
			return err
		}

		if strings.TrimSpace(prev.CounterpartyKey) != "" {
			candidate := &model.CorrectionEntry{
				RecordID:            prev.ID,
				OrganizationID:      prev.OrganizationID,
				CounterpartyKey:     prev.CounterpartyKey,
				SecondaryKey:        prev.SecondaryKey,
				OriginalDescription: prev.Description,
				SuggestedCode:       prev.AccountCode,
				CorrectedCode:       account,
				ReviewerID:          reviewerID,
				Note:                note,
				ConfidenceBefore:    prev.Confidence,
				CreatedAt:           next.UpdatedAt,
			}
			written, err := r.memory.RecordIn(ctx, tx, candidate)
			if err != nil {
				return err
			}
			if written {
				entry = candidate
			}
		} else {
			common.LogDebug(r.logger, "Record has no counterparty key, correction not remembered", common.Fields{"record_id": recordID})
		}

		// The miss belongs to the family that was predicted.
		category := prev.AssignedCategory()
		if category == "" {
			category = next.AssignedCategory()
		}
		if err := r.metrics.RecordOutcome(ctx, tx, next.OrganizationID, category, false); err != nil {
			return err
		}
		if err := tx.AppendFeedbackEvent(ctx, &model.FeedbackEvent{
			RecordID:   recordID,
			ReviewerID: reviewerID,
			Action:     model.ActionCorrect,
			Detail:     fmt.Sprintf("%s -> %s", displayCode(prev.AccountCode), account),
			CreatedAt:  next.UpdatedAt,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit correction: %w", err)
		}
		saved, changed = next, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		if entry != nil {
			r.memory.Remember(entry)
		}
		r.metrics.ObserveFeedback(model.ActionCorrect)
		common.LogInfo(r.logger, "Record corrected", common.Fields{
			"record_id":    recordID,
			"reviewer_id":  reviewerID,
			"account_code": account,
		})
	}
	return saved, nil
}

// inTx runs fn in a transaction and retries it on version conflicts. fn must commit.
func (r *Recorder) inTx(ctx context.Context, fn func(tx service.Transaction) error) error {
	return common.WithRetry(ctx, func() error {
		tx, err := r.storage.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		err = fn(tx)
		if errors.Is(err, common.ErrPersistenceConflict) {
			r.logger.Debug("Record changed concurrently, retrying feedback")
		}
		return err
	}, r.retry)
}

func correctionExplanation(from, to, note string) string {
	msg := fmt.Sprintf("corrected from %s to %s", displayCode(from), to)
	if note = strings.TrimSpace(note); note != "" {
		msg += ": " + note
	}
	return msg
}

func displayCode(code string) string {
	if code == "" {
		return "none"
	}
	return code
}
