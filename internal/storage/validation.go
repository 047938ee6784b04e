// Package storage provides the data persistence layer for the ledger classifier.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// Validation errors.
var (
	ErrNilContext          = errors.New("context cannot be nil")
	ErrEmptyString         = errors.New("string parameter cannot be empty")
	ErrNilParameter        = errors.New("parameter cannot be nil")
	ErrInvalidStatus       = errors.New("invalid record status")
	ErrInvalidRecord       = errors.New("invalid classification record")
	ErrInvalidCorrection   = errors.New("invalid correction entry")
	ErrInvalidOrganization = errors.New("invalid organization")
	ErrInvalidFeedback     = errors.New("invalid feedback event")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateOrganization(profile *model.OrganizationProfile) error {
	if profile == nil {
		return fmt.Errorf("%w: organization", ErrNilParameter)
	}
	if strings.TrimSpace(profile.ID) == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidOrganization)
	}
	if strings.TrimSpace(profile.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidOrganization)
	}
	return nil
}

// validateRecord checks the shape of a record. Business rules belong to the guardrail package.
func validateRecord(record *model.ClassificationRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record", ErrNilParameter)
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidRecord)
	}
	if strings.TrimSpace(record.OrganizationID) == "" {
		return fmt.Errorf("%w: missing organization ID", ErrInvalidRecord)
	}
	if !record.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, record.Status)
	}
	if record.Confidence < 0 || record.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidRecord)
	}
	return nil
}

func validateCorrection(entry *model.CorrectionEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: correction", ErrNilParameter)
	}
	if strings.TrimSpace(entry.OrganizationID) == "" {
		return fmt.Errorf("%w: missing organization ID", ErrInvalidCorrection)
	}
	if strings.TrimSpace(entry.CounterpartyKey) == "" {
		return fmt.Errorf("%w: missing counterparty key", ErrInvalidCorrection)
	}
	if strings.TrimSpace(entry.CorrectedCode) == "" {
		return fmt.Errorf("%w: missing corrected code", ErrInvalidCorrection)
	}
	if strings.TrimSpace(entry.ReviewerID) == "" {
		return fmt.Errorf("%w: missing reviewer", ErrInvalidCorrection)
	}
	return nil
}

func validateFeedbackEvent(event *model.FeedbackEvent) error {
	if event == nil {
		return fmt.Errorf("%w: feedback event", ErrNilParameter)
	}
	if err := validateString(event.RecordID, "recordID"); err != nil {
		return err
	}
	if err := validateString(event.ReviewerID, "reviewerID"); err != nil {
		return err
	}
	switch event.Action {
	case model.ActionConfirm, model.ActionCorrect:
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidFeedback, event.Action)
	}
}
