package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/guardrail"
	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// persist writes the outcome onto the stored record inside one transaction,
// after the guardrail has checked it. A record that left pending in the
// meantime is returned unchanged with changed=false. Version conflicts are
// retried.
func (c *HierarchicalClassifier) persist(ctx context.Context, recordID string, out *outcome) (*model.ClassificationRecord, bool, error) {
	var (
		saved   *model.ClassificationRecord
		changed bool
	)

	err := common.WithRetry(ctx, func() error {
		tx, err := c.storage.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		prev, err := tx.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if classified(prev) {
			c.logger.Info("Record changed while classifying, keeping stored result",
				"record_id", recordID,
				"phase", model.PhasePersist,
				"status", prev.Status)
			saved, changed = prev, false
			return nil
		}

		next := c.apply(prev, out)
		if err := c.guard.Validate(next, prev); err != nil {
			if errors.Is(err, common.ErrTerminalStatus) || !errors.Is(err, common.ErrGuardrailViolation) {
				return err
			}
			c.logger.Warn("Guardrail rejected result, routing to review",
				"record_id", recordID,
				"phase", model.PhasePersist,
				"error", err)
			next = c.demote(next, err)
			if err := c.guard.Validate(next, prev); err != nil {
				return err
			}
		}

		if err := tx.UpdateRecord(ctx, next); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit classification: %w", err)
		}
		saved, changed = next, true
		return nil
	}, c.config.Persist)
	if err != nil {
		return nil, false, err
	}
	return saved, changed, nil
}

func (c *HierarchicalClassifier) apply(prev *model.ClassificationRecord, out *outcome) *model.ClassificationRecord {
	next := prev.Clone()
	next.Status = out.status
	next.FamilyCode = out.family
	next.SubfamilyCode = out.subfamily
	next.AccountCode = out.account
	next.Confidence = out.confidence()
	next.Explanation = out.explanation()
	next.FailurePhase = out.failurePhase
	next.UpdatedAt = c.now()
	return next
}

// demote keeps only the codes that still pass and marks the record for review.
func (c *HierarchicalClassifier) demote(next *model.ClassificationRecord, cause error) *model.ClassificationRecord {
	demoted := next.Clone()
	demoted.Status = model.StatusNeedsReview
	demoted.FailurePhase = model.PhasePersist
	demoted.Confidence = 0
	for _, code := range []*string{&demoted.FamilyCode, &demoted.SubfamilyCode, &demoted.AccountCode} {
		if !c.catalog.Exists(*code) {
			*code = ""
		}
	}
	reason := "result failed validation"
	if v, ok := guardrail.AsViolation(cause); ok {
		reason = fmt.Sprintf("result failed %s check", v.Rule)
	}
	if demoted.Explanation != "" {
		demoted.Explanation += "; "
	}
	demoted.Explanation += reason
	return demoted
}
