// Package engine implements the hierarchical classification funnel and its
// background dispatcher.
package engine

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
	"github.com/Veraticus/the-books-must-balance/internal/metrics"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/retrieval"
	"github.com/Veraticus/the-books-must-balance/internal/service"
)

// MemoryMode selects when correction memory is consulted.
type MemoryMode string

// Memory modes.
const (
	// MemoryPreFunnel consults memory before any external call and can skip the whole funnel.
	MemoryPreFunnel MemoryMode = "prefunnel"
	// MemoryAccount consults memory after the subfamily phase and can skip account selection.
	MemoryAccount MemoryMode = "account"
)

// ParseMemoryMode converts a configured value into a MemoryMode.
func ParseMemoryMode(s string) (MemoryMode, error) {
	switch MemoryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MemoryPreFunnel:
		return MemoryPreFunnel, nil
	case MemoryAccount:
		return MemoryAccount, nil
	default:
		return "", fmt.Errorf("%w: unknown memory mode %q", common.ErrInvalidConfig, s)
	}
}

// Config holds configuration options for the classification engine.
type Config struct {
	MemoryMode         MemoryMode
	Retry              service.RetryOptions
	Persist            service.RetryOptions
	LowConfidence      float64
	MixedConfidenceCap float64
	SecondaryBoost     float64
	TopK               int
	CallTimeout        time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MemoryMode:         MemoryPreFunnel,
		LowConfidence:      0.30,
		MixedConfidenceCap: 0.69,
		SecondaryBoost:     retrieval.DefaultSecondaryBoost,
		TopK:               retrieval.DefaultTopK,
		CallTimeout:        30 * time.Second,
		Retry:              service.DefaultRetryOptions(),
		Persist: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MemoryMode == "" {
		c.MemoryMode = d.MemoryMode
	}
	if c.LowConfidence <= 0 {
		c.LowConfidence = d.LowConfidence
	}
	if c.MixedConfidenceCap <= 0 {
		c.MixedConfidenceCap = d.MixedConfidenceCap
	}
	if c.SecondaryBoost <= 0 {
		c.SecondaryBoost = d.SecondaryBoost
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	c.TopK = min(c.TopK, retrieval.MaxTopK)
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.Persist.MaxAttempts <= 0 {
		c.Persist = d.Persist
	}
	return c
}

// Deps are the collaborators of the classifier. Metrics and Logger are optional.
type Deps struct {
	Storage   service.Storage
	Catalog   *catalog.Catalog
	Phases    PhaseRunner
	Retriever CandidateSource
	Memory    CorrectionMemory
	Profiles  ProfileResolver
	Guard     *guardrail.Validator
	Metrics   *metrics.Aggregator
	Logger    *slog.Logger
}

// HierarchicalClassifier narrows a snapshot from family to subfamily to account.
type HierarchicalClassifier struct {
	storage   service.Storage
	catalog   *catalog.Catalog
	phases    PhaseRunner
	retriever CandidateSource
	memory    CorrectionMemory
	profiles  ProfileResolver
	guard     *guardrail.Validator
	metrics   *metrics.Aggregator
	logger    *slog.Logger
	now       func() time.Time
	config    Config
}

// New creates a classifier. Storage, catalog, phase runner, retriever, memory
// and profile resolver are required.
func New(deps Deps, cfg Config) (*HierarchicalClassifier, error) {
	switch {
	case deps.Storage == nil:
		return nil, fmt.Errorf("%w: storage", common.ErrMissingConfig)
	case deps.Catalog == nil:
		return nil, fmt.Errorf("%w: catalog", common.ErrMissingConfig)
	case deps.Phases == nil:
		return nil, fmt.Errorf("%w: phase runner", common.ErrMissingConfig)
	case deps.Retriever == nil:
		return nil, fmt.Errorf("%w: retriever", common.ErrMissingConfig)
	case deps.Memory == nil:
		return nil, fmt.Errorf("%w: correction memory", common.ErrMissingConfig)
	case deps.Profiles == nil:
		return nil, fmt.Errorf("%w: profile resolver", common.ErrMissingConfig)
	}

	cfg = cfg.withDefaults()
	if _, err := ParseMemoryMode(string(cfg.MemoryMode)); err != nil {
		return nil, err
	}

	guard := deps.Guard
	if guard == nil {
		guard = guardrail.New(deps.Catalog)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HierarchicalClassifier{
		storage:   deps.Storage,
		catalog:   deps.Catalog,
		phases:    deps.Phases,
		retriever: deps.Retriever,
		memory:    deps.Memory,
		profiles:  deps.Profiles,
		guard:     guard,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		config:    cfg,
	}, nil
}

// Result is the outcome of one Classify call.
type Result struct {
	Record *model.ClassificationRecord
	// AutoApplied is set when the code came from correction memory.
	AutoApplied bool
	// Unchanged is set when the record already had a result and was left alone.
	Unchanged bool
}

// Classify runs the funnel for a snapshot and persists the outcome.
//
// Ineligible document kinds and snapshots without a description are skipped
// before any record is written; the returned error wraps
// common.ErrIneligibleDocument or common.ErrExtractionIncomplete.
// Resubmitting a snapshot whose record already has a result is a no-op.
// Service failures and ambiguous answers are persisted as failed or
// needs_review records and are not returned as errors; only context
// cancellation and storage failures are.
func (c *HierarchicalClassifier) Classify(ctx context.Context, snap model.Snapshot) (*Result, error) {
	if strings.TrimSpace(snap.RecordID) == "" || strings.TrimSpace(snap.OrganizationID) == "" {
		return nil, fmt.Errorf("snapshot requires record and organization ids")
	}
	if !snap.Kind.Eligible() {
		c.logger.Info("Skipping ineligible document",
			"record_id", snap.RecordID,
			"document_kind", snap.Kind)
		c.metrics.ObserveClassification(metrics.OutcomeSkipped)
		return nil, fmt.Errorf("%w: %s", common.ErrIneligibleDocument, snap.Kind)
	}
	if !snap.Classifiable() {
		c.logger.Info("Skipping document without description", "record_id", snap.RecordID)
		c.metrics.ObserveClassification(metrics.OutcomeSkipped)
		return nil, common.ErrExtractionIncomplete
	}

	rec, err := c.ensureRecord(ctx, snap)
	if err != nil {
		return nil, err
	}
	if classified(rec) {
		c.logger.Debug("Record already classified, leaving it alone",
			"record_id", rec.ID,
			"status", rec.Status)
		return &Result{Record: rec, Unchanged: true}, nil
	}

	out, err := c.run(ctx, snap)
	if err != nil {
		return nil, err
	}

	saved, changed, err := c.persist(ctx, rec.ID, out)
	if err != nil {
		return nil, common.NewPhaseError(rec.ID, model.PhasePersist, err)
	}

	if changed {
		c.metrics.ObserveClassification(string(saved.Status))
		if out.source == model.SourceMemory {
			c.metrics.ObserveAutoApplied()
		}
		c.logger.Info("Classified record",
			"record_id", saved.ID,
			"organization_id", saved.OrganizationID,
			"status", saved.Status,
			"account_code", saved.AccountCode,
			"confidence", saved.Confidence,
			"source", out.source)
	}
	return &Result{
		Record:      saved,
		AutoApplied: changed && out.source == model.SourceMemory,
		Unchanged:   !changed,
	}, nil
}

// classified reports whether a record already carries a result. Pending
// records with an account code are awaiting review, not classification.
func classified(rec *model.ClassificationRecord) bool {
	return rec.Status != model.StatusPending || rec.AccountCode != ""
}

// ensureRecord creates the pending record for a snapshot, or loads the existing one.
func (c *HierarchicalClassifier) ensureRecord(ctx context.Context, snap model.Snapshot) (*model.ClassificationRecord, error) {
	rec := model.NewPendingRecord(snap, c.now())
	created, err := c.storage.CreateRecord(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create record %s: %w", snap.RecordID, err)
	}
	if created {
		return rec, nil
	}
	existing, err := c.storage.GetRecord(ctx, snap.RecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", snap.RecordID, err)
	}
	return existing, nil
}

// Reset moves a failed or needs_review record back to pending so it can be
// classified again. A pending record is returned as is.
func (c *HierarchicalClassifier) Reset(ctx context.Context, recordID string) (*model.ClassificationRecord, error) {
	var saved *model.ClassificationRecord
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
		switch prev.Status {
		case model.StatusPending:
			saved = prev
			return nil
		case model.StatusFailed, model.StatusNeedsReview:
		case model.StatusCorrected:
			return fmt.Errorf("%w: record %s is corrected", common.ErrTerminalStatus, recordID)
		default:
			return fmt.Errorf("%w: %s record %s cannot be reclassified", common.ErrInvalidTransition, prev.Status, recordID)
		}

		next := prev.Clone()
		next.Status = model.StatusPending
		next.FamilyCode, next.SubfamilyCode, next.AccountCode = "", "", ""
		next.Confidence = 0
		next.FailurePhase = ""
		next.Explanation = "queued for reclassification"
		if err := c.guard.Validate(next, prev); err != nil {
			return err
		}
		if err := tx.UpdateRecord(ctx, next); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit reset: %w", err)
		}
		saved = next
		return nil
	}, c.config.Persist)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Record reset for reclassification", "record_id", recordID)
	return saved, nil
}

// escalate converts a phase failure into the record outcome it implies.
// Context errors are returned unchanged.
func (c *HierarchicalClassifier) escalate(recordID string, phase model.Phase, out *outcome, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}

	wrapped := common.NewPhaseError(recordID, phase, err)
	out.failurePhase = phase
	out.account = ""
	if errors.Is(err, common.ErrExternalService) {
		out.status = model.StatusFailed
		out.note(fmt.Sprintf("classification service failed during %s phase", phase))
		common.LogError(c.logger, wrapped, "Classification failed", common.Fields{
			"record_id": recordID,
			"phase":     phase,
		})
		return nil
	}

	out.status = model.StatusNeedsReview
	switch {
	case errors.Is(err, common.ErrMalformedResponse):
		out.note(fmt.Sprintf("unusable answer during %s phase", phase))
	case errors.Is(err, common.ErrNoCandidatesFound):
		out.note("no candidate accounts found")
	case errors.Is(err, common.ErrGuardrailViolation):
		out.note(fmt.Sprintf("%s phase answer was inconsistent with the catalog", phase))
	case errors.Is(err, common.ErrInvalidQuery):
		out.note("description cannot be searched")
	default:
		out.status = model.StatusFailed
		out.note(fmt.Sprintf("%s phase failed", phase))
	}
	c.logger.Warn("Record escalated",
		"record_id", recordID,
		"phase", phase,
		"status", out.status,
		"error", wrapped)
	return nil
}

func contextError(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, common.ErrExternalService) {
		return context.DeadlineExceeded
	}
	return nil
}
