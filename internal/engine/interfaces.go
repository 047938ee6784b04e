package engine

import (
	"context"

	"github.com/Veraticus/the-books-must-balance/internal/llm"
	"github.com/Veraticus/the-books-must-balance/internal/memory"
	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// PhaseRunner asks the external classification service for one funnel phase.
type PhaseRunner interface {
	Classify(ctx context.Context, phase model.Phase, data llm.PromptData) (model.PhaseResult, error)
}

// CandidateSource retrieves and re-ranks candidate accounts.
type CandidateSource interface {
	Retrieve(ctx context.Context, text, prefix string, topK int) (model.Candidates, error)
	Boost(candidates model.Candidates, secondaryKey string, boost float64)
}

// CorrectionMemory exposes learned corrections and the auto-apply policy.
type CorrectionMemory interface {
	Lookup(ctx context.Context, organizationID, counterpartyKey, secondaryKey string) ([]model.CorrectionEntry, error)
	Decide(entries []model.CorrectionEntry, expectedPrefix string) memory.Decision
}

// ProfileResolver returns organization context, or nil when there is none.
type ProfileResolver interface {
	Resolve(ctx context.Context, organizationID string) (*model.OrganizationProfile, error)
}
