package model

import "fmt"

// Phase names a stage of the classification funnel.
type Phase string

// Funnel phases, in execution order.
const (
	PhaseFamily     Phase = "family"
	PhaseSubfamily  Phase = "subfamily"
	PhaseCandidates Phase = "candidates"
	PhaseAccount    Phase = "account"
	PhasePersist    Phase = "persist"
)

// ResultSource indicates where a phase result came from.
type ResultSource string

const (
	// SourceLLM indicates the external classification service produced the result.
	SourceLLM ResultSource = "llm"
	// SourceMemory indicates the result was applied from learned corrections.
	SourceMemory ResultSource = "memory"
	// SourceReviewer indicates a human set the code.
	SourceReviewer ResultSource = "reviewer"
)

// Alternative is a runner-up code proposed alongside a phase result.
type Alternative struct {
	Code       string
	Confidence float64
}

// PhaseResult is the validated output of one funnel phase.
type PhaseResult struct {
	Phase        Phase
	Code         string
	Short        string
	Detail       string
	Source       ResultSource
	Alternatives []Alternative
	Confidence   float64
}

// Validate checks the result is well formed.
func (r PhaseResult) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("%s result has no code", r.Phase)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%s result confidence %.3f outside [0,1]", r.Phase, r.Confidence)
	}
	for _, alt := range r.Alternatives {
		if alt.Confidence < 0 || alt.Confidence > 1 {
			return fmt.Errorf("%s alternative %s confidence %.3f outside [0,1]", r.Phase, alt.Code, alt.Confidence)
		}
	}
	return nil
}
