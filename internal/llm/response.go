package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// BroadenCode is the account-phase answer asking for a wider candidate search.
const BroadenCode = "BROADEN"

// PhaseResponse is the strict wire shape every phase must answer with.
type PhaseResponse struct {
	Confidence        *float64              `json:"confidence"`
	Code              string                `json:"code"`
	ExplanationShort  string                `json:"explanation_short"`
	ExplanationDetail string                `json:"explanation_detail"`
	Alternatives      []AlternativeResponse `json:"alternatives,omitempty"`
}

// AlternativeResponse is a runner-up code in a phase response.
type AlternativeResponse struct {
	Confidence *float64 `json:"confidence"`
	Code       string   `json:"code"`
}

// ParsePhaseResponse decodes and validates a raw model answer for phase.
// Any deviation from the schema is reported as common.ErrMalformedResponse.
func ParsePhaseResponse(raw string, phase model.Phase) (model.PhaseResult, error) {
	content := cleanMarkdownWrapper(raw)

	decoder := json.NewDecoder(bytes.NewReader([]byte(content)))
	decoder.DisallowUnknownFields()

	var resp PhaseResponse
	if err := decoder.Decode(&resp); err != nil {
		return model.PhaseResult{}, fmt.Errorf("%w: %s response is not valid JSON: %w", common.ErrMalformedResponse, phase, err)
	}
	if decoder.More() {
		return model.PhaseResult{}, fmt.Errorf("%w: %s response has trailing data", common.ErrMalformedResponse, phase)
	}

	return resp.Validate(phase)
}

// Validate checks required fields and ranges and converts to a model result.
func (r PhaseResponse) Validate(phase model.Phase) (model.PhaseResult, error) {
	code := strings.TrimSpace(r.Code)
	if code == "" {
		return model.PhaseResult{}, fmt.Errorf("%w: %s response has no code", common.ErrMalformedResponse, phase)
	}
	if code == BroadenCode && phase != model.PhaseAccount {
		return model.PhaseResult{}, fmt.Errorf("%w: %s phase cannot request a broader search", common.ErrMalformedResponse, phase)
	}
	if r.Confidence == nil {
		return model.PhaseResult{}, fmt.Errorf("%w: %s response has no confidence", common.ErrMalformedResponse, phase)
	}
	if *r.Confidence < 0 || *r.Confidence > 1 {
		return model.PhaseResult{}, fmt.Errorf("%w: %s confidence %v outside [0,1]", common.ErrMalformedResponse, phase, *r.Confidence)
	}
	if strings.TrimSpace(r.ExplanationShort) == "" {
		return model.PhaseResult{}, fmt.Errorf("%w: %s response has no explanation", common.ErrMalformedResponse, phase)
	}

	result := model.PhaseResult{
		Phase:      phase,
		Code:       code,
		Confidence: *r.Confidence,
		Short:      strings.TrimSpace(r.ExplanationShort),
		Detail:     strings.TrimSpace(r.ExplanationDetail),
		Source:     model.SourceLLM,
	}
	for _, alt := range r.Alternatives {
		if alt.Confidence == nil || strings.TrimSpace(alt.Code) == "" {
			return model.PhaseResult{}, fmt.Errorf("%w: %s alternative is incomplete", common.ErrMalformedResponse, phase)
		}
		result.Alternatives = append(result.Alternatives, model.Alternative{
			Code:       strings.TrimSpace(alt.Code),
			Confidence: *alt.Confidence,
		})
	}

	if err := result.Validate(); err != nil {
		return model.PhaseResult{}, fmt.Errorf("%w: %w", common.ErrMalformedResponse, err)
	}
	return result, nil
}

// cleanMarkdownWrapper strips code fences and any prose around the JSON object.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
