package model

import "strings"

// CounterpartyTreatment records how an organization books a known counterparty.
type CounterpartyTreatment struct {
	Treatment string `json:"treatment" yaml:"treatment"`
	CodeHint  string `json:"code_hint,omitempty" yaml:"code_hint,omitempty"`
}

// OrganizationProfile describes an organization for classification context.
type OrganizationProfile struct {
	Treatments    map[string]CounterpartyTreatment `json:"treatments,omitempty" yaml:"treatments,omitempty"`
	ID            string                           `json:"id" yaml:"id"`
	Name          string                           `json:"name" yaml:"name"`
	Industry      string                           `json:"industry" yaml:"industry"`
	BusinessModel string                           `json:"business_model" yaml:"business_model"`
}

// TreatmentFor returns the known treatment for a counterparty key, if any.
func (p *OrganizationProfile) TreatmentFor(counterpartyKey string) (CounterpartyTreatment, bool) {
	if p == nil || len(p.Treatments) == 0 || counterpartyKey == "" {
		return CounterpartyTreatment{}, false
	}
	if t, ok := p.Treatments[counterpartyKey]; ok {
		return t, true
	}
	t, ok := p.Treatments[strings.ToUpper(strings.TrimSpace(counterpartyKey))]
	return t, ok
}

// AccuracyMetric tracks prediction accuracy for one organization and category.
type AccuracyMetric struct {
	OrganizationID     string
	Category           string
	TotalPredictions   int
	CorrectPredictions int
}

// Rate returns the share of correct predictions, or 0 when nothing was predicted.
func (m AccuracyMetric) Rate() float64 {
	if m.TotalPredictions == 0 {
		return 0
	}
	return float64(m.CorrectPredictions) / float64(m.TotalPredictions)
}
