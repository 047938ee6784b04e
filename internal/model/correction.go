package model

import (
	"strings"
	"time"
)

// CorrectionEntry is one human correction kept in correction memory.
// Entries are append-only: they are never updated or deleted.
type CorrectionEntry struct {
	CreatedAt           time.Time
	ID                  string
	RecordID            string
	OrganizationID      string
	CounterpartyKey     string
	SecondaryKey        string
	OriginalDescription string
	SuggestedCode       string
	CorrectedCode       string
	ReviewerID          string
	Note                string
	ConfidenceBefore    float64
}

// DedupKey identifies corrections that count as the same submission. Corrections
// of different records never collapse into one.
func (e CorrectionEntry) DedupKey() string {
	return strings.Join([]string{
		e.OrganizationID,
		e.RecordID,
		strings.ToUpper(strings.TrimSpace(e.CounterpartyKey)),
		e.SuggestedCode,
		e.CorrectedCode,
	}, "|")
}
