package model

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DocumentKind identifies the type of source document.
type DocumentKind string

// Document kind constants.
const (
	KindInvoice           DocumentKind = "invoice"
	KindExpense           DocumentKind = "expense"
	KindCreditNote        DocumentKind = "credit_note"
	KindPaymentComplement DocumentKind = "payment_complement"
	KindPayroll           DocumentKind = "payroll"
	KindTransfer          DocumentKind = "transfer"
)

// MixedShareThreshold is the share of the total held by non-dominant lines
// above which a document is flagged as mixed.
var MixedShareThreshold = decimal.NewFromFloat(0.40)

// Eligible reports whether documents of this kind are classified at all.
// Payment complements, payroll receipts and transfers carry no expense account.
func (k DocumentKind) Eligible() bool {
	switch k {
	case KindPaymentComplement, KindPayroll, KindTransfer:
		return false
	default:
		return true
	}
}

// LineItem is one line of a multi-line document.
type LineItem struct {
	Description  string          `json:"description"`
	SecondaryKey string          `json:"secondary_key,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
}

// Snapshot is the structured feature set the extraction layer hands over for one document.
type Snapshot struct {
	RecordID         string          `json:"record_id"`
	OrganizationID   string          `json:"organization_id"`
	Kind             DocumentKind    `json:"document_kind"`
	Description      string          `json:"description"`
	CounterpartyName string          `json:"counterparty_name"`
	CounterpartyKey  string          `json:"counterparty_key"`
	Currency         string          `json:"currency"`
	SecondaryKey     string          `json:"secondary_key,omitempty"`
	LineItems        []LineItem      `json:"line_items,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
}

// Classifiable reports whether the snapshot has something to classify.
func (s Snapshot) Classifiable() bool {
	if strings.TrimSpace(s.Description) != "" {
		return true
	}
	for _, line := range s.LineItems {
		if strings.TrimSpace(line.Description) != "" {
			return true
		}
	}
	return false
}

// Dominant reduces a multi-line snapshot to its largest line item.
// The second return value is true when the remaining lines hold a
// significant share of the total and the document should be treated as mixed.
func (s Snapshot) Dominant() (Snapshot, bool) {
	if len(s.LineItems) == 0 {
		return s, false
	}

	dominant := -1
	total := decimal.Zero
	for i, line := range s.LineItems {
		if strings.TrimSpace(line.Description) == "" {
			continue
		}
		amount := line.Amount.Abs()
		total = total.Add(amount)
		if dominant < 0 || amount.GreaterThan(s.LineItems[dominant].Amount.Abs()) {
			dominant = i
		}
	}
	if dominant < 0 {
		return s, false
	}

	line := s.LineItems[dominant]
	reduced := s
	reduced.Description = line.Description
	if line.SecondaryKey != "" {
		reduced.SecondaryKey = line.SecondaryKey
	}

	if total.IsZero() || len(s.LineItems) == 1 {
		return reduced, false
	}
	rest := total.Sub(line.Amount.Abs())
	return reduced, rest.Div(total).GreaterThanOrEqual(MixedShareThreshold)
}

// Hash fingerprints the classifiable content of a snapshot.
// Resubmitting an identical snapshot yields the same hash.
func (s Snapshot) Hash() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%s|%s|%s",
		s.OrganizationID,
		s.Kind,
		strings.TrimSpace(s.Description),
		s.CounterpartyKey,
		s.Amount.StringFixed(2),
		s.Currency,
		s.SecondaryKey,
		s.RecordID)
	for _, line := range s.LineItems {
		fmt.Fprintf(&b, "|%s:%s:%s", line.Description, line.Amount.StringFixed(2), line.SecondaryKey)
	}
	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", hash)
}
