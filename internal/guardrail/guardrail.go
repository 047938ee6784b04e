// Package guardrail checks classification records against the catalog and
// the record lifecycle before they are persisted.
package guardrail

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// Violation describes one failed check. It matches common.ErrGuardrailViolation
// and, when set, the more specific cause.
type Violation struct {
	Cause    error
	RecordID string
	Rule     string
	Detail   string
}

func (v *Violation) Error() string {
	if v.RecordID == "" {
		return fmt.Sprintf("guardrail %s: %s", v.Rule, v.Detail)
	}
	return fmt.Sprintf("guardrail %s on record %s: %s", v.Rule, v.RecordID, v.Detail)
}

// Unwrap exposes both the guardrail sentinel and the specific cause.
func (v *Violation) Unwrap() []error {
	if v.Cause == nil {
		return []error{common.ErrGuardrailViolation}
	}
	return []error{common.ErrGuardrailViolation, v.Cause}
}

// AsViolation extracts a *Violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// Rule names.
const (
	RuleConfidence  = "confidence_range"
	RuleStatus      = "status"
	RuleUnknownCode = "unknown_code"
	RuleLevel       = "code_level"
	RulePrefix      = "prefix_consistency"
	RuleIncomplete  = "incomplete_hierarchy"
	RuleTerminal    = "terminal_status"
	RuleTransition  = "status_transition"
	RuleNotOffered  = "code_not_offered"
)

// Validator is stateless apart from the read-only catalog it checks codes against.
type Validator struct {
	catalog *catalog.Catalog
}

// New creates a validator over cat.
func New(cat *catalog.Catalog) *Validator {
	return &Validator{catalog: cat}
}

// Validate checks a record written by automation. prev is the stored version
// of the record, or nil when the record is new. Ineligible document kinds are
// reported as common.ErrIneligibleDocument rather than as a violation.
func (v *Validator) Validate(rec, prev *model.ClassificationRecord) error {
	return v.validate(rec, prev, false)
}

// ValidateCorrection checks a record about to be written by an explicit human
// correction. Unlike Validate, it may overwrite a corrected record.
func (v *Validator) ValidateCorrection(rec, prev *model.ClassificationRecord) error {
	if rec != nil && rec.Status != model.StatusCorrected {
		return &Violation{
			RecordID: rec.ID,
			Rule:     RuleStatus,
			Detail:   fmt.Sprintf("correction must set status %s, got %s", model.StatusCorrected, rec.Status),
			Cause:    common.ErrInvalidTransition,
		}
	}
	return v.validate(rec, prev, true)
}

func (v *Validator) validate(rec, prev *model.ClassificationRecord, explicit bool) error {
	if rec == nil {
		return &Violation{Rule: RuleStatus, Detail: "record is nil"}
	}
	if !rec.DocumentKind.Eligible() {
		return fmt.Errorf("%w: %s", common.ErrIneligibleDocument, rec.DocumentKind)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return &Violation{
			RecordID: rec.ID,
			Rule:     RuleConfidence,
			Detail:   fmt.Sprintf("confidence %.4f outside [0,1]", rec.Confidence),
		}
	}
	if !rec.Status.Valid() {
		return &Violation{RecordID: rec.ID, Rule: RuleStatus, Detail: fmt.Sprintf("unknown status %q", rec.Status)}
	}

	if err := v.checkCodes(rec); err != nil {
		return err
	}

	if prev == nil {
		return nil
	}
	if prev.Status.Terminal() && !explicit {
		return &Violation{
			RecordID: rec.ID,
			Rule:     RuleTerminal,
			Detail:   "corrected records can only be changed by another correction",
			Cause:    common.ErrTerminalStatus,
		}
	}
	if prev.Status != rec.Status && !prev.Status.CanTransitionTo(rec.Status) {
		return &Violation{
			RecordID: rec.ID,
			Rule:     RuleTransition,
			Detail:   fmt.Sprintf("%s -> %s", prev.Status, rec.Status),
			Cause:    common.ErrInvalidTransition,
		}
	}
	return nil
}

func (v *Validator) checkCodes(rec *model.ClassificationRecord) error {
	levels := []struct {
		code  string
		level catalog.Level
	}{
		{rec.FamilyCode, catalog.LevelFamily},
		{rec.SubfamilyCode, catalog.LevelSubfamily},
		{rec.AccountCode, catalog.LevelAccount},
	}
	for _, l := range levels {
		if l.code == "" {
			continue
		}
		entry, ok := v.catalog.Lookup(l.code)
		if !ok {
			return &Violation{
				RecordID: rec.ID,
				Rule:     RuleUnknownCode,
				Detail:   fmt.Sprintf("%s code %q", l.level, l.code),
				Cause:    common.ErrUnknownCode,
			}
		}
		if entry.Level != l.level {
			return &Violation{
				RecordID: rec.ID,
				Rule:     RuleLevel,
				Detail:   fmt.Sprintf("%q is a %s code, expected %s", l.code, entry.Level, l.level),
			}
		}
	}

	if rec.Status == model.StatusNeedsReview {
		return nil
	}
	if !rec.HierarchyConsistent() || (rec.SubfamilyCode != "" && rec.FamilyCode == "") {
		return &Violation{
			RecordID: rec.ID,
			Rule:     RulePrefix,
			Detail:   fmt.Sprintf("family %q, subfamily %q, account %q", rec.FamilyCode, rec.SubfamilyCode, rec.AccountCode),
		}
	}
	if (rec.Status == model.StatusConfirmed || rec.Status == model.StatusCorrected) && rec.AccountCode == "" {
		return &Violation{
			RecordID: rec.ID,
			Rule:     RuleIncomplete,
			Detail:   fmt.Sprintf("%s record has no account code", rec.Status),
		}
	}
	return nil
}

// CheckPhase verifies a phase result against the codes that were offered and
// the code chosen by the previous phase.
func (v *Validator) CheckPhase(result model.PhaseResult, parent string, offered []string) error {
	if err := result.Validate(); err != nil {
		return &Violation{Rule: RuleConfidence, Detail: err.Error()}
	}
	if parent != "" && !strings.HasPrefix(result.Code, parent) {
		return &Violation{
			Rule:   RulePrefix,
			Detail: fmt.Sprintf("%s code %q is not under %q", result.Phase, result.Code, parent),
		}
	}
	if !v.catalog.Exists(result.Code) {
		return &Violation{
			Rule:   RuleUnknownCode,
			Detail: fmt.Sprintf("%s code %q", result.Phase, result.Code),
			Cause:  common.ErrUnknownCode,
		}
	}
	if len(offered) > 0 && !contains(offered, result.Code) {
		return &Violation{
			Rule:   RuleNotOffered,
			Detail: fmt.Sprintf("%s code %q was not among the options", result.Phase, result.Code),
		}
	}
	return nil
}

func contains(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
