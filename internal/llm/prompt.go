package llm

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/shopspring/decimal"
)

//go:embed templates/v1/*.tmpl
var templateFS embed.FS

// PromptVersion identifies the template set in use.
const PromptVersion = "v1"

// Option is one code offered to the model in the family or subfamily phase.
type Option struct {
	Code string
	Name string
}

// PromptData contains everything a phase prompt can render.
type PromptData struct {
	Profile      *model.OrganizationProfile
	Treatment    *model.CounterpartyTreatment
	Family       *Option
	Subfamily    *Option
	Snapshot     model.Snapshot
	Options      []Option
	Candidates   model.Candidates
	Hints        []model.CorrectionEntry
	Mixed        bool
	AllowBroaden bool
}

// PromptBuilder renders phase prompts from the embedded templates.
type PromptBuilder struct {
	templates *template.Template
}

// NewPromptBuilder parses the embedded templates.
func NewPromptBuilder() (*PromptBuilder, error) {
	funcMap := template.FuncMap{
		"formatAmount": formatAmount,
		"truncate":     truncateRunes,
	}

	tmpl, err := template.New("prompts").Funcs(funcMap).ParseFS(templateFS, "templates/"+PromptVersion+"/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt templates: %w", err)
	}
	return &PromptBuilder{templates: tmpl}, nil
}

// System renders the fixed instructions shared by all phases.
func (pb *PromptBuilder) System() (string, error) {
	return pb.render("system", nil)
}

// Build renders the user prompt for a phase. strict appends the stricter
// format instructions used after a malformed answer.
func (pb *PromptBuilder) Build(phase model.Phase, data PromptData, strict bool) (string, error) {
	switch phase {
	case model.PhaseFamily, model.PhaseSubfamily, model.PhaseAccount:
	default:
		return "", fmt.Errorf("no prompt template for phase %q", phase)
	}

	prompt, err := pb.render(string(phase), data)
	if err != nil {
		return "", err
	}
	if strict {
		suffix, err := pb.render("strict_suffix", nil)
		if err != nil {
			return "", err
		}
		prompt += suffix
	}
	return prompt, nil
}

func (pb *PromptBuilder) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := pb.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return buf.String(), nil
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
