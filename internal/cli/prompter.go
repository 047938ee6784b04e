package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/schollz/progressbar/v3"
)

// ReviewAction is what the operator decided for a record.
type ReviewAction int

// Review actions.
const (
	ReviewSkip ReviewAction = iota
	ReviewConfirm
	ReviewCorrect
	ReviewReclassify
	ReviewQuit
)

func (a ReviewAction) String() string {
	switch a {
	case ReviewConfirm:
		return "confirm"
	case ReviewCorrect:
		return "correct"
	case ReviewReclassify:
		return "reclassify"
	case ReviewQuit:
		return "quit"
	default:
		return "skip"
	}
}

// ReviewDecision is the outcome of reviewing one record.
type ReviewDecision struct {
	Code   string
	Note   string
	Action ReviewAction
}

// ReviewStats summarizes a review session.
type ReviewStats struct {
	Duration     time.Duration
	Reviewed     int
	Confirmed    int
	Corrected    int
	Reclassified int
	Skipped      int
}

// maxCodeAttempts bounds how often an unknown account code is asked for again.
const maxCodeAttempts = 3

// ReviewPrompter walks an operator through the review queue.
type ReviewPrompter struct {
	startTime   time.Time
	writer      io.Writer
	reader      *NonBlockingReader
	catalog     *catalog.Catalog
	progressBar *progressbar.ProgressBar
	stats       ReviewStats
}

// NewReviewPrompter creates a prompter reading from reader and writing to writer.
func NewReviewPrompter(reader io.Reader, writer io.Writer, cat *catalog.Catalog) *ReviewPrompter {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	return &ReviewPrompter{
		reader:    NewNonBlockingReader(reader),
		writer:    writer,
		catalog:   cat,
		startTime: time.Now(),
	}
}

// Start shows a progress bar over total records.
func (p *ReviewPrompter) Start(total int) {
	p.progressBar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.writer),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("Reviewing records"),
	)
}

// Review shows a record and asks what to do with it. Confirm is offered only
// for pending records with an account; reclassify only for failed and
// needs_review records.
func (p *ReviewPrompter) Review(ctx context.Context, rec *model.ClassificationRecord) (ReviewDecision, error) {
	if _, err := fmt.Fprintln(p.writer, RenderBox("Record "+rec.ID, p.formatRecord(rec))); err != nil {
		return ReviewDecision{}, fmt.Errorf("failed to write record box: %w", err)
	}

	options := []string{}
	lines := []string{}
	if rec.Status == model.StatusPending && rec.AccountCode != "" {
		options = append(options, "a")
		lines = append(lines, fmt.Sprintf("  [A] Accept %s", SuccessStyle.Render(rec.AccountCode)))
	}
	options = append(options, "c")
	lines = append(lines, "  [C] Correct to another account")
	if rec.Status == model.StatusFailed || rec.Status == model.StatusNeedsReview {
		options = append(options, "r")
		lines = append(lines, "  [R] Reclassify")
	}
	options = append(options, "s", "q")
	lines = append(lines, "  [S] Skip", "  [Q] Quit")

	if _, err := fmt.Fprintln(p.writer, FormatPrompt("Options:")+"\n"+strings.Join(lines, "\n")); err != nil {
		return ReviewDecision{}, fmt.Errorf("failed to write options: %w", err)
	}

	choice, err := p.promptChoice(ctx, "Choice", options)
	if err != nil {
		return ReviewDecision{}, err
	}

	var decision ReviewDecision
	switch choice {
	case "a":
		decision.Action = ReviewConfirm
	case "c":
		code, err := p.promptAccount(ctx)
		if err != nil {
			return ReviewDecision{}, err
		}
		note, err := p.promptLine(ctx, "Note (optional)")
		if err != nil {
			return ReviewDecision{}, err
		}
		decision = ReviewDecision{Action: ReviewCorrect, Code: code, Note: note}
	case "r":
		decision.Action = ReviewReclassify
	case "q":
		decision.Action = ReviewQuit
	default:
		decision.Action = ReviewSkip
	}

	p.track(decision.Action)
	return decision, nil
}

func (p *ReviewPrompter) formatRecord(rec *model.ClassificationRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Description:  %s\n", rec.Description)
	if rec.Snapshot.CounterpartyName != "" || rec.CounterpartyKey != "" {
		fmt.Fprintf(&b, "Counterparty: %s (%s)\n", rec.Snapshot.CounterpartyName, rec.CounterpartyKey)
	}
	if !rec.Snapshot.Amount.IsZero() {
		fmt.Fprintf(&b, "Amount:       %s %s\n", rec.Snapshot.Amount.StringFixed(2), rec.Snapshot.Currency)
	}
	fmt.Fprintf(&b, "Status:       %s\n", FormatStatus(rec.Status))

	path := p.codePath(rec)
	if path == "" {
		path = SubtleStyle.Render("none")
	}
	fmt.Fprintf(&b, "%s Suggestion: %s", RobotIcon, path)
	if rec.AccountCode != "" {
		fmt.Fprintf(&b, " (%s confidence)", FormatConfidence(rec.Confidence))
	}
	if rec.Explanation != "" {
		fmt.Fprintf(&b, "\n%s", SubtleStyle.Render(rec.Explanation))
	}
	return b.String()
}

// codePath renders the assigned codes with their catalog names.
func (p *ReviewPrompter) codePath(rec *model.ClassificationRecord) string {
	var parts []string
	for _, code := range []string{rec.FamilyCode, rec.SubfamilyCode, rec.AccountCode} {
		if code == "" {
			continue
		}
		if e, ok := p.catalog.Lookup(code); ok {
			parts = append(parts, fmt.Sprintf("%s %s", code, e.Name))
		} else {
			parts = append(parts, code)
		}
	}
	return strings.Join(parts, " › ")
}

func (p *ReviewPrompter) promptAccount(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := p.promptLine(ctx, "Account code")
		if err != nil {
			return "", err
		}
		if p.catalog.IsAccount(code) {
			return code, nil
		}
		msg := fmt.Sprintf("%q is not an account code.", code)
		if _, ok := p.catalog.Lookup(code); ok {
			var names []string
			for _, e := range p.catalog.Accounts(code) {
				names = append(names, fmt.Sprintf("%s %s", e.Code, e.Name))
			}
			msg += " Accounts under it: " + strings.Join(names, ", ")
		}
		if _, err := fmt.Fprintln(p.writer, FormatError(msg)); err != nil {
			slog.Warn("Failed to write error message", "error", err)
		}
	}
	return "", fmt.Errorf("no valid account code after %d attempts", maxCodeAttempts)
}

func (p *ReviewPrompter) promptChoice(ctx context.Context, prompt string, valid []string) (string, error) {
	for {
		choice, err := p.promptLine(ctx, prompt)
		if err != nil {
			return "", err
		}
		choice = strings.ToLower(choice)
		if slices.Contains(valid, choice) {
			return choice, nil
		}
		if _, err := fmt.Fprintln(p.writer, FormatError("Invalid choice. Please try again.")); err != nil {
			slog.Warn("Failed to write error message", "error", err)
		}
	}
}

func (p *ReviewPrompter) promptLine(ctx context.Context, prompt string) (string, error) {
	if _, err := fmt.Fprint(p.writer, FormatPrompt(prompt)); err != nil {
		return "", fmt.Errorf("failed to write prompt: %w", err)
	}
	line, err := p.reader.ReadLine(ctx)
	if errors.Is(err, io.EOF) {
		return "", fmt.Errorf("input terminated")
	}
	return line, err
}

func (p *ReviewPrompter) track(action ReviewAction) {
	if action == ReviewQuit {
		return
	}
	p.stats.Reviewed++
	switch action {
	case ReviewConfirm:
		p.stats.Confirmed++
	case ReviewCorrect:
		p.stats.Corrected++
	case ReviewReclassify:
		p.stats.Reclassified++
	default:
		p.stats.Skipped++
	}
	if p.progressBar != nil {
		if err := p.progressBar.Add(1); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
	}
}

// Stats returns the session statistics so far.
func (p *ReviewPrompter) Stats() ReviewStats {
	stats := p.stats
	stats.Duration = time.Since(p.startTime)
	return stats
}

// ShowCompletion prints the session summary.
func (p *ReviewPrompter) ShowCompletion() {
	if p.progressBar != nil {
		if err := p.progressBar.Finish(); err != nil {
			slog.Warn("Failed to finish progress bar", "error", err)
		}
		if _, err := fmt.Fprintln(p.writer); err != nil {
			slog.Warn("Failed to write newline", "error", err)
		}
	}

	stats := p.Stats()
	summary := fmt.Sprintf("%s Statistics:\n", ChartIcon) +
		fmt.Sprintf("  • Reviewed: %d\n", stats.Reviewed) +
		fmt.Sprintf("  • Confirmed: %d\n", stats.Confirmed) +
		fmt.Sprintf("  • Corrected: %d\n", stats.Corrected) +
		fmt.Sprintf("  • Reclassified: %d\n", stats.Reclassified) +
		fmt.Sprintf("  • Skipped: %d\n", stats.Skipped) +
		fmt.Sprintf("  • Time taken: %s", stats.Duration.Round(time.Second))

	if _, err := fmt.Fprintln(p.writer, RenderBox("Review Complete", summary)); err != nil {
		slog.Warn("Failed to write completion box", "error", err)
	}
}
