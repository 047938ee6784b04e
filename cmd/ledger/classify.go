package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/cli"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/engine"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify one document snapshot",
		Long: `Classify a single snapshot read from a JSON file (or stdin with --file -)
and print the resulting record.

Examples:
  ledger classify --file invoice.json
  cat invoice.json | ledger classify --file -`,
		RunE: runClassify,
	}

	cmd.Flags().StringP("file", "f", "-", "snapshot JSON file")

	return cmd
}

func runClassify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	path, _ := cmd.Flags().GetString("file")

	r, closeFn, err := openInput(path)
	if err != nil {
		return err
	}
	defer closeFn()

	var snap model.Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return common.NewUserError("invalid snapshot JSON", err)
	}
	if snap.Kind == "" {
		snap.Kind = model.KindExpense
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	classifier, err := a.newClassifier(ctx)
	if err != nil {
		return err
	}

	res, err := classifier.Classify(ctx, snap)
	switch {
	case errors.Is(err, common.ErrIneligibleDocument), errors.Is(err, common.ErrExtractionIncomplete):
		fmt.Println(cli.FormatWarning(fmt.Sprintf("Skipped %s: %v", snap.RecordID, err)))
		return nil
	case err != nil:
		return err
	}

	fmt.Println(cli.RenderBox("Record "+res.Record.ID, describeRecord(res.Record, res.AutoApplied)))
	return nil
}

func describeRecord(rec *model.ClassificationRecord, autoApplied bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Description: %s\n", rec.Description)
	fmt.Fprintf(&b, "Status:      %s\n", cli.FormatStatus(rec.Status))
	if rec.AccountCode != "" || rec.SubfamilyCode != "" {
		fmt.Fprintf(&b, "Codes:       %s / %s / %s\n", rec.FamilyCode, rec.SubfamilyCode, rec.AccountCode)
		fmt.Fprintf(&b, "Confidence:  %s\n", cli.FormatConfidence(rec.Confidence))
	}
	if rec.FailurePhase != "" {
		fmt.Fprintf(&b, "Failed at:   %s\n", rec.FailurePhase)
	}
	if autoApplied {
		fmt.Fprintf(&b, "Source:      %s\n", cli.InfoStyle.Render("correction memory"))
	}
	fmt.Fprintf(&b, "Explanation: %s", rec.Explanation)
	return b.String()
}

func classifyBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify-batch",
		Short: "Classify snapshots from a JSON Lines file",
		Long: `Classify every snapshot of a JSON Lines file, one snapshot per line.

Records that already have a result are left alone, so an interrupted run can
simply be started again.

Examples:
  ledger classify-batch --file march.jsonl
  ledger classify-batch --file march.jsonl --workers 8`,
		RunE: runClassifyBatch,
	}

	cmd.Flags().StringP("file", "f", "-", "snapshots JSON Lines file")
	cmd.Flags().Int("workers", engine.DefaultWorkers, "concurrent classifications")
	_ = viper.BindPFlag("engine.workers", cmd.Flags().Lookup("workers"))

	return cmd
}

func runClassifyBatch(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")

	r, closeFn, err := openInput(path)
	if err != nil {
		return err
	}
	defer closeFn()

	snapshots, err := readSnapshots(r)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Println(cli.FormatInfo("No snapshots to classify"))
		return nil
	}

	interrupts := cli.NewInterruptHandler(os.Stdout)
	ctx := interrupts.HandleInterrupts(cmd.Context(), "ledger classify-batch --file "+path)

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	classifier, err := a.newClassifier(ctx)
	if err != nil {
		return err
	}

	bar := newBatchProgress(len(snapshots), os.Stderr)
	stats, err := classifier.ClassifyBatch(ctx, snapshots, engine.BatchOptions{
		ParallelWorkers: a.cfg.Workers,
		Progress: func() {
			if addErr := bar.Add(1); addErr != nil {
				slog.Debug("Failed to update progress bar", "error", addErr)
			}
		},
	})
	if err != nil && !interrupts.WasInterrupted() {
		return err
	}

	fmt.Println(cli.RenderBox("Batch Complete", formatBatchStats(stats)))
	return nil
}

func newBatchProgress(total int, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan]Classifying[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprintln(w)
		}),
	)
}

func formatBatchStats(stats *service.ClassificationStats) string {
	if stats == nil {
		return "No records were classified"
	}
	return fmt.Sprintf("%s Statistics:\n", cli.ChartIcon) +
		fmt.Sprintf("  • Submitted: %d\n", stats.Submitted) +
		fmt.Sprintf("  • Auto-applied from memory: %d\n", stats.AutoApplied) +
		fmt.Sprintf("  • Awaiting review: %d\n", stats.Pending) +
		fmt.Sprintf("  • Needs review: %d\n", stats.NeedsReview) +
		fmt.Sprintf("  • Failed: %d\n", stats.Failed) +
		fmt.Sprintf("  • Skipped: %d\n", stats.Skipped) +
		fmt.Sprintf("  • Time taken: %s", stats.Duration.Round(time.Second))
}

// readSnapshots decodes one snapshot per non-empty line.
func readSnapshots(r io.Reader) ([]model.Snapshot, error) {
	var snapshots []model.Snapshot
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(text), &snap); err != nil {
			return nil, common.NewUserError(fmt.Sprintf("invalid snapshot on line %d", line), err)
		}
		if snap.Kind == "" {
			snap.Kind = model.KindExpense
		}
		snapshots = append(snapshots, snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	return snapshots, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
