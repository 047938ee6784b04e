package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/cli"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/engine"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Work through the review queue",
		Long: `List classified records and confirm, correct or reclassify them.

Every correction is remembered: once enough reviewers agree on the account
for a counterparty, later documents from it are classified automatically.

Examples:
  ledger review list --org acme
  ledger review confirm doc-42
  ledger review correct doc-42 614.02 --note "trade show booth"
  ledger review interactive --org acme`,
	}

	cmd.PersistentFlags().String("reviewer", os.Getenv("USER"), "reviewer identifier recorded with every action")
	_ = viper.BindPFlag("review.reviewer", cmd.PersistentFlags().Lookup("reviewer"))

	cmd.AddCommand(reviewListCmd())
	cmd.AddCommand(reviewConfirmCmd())
	cmd.AddCommand(reviewCorrectCmd())
	cmd.AddCommand(reviewReclassifyCmd())
	cmd.AddCommand(reviewInteractiveCmd())

	return cmd
}

func reviewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records in a review state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			org, _ := cmd.Flags().GetString("org")
			rawStatus, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			status, err := model.ParseRecordStatus(rawStatus)
			if err != nil {
				return common.NewUserError("unknown status "+rawStatus, err)
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.store.ListRecords(ctx, service.RecordFilter{
				OrganizationID: org,
				Statuses:       []model.RecordStatus{status},
				Limit:          limit,
			})
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(cli.FormatInfo(fmt.Sprintf("No %s records", status)))
				return nil
			}

			rows := make([][]string, len(records))
			for i, rec := range records {
				rows[i] = []string{
					rec.ID,
					rec.OrganizationID,
					truncate(rec.Description, 40),
					rec.AccountCode,
					cli.FormatConfidence(rec.Confidence),
					cli.FormatStatus(rec.Status),
				}
			}
			fmt.Println(cli.RenderTable([]string{"Record", "Organization", "Description", "Account", "Confidence", "Status"}, rows))
			return nil
		},
	}

	cmd.Flags().String("org", "", "organization to list (all when empty)")
	cmd.Flags().String("status", string(model.StatusPending), "review state to list")
	cmd.Flags().Int("limit", 50, "maximum number of records")

	return cmd
}

func reviewConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm RECORD_ID",
		Short: "Accept the suggested account of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.feedback.Confirm(ctx, args[0], viper.GetString("review.reviewer"))
			if err != nil {
				return err
			}
			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Confirmed %s as %s", rec.ID, rec.AccountCode)))
			return nil
		},
	}
}

func reviewCorrectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correct RECORD_ID ACCOUNT_CODE",
		Short: "Replace the account of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			note, _ := cmd.Flags().GetString("note")

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.feedback.Correct(ctx, args[0], viper.GetString("review.reviewer"), args[1], note)
			if err != nil {
				return err
			}
			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Corrected %s to %s", rec.ID, rec.AccountCode)))
			return nil
		},
	}

	cmd.Flags().String("note", "", "why the suggestion was wrong")

	return cmd
}

func reviewReclassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclassify RECORD_ID",
		Short: "Run a failed or needs_review record through the funnel again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			classifier, err := a.newClassifier(ctx)
			if err != nil {
				return err
			}
			res, err := reclassify(ctx, classifier, args[0])
			if err != nil {
				return err
			}
			fmt.Println(cli.RenderBox("Record "+res.Record.ID, describeRecord(res.Record, res.AutoApplied)))
			return nil
		},
	}
}

func reclassify(ctx context.Context, classifier *engine.HierarchicalClassifier, recordID string) (*engine.Result, error) {
	rec, err := classifier.Reset(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return classifier.Classify(ctx, rec.Snapshot)
}

func reviewInteractiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interactive",
		Short: "Review records one at a time",
		RunE:  runReviewInteractive,
	}

	cmd.Flags().String("org", "", "organization to review (all when empty)")
	cmd.Flags().Int("limit", 50, "maximum number of records")

	return cmd
}

func runReviewInteractive(cmd *cobra.Command, _ []string) error {
	org, _ := cmd.Flags().GetString("org")
	limit, _ := cmd.Flags().GetInt("limit")
	reviewer := viper.GetString("review.reviewer")
	if strings.TrimSpace(reviewer) == "" {
		return common.NewUserError("a reviewer is required: pass --reviewer", nil)
	}

	interrupts := cli.NewInterruptHandler(os.Stdout)
	ctx := interrupts.HandleInterrupts(cmd.Context(), "ledger review interactive")

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.ListRecords(ctx, service.RecordFilter{
		OrganizationID: org,
		Statuses:       []model.RecordStatus{model.StatusPending, model.StatusNeedsReview, model.StatusFailed},
		Limit:          limit,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println(cli.FormatSuccess("The review queue is empty"))
		return nil
	}

	fmt.Println(cli.FormatTitle(fmt.Sprintf("Reviewing %d records", len(records))))

	// The funnel is only wired when a record is sent back through it.
	var classifier *engine.HierarchicalClassifier

	prompter := cli.NewReviewPrompter(os.Stdin, os.Stdout, a.catalog)
	prompter.Start(len(records))
	defer prompter.ShowCompletion()

	for i := range records {
		rec := &records[i]
		decision, err := prompter.Review(ctx, rec)
		if err != nil {
			if interrupts.WasInterrupted() {
				return nil
			}
			return err
		}

		switch decision.Action {
		case cli.ReviewQuit:
			return nil
		case cli.ReviewConfirm:
			_, err = a.feedback.Confirm(ctx, rec.ID, reviewer)
		case cli.ReviewCorrect:
			_, err = a.feedback.Correct(ctx, rec.ID, reviewer, decision.Code, decision.Note)
		case cli.ReviewReclassify:
			if classifier == nil {
				if classifier, err = a.newClassifier(ctx); err != nil {
					return err
				}
			}
			var res *engine.Result
			if res, err = reclassify(ctx, classifier, rec.ID); err == nil {
				fmt.Println(cli.FormatInfo(fmt.Sprintf("%s is now %s", rec.ID, res.Record.Status)))
			}
		case cli.ReviewSkip:
		}
		if err != nil {
			fmt.Println(cli.FormatError(err.Error()))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
