package main

import (
	"fmt"

	"github.com/Veraticus/the-books-must-balance/internal/cli"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats ORGANIZATION_ID",
		Short: "Show suggestion accuracy per account family",
		Long: `Show how often reviewers accepted the suggested account, per account
family. Every confirmation counts as correct and every correction as wrong.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.metrics.Stats(ctx, args[0])
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println(cli.FormatInfo("No reviewed records yet for " + args[0]))
				return nil
			}

			var total model.AccuracyMetric
			rows := make([][]string, 0, len(stats)+1)
			for _, m := range stats {
				rows = append(rows, accuracyRow(a.familyName(m.Category), m))
				total.TotalPredictions += m.TotalPredictions
				total.CorrectPredictions += m.CorrectPredictions
			}
			rows = append(rows, accuracyRow("All families", total))

			fmt.Println(cli.FormatTitle("Accuracy for " + args[0]))
			fmt.Println(cli.RenderTable([]string{"Family", "Reviewed", "Accepted", "Rate"}, rows))
			return nil
		},
	}
}

func accuracyRow(label string, m model.AccuracyMetric) []string {
	return []string{
		label,
		fmt.Sprintf("%d", m.TotalPredictions),
		fmt.Sprintf("%d", m.CorrectPredictions),
		cli.FormatConfidence(m.Rate()),
	}
}

func (a *app) familyName(code string) string {
	if e, ok := a.catalog.Lookup(code); ok {
		return fmt.Sprintf("%s %s", code, e.Name)
	}
	return code
}
