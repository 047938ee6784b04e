package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/cli"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/profile"
	"github.com/spf13/cobra"
)

func orgsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orgs",
		Short: "Manage organization profiles",
		Long: `Organization profiles give the classifier business context: the industry,
the business model, and how specific counterparties should be treated.`,
	}

	cmd.AddCommand(orgsSeedCmd())
	cmd.AddCommand(orgsListCmd())

	return cmd
}

func orgsSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load organization profiles from a YAML file",
		Long: `Load organization profiles from a YAML file. Existing profiles with the
same id are replaced.

Example file:
  organizations:
    - id: acme
      name: Acme Foods
      industry: food_production
      business_model: walnut grower and packer
      treatments:
        CFE370814QI0:
          treatment: utilities
          code_hint: "601.84"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return common.NewUserError("--file is required", nil)
			}

			profiles, err := profile.LoadSeedFile(path)
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := profile.Seed(ctx, a.store, profiles); err != nil {
				return err
			}
			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Seeded %d organizations", len(profiles))))
			return nil
		},
	}

	cmd.Flags().StringP("file", "f", "", "organization seed YAML")

	return cmd
}

func orgsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List organization profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			orgs, err := a.store.ListOrganizations(ctx)
			if err != nil {
				return err
			}
			if len(orgs) == 0 {
				fmt.Println(cli.FormatInfo("No organizations yet. Load some with: ledger orgs seed --file orgs.yaml"))
				return nil
			}

			rows := make([][]string, len(orgs))
			for i, o := range orgs {
				keys := make([]string, 0, len(o.Treatments))
				for k := range o.Treatments {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				rows[i] = []string{o.ID, o.Name, o.Industry, truncate(o.BusinessModel, 40), strings.Join(keys, ", ")}
			}
			fmt.Println(cli.RenderTable([]string{"ID", "Name", "Industry", "Business model", "Treated counterparties"}, rows))
			return nil
		},
	}
}
