package main

import (
	"fmt"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/cli"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the chart of accounts",
	}

	cmd.PersistentFlags().String("catalog", "", "catalog YAML file (default: embedded catalog)")
	_ = viper.BindPFlag("catalog.path", cmd.PersistentFlags().Lookup("catalog"))

	cmd.AddCommand(catalogListCmd())
	cmd.AddCommand(catalogSyncCmd())

	return cmd
}

func catalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [PREFIX]",
		Short: "List catalog entries, optionally under a family or subfamily",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cat, err := loadCatalog(config.ExpandPath(viper.GetString("catalog.path")))
			if err != nil {
				return err
			}

			roots := cat.Families()
			if len(args) == 1 {
				e, ok := cat.Lookup(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", common.ErrUnknownCode, args[0])
				}
				roots = []catalog.Entry{e}
			}

			var b strings.Builder
			for _, e := range roots {
				writeTree(&b, cat, e)
			}
			fmt.Println(cli.FormatTitle(fmt.Sprintf("Chart of accounts %s (%d entries)", cat.Version(), cat.Len())))
			fmt.Print(b.String())
			return nil
		},
	}
}

func writeTree(b *strings.Builder, cat *catalog.Catalog, e catalog.Entry) {
	indent := strings.Repeat("  ", int(e.Level)-1)
	code := e.Code
	if e.Level == catalog.LevelAccount {
		code = cli.InfoStyle.Render(code)
	} else {
		code = cli.BoldStyle.Render(code)
	}
	fmt.Fprintf(b, "%s%s %s\n", indent, code, e.Name)
	for _, child := range cat.Children(e.Code) {
		writeTree(b, cat, child)
	}
}

func catalogSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-pinecone",
		Short: "Embed every account and upsert it into the Pinecone index",
		Long: `Embed every catalog account with Voyage AI and upsert the vectors into the
configured Pinecone index. Run this whenever the catalog changes and
retrieval.index is set to pinecone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Retrieval.Embedder != config.EmbedderVoyage {
				return fmt.Errorf("%w: sync-pinecone needs retrieval.embedder set to voyage", common.ErrInvalidConfig)
			}
			embedder, err := a.newEmbedder()
			if err != nil {
				return err
			}
			index, err := a.newPineconeIndex()
			if err != nil {
				return err
			}

			n, err := index.Sync(ctx, embedder)
			if err != nil {
				return fmt.Errorf("sync stopped after %d accounts: %w", n, err)
			}
			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Upserted %d accounts from catalog %s", n, a.catalog.Version())))
			return nil
		},
	}
}
