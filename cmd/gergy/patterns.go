package main

import (
	"github.com/spf13/cobra"

	"github.com/scrypster/gergy/internal/patterns"
)

func newPatternsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Work with the pattern template catalog",
	}
	cmd.AddCommand(newPatternsValidateCmd(a))
	return cmd
}

type catalogSummary struct {
	Source    string   `json:"source"`
	Templates []string `json:"templates"`
}

func newPatternsValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a template catalog (default: the configured one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Patterns.CatalogPath
			if len(args) == 1 {
				path = args[0]
			}

			var (
				catalog *patterns.Catalog
				err     error
			)
			source := path
			if path == "" {
				source = "embedded"
				catalog = patterns.DefaultCatalog()
			} else if catalog, err = patterns.LoadCatalogFile(path); err != nil {
				return err
			}

			return writeJSON(cmd, catalogSummary{Source: source, Templates: catalog.Names()})
		},
	}
}
