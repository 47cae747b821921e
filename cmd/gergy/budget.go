package main

import (
	"github.com/spf13/cobra"

	"github.com/scrypster/gergy/internal/budget"
	"github.com/scrypster/gergy/pkg/types"
)

func newBudgetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect daily budgets",
	}
	cmd.AddCommand(newBudgetStatusCmd(a), newBudgetReportCmd(a))
	return cmd
}

func newBudgetStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [domain]",
		Short: "Show today's spend for one or all domains",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeRuntime(rt)

			domains := rt.Ledger.Domains()
			if len(args) == 1 {
				domains = []types.Domain{types.Domain(args[0])}
			}

			statuses := make([]budget.Status, 0, len(domains))
			for _, d := range domains {
				st, err := rt.Coordinator.BudgetStatus(cmd.Context(), d)
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}
			return writeJSON(cmd, statuses)
		},
	}
}

func newBudgetReportCmd(a *app) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize spend over recent days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeRuntime(rt)

			report, err := rt.Coordinator.BudgetReport(cmd.Context(), days)
			if err != nil {
				return err
			}
			return writeJSON(cmd, report)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days, today included")

	return cmd
}
