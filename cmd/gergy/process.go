package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/scrypster/gergy/internal/engine"
	"github.com/scrypster/gergy/pkg/types"
)

func newProcessCmd(a *app) *cobra.Command {
	var (
		req    engine.Request
		domain string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one request through the intelligence pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Domain = types.Domain(domain)
			if req.SessionID == "" {
				req.SessionID = uuid.NewString()
			}

			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeRuntime(rt)

			result, err := rt.Coordinator.Process(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd, result)
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Tool domain (financial, family, lifestyle, professional, home)")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Session ID (default: a new one)")
	cmd.Flags().StringVar(&req.Text, "text", "", "Request text")
	cmd.Flags().Float64Var(&req.EstimatedCost, "cost", 0, "Estimated cost in USD")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "Model provider, used to price tokens when --cost is 0")
	cmd.Flags().StringVar(&req.Model, "model", "", "Model name")
	cmd.Flags().IntVar(&req.InputTokens, "input-tokens", 0, "Expected input tokens")
	cmd.Flags().IntVar(&req.OutputTokens, "output-tokens", 0, "Expected output tokens")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("text")

	return cmd
}
