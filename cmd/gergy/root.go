package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scrypster/gergy/internal/config"
	"github.com/scrypster/gergy/internal/engine"
	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/metrics"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func Execute() error { return newRootCmd().Execute() }

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "gergy",
		Short: "Cross-domain intelligence engine",
		Long: "gergy coordinates budget admission, relevance caching and pattern\n" +
			"recognition for a family of domain tool servers.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (default: $GERGY_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: text or json")

	rootCmd.AddCommand(
		newServeCmd(a),
		newProcessCmd(a),
		newBudgetCmd(a),
		newPatternsCmd(a),
		newCacheCmd(a),
	)

	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.metrics = metrics.New(nil)
	return nil
}

// open builds the full runtime. Callers must Close it.
func (a *app) open(ctx context.Context) (*engine.Runtime, error) {
	rt, err := engine.Open(ctx, a.cfg, a.logger, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return rt, nil
}

func (a *app) closeRuntime(rt *engine.Runtime) {
	if err := rt.Close(); err != nil {
		a.logger.WithError(err).Warn("engine close")
	}
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
