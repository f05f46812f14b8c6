// Package cli is the tallyhall command line: the API server plus the
// operator commands that run against the same stores.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tallyhall/api/internal/config"
	"tallyhall/api/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format   string // "json" | "text"
	LogLevel string

	// loadConfig is replaced in tests.
	loadConfig func() (config.Config, error)
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{loadConfig: config.Load})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tallyhall",
		Short:         "Tallyhall - vote ledger with anchored tallies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewResetStepsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) config() (config.Config, *zap.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, WrapExitError(ExitCommandError, "init logger", err)
	}
	return cfg, logger, nil
}

// runtime loads config and builds every component. The caller closes the
// runtime and syncs the logger through the returned func.
func (o *RootOptions) runtime(ctx context.Context) (*Runtime, func(), error) {
	cfg, logger, err := o.config()
	if err != nil {
		return nil, nil, err
	}
	rt, err := BuildRuntime(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, WrapExitError(ExitCommandError, "startup failed", err)
	}
	return rt, func() {
		rt.Close()
		_ = logger.Sync()
	}, nil
}

func (o *RootOptions) printer(cmd *cobra.Command) Printer {
	return Printer{Format: o.Format, Writer: cmd.OutOrStdout()}
}
