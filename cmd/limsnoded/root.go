package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/observability"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// load reads the configuration named by --config.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	return cfg, nil
}

// level is --log-level, else LOG_LEVEL, else the configured level.
func (o *rootOptions) level(cfg *config.Config) string {
	if o.logLevel != "" {
		return o.logLevel
	}
	return observability.EnvLogLevel(cfg.Logging.Level)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "limsnoded",
		Short:         "LIMS node controller for instrument data transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "/etc/limsnode/config.yml", "Configuration file path (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newTransferCommand(opts))
	rootCmd.AddCommand(newLedgerCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
