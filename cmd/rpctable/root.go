package main

import (
	"fmt"

	"github.com/TheAlpha16/rpctable"
	"github.com/TheAlpha16/rpctable/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rpctable",
		Short: "JSON-RPC command table server",
		Long: `rpctable serves a table of named RPC commands over JSON-RPC 2.0.

Requests arrive over TCP, stdin/stdout, or a Valkey pub/sub channel, are
resolved by method name, and answered with the command's result.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newCallCommand(&configPath))
	cmd.AddCommand(newMethodsCommand(&configPath))

	return cmd
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}

// newTable builds the command table a server with cfg would expose.
func newTable(cfg *config.Config, logger *zap.Logger) (*rpctable.Table, error) {
	policy := rpctable.ReplaceDuplicates
	if cfg.Duplicates == "reject" {
		policy = rpctable.RejectDuplicates
	}

	table := rpctable.NewTable(
		rpctable.WithBaseline(cfg.BaselineEnabled()),
		rpctable.WithDuplicatePolicy(policy),
		rpctable.WithTableLogger(logger),
	)
	if cfg.IntrospectionEnabled() {
		if err := rpctable.RegisterIntrospection(table); err != nil {
			table.Close()
			return nil, err
		}
	}
	return table, nil
}
