package main

import (
	"fmt"

	"github.com/TheAlpha16/rpctable/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMethodsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the methods a server started with this config would expose",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			table, err := newTable(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer table.Close()

			for _, name := range table.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
