package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TheAlpha16/rpctable"
	"github.com/TheAlpha16/rpctable/internal/config"
	"github.com/spf13/cobra"
)

func newCallCommand(configPath *string) *cobra.Command {
	var valkeyAddr, channel string
	var notify bool

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a method on a server listening on Valkey",
		Example: `  rpctable call test_add '{"x": 1, "y": 2}'
  rpctable call get_supported_cmds`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("valkey-addr") {
				cfg.Valkey.Address = valkeyAddr
			}
			if cmd.Flags().Changed("channel") {
				cfg.Valkey.Channel = channel
			}

			var params any
			if len(args) == 2 {
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(args[1]), &raw); err != nil {
					return fmt.Errorf("params must be valid JSON: %w", err)
				}
				params = raw
			}

			vc, err := rpctable.NewValkeyClient(cfg.Valkey.Address)
			if err != nil {
				return err
			}
			defer vc.Close()

			client := rpctable.NewClient(vc, cfg.Valkey.Channel, rpctable.WithCallTimeout(cfg.CallTimeout))

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CallTimeout)
			defer cancel()

			if notify {
				return client.Notify(ctx, args[0], params)
			}

			var result json.RawMessage
			if err := client.Call(ctx, args[0], params, &result); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}

	cmd.Flags().StringVar(&valkeyAddr, "valkey-addr", "", "Valkey server address")
	cmd.Flags().StringVar(&channel, "channel", "", "Valkey channel carrying requests")
	cmd.Flags().BoolVar(&notify, "notify", false, "Send as a notification and do not wait for a reply")

	return cmd
}
