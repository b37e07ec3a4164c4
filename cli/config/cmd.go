/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thin-edge/tedge-agent-go/pkg/cli"
)

func NewConfigCommand(ctx *cli.Cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write the agent configuration",
	}
	cmd.AddCommand(
		NewGetCommand(ctx),
		NewSetCommand(ctx),
		NewUnsetCommand(ctx),
		NewListCommand(ctx),
	)
	return cmd
}

func NewGetCommand(ctx *cli.Cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <KEY>",
		Short: "Print the value of a configuration key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := cli.LookupKey(args[0]); !ok {
				return fmt.Errorf("unknown configuration key: %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), viper.Get(args[0]))
			return nil
		},
	}
}

func NewSetCommand(ctx *cli.Cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set <KEY> <VALUE>",
		Short: "Persist a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.SetKey(args[0], args[1])
		},
	}
}

func NewUnsetCommand(ctx *cli.Cli) *cobra.Command {
	return &cobra.Command{
		Use:   "unset <KEY>",
		Short: "Remove a configuration value, reverting to the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.UnsetKey(args[0])
		},
	}
}

func NewListCommand(ctx *cli.Cli) *cobra.Command {
	all := false
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the configuration keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, key := range cli.ListKeys() {
				if all {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%v\n", key.Name, viper.Get(key.Name))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%-35s %s\n", key.Name, key.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include the effective values")
	return cmd
}
