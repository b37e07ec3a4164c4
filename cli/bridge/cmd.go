/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package bridge

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/thin-edge/tedge-agent-go/pkg/bridge"
	"github.com/thin-edge/tedge-agent-go/pkg/cli"
)

func NewBridgeCommand(ctx *cli.Cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Inspect and manage the cloud bridges",
	}
	cmd.AddCommand(
		NewTestCommand(ctx),
		NewInitCommand(ctx),
	)
	return cmd
}

// ruleSetFor builds the validated mapping table of a cloud
func ruleSetFor(ctx *cli.Cli, cloud string) (*bridge.RuleSet, error) {
	switch cloud {
	case "c8y":
		return bridge.NewRuleSet("c8y", bridge.DefaultCumulocityRules(ctx.GetCumulocityBridgeTopicPrefix()))
	default:
		return nil, fmt.Errorf("unknown cloud %q", cloud)
	}
}

type TestCommand struct {
	*cobra.Command

	Direction string
}

// NewTestCommand reports how a concrete topic would be bridged
func NewTestCommand(ctx *cli.Cli) *cobra.Command {
	command := &TestCommand{}
	cmd := &cobra.Command{
		Use:   "test <CLOUD> <TOPIC>",
		Short: "Check whether a topic is covered by the bridge mappings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := ruleSetFor(ctx, args[0])
			if err != nil {
				return err
			}
			direction := bridge.Direction(command.Direction)
			target, err := rules.TestTopic(direction, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[1], target)
			return nil
		},
	}
	cmd.Flags().StringVar(&command.Direction, "direction", string(bridge.DirectionOut), "Mapping direction (out or in)")
	command.Command = cmd
	return cmd
}

// NewInitCommand renders the external broker bridge configuration
func NewInitCommand(ctx *cli.Cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init <CLOUD>",
		Short: "Write the broker bridge configuration and signal a reload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cloud := args[0]
			rules, err := ruleSetFor(ctx, cloud)
			if err != nil {
				return err
			}
			config := &bridge.ExternalConfig{
				Cloud:      cloud,
				RemoteHost: ctx.GetCumulocityURL(),
				RemotePort: 8883,
				ClientID:   ctx.GetDeviceID(),
				CertFile:   ctx.GetBridgeCertificateFile(),
				KeyFile:    ctx.GetBridgeKeyFile(),
				CADir:      ctx.GetBridgeCADir(),
				ConfigDir:  ctx.GetExternalBridgeConfigDir(),
				PidFile:    ctx.GetExternalBridgePidFile(),
			}
			if err := config.Install(rules); err != nil {
				return err
			}
			slog.Info("Bridge configuration installed.", "cloud", cloud)
			return nil
		},
	}
}
