/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package operations

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thin-edge/tedge-agent-go/pkg/cli"
	"github.com/thin-edge/tedge-agent-go/pkg/workflow"
)

func NewOperationsCommand(ctx *cli.Cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "Inspect the loaded workflow definitions",
	}
	cmd.AddCommand(NewListCommand(ctx))
	return cmd
}

func NewListCommand(ctx *cli.Cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := workflow.NewRegistry(ctx.GetWorkflowDir())
			if err != nil {
				return err
			}
			for _, operation := range registry.Operations() {
				definition, _ := registry.Get(operation)
				source := "builtin"
				if definition.Source != "" {
					source = definition.Source
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d states (%s)\n", operation, len(definition.States), source)
			}
			return nil
		},
	}
}
