/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package entities

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/thin-edge/tedge-agent-go/pkg/cli"
)

func NewEntitiesCommand(ctx *cli.Cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "Inspect the registered entities",
	}
	cmd.AddCommand(NewListCommand(ctx))
	return cmd
}

type ListCommand struct {
	*cobra.Command

	Kind string
}

// NewListCommand queries the running agent over its HTTP API
func NewListCommand(ctx *cli.Cli) *cobra.Command {
	command := &ListCommand{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the registered entities as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("http://%s:%d/te/v1/entities", ctx.GetHTTPBindAddress(), ctx.GetHTTPPort())
			if command.Kind != "" {
				url += "?type=" + command.Kind
			}

			client := &http.Client{Timeout: 10 * time.Second}
			response, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("is the agent running? %w", err)
			}
			defer response.Body.Close()
			if response.StatusCode != http.StatusOK {
				return fmt.Errorf("agent returned status %d", response.StatusCode)
			}

			body, err := io.ReadAll(response.Body)
			if err != nil {
				return err
			}
			var pretty json.RawMessage = body
			indented, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(indented))
			return nil
		},
	}
	cmd.Flags().StringVar(&command.Kind, "type", "", "Filter by entity kind (device or service)")
	command.Command = cmd
	return cmd
}
