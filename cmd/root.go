/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thin-edge/tedge-agent-go/cli/bridge"
	configcli "github.com/thin-edge/tedge-agent-go/cli/config"
	"github.com/thin-edge/tedge-agent-go/cli/entities"
	"github.com/thin-edge/tedge-agent-go/cli/operations"
	"github.com/thin-edge/tedge-agent-go/cli/run"
	"github.com/thin-edge/tedge-agent-go/pkg/cli"
)

// Build data
var buildVersion string
var buildBranch string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tedge-agent",
	Short: "thin-edge.io agent",
	Long: `Run the thin-edge.io agent: the local MQTT bus services, the cloud
mappers, the operation workflow engine and the file transfer service.
`,
	Version: fmt.Sprintf("%s (branch=%s)", buildVersion, buildBranch),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return SetLogLevel()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		switch err.(type) {
		case cli.SilentError:
			// Don't log error
		default:
			slog.Error("Command error", "err", err)
		}
		os.Exit(1)
	}
}

func SetLogLevel() error {
	value := strings.ToLower(viper.GetString("log_level"))
	slog.Debug("Setting log level.", "new", value)
	switch value {
	case "info":
		slog.SetLogLoggerLevel(slog.LevelInfo)
	case "debug":
		slog.SetLogLoggerLevel(slog.LevelDebug)
	case "warn":
		slog.SetLogLoggerLevel(slog.LevelWarn)
	case "error":
		slog.SetLogLoggerLevel(slog.LevelError)
	}
	return nil
}

func init() {
	cliConfig := cli.Cli{}
	cobra.OnInitialize(cliConfig.OnInit)
	rootCmd.AddCommand(
		run.NewRunCommand(&cliConfig),
		bridge.NewBridgeCommand(&cliConfig),
		entities.NewEntitiesCommand(&cliConfig),
		configcli.NewConfigCommand(&cliConfig),
		operations.NewOperationsCommand(&cliConfig),
	)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().StringVarP(&cliConfig.ConfigFile, "config", "c", "", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&cliConfig.ConfigDir, "config-dir", cli.DefaultConfigDir, "Configuration directory")

	// viper.Bind
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}
