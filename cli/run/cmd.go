/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package run

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thin-edge/tedge-agent-go/pkg/app"
	"github.com/thin-edge/tedge-agent-go/pkg/bridge"
	"github.com/thin-edge/tedge-agent-go/pkg/cli"
	"github.com/thin-edge/tedge-agent-go/pkg/signer"
)

var (
	DefaultServiceName = "tedge-agent"
	DefaultTopicRoot   = "te"
	DefaultTopicPrefix = "device/main//"
)

type RunCommand struct {
	*cobra.Command
}

func NewRunCommand(cliContext *cli.Cli) *cobra.Command {
	// runCmd represents the run command
	command := &RunCommand{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long: `Start the agent: the entity store, the cloud mappers, the workflow
	engine and the file transfer service, all against the local broker.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliContext.PrintConfig()

			device := cliContext.GetDeviceTarget()
			application, err := app.NewApp(device, app.Config{
				ServiceName: cliContext.GetServiceName(),

				MQTTHost: cliContext.GetMQTTHost(),
				MQTTPort: cliContext.GetMQTTPort(),

				HTTPBindAddress: cliContext.GetHTTPBindAddress(),
				HTTPPort:        cliContext.GetHTTPPort(),
				EnableMetrics:   cliContext.MetricsEnabled(),

				DataDir:       cliContext.GetDataDir(),
				EntityStore:   cliContext.GetEntityStorePath(),
				WorkflowDir:   cliContext.GetWorkflowDir(),
				OperationsDir: cliContext.GetOperationsDir(),

				CumulocityPrefix:    cliContext.GetCumulocityBridgeTopicPrefix(),
				CumulocityProxyHost: cliContext.GetCumulocityProxyHost(),
				CumulocityProxyPort: cliContext.GetCumulocityProxyPort(),

				AzureEnabled:  cliContext.AzureMapperEnabled(),
				AWSEnabled:    cliContext.AWSMapperEnabled(),
				FileCacheSize: cliContext.GetFileCacheSize(),

				EntityPendingTTL: cliContext.GetEntityPendingTTL(),
				CancelGrace:      cliContext.GetWorkflowCancelGrace(),
				StateTimeout:     cliContext.GetWorkflowStateTimeout(),

				WatchdogEnabled:  cliContext.WatchdogEnabled(),
				WatchdogInterval: cliContext.GetWatchdogInterval(),
			})
			if err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			ctx, cancel := context.WithCancel(context.Background())

			if err := application.Connect(ctx); err != nil {
				cancel()
				return err
			}

			if cliContext.BuiltInBridgeEnabled() {
				builtinBridge, err := newBuiltinBridge(cliContext, application)
				if err != nil {
					cancel()
					return err
				}
				go func() {
					if err := builtinBridge.Start(ctx); err != nil && err != context.Canceled {
						slog.Error("Bridge stopped.", "err", err)
					}
				}()
			}

			go application.Run(ctx)

			<-stop
			cancel()
			application.Stop(false)
			slog.Info("Shutting down...")
			return nil
		},
	}

	cmd.Flags().String("service-name", DefaultServiceName, "Service name")
	cmd.Flags().String("mqtt-topic-root", DefaultTopicRoot, "MQTT root prefix")
	cmd.Flags().String("mqtt-device-topic-id", DefaultTopicPrefix, "The device MQTT topic identifier")
	cmd.Flags().String("device-id", "", "thin-edge.io device id")
	cmd.Flags().String("data-dir", "/var/tedge", "State directory")

	//
	// viper bindings

	viper.SetDefault("agent.service_name", DefaultServiceName)
	_ = viper.BindPFlag("agent.service_name", cmd.Flags().Lookup("service-name"))

	viper.SetDefault("mqtt.topic_root", DefaultTopicRoot)
	_ = viper.BindPFlag("mqtt.topic_root", cmd.Flags().Lookup("mqtt-topic-root"))
	viper.SetDefault("mqtt.device_topic_id", DefaultTopicPrefix)
	_ = viper.BindPFlag("mqtt.device_topic_id", cmd.Flags().Lookup("mqtt-device-topic-id"))
	_ = viper.BindPFlag("device.id", cmd.Flags().Lookup("device-id"))
	_ = viper.BindPFlag("agent.data_dir", cmd.Flags().Lookup("data-dir"))

	command.Command = cmd
	return cmd
}

// newBuiltinBridge builds the in-process Cumulocity bridge from the
// device credentials, optionally signing through the PKCS#11 service
func newBuiltinBridge(cliContext *cli.Cli, application *app.App) (*bridge.Builtin, error) {
	tlsOptions := bridge.TLSOptions{
		CertFile: cliContext.GetBridgeCertificateFile(),
		KeyFile:  cliContext.GetBridgeKeyFile(),
		CADir:    cliContext.GetBridgeCADir(),
	}
	if cliContext.GetCryptokiEnabled() {
		remoteSigner, err := signer.NewRemoteSigner(
			cliContext.GetCryptokiSocketPath(),
			cliContext.GetCryptokiPin(),
			cliContext.GetBridgeCertificateFile(),
		)
		if err != nil {
			return nil, err
		}
		tlsOptions.Signer = remoteSigner
	}

	host, port := splitCloudURL(cliContext.GetCumulocityURL())
	return application.NewBuiltinBridge(host, port, tlsOptions)
}

// splitCloudURL accepts "example.cumulocity.com", an mqtt:// URL or a
// host:port pair, defaulting to the MQTT TLS port
func splitCloudURL(value string) (string, uint16) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "://") {
		if parsed, err := url.Parse(value); err == nil {
			value = parsed.Host
		}
	}
	if host, rawPort, err := net.SplitHostPort(value); err == nil {
		if port, err := strconv.ParseUint(rawPort, 10, 16); err == nil {
			return host, uint16(port)
		}
	}
	return value, 8883
}
