package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

type SilentError error

var DefaultConfigDir = "/etc/tedge"

type Cli struct {
	ConfigFile string
	ConfigDir  string
}

func (c *Cli) OnInit() {
	if c.ConfigDir == "" {
		c.ConfigDir = DefaultConfigDir
	}
	if c.ConfigFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(c.ConfigFile)
	} else {
		viper.AddConfigPath(c.ConfigDir)
		viper.SetConfigType("toml")
		viper.SetConfigName("tedge")
	}

	viper.SetEnvPrefix("TEDGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	RegisterDefaults()

	if err := viper.ReadInConfig(); err == nil {
		slog.Info("Using config file", "path", viper.ConfigFileUsed())
	}
}

func (c *Cli) GetString(key string) string {
	return viper.GetString(key)
}

func (c *Cli) GetBool(key string) bool {
	return viper.GetBool(key)
}

func (c *Cli) PrintConfig() {
	keys := viper.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		slog.Info("setting", "item", fmt.Sprintf("%s=%v", key, viper.Get(key)))
	}
}

// ConfigPath returns the path of the persisted configuration file
func (c *Cli) ConfigPath() string {
	if c.ConfigFile != "" {
		return c.ConfigFile
	}
	return filepath.Join(c.ConfigDirOrDefault(), "tedge.toml")
}

func (c *Cli) ConfigDirOrDefault() string {
	if c.ConfigDir != "" {
		return c.ConfigDir
	}
	return DefaultConfigDir
}

func (c *Cli) GetServiceName() string {
	return viper.GetString("agent.service_name")
}

func (c *Cli) GetTopicRoot() string {
	return viper.GetString("mqtt.topic_root")
}

func (c *Cli) GetTopicID() string {
	return viper.GetString("mqtt.device_topic_id")
}

func (c *Cli) GetDeviceID() string {
	return viper.GetString("device.id")
}

func (c *Cli) GetMQTTHost() string {
	return viper.GetString("mqtt.client.host")
}

func (c *Cli) GetMQTTPort() uint16 {
	v := viper.GetUint16("mqtt.client.port")
	if v == 0 {
		return 1883
	}
	return v
}

func (c *Cli) GetDataDir() string {
	return viper.GetString("agent.data_dir")
}

func (c *Cli) GetEntityStorePath() string {
	return filepath.Join(c.GetDataDir(), ".agent", "entity_store.jsonl")
}

func (c *Cli) GetOperationsDir() string {
	return filepath.Join(c.ConfigDirOrDefault(), "operations")
}

func (c *Cli) GetWorkflowDir() string {
	return viper.GetString("agent.workflow_dir")
}

//
// Cumulocity settings

func (c *Cli) GetCumulocityURL() string {
	return viper.GetString("c8y.url")
}

func (c *Cli) GetCumulocityProxyHost() string {
	return viper.GetString("c8y.proxy.client.host")
}

func (c *Cli) GetCumulocityProxyPort() uint16 {
	v := viper.GetUint16("c8y.proxy.client.port")
	if v == 0 {
		return 8001
	}
	return v
}

func (c *Cli) GetCumulocityBridgeTopicPrefix() string {
	return viper.GetString("c8y.bridge.topic_prefix")
}

//
// Bridge settings

func (c *Cli) BuiltInBridgeEnabled() bool {
	return viper.GetBool("mqtt.bridge.built_in")
}

func (c *Cli) GetBridgeKeyFile() string {
	return viper.GetString("device.key_path")
}

func (c *Cli) GetBridgeCertificateFile() string {
	return viper.GetString("device.cert_path")
}

func (c *Cli) GetBridgeCADir() string {
	return viper.GetString("c8y.root_cert_path")
}

func (c *Cli) GetCryptokiEnabled() bool {
	return viper.GetBool("device.cryptoki.enabled")
}

func (c *Cli) GetCryptokiSocketPath() string {
	return viper.GetString("device.cryptoki.socket_path")
}

func (c *Cli) GetCryptokiPin() string {
	return viper.GetString("device.cryptoki.pin")
}

func (c *Cli) GetExternalBridgeConfigDir() string {
	return viper.GetString("mqtt.external.config_dir")
}

func (c *Cli) GetExternalBridgePidFile() string {
	return viper.GetString("mqtt.external.pid_file")
}

//
// HTTP settings

func (c *Cli) GetHTTPBindAddress() string {
	return viper.GetString("http.client.host")
}

func (c *Cli) GetHTTPPort() uint16 {
	v := viper.GetUint16("http.client.port")
	if v == 0 {
		return 8000
	}
	return v
}

func (c *Cli) GetFileTransferDir() string {
	return filepath.Join(c.GetDataDir(), "file-transfer")
}

func (c *Cli) GetFileCacheSize() string {
	return viper.GetString("http.cache.size")
}

//
// Workflow settings

func (c *Cli) GetWorkflowCancelGrace() time.Duration {
	return viper.GetDuration("workflow.cancel.grace")
}

func (c *Cli) GetWorkflowStateTimeout() time.Duration {
	return viper.GetDuration("workflow.state.timeout")
}

func (c *Cli) GetEntityPendingTTL() time.Duration {
	return viper.GetDuration("entities.pending.ttl")
}

//
// Health settings

func (c *Cli) WatchdogEnabled() bool {
	return viper.GetBool("watchdog.enabled")
}

func (c *Cli) GetWatchdogInterval() time.Duration {
	interval := viper.GetDuration("watchdog.interval")
	if interval < 1*time.Second {
		slog.Warn("watchdog.interval is lower than allowed limit.", "old", interval, "new", 1*time.Second)
		interval = 1 * time.Second
	}
	return interval
}

//
// Mapper settings

func (c *Cli) AzureMapperEnabled() bool {
	return viper.GetBool("az.mapper.enabled")
}

func (c *Cli) AWSMapperEnabled() bool {
	return viper.GetBool("aws.mapper.enabled")
}

func (c *Cli) MetricsEnabled() bool {
	return viper.GetBool("http.metrics.enabled")
}

func (c *Cli) GetDeviceTarget() tedge.Target {
	return tedge.Target{
		RootPrefix:    c.GetTopicRoot(),
		TopicID:       c.GetTopicID(),
		CloudIdentity: c.GetDeviceID(),
	}
}
