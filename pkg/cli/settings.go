package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/thin-edge/tedge-agent-go/pkg/utils"
)

type KeyType int

const (
	KeyTypeString KeyType = iota
	KeyTypeBool
	KeyTypeInt
	KeyTypeDuration
)

// Key is one declared configuration setting. Unknown keys are rejected by
// config set so typos do not silently create dead settings
type Key struct {
	Name        string
	Type        KeyType
	Default     any
	Description string
}

var Keys = []Key{
	{Name: "device.id", Type: KeyTypeString, Description: "Device identifier used as the cloud external id"},
	{Name: "device.key_path", Type: KeyTypeString, Default: "/etc/tedge/device-certs/tedge-private-key.pem", Description: "Path of the device private key"},
	{Name: "device.cert_path", Type: KeyTypeString, Default: "/etc/tedge/device-certs/tedge-certificate.pem", Description: "Path of the device certificate"},
	{Name: "device.cryptoki.enabled", Type: KeyTypeBool, Default: false, Description: "Access the device key through the PKCS#11 signing service"},
	{Name: "device.cryptoki.socket_path", Type: KeyTypeString, Default: "/run/tedge-p11-server/tedge-p11-server.sock", Description: "Socket of the PKCS#11 signing service"},
	{Name: "device.cryptoki.pin", Type: KeyTypeString, Description: "PKCS#11 token pin"},

	{Name: "mqtt.topic_root", Type: KeyTypeString, Default: "te", Description: "Root prefix of the canonical topic tree"},
	{Name: "mqtt.device_topic_id", Type: KeyTypeString, Default: "device/main//", Description: "Topic identifier of the main device"},
	{Name: "mqtt.client.host", Type: KeyTypeString, Default: "127.0.0.1", Description: "Local MQTT broker host"},
	{Name: "mqtt.client.port", Type: KeyTypeInt, Default: 1883, Description: "Local MQTT broker port"},
	{Name: "mqtt.bridge.built_in", Type: KeyTypeBool, Default: false, Description: "Use the built-in bridge instead of the broker bridge"},
	{Name: "mqtt.external.config_dir", Type: KeyTypeString, Default: "/etc/tedge/mosquitto-conf", Description: "Directory for generated broker bridge configuration"},
	{Name: "mqtt.external.pid_file", Type: KeyTypeString, Description: "PID file of the external broker, used to signal a reload"},

	{Name: "c8y.url", Type: KeyTypeString, Description: "Cumulocity tenant URL"},
	{Name: "c8y.root_cert_path", Type: KeyTypeString, Default: "/etc/ssl/certs", Description: "Trust anchors for the Cumulocity connection"},
	{Name: "c8y.bridge.topic_prefix", Type: KeyTypeString, Default: "c8y", Description: "Local topic prefix of the Cumulocity bridge"},
	{Name: "c8y.proxy.client.host", Type: KeyTypeString, Default: "127.0.0.1", Description: "Local Cumulocity HTTP proxy host"},
	{Name: "c8y.proxy.client.port", Type: KeyTypeInt, Default: 8001, Description: "Local Cumulocity HTTP proxy port"},

	{Name: "az.url", Type: KeyTypeString, Description: "Azure IoT Hub hostname"},
	{Name: "az.mapper.enabled", Type: KeyTypeBool, Default: false, Description: "Enable the Azure mapper"},
	{Name: "aws.url", Type: KeyTypeString, Description: "AWS IoT endpoint"},
	{Name: "aws.mapper.enabled", Type: KeyTypeBool, Default: false, Description: "Enable the AWS mapper"},

	{Name: "http.client.host", Type: KeyTypeString, Default: "127.0.0.1", Description: "Bind address of the file transfer service"},
	{Name: "http.client.port", Type: KeyTypeInt, Default: 8000, Description: "Port of the file transfer service"},
	{Name: "http.cache.size", Type: KeyTypeString, Default: "256MB", Description: "Upper bound of the file transfer cache"},
	{Name: "http.metrics.enabled", Type: KeyTypeBool, Default: true, Description: "Expose prometheus metrics on the HTTP service"},

	{Name: "agent.service_name", Type: KeyTypeString, Default: "tedge-agent", Description: "Service name used for registration and health"},
	{Name: "agent.data_dir", Type: KeyTypeString, Default: "/var/tedge", Description: "State directory of the agent"},
	{Name: "agent.workflow_dir", Type: KeyTypeString, Default: "/etc/tedge/operations", Description: "Directory of workflow definition overrides"},

	{Name: "workflow.cancel.grace", Type: KeyTypeDuration, Default: "5s", Description: "Grace period between SIGTERM and SIGKILL on cancellation"},
	{Name: "workflow.state.timeout", Type: KeyTypeDuration, Default: "1h", Description: "Default per state deadline"},
	{Name: "entities.pending.ttl", Type: KeyTypeDuration, Default: "30s", Description: "How long a child may wait for its parent registration"},

	{Name: "watchdog.enabled", Type: KeyTypeBool, Default: true, Description: "Forward health messages to the init system"},
	{Name: "watchdog.interval", Type: KeyTypeDuration, Default: "60s", Description: "Expected health message interval"},

	{Name: "log_level", Type: KeyTypeString, Default: "info", Description: "Log level (debug, info, warn, error)"},
}

func RegisterDefaults() {
	for _, key := range Keys {
		if key.Default != nil {
			viper.SetDefault(key.Name, key.Default)
		}
	}
}

func LookupKey(name string) (Key, bool) {
	for _, key := range Keys {
		if key.Name == name {
			return key, true
		}
	}
	return Key{}, false
}

// parseValue validates a string value against the declared key type
func parseValue(key Key, value string) (any, error) {
	switch key.Type {
	case KeyTypeBool:
		return strconv.ParseBool(value)
	case KeyTypeInt:
		return strconv.Atoi(value)
	case KeyTypeDuration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, err
		}
		return d.String(), nil
	default:
		return value, nil
	}
}

// SetKey validates and writes one setting to the config file, replacing it
// atomically, and updates the running snapshot
func (c *Cli) SetKey(name string, value string) error {
	key, ok := LookupKey(name)
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", name)
	}
	typed, err := parseValue(key, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", name, err)
	}

	settings, err := readConfigFile(c.ConfigPath())
	if err != nil {
		return err
	}
	setNested(settings, strings.Split(name, "."), typed)
	if err := writeConfigFile(c.ConfigPath(), settings); err != nil {
		return err
	}
	viper.Set(name, typed)
	return nil
}

// UnsetKey removes one setting from the config file
func (c *Cli) UnsetKey(name string) error {
	if _, ok := LookupKey(name); !ok {
		return fmt.Errorf("unknown configuration key: %s", name)
	}
	settings, err := readConfigFile(c.ConfigPath())
	if err != nil {
		return err
	}
	unsetNested(settings, strings.Split(name, "."))
	return writeConfigFile(c.ConfigPath(), settings)
}

// ListKeys returns all declared keys sorted by name
func ListKeys() []Key {
	out := make([]Key, len(Keys))
	copy(out, Keys)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func readConfigFile(path string) (map[string]any, error) {
	settings := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func writeConfigFile(path string, settings map[string]any) error {
	data, err := toml.Marshal(settings)
	if err != nil {
		return err
	}
	return utils.AtomicWrite(path, data, 0644)
}

func setNested(settings map[string]any, path []string, value any) {
	if len(path) == 1 {
		settings[path[0]] = value
		return
	}
	child, ok := settings[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		settings[path[0]] = child
	}
	setNested(child, path[1:], value)
}

func unsetNested(settings map[string]any, path []string) {
	if len(path) == 1 {
		delete(settings, path[0])
		return
	}
	child, ok := settings[path[0]].(map[string]any)
	if !ok {
		return
	}
	unsetNested(child, path[1:])
	if len(child) == 0 {
		delete(settings, path[0])
	}
}
