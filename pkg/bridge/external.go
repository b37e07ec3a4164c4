package bridge

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-agent-go/pkg/utils"
)

// ExternalConfig renders a mosquitto bridge configuration so the broker
// proxies the cloud connection itself
type ExternalConfig struct {
	Cloud      string
	RemoteHost string
	RemotePort uint16
	ClientID   string

	CertFile string
	KeyFile  string
	CADir    string

	ConfigDir string
	PidFile   string
}

// Render produces the mosquitto bridge configuration for the rule set
func (c *ExternalConfig) Render(rules *RuleSet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Bridge to %s, generated by tedge-agent. Do not edit.\n", c.Cloud)
	fmt.Fprintf(&sb, "connection edge_to_%s\n", c.Cloud)
	fmt.Fprintf(&sb, "address %s:%d\n", c.RemoteHost, c.RemotePort)
	fmt.Fprintf(&sb, "remote_clientid %s\n", c.ClientID)
	fmt.Fprintf(&sb, "bridge_certfile %s\n", c.CertFile)
	fmt.Fprintf(&sb, "bridge_keyfile %s\n", c.KeyFile)
	fmt.Fprintf(&sb, "bridge_cafile %s\n", c.CADir)
	sb.WriteString("bridge_attempt_unsubscribe false\n")
	sb.WriteString("cleansession false\n")
	sb.WriteString("notifications true\n")
	fmt.Fprintf(&sb, "notification_topic %s\n", fmt.Sprintf("te/device/main/service/mosquitto-%s-bridge/status/health", c.Cloud))

	for _, rule := range rules.Rules {
		// mosquitto expects: topic <pattern> <direction> <qos> <local_prefix> <remote_prefix>
		local, remote := rule.Local, rule.Remote
		suffix, prefix := sharedSuffix(local, remote)
		fmt.Fprintf(&sb, "topic %s %s %d %s %s\n", suffix, rule.Direction, rule.QoS, prefix, "")
	}
	return sb.String()
}

// sharedSuffix splits a local pattern into the mosquitto prefix/pattern
// pair, e.g. c8y/s/us + s/us -> pattern "s/us", local prefix "c8y/"
func sharedSuffix(local string, remote string) (pattern string, localPrefix string) {
	if strings.HasSuffix(local, remote) {
		prefix := strings.TrimSuffix(local, remote)
		return remote, prefix
	}
	return local, ""
}

// Install writes the bridge configuration atomically and signals the broker
// to reload
func (c *ExternalConfig) Install(rules *RuleSet) error {
	if err := os.MkdirAll(c.ConfigDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(c.ConfigDir, fmt.Sprintf("%s-bridge.conf", c.Cloud))
	if err := utils.AtomicWrite(path, []byte(c.Render(rules)), 0644); err != nil {
		return errors.Wrap(err, "failed to write bridge configuration")
	}
	slog.Info("Wrote bridge configuration.", "cloud", c.Cloud, "path", path)
	return c.reloadBroker()
}

// reloadBroker sends SIGHUP to the broker named by the pid file. Without a
// pid file the reload is left to the service manager
func (c *ExternalConfig) reloadBroker() error {
	if c.PidFile == "" {
		slog.Info("No broker pid file configured, skipping reload signal.")
		return nil
	}
	data, err := os.ReadFile(c.PidFile)
	if err != nil {
		return errors.Wrap(err, "failed to read broker pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return errors.Wrapf(err, "invalid pid in %s", c.PidFile)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return errors.Wrap(err, "failed to signal broker reload")
	}
	slog.Info("Signalled broker to reload.", "pid", pid)
	return nil
}
