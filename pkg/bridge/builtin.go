package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/thin-edge/tedge-agent-go/pkg/metrics"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// BuiltinConfig describes one built-in cloud bridge
type BuiltinConfig struct {
	Cloud      string
	RemoteHost string
	RemotePort uint16
	ClientID   string
	TLS        *tls.Config

	LocalHost string
	LocalPort uint16

	// Service target used for the bridge health topic
	HealthTarget tedge.Target
}

// Builtin is the in-process bridge: it owns the TLS connection to the cloud
// broker and copies messages in both directions per the mapping rules
type Builtin struct {
	config *BuiltinConfig
	rules  *RuleSet

	local  *mqtt.Client
	remote *mqtt.Client
}

func NewBuiltin(config *BuiltinConfig, rules *RuleSet) *Builtin {
	b := &Builtin{
		config: config,
		rules:  rules,
	}

	localConf := mqtt.NewConfig()
	localConf.Host = config.LocalHost
	localConf.Port = config.LocalPort
	localConf.ClientID = fmt.Sprintf("tedge-bridge#%s", config.Cloud)
	// Persistent session so queued cloud-bound messages survive restarts
	localConf.CleanSession = false
	localConf.WillTopic = tedge.GetHealthTopic(config.HealthTarget)
	localConf.WillPayload = tedge.PayloadHealthStatusDown()
	localConf.OnConnection = func() {
		b.publishHealth(tedge.StatusUp)
	}
	b.local = mqtt.NewClient(localConf)

	remoteConf := mqtt.NewConfig()
	remoteConf.Host = config.RemoteHost
	remoteConf.Port = config.RemotePort
	remoteConf.ClientID = config.ClientID
	remoteConf.CleanSession = false
	remoteConf.TLS = config.TLS
	remoteConf.OnConnection = func() {
		metrics.BridgeReconnects.WithLabelValues(config.Cloud).Inc()
		b.publishHealth(tedge.StatusUp)
	}
	b.remote = mqtt.NewClient(remoteConf)

	return b
}

func (b *Builtin) publishHealth(status string) {
	payload, err := tedge.PayloadHealthStatus(map[string]any{}, status)
	if err != nil {
		return
	}
	if err := b.local.PublishRetained(tedge.GetHealthTopic(b.config.HealthTarget), payload); err != nil {
		slog.Warn("Failed to publish bridge health.", "cloud", b.config.Cloud, "err", err)
	}
}

// Start connects both sides and installs the forwarding subscriptions. It
// blocks until the context is cancelled
func (b *Builtin) Start(ctx context.Context) error {
	if err := b.local.Connect(ctx); err != nil {
		return err
	}
	if err := b.remote.Connect(ctx); err != nil {
		return err
	}

	for pattern, qos := range b.rules.Patterns(DirectionOut) {
		if err := b.local.Subscribe(pattern, qos, b.forward(DirectionOut)); err != nil {
			return err
		}
	}
	for pattern, qos := range b.rules.Patterns(DirectionIn) {
		if err := b.remote.Subscribe(pattern, qos, b.forward(DirectionIn)); err != nil {
			return err
		}
	}
	slog.Info("Bridge is running.", "cloud", b.config.Cloud, "remote", fmt.Sprintf("%s:%d", b.config.RemoteHost, b.config.RemotePort))

	<-ctx.Done()
	b.publishHealth(tedge.StatusDown)
	b.remote.Disconnect(250 * time.Millisecond)
	b.local.Disconnect(250 * time.Millisecond)
	return ctx.Err()
}

// forward copies one message across the bridge, rewriting its topic
func (b *Builtin) forward(direction Direction) mqtt.MessageHandler {
	return func(msg mqtt.Message) {
		target, rule, ok := b.rules.Match(direction, msg.Topic)
		if !ok {
			// Only messages observed on a configured pattern cross over
			return
		}
		out := mqtt.Message{
			Topic:   target,
			Payload: msg.Payload,
			QoS:     rule.QoS,
			Retain:  msg.Retain && rule.Retain == RetainPreserve,
		}
		var err error
		if direction == DirectionOut {
			err = b.remote.Publish(out)
		} else {
			err = b.local.Publish(out)
		}
		if err != nil {
			slog.Warn("Failed to forward bridge message.", "cloud", b.config.Cloud, "direction", direction, "topic", msg.Topic, "err", err)
			return
		}
		metrics.BridgeMessages.WithLabelValues(b.config.Cloud, string(direction)).Inc()
	}
}
