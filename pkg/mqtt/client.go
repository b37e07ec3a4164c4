package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is the typed form of an MQTT message used across the agent
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retain    bool
	Timestamp time.Time
}

func NewMessage(topic string, payload []byte) Message {
	return Message{
		Topic:     topic,
		Payload:   payload,
		QoS:       1,
		Timestamp: time.Now(),
	}
}

func (m Message) WithRetain() Message {
	m.Retain = true
	return m
}

func (m Message) WithQoS(qos byte) Message {
	m.QoS = qos
	return m
}

type MessageHandler func(Message)

type Config struct {
	Host         string
	Port         uint16
	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	KeepAlive    time.Duration
	TLS          *tls.Config

	WillTopic   string
	WillPayload string

	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration

	PublishTimeout time.Duration

	OnConnection func()
}

func NewConfig() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Port:                  1883,
		CleanSession:          true,
		KeepAlive:             60 * time.Second,
		InitialReconnectDelay: 1 * time.Second,
		MaxReconnectDelay:     60 * time.Second,
		PublishTimeout:        10 * time.Second,
	}
}

// Backoff returns the full jitter delay for the given attempt, bounded by
// the configured cap
func Backoff(attempt int, initial time.Duration, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	ceiling := initial << uint(attempt)
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	return time.Duration(rand.Int63n(int64(ceiling)) + 1)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client wraps the paho client with typed messages and re-installation of
// subscriptions after a reconnect
type Client struct {
	Client mqtt.Client

	config        *Config
	mutex         sync.RWMutex
	subscriptions map[string]subscription
}

func NewClient(config *Config) *Client {
	c := &Client{
		config:        config,
		subscriptions: make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if config.TLS != nil {
		scheme = "ssl"
		opts.SetTLSConfig(config.TLS)
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, config.Host, config.Port))
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetCleanSession(config.CleanSession)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(config.MaxReconnectDelay)
	opts.SetResumeSubs(!config.CleanSession)

	if config.WillTopic != "" {
		opts.SetWill(config.WillTopic, config.WillPayload, 1, true)
	}

	opts.SetOnConnectHandler(func(pc mqtt.Client) {
		slog.Info("MQTT Client is connected.", "client_id", config.ClientID)
		c.installSubscriptions()
		if config.OnConnection != nil {
			config.OnConnection()
		}
	})
	opts.SetConnectionLostHandler(func(pc mqtt.Client, err error) {
		slog.Info("MQTT Client is disconnected.", "client_id", config.ClientID, "err", err)
	})

	c.Client = mqtt.NewClient(opts)
	return c
}

// Connect blocks until the broker accepts the connection, retrying with
// full jitter backoff. The context cancels the retry loop
func (c *Client) Connect(ctx context.Context) error {
	attempt := 0
	for {
		tok := c.Client.Connect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tok.Done():
		}
		if err := tok.Error(); err != nil {
			delay := Backoff(attempt, c.config.InitialReconnectDelay, c.config.MaxReconnectDelay)
			slog.Warn("Failed to connect to broker. Retrying.", "err", err, "delay", delay)
			attempt++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}
}

// Publish a message and wait for the broker acknowledgement
func (c *Client) Publish(msg Message) error {
	tok := c.Client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	if !tok.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("timed out publishing to %s", msg.Topic)
	}
	return tok.Error()
}

// PublishRetained is a convenience for the retained payloads that act as
// persistent state (registration, commands, health)
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(Message{Topic: topic, Payload: payload, QoS: 1, Retain: true})
}

// ClearRetained removes a retained payload from the broker
func (c *Client) ClearRetained(topic string) error {
	return c.Publish(Message{Topic: topic, QoS: 1, Retain: true})
}

// Subscribe registers a handler for a topic filter. Subscriptions are
// remembered and re-installed every time the connection is established
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	c.mutex.Lock()
	if _, exists := c.subscriptions[filter]; exists {
		slog.Warn("Duplicate topic detected. The new handler will replace the previous one.", "topic", filter)
	}
	c.subscriptions[filter] = subscription{qos: qos, handler: handler}
	c.mutex.Unlock()

	c.Client.AddRoute(filter, func(pc mqtt.Client, m mqtt.Message) {
		handler(Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			QoS:       m.Qos(),
			Retain:    m.Retained(),
			Timestamp: time.Now(),
		})
	})

	if c.Client.IsConnected() {
		tok := c.Client.Subscribe(filter, qos, nil)
		tok.Wait()
		return tok.Error()
	}
	return nil
}

func (c *Client) installSubscriptions() {
	c.mutex.RLock()
	if len(c.subscriptions) == 0 {
		c.mutex.RUnlock()
		return
	}
	filters := make(map[string]byte, len(c.subscriptions))
	for filter, sub := range c.subscriptions {
		filters[filter] = sub.qos
	}
	c.mutex.RUnlock()

	slog.Info("Subscribing to topics.", "topics", filters)
	tok := c.Client.SubscribeMultiple(filters, nil)
	tok.Wait()
	if err := tok.Error(); err != nil {
		slog.Warn("Failed to install subscriptions.", "err", err)
	}
}

// Disconnect drains in-flight messages for up to the given grace period
func (c *Client) Disconnect(grace time.Duration) {
	c.Client.Disconnect(uint(grace.Milliseconds()))
}
