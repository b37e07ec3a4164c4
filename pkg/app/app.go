package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/reubenmiller/go-c8y/pkg/c8y"
	"github.com/thin-edge/tedge-agent-go/pkg/bridge"
	"github.com/thin-edge/tedge-agent-go/pkg/entities"
	"github.com/thin-edge/tedge-agent-go/pkg/filetransfer"
	"github.com/thin-edge/tedge-agent-go/pkg/health"
	"github.com/thin-edge/tedge-agent-go/pkg/mapper"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
	"github.com/thin-edge/tedge-agent-go/pkg/workflow"
)

type Config struct {
	ServiceName string

	MQTTHost string
	MQTTPort uint16

	HTTPBindAddress string
	HTTPPort        uint16
	EnableMetrics   bool

	DataDir       string
	EntityStore   string
	WorkflowDir   string
	OperationsDir string

	CumulocityPrefix    string
	CumulocityProxyHost string
	CumulocityProxyPort uint16

	AzureEnabled  bool
	AWSEnabled    bool
	FileCacheSize string

	EntityPendingTTL time.Duration
	CancelGrace      time.Duration
	StateTimeout     time.Duration

	WatchdogEnabled  bool
	WatchdogInterval time.Duration
}

// App owns the long-lived tasks of the agent: the local MQTT client, the
// entity store writer, one mapper per cloud, the workflow engine, the
// HTTP service and the health publisher
type App struct {
	client *mqtt.Client
	Device *tedge.Target

	Store            *entities.Store
	Engine           *workflow.Engine
	Registry         *workflow.Registry
	CumulocityClient *c8y.Client

	mappers    []*mapper.Mapper
	c8yConfig  mapper.C8yConfig
	httpServer *filetransfer.Server
	watchdog   *health.Watchdog
	healthPub  *health.Publisher

	config   Config
	requests chan mqtt.Message
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func NewApp(device tedge.Target, config Config) (*App, error) {
	serviceTarget := device.Service(config.ServiceName)

	storeConfig := entities.NewStoreConfig(config.EntityStore)
	if config.EntityPendingTTL > 0 {
		storeConfig.PendingTTL = config.EntityPendingTTL
	}
	store, err := entities.NewStore(storeConfig)
	if err != nil {
		return nil, err
	}

	registry, err := workflow.NewRegistry(config.WorkflowDir)
	if err != nil {
		return nil, err
	}

	mqttConfig := mqtt.NewConfig()
	mqttConfig.Host = config.MQTTHost
	mqttConfig.Port = config.MQTTPort
	mqttConfig.ClientID = fmt.Sprintf("%s#%s", config.ServiceName, serviceTarget.Topic())
	// Persistent session so queued QoS 1 messages survive restarts
	mqttConfig.CleanSession = false
	mqttConfig.WillTopic = tedge.GetHealthTopic(*serviceTarget)
	mqttConfig.WillPayload = tedge.PayloadHealthStatusDown()

	// TODO: Support local certificate based auth for the proxy
	c8yURL := fmt.Sprintf("http://%s:%d/c8y", config.CumulocityProxyHost, config.CumulocityProxyPort)
	c8yclient := c8y.NewClient(nil, c8yURL, "", "", "", true)

	application := &App{
		Device:           &device,
		Store:            store,
		Registry:         registry,
		CumulocityClient: c8yclient,
		config:           config,
		requests:         make(chan mqtt.Message, 64),
		shutdown:         make(chan struct{}),
	}

	mqttConfig.OnConnection = application.onConnect
	application.client = mqtt.NewClient(mqttConfig)

	services := &workflow.Services{
		Publisher:       application.client,
		DataDir:         config.DataDir,
		FileTransferURL: fmt.Sprintf("http://%s:%d/te/v1/files", config.HTTPBindAddress, config.HTTPPort),
		HTTPClient:      &http.Client{Timeout: 10 * time.Minute},
		CancelGrace:     config.CancelGrace,
	}
	application.Engine = workflow.NewEngine(registry, services, device.RootPrefix, config.StateTimeout)

	application.c8yConfig = mapper.C8yConfig{Prefix: config.CumulocityPrefix}
	c8yMapper := mapper.NewMapper("c8y", device.RootPrefix, store, mapper.NewCumulocityDescriptors(application.c8yConfig))
	c8yMapper.SetInbound(mapper.NewCumulocityInbound(application.c8yConfig, device.RootPrefix))
	application.mappers = append(application.mappers, c8yMapper)

	if config.AzureEnabled {
		application.mappers = append(application.mappers,
			mapper.NewMapper("az", device.RootPrefix, store, mapper.NewAzureDescriptors(mapper.AzureConfig{Prefix: "az"})))
	}
	if config.AWSEnabled {
		application.mappers = append(application.mappers,
			mapper.NewMapper("aws", device.RootPrefix, store, mapper.NewAWSDescriptors(mapper.AWSConfig{Prefix: "aws"})))
	}

	cache, err := filetransfer.NewCache(config.DataDir+"/file-transfer", config.FileCacheSize)
	if err != nil {
		return nil, err
	}
	application.httpServer = filetransfer.NewServer(&filetransfer.ServerConfig{
		BindAddress:   config.HTTPBindAddress,
		Port:          config.HTTPPort,
		Cache:         cache,
		Entities:      store,
		Publisher:     application.client,
		DeviceTarget:  device,
		EnableMetrics: config.EnableMetrics,
	})

	application.healthPub = health.NewPublisher(application.client, *serviceTarget)
	if config.WatchdogEnabled {
		application.watchdog = health.NewWatchdog(application.client, device.RootPrefix, config.WatchdogInterval)
	}

	// Single worker serializes store writes and mapper translation, so
	// per-entity ordering follows publish order
	application.wg.Add(1)
	go application.worker()

	return application, nil
}

// Connect establishes the broker session, registers the agent service and
// installs the subscriptions
func (a *App) Connect(ctx context.Context) error {
	if err := a.client.Connect(ctx); err != nil {
		return err
	}

	serviceTarget := a.Device.Service(a.config.ServiceName)
	payload, err := tedge.PayloadRegistration(map[string]any{}, a.config.ServiceName, "service", a.Device.TopicID)
	if err != nil {
		return err
	}
	if err := a.client.PublishRetained(tedge.GetTopicRegistration(*serviceTarget), payload); err != nil {
		return err
	}
	slog.Info("Registered service", "topic", tedge.GetTopicRegistration(*serviceTarget))

	// Everything under the canonical root flows through the worker.
	// Retained commands arrive here on startup, which is how interrupted
	// workflows resume
	rootFilter := a.Device.RootPrefix + "/+/+/+/+"
	if err := a.client.Subscribe(rootFilter, 1, a.enqueue); err != nil {
		return err
	}
	if err := a.client.Subscribe(rootFilter+"/#", 1, a.enqueue); err != nil {
		return err
	}

	// Cloud requests decoded by the Cumulocity mapper
	if err := a.client.Subscribe(a.config.CumulocityPrefix+"/s/ds", 1, a.onCloudMessage); err != nil {
		return err
	}

	return a.healthPub.Up()
}

// onConnect re-announces capabilities after every (re)connection
func (a *App) onConnect() {
	operations := workflow.AdvertisedOperations(a.config.OperationsDir, "c8y")
	if len(operations) == 0 {
		operations = a.Registry.Operations()
	}
	if err := a.client.Publish(a.c8yConfig.BuildSupportedOperations(operations)); err != nil {
		slog.Warn("Failed to announce supported operations.", "err", err)
	}

	// Command metadata topics let other clients discover capabilities
	for _, operation := range a.Registry.Operations() {
		topic := tedge.GetCommandMetadataTopic(*a.Device, operation)
		if err := a.client.PublishRetained(topic, []byte(`{}`)); err != nil {
			slog.Warn("Failed to publish command metadata.", "topic", topic, "err", err)
		}
	}
}

func (a *App) enqueue(msg mqtt.Message) {
	select {
	case a.requests <- msg:
	case <-a.shutdown:
	}
}

// onCloudMessage decodes inbound cloud requests into canonical commands
func (a *App) onCloudMessage(msg mqtt.Message) {
	for _, m := range a.mappers {
		if m.Cloud != "c8y" {
			continue
		}
		for _, out := range m.ProcessCloud(msg) {
			if err := a.client.Publish(out); err != nil {
				slog.Warn("Failed to publish decoded cloud request.", "topic", out.Topic, "err", err)
			}
		}
	}
}

func (a *App) worker() {
	defer a.wg.Done()
	for {
		select {
		case msg := <-a.requests:
			a.dispatch(msg)
		case <-a.shutdown:
			slog.Info("Stopping background task")
			return
		}
	}
}

// dispatch is the single place where local messages touch the entity
// store, the workflow engine and the mappers
func (a *App) dispatch(msg mqtt.Message) {
	info, err := tedge.ParseTopic(msg.Topic, a.Device.RootPrefix)
	if err != nil {
		return
	}

	switch info.Channel {
	case tedge.ChannelRegistration:
		a.applyRegistration(msg, info)
	case tedge.ChannelTwin:
		a.applyTwin(msg, info)
	case tedge.ChannelCommand:
		a.Engine.OnCommandMessage(msg)
	}

	for _, m := range a.mappers {
		for _, out := range m.ProcessLocal(msg) {
			if err := a.client.Publish(out); err != nil {
				slog.Warn("Failed to publish translated message.", "topic", out.Topic, "err", err)
			}
		}
	}
}

func (a *App) applyRegistration(msg mqtt.Message, info *tedge.TopicInfo) {
	if len(msg.Payload) == 0 {
		removed, err := a.Store.Deregister(info.Target.TopicID)
		if err != nil {
			slog.Debug("Ignoring deregistration of unknown entity.", "topic_id", info.Target.TopicID)
			return
		}
		for _, topicID := range removed {
			slog.Info("Removed entity from store.", "topic_id", topicID)
			target := tedge.Target{RootPrefix: a.Device.RootPrefix, TopicID: topicID, CloudIdentity: a.Device.CloudIdentity}
			if topicID != info.Target.TopicID {
				// Clear the retained registration of cascade-removed
				// descendants so the broker state matches the store
				if err := a.client.ClearRetained(target.Topic()); err != nil {
					slog.Warn("Failed to clear retained registration.", "topic", target.Topic(), "err", err)
				}
			}
			if _, err := a.DeleteCumulocityManagedObject(target); err != nil {
				slog.Warn("Failed to delete managed object.", "err", err)
			}
		}
		return
	}

	registration, err := tedge.ParseRegistrationMessage(msg.Payload)
	if err != nil {
		slog.Warn("Could not unmarshal registration message", "err", err)
		return
	}
	entity := entities.NewEntityFromRegistration(info.Target, registration)
	if entity.ExternalID == "" {
		target := info.Target
		target.CloudIdentity = a.Device.CloudIdentity
		entity.ExternalID = target.ExternalID()
	}
	if err := a.Store.Register(entity); err != nil {
		slog.Warn("Rejected entity registration.", "topic_id", entity.TopicID, "err", err)
	}
}

func (a *App) applyTwin(msg mqtt.Message, info *tedge.TopicInfo) {
	var value any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &value); err != nil {
			slog.Warn("Ignoring malformed twin payload.", "topic", msg.Topic, "err", err)
			return
		}
	}
	if err := a.Store.UpdateTwin(info.Target.TopicID, info.TwinKey, value); err != nil {
		slog.Debug("Twin update for unknown entity.", "topic_id", info.Target.TopicID, "err", err)
	}
}

// DeleteCumulocityManagedObject removes an entity from the cloud through
// the local proxy
func (a *App) DeleteCumulocityManagedObject(target tedge.Target) (bool, error) {
	if target.CloudIdentity == "" {
		return false, nil
	}
	slog.Info("Deleting entity by external ID.", "name", target.ExternalID())
	extID, resp, err := a.CumulocityClient.Identity.GetExternalID(context.Background(), "c8y_Serial", target.ExternalID())
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	if _, err := a.CumulocityClient.Inventory.Delete(context.Background(), extID.ManagedObject.ID); err != nil {
		slog.Warn("Failed to delete entity", "id", extID.ManagedObject.ID, "err", err)
		return false, err
	}
	return true, nil
}

// Run blocks until the context is cancelled, supervising the HTTP server
// and the workflow definition watcher
func (a *App) Run(ctx context.Context) error {
	go health.Supervise(ctx, "http-server", func(context.Context) error {
		if err := a.httpServer.Run(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	go health.Supervise(ctx, "workflow-watcher", a.Registry.Watch)
	if a.watchdog != nil {
		go health.Supervise(ctx, "watchdog", a.watchdog.Start)
	}

	<-ctx.Done()
	return ctx.Err()
}

// NewBuiltinBridge assembles the built-in Cumulocity bridge task
func (a *App) NewBuiltinBridge(remoteHost string, remotePort uint16, tlsOptions bridge.TLSOptions) (*bridge.Builtin, error) {
	rules, err := bridge.NewRuleSet("c8y", bridge.DefaultCumulocityRules(a.config.CumulocityPrefix))
	if err != nil {
		return nil, err
	}
	tlsConfig, err := bridge.NewTLSConfig(tlsOptions)
	if err != nil {
		return nil, err
	}
	return bridge.NewBuiltin(&bridge.BuiltinConfig{
		Cloud:        "c8y",
		RemoteHost:   remoteHost,
		RemotePort:   remotePort,
		ClientID:     a.Device.CloudIdentity,
		TLS:          tlsConfig,
		LocalHost:    a.config.MQTTHost,
		LocalPort:    a.config.MQTTPort,
		HealthTarget: *a.Device.Service("tedge-mapper-bridge-c8y"),
	}, rules), nil
}

// Stop shuts the tasks down, publishing the final health status when the
// exit is clean
func (a *App) Stop(clean bool) {
	a.Engine.Stop()
	if clean {
		if err := a.healthPub.Down(); err != nil {
			slog.Warn("Failed to publish final health status.", "err", err)
		}
		slog.Info("Disconnecting MQTT client cleanly")
		a.client.Disconnect(250 * time.Millisecond)
	}
	close(a.shutdown)
	a.wg.Wait()
	if err := a.Store.Close(); err != nil {
		slog.Warn("Failed to close entity store.", "err", err)
	}
}
