package mapper

import (
	"log/slog"

	"github.com/thin-edge/tedge-agent-go/pkg/entities"
	"github.com/thin-edge/tedge-agent-go/pkg/metrics"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// EntityView is the read-only slice of the entity store handed to
// translators. The store never references the mapper back, change events
// flow through a channel instead
type EntityView interface {
	Get(topicID string) (entities.Entity, error)
	FindByExternalID(externalID string) (entities.Entity, bool)
	List() []entities.Entity
}

type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// Cache is the small per-translator scratch space, e.g. for last known
// measurement metadata. It is owned by a single mapper task, no locking
type Cache struct {
	values map[string]any
}

func NewCache() *Cache {
	return &Cache{values: make(map[string]any)}
}

func (c *Cache) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *Cache) Put(key string, value any) {
	c.values[key] = value
}

// Translator turns one canonical message into zero or more cloud messages
// (or the reverse). Translators are pure apart from their cache
type Translator func(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error)

// Descriptor statically declares one translator. New channels are added by
// appending a descriptor to a cloud's table
type Descriptor struct {
	Cloud     string
	Direction Direction
	Channel   tedge.Channel
	Translate Translator
}

type registryKey struct {
	direction Direction
	channel   tedge.Channel
}

// Mapper is the translation pipeline of one cloud: a registry of
// translators plus the optional user filter chain in front of it
type Mapper struct {
	Cloud string

	rootPrefix string
	view       EntityView
	registry   map[registryKey]Translator
	caches     map[registryKey]*Cache
	inbound    InboundTranslator
	filters    []*FilterInstance
}

func NewMapper(cloud string, rootPrefix string, view EntityView, descriptors []Descriptor) *Mapper {
	m := &Mapper{
		Cloud:      cloud,
		rootPrefix: rootPrefix,
		view:       view,
		registry:   make(map[registryKey]Translator),
		caches:     make(map[registryKey]*Cache),
	}
	for _, d := range descriptors {
		if d.Cloud != cloud {
			continue
		}
		key := registryKey{direction: d.Direction, channel: d.Channel}
		m.registry[key] = d.Translate
		m.caches[key] = NewCache()
	}
	return m
}

// InboundTranslator decodes a cloud message (e.g. a SmartREST request on
// c8y/s/ds) into canonical messages
type InboundTranslator func(msg mqtt.Message, view EntityView) ([]mqtt.Message, error)

// SetInbound installs the cloud-to-canonical decoder
func (m *Mapper) SetInbound(translate InboundTranslator) {
	m.inbound = translate
}

// ProcessCloud decodes one cloud message into canonical messages
func (m *Mapper) ProcessCloud(msg mqtt.Message) []mqtt.Message {
	if m.inbound == nil {
		return nil
	}
	messages, err := m.inbound(msg, m.view)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(m.Cloud, "inbound-error").Inc()
		slog.Warn("Dropping malformed cloud message.", "cloud", m.Cloud, "topic", msg.Topic, "err", err)
		return nil
	}
	return messages
}

// AddFilter appends a user filter module to the pipeline
func (m *Mapper) AddFilter(f *FilterInstance) {
	m.filters = append(m.filters, f)
}

func (m *Mapper) Filters() []*FilterInstance {
	return m.filters
}

// ProcessLocal translates one canonical message into its cloud form. The
// agent calls it for every cloud from one shared worker, which keeps
// per-entity ordering; mappers of different clouds do not run concurrently
func (m *Mapper) ProcessLocal(msg mqtt.Message) []mqtt.Message {
	inputs := []mqtt.Message{msg}
	for _, filter := range m.filters {
		inputs = filter.Apply(inputs)
	}

	out := make([]mqtt.Message, 0, len(inputs))
	for _, input := range inputs {
		out = append(out, m.translate(DirectionOut, input)...)
	}
	return out
}

func (m *Mapper) translate(direction Direction, msg mqtt.Message) []mqtt.Message {
	info, err := tedge.ParseTopic(msg.Topic, m.rootPrefix)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(m.Cloud, "unparseable-topic").Inc()
		slog.Debug("Ignoring message with unparseable topic.", "cloud", m.Cloud, "topic", msg.Topic)
		return nil
	}

	key := registryKey{direction: direction, channel: info.Channel}
	translator, ok := m.registry[key]
	if !ok {
		return nil
	}

	messages, err := translator(msg, info, m.view, m.caches[key])
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(m.Cloud, "translation-error").Inc()
		slog.Warn("Dropping untranslatable message.", "cloud", m.Cloud, "topic", msg.Topic, "err", err)
		return nil
	}
	if len(messages) > 0 {
		metrics.MessagesTranslated.WithLabelValues(m.Cloud, info.Channel.String()).Add(float64(len(messages)))
	}
	return messages
}
