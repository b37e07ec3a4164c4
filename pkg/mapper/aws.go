package mapper

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// AWSConfig addresses the AWS IoT Core bridge topics. Telemetry keeps the
// entity topic id in the thing-data path, twin attributes update a named
// shadow
type AWSConfig struct {
	Prefix string
}

func NewAWSDescriptors(config AWSConfig) []Descriptor {
	return []Descriptor{
		{Cloud: "aws", Direction: DirectionOut, Channel: tedge.ChannelMeasurement, Translate: config.translateTelemetry},
		{Cloud: "aws", Direction: DirectionOut, Channel: tedge.ChannelEvent, Translate: config.translateTelemetry},
		{Cloud: "aws", Direction: DirectionOut, Channel: tedge.ChannelAlarm, Translate: config.translateTelemetry},
		{Cloud: "aws", Direction: DirectionOut, Channel: tedge.ChannelTwin, Translate: config.translateShadow},
	}
}

// thingPath flattens the topic id for the AWS topic, device/main// -> device:main
func thingPath(topicID string) string {
	return strings.ReplaceAll(strings.TrimRight(topicID, "/"), "/", ":")
}

func (c AWSConfig) translateTelemetry(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	if _, err := resolveEntity(info, view); err != nil {
		return nil, err
	}

	payload := make(map[string]any)
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, errors.Wrap(err, "invalid telemetry payload")
	}
	if _, ok := payload["time"]; !ok {
		payload["time"] = msg.Timestamp.Format(time.RFC3339Nano)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	channel := "m"
	switch info.Channel {
	case tedge.ChannelEvent:
		channel = "e"
	case tedge.ChannelAlarm:
		channel = "a"
	}
	return []mqtt.Message{{
		Topic:   c.Prefix + "/td/" + thingPath(info.Target.TopicID) + "/" + channel + "/" + info.Type,
		Payload: out,
		QoS:     1,
	}}, nil
}

// translateShadow updates the named shadow with one reported attribute
func (c AWSConfig) translateShadow(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	if _, err := resolveEntity(info, view); err != nil {
		return nil, err
	}

	var value any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &value); err != nil {
			return nil, errors.Wrap(err, "invalid twin payload")
		}
	}
	payload, err := json.Marshal(map[string]any{
		"state": map[string]any{
			"reported": map[string]any{info.TwinKey: value},
		},
	})
	if err != nil {
		return nil, err
	}
	return []mqtt.Message{{
		Topic:   c.Prefix + "/shadow/name/" + info.TwinKey + "/" + thingPath(info.Target.TopicID) + "/update",
		Payload: payload,
		QoS:     1,
	}}, nil
}
