package mapper

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// AzureConfig addresses the Azure IoT Hub bridge topics. Telemetry is
// published to the device-to-cloud endpoint, twin attributes go to the
// reported properties patch topic
type AzureConfig struct {
	Prefix string
}

func NewAzureDescriptors(config AzureConfig) []Descriptor {
	return []Descriptor{
		{Cloud: "az", Direction: DirectionOut, Channel: tedge.ChannelMeasurement, Translate: config.translateTelemetry},
		{Cloud: "az", Direction: DirectionOut, Channel: tedge.ChannelEvent, Translate: config.translateTelemetry},
		{Cloud: "az", Direction: DirectionOut, Channel: tedge.ChannelAlarm, Translate: config.translateTelemetry},
		{Cloud: "az", Direction: DirectionOut, Channel: tedge.ChannelTwin, Translate: config.translateTwin},
	}
}

// translateTelemetry forwards the payload to the device-to-cloud topic,
// filling the timestamp when missing
func (c AzureConfig) translateTelemetry(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
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
	return []mqtt.Message{{
		Topic:   c.Prefix + "/messages/events/",
		Payload: out,
		QoS:     1,
	}}, nil
}

// translateTwin patches one reported property of the device twin
func (c AzureConfig) translateTwin(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	if _, err := resolveEntity(info, view); err != nil {
		return nil, err
	}

	var value any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &value); err != nil {
			return nil, errors.Wrap(err, "invalid twin payload")
		}
	}
	patch, err := json.Marshal(map[string]any{info.TwinKey: value})
	if err != nil {
		return nil, err
	}
	return []mqtt.Message{{
		Topic:   c.Prefix + "/twin/messages/reported",
		Payload: patch,
		QoS:     1,
	}}, nil
}
