package tedge

import (
	"fmt"
	"strings"
)

type Channel int

const (
	ChannelUnknown Channel = iota
	ChannelRegistration
	ChannelMeasurement
	ChannelEvent
	ChannelAlarm
	ChannelCommand
	ChannelCommandMetadata
	ChannelTwin
	ChannelHealth
)

func (c Channel) String() string {
	switch c {
	case ChannelRegistration:
		return "registration"
	case ChannelMeasurement:
		return "measurement"
	case ChannelEvent:
		return "event"
	case ChannelAlarm:
		return "alarm"
	case ChannelCommand:
		return "command"
	case ChannelCommandMetadata:
		return "command-metadata"
	case ChannelTwin:
		return "twin"
	case ChannelHealth:
		return "health"
	}
	return "unknown"
}

// TopicInfo is the decoded form of a canonical topic: who the message is
// about and which channel it was published on
type TopicInfo struct {
	Target  Target
	Channel Channel

	// Type of the measurement/event/alarm, e.g. "environment"
	Type string

	// Command fields
	Operation string
	CommandID string

	// Twin attribute name
	TwinKey string
}

// ParseTopic decodes a topic under the given root prefix. Topics from other
// roots return an error so callers can ignore foreign messages cheaply
func ParseTopic(topic string, rootPrefix string) (*TopicInfo, error) {
	parts := strings.Split(topic, "/")
	if parts[0] != rootPrefix {
		return nil, fmt.Errorf("topic is outside of the root prefix. topic=%s, root=%s", topic, rootPrefix)
	}
	if len(parts) < 5 {
		return nil, fmt.Errorf("invalid topic structure. expected at least 5 segments, got %d, topic=%s", len(parts), topic)
	}

	info := &TopicInfo{
		Target: Target{
			RootPrefix: parts[0],
			TopicID:    strings.Join(parts[1:5], "/"),
		},
	}

	channel := parts[5:]
	switch {
	case len(channel) == 0:
		info.Channel = ChannelRegistration
	case channel[0] == "m" && len(channel) == 2:
		info.Channel = ChannelMeasurement
		info.Type = channel[1]
	case channel[0] == "e" && len(channel) == 2:
		info.Channel = ChannelEvent
		info.Type = channel[1]
	case channel[0] == "a" && len(channel) == 2:
		info.Channel = ChannelAlarm
		info.Type = channel[1]
	case channel[0] == "cmd" && len(channel) == 3:
		info.Channel = ChannelCommand
		info.Operation = channel[1]
		info.CommandID = channel[2]
	case channel[0] == "cmd" && len(channel) == 2:
		info.Channel = ChannelCommandMetadata
		info.Operation = channel[1]
	case channel[0] == "twin" && len(channel) == 2:
		info.Channel = ChannelTwin
		info.TwinKey = channel[1]
	case channel[0] == "status" && len(channel) == 2 && channel[1] == "health":
		info.Channel = ChannelHealth
	default:
		return nil, fmt.Errorf("unknown channel. topic=%s", topic)
	}
	return info, nil
}
