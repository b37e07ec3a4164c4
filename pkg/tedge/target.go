package tedge

import (
	"fmt"
	"strings"
)

var (
	DefaultRootPrefix = "te"
	DefaultTopicID    = "device/main//"
)

// Entity types used in registration messages
var (
	EntityTypeDevice      = "device"
	EntityTypeChildDevice = "child-device"
	EntityTypeService     = "service"
)

// Target is an addressable entity in the canonical topic tree. The TopicID
// is the four segment identifier, e.g. "device/main//" for the main device
// or "device/main/service/nodered" for one of its services.
type Target struct {
	RootPrefix    string
	TopicID       string
	CloudIdentity string
}

func NewTarget(rootPrefix string, topicID string) *Target {
	if rootPrefix == "" {
		rootPrefix = DefaultRootPrefix
	}
	return &Target{
		RootPrefix: rootPrefix,
		TopicID:    strings.Trim(topicID, "/") + segmentPadding(topicID),
	}
}

// segmentPadding preserves the structural (empty) segments so that a
// topic id always has exactly 4 segments
func segmentPadding(topicID string) string {
	n := strings.Count(strings.Trim(topicID, "/"), "/")
	if n >= 3 {
		return ""
	}
	return strings.Repeat("/", 3-n)
}

// NewTargetFromTopic parses a topic beginning with the root prefix followed
// by the four topic id segments, e.g. "te/device/main/service/ntp/status/health"
func NewTargetFromTopic(topic string) (*Target, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 {
		return nil, fmt.Errorf("invalid topic structure. expected at least 5 segments, got %d, topic=%s", len(parts), topic)
	}
	return &Target{
		RootPrefix: parts[0],
		TopicID:    strings.Join(parts[1:5], "/"),
	}, nil
}

// Service returns the target of a service under the current device target
func (t *Target) Service(name string) *Target {
	parts := t.Segments()
	return &Target{
		RootPrefix:    t.RootPrefix,
		TopicID:       fmt.Sprintf("%s/%s/service/%s", parts[0], parts[1], name),
		CloudIdentity: t.CloudIdentity,
	}
}

// Segments returns the 4 topic id segments (padded with empty strings)
func (t *Target) Segments() []string {
	parts := strings.SplitN(t.TopicID, "/", 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	return parts
}

// Topic returns the registration topic of the target
func (t *Target) Topic() string {
	return t.RootPrefix + "/" + t.TopicID
}

func (t *Target) IsMainDevice() bool {
	parts := t.Segments()
	return parts[0] == "device" && parts[1] == "main" && parts[2] == "" && parts[3] == ""
}

func (t *Target) IsService() bool {
	return t.Segments()[2] == "service"
}

// ExternalID derives the default cloud external id of the target,
// e.g. device/main/service/ntp => <device-id>:device:main:service:ntp
func (t *Target) ExternalID() string {
	if t.IsMainDevice() && t.CloudIdentity != "" {
		return t.CloudIdentity
	}
	id := strings.ReplaceAll(strings.TrimRight(t.TopicID, "/"), "/", ":")
	if t.CloudIdentity != "" {
		return t.CloudIdentity + ":" + id
	}
	return id
}

// GetTopic joins a target with a channel suffix, e.g.
// GetTopic(target, "status", "health")
func GetTopic(target Target, suffix ...string) string {
	if len(suffix) == 0 {
		return target.Topic()
	}
	return target.Topic() + "/" + strings.Join(suffix, "/")
}

func GetTopicRegistration(target Target) string {
	return target.Topic()
}

func GetHealthTopic(target Target) string {
	return GetTopic(target, "status", "health")
}

func GetCommandTopic(target Target, operation string, id string) string {
	return GetTopic(target, "cmd", operation, id)
}

func GetCommandMetadataTopic(target Target, operation string) string {
	return GetTopic(target, "cmd", operation)
}

func GetTwinTopic(target Target, key string) string {
	return GetTopic(target, "twin", key)
}
