package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-agent-go/pkg/entities"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

var DefaultMeasurementType = "ThinEdgeMeasurement"

// C8yConfig carries the cloud-side addressing of the Cumulocity mapper
type C8yConfig struct {
	// Local topic prefix of the bridge, normally "c8y"
	Prefix string
}

func (c C8yConfig) topic(suffix string) string {
	return c.Prefix + "/" + suffix
}

// Cumulocity operation fragment per canonical operation name
var c8yOperationFragments = map[string]string{
	"software_update": "c8y_SoftwareUpdate",
	"restart":         "c8y_Restart",
	"config_snapshot": "c8y_UploadConfigFile",
	"config_update":   "c8y_DownloadConfigFile",
	"firmware_update": "c8y_Firmware",
	"log_upload":      "c8y_LogfileRequest",
	"remote_access":   "c8y_RemoteAccessConnect",
}

var c8yAlarmTemplates = map[string]string{
	"critical": "301",
	"major":    "302",
	"minor":    "303",
	"warning":  "304",
}

// NewCumulocityDescriptors builds the translator table of the Cumulocity
// mapper
func NewCumulocityDescriptors(config C8yConfig) []Descriptor {
	return []Descriptor{
		{Cloud: "c8y", Direction: DirectionOut, Channel: tedge.ChannelMeasurement, Translate: config.translateMeasurement},
		{Cloud: "c8y", Direction: DirectionOut, Channel: tedge.ChannelEvent, Translate: config.translateEvent},
		{Cloud: "c8y", Direction: DirectionOut, Channel: tedge.ChannelAlarm, Translate: config.translateAlarm},
		{Cloud: "c8y", Direction: DirectionOut, Channel: tedge.ChannelTwin, Translate: config.translateTwin},
		{Cloud: "c8y", Direction: DirectionOut, Channel: tedge.ChannelRegistration, Translate: config.translateRegistration},
		{Cloud: "c8y", Direction: DirectionOut, Channel: tedge.ChannelHealth, Translate: config.translateHealth},
		{Cloud: "c8y", Direction: DirectionOut, Channel: tedge.ChannelCommand, Translate: config.translateCommandStatus},
	}
}

// resolveEntity returns the registered entity for the message target. An
// unregistered source is a protocol error, the message is dropped
func resolveEntity(info *tedge.TopicInfo, view EntityView) (entities.Entity, error) {
	entity, err := view.Get(info.Target.TopicID)
	if err != nil {
		return entities.Entity{}, errors.Wrapf(err, "message source is not a registered entity: %s", info.Target.TopicID)
	}
	return entity, nil
}

func externalIDOf(entity entities.Entity, view EntityView) string {
	if entity.ExternalID != "" {
		return entity.ExternalID
	}
	target := tedge.Target{TopicID: entity.TopicID}
	if root := rootExternalID(view); root != "" {
		target.CloudIdentity = root
	}
	return target.ExternalID()
}

func rootExternalID(view EntityView) string {
	for _, entity := range view.List() {
		if entity.Kind == entities.KindDevice && entity.Parent == "" {
			return entity.ExternalID
		}
	}
	return ""
}

func isMainDevice(entity entities.Entity) bool {
	return entity.Kind == entities.KindDevice && entity.Parent == ""
}

// translateMeasurement maps te/<entity>/m/<type> onto the Cumulocity JSON
// measurement API. Numeric leaves become {value: n}, everything else is
// dropped. Child device messages carry an externalSource fragment
func (c C8yConfig) translateMeasurement(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	entity, err := resolveEntity(info, view)
	if err != nil {
		return nil, err
	}

	input := make(map[string]any)
	if err := json.Unmarshal(msg.Payload, &input); err != nil {
		return nil, errors.Wrap(err, "invalid measurement payload")
	}

	measurementType := info.Type
	if measurementType == "" {
		measurementType = DefaultMeasurementType
	}

	output := map[string]any{
		"type": measurementType,
	}

	if raw, ok := input["time"]; ok {
		output["time"] = raw
		delete(input, "time")
	} else {
		output["time"] = msg.Timestamp.Format(time.RFC3339Nano)
	}

	for series, value := range input {
		switch v := value.(type) {
		case float64:
			output[series] = map[string]any{
				series: map[string]any{"value": v},
			}
		case map[string]any:
			group := make(map[string]any)
			for sub, subValue := range v {
				if n, ok := subValue.(float64); ok {
					group[sub] = map[string]any{"value": n}
				}
			}
			if len(group) > 0 {
				output[series] = group
			}
		}
	}

	if !isMainDevice(entity) {
		output["externalSource"] = map[string]any{
			"externalId": externalIDOf(entity, view),
			"type":       "c8y_Serial",
		}
	}

	payload, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	return []mqtt.Message{{
		Topic:   c.topic("measurement/measurements/create"),
		Payload: payload,
		QoS:     1,
	}}, nil
}

// smartRESTTopic targets the main device or a child by external id
func (c C8yConfig) smartRESTTopic(entity entities.Entity, view EntityView) string {
	if isMainDevice(entity) {
		return c.topic("s/us")
	}
	return c.topic("s/us/" + externalIDOf(entity, view))
}

func quoteSmartREST(value string) string {
	if strings.ContainsAny(value, ",\"\n") {
		return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
	}
	return value
}

type eventPayload struct {
	Time tedge.JSONTime `json:"time"`
	Text string         `json:"text"`
}

// translateEvent emits SmartREST 400 records, or the JSON event API when
// the payload carries extra fragments
func (c C8yConfig) translateEvent(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	entity, err := resolveEntity(info, view)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]any)
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		return nil, errors.Wrap(err, "invalid event payload")
	}

	event := eventPayload{Time: tedge.NewJSONTime(msg.Timestamp)}
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, errors.Wrap(err, "invalid event payload")
	}
	if event.Text == "" {
		event.Text = info.Type
	}
	delete(raw, "time")
	delete(raw, "text")

	eventTime := event.Time.Format(time.RFC3339Nano)

	if len(raw) == 0 {
		record := fmt.Sprintf("400,%s,%s,%s", info.Type, quoteSmartREST(event.Text), eventTime)
		return []mqtt.Message{{
			Topic:   c.smartRESTTopic(entity, view),
			Payload: []byte(record),
			QoS:     1,
		}}, nil
	}

	output := map[string]any{
		"type": info.Type,
		"text": event.Text,
		"time": eventTime,
	}
	for k, v := range raw {
		output[k] = v
	}
	if !isMainDevice(entity) {
		output["externalSource"] = map[string]any{
			"externalId": externalIDOf(entity, view),
			"type":       "c8y_Serial",
		}
	}
	payload, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	return []mqtt.Message{{
		Topic:   c.topic("event/events/create"),
		Payload: payload,
		QoS:     1,
	}}, nil
}

type alarmPayload struct {
	Time     tedge.JSONTime `json:"time"`
	Text     string         `json:"text"`
	Severity string         `json:"severity"`
}

// translateAlarm raises SmartREST 301-304 per severity, or clears the
// alarm (306) on an empty retained payload
func (c C8yConfig) translateAlarm(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	entity, err := resolveEntity(info, view)
	if err != nil {
		return nil, err
	}

	if len(msg.Payload) == 0 {
		return []mqtt.Message{{
			Topic:   c.smartRESTTopic(entity, view),
			Payload: []byte("306," + info.Type),
			QoS:     1,
		}}, nil
	}

	alarm := alarmPayload{Time: tedge.NewJSONTime(msg.Timestamp), Severity: "minor"}
	if err := json.Unmarshal(msg.Payload, &alarm); err != nil {
		return nil, errors.Wrap(err, "invalid alarm payload")
	}
	template, ok := c8yAlarmTemplates[alarm.Severity]
	if !ok {
		return nil, errors.Errorf("unknown alarm severity: %s", alarm.Severity)
	}
	if alarm.Text == "" {
		alarm.Text = info.Type
	}

	record := fmt.Sprintf("%s,%s,%s,%s", template, info.Type, quoteSmartREST(alarm.Text), alarm.Time.Format(time.RFC3339Nano))
	return []mqtt.Message{{
		Topic:   c.smartRESTTopic(entity, view),
		Payload: []byte(record),
		QoS:     1,
	}}, nil
}

// translateTwin mirrors a twin attribute onto the device managed object
func (c C8yConfig) translateTwin(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	entity, err := resolveEntity(info, view)
	if err != nil {
		return nil, err
	}

	var value any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &value); err != nil {
			return nil, errors.Wrap(err, "invalid twin payload")
		}
	}

	update := map[string]any{info.TwinKey: value}
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	return []mqtt.Message{{
		Topic:   c.topic("inventory/managedObjects/update/" + externalIDOf(entity, view)),
		Payload: payload,
		QoS:     1,
	}}, nil
}

// translateRegistration announces child devices (101) and services (102)
func (c C8yConfig) translateRegistration(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	if len(msg.Payload) == 0 {
		// Deregistration is handled through the Cumulocity REST proxy
		return nil, nil
	}
	registration, err := tedge.ParseRegistrationMessage(msg.Payload)
	if err != nil {
		return nil, err
	}
	entity, err := resolveEntity(info, view)
	if err != nil {
		return nil, err
	}
	if isMainDevice(entity) {
		return nil, nil
	}

	externalID := externalIDOf(entity, view)
	name := registration.Name
	if name == "" {
		name = externalID
	}

	var record string
	var topic string
	switch registration.Type {
	case tedge.EntityTypeService:
		serviceType := entity.Type
		if serviceType == "" {
			serviceType = "service"
		}
		record = fmt.Sprintf("102,%s,%s,%s,%s", externalID, serviceType, quoteSmartREST(name), "up")
		parent, err := view.Get(entity.Parent)
		if err != nil {
			return nil, errors.Wrap(err, "service has no registered parent")
		}
		topic = c.smartRESTTopic(parent, view)
	default:
		deviceType := entity.Type
		if deviceType == "" {
			deviceType = "thin-edge.io-child"
		}
		record = fmt.Sprintf("101,%s,%s,%s", externalID, quoteSmartREST(name), deviceType)
		parent, err := view.Get(entity.Parent)
		if err != nil {
			return nil, errors.Wrap(err, "child device has no registered parent")
		}
		topic = c.smartRESTTopic(parent, view)
	}

	return []mqtt.Message{{Topic: topic, Payload: []byte(record), QoS: 1}}, nil
}

// translateHealth mirrors service availability (SmartREST 104)
func (c C8yConfig) translateHealth(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	entity, err := resolveEntity(info, view)
	if err != nil {
		return nil, err
	}
	if entity.Kind != entities.KindService {
		return nil, nil
	}

	status := tedge.StatusUnknown
	if len(msg.Payload) > 0 {
		health := struct {
			Status string `json:"status"`
		}{}
		if err := json.Unmarshal(msg.Payload, &health); err != nil {
			return nil, errors.Wrap(err, "invalid health payload")
		}
		if health.Status != "" {
			status = health.Status
		}
	}

	return []mqtt.Message{{
		Topic:   c.topic("s/us/" + externalIDOf(entity, view)),
		Payload: []byte("104," + status),
		QoS:     1,
	}}, nil
}

// translateCommandStatus reflects workflow progress onto the cloud
// operation (501 executing, 503 successful, 502 failed)
func (c C8yConfig) translateCommandStatus(msg mqtt.Message, info *tedge.TopicInfo, view EntityView, cache *Cache) ([]mqtt.Message, error) {
	fragment, ok := c8yOperationFragments[info.Operation]
	if !ok {
		// Custom operations have no SmartREST mirror
		return nil, nil
	}
	entity, err := resolveEntity(info, view)
	if err != nil {
		return nil, err
	}

	if len(msg.Payload) == 0 {
		// Cleared command topic: the terminal record was already sent
		return nil, nil
	}
	command, err := tedge.ParseCommandPayload(msg.Payload)
	if err != nil {
		return nil, err
	}

	var record string
	switch command.Status {
	case tedge.StatusExecuting:
		record = fmt.Sprintf("501,%s", fragment)
	case tedge.StatusSuccessful:
		record = fmt.Sprintf("503,%s", fragment)
	case tedge.StatusFailed:
		reason := command.Reason
		if reason == "" {
			reason = "unknown failure"
		}
		record = fmt.Sprintf("502,%s,%s", fragment, quoteSmartREST(reason))
	default:
		// init/scheduled states are not reported
		return nil, nil
	}

	return []mqtt.Message{{
		Topic:   c.smartRESTTopic(entity, view),
		Payload: []byte(record),
		QoS:     1,
	}}, nil
}

// BuildSupportedOperations announces the advertised operations (114)
func (c C8yConfig) BuildSupportedOperations(operations []string) mqtt.Message {
	fragments := make([]string, 0, len(operations))
	for _, op := range operations {
		if fragment, ok := c8yOperationFragments[op]; ok {
			fragments = append(fragments, fragment)
		}
	}
	return mqtt.Message{
		Topic:   c.topic("s/us"),
		Payload: []byte("114," + strings.Join(fragments, ",")),
		QoS:     1,
	}
}

// SmartREST request ids handled on c8y/s/ds, mapped onto canonical
// operations
var c8ySmartRESTRequests = map[string]string{
	"510": "restart",
	"515": "firmware_update",
	"522": "log_upload",
	"524": "config_update",
	"526": "config_snapshot",
	"528": "software_update",
	"530": "remote_access",
}

// NewCumulocityInbound decodes SmartREST requests into canonical command
// messages. The target entity is resolved by its external id
func NewCumulocityInbound(config C8yConfig, rootPrefix string) InboundTranslator {
	return func(msg mqtt.Message, view EntityView) ([]mqtt.Message, error) {
		line := strings.TrimSpace(string(msg.Payload))
		if line == "" {
			return nil, nil
		}
		fields := strings.Split(line, ",")
		operation, ok := c8ySmartRESTRequests[fields[0]]
		if !ok {
			// Not a device management request
			return nil, nil
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("malformed SmartREST request: %s", line)
		}

		externalID := fields[1]
		entity, ok := view.FindByExternalID(externalID)
		if !ok {
			return nil, errors.Errorf("SmartREST request for unknown external id: %s", externalID)
		}

		params, err := decodeSmartRESTParams(operation, fields[2:])
		if err != nil {
			return nil, err
		}
		command := tedge.NewCommandPayload(tedge.StatusInit)
		command.Params = params

		payload, err := json.Marshal(command)
		if err != nil {
			return nil, err
		}

		target := tedge.Target{RootPrefix: rootPrefix, TopicID: entity.TopicID}
		id := "c8y-" + uuid.NewString()
		return []mqtt.Message{{
			Topic:   tedge.GetCommandTopic(target, operation, id),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}}, nil
	}
}

// decodeSmartRESTParams expands the positional SmartREST fields into the
// operation specific command parameters
func decodeSmartRESTParams(operation string, fields []string) (map[string]any, error) {
	params := make(map[string]any)
	switch operation {
	case "software_update":
		// 528: name,version,url,action repeated per module
		if len(fields)%4 != 0 {
			return nil, errors.Errorf("malformed software update request, got %d fields", len(fields))
		}
		modules := make([]any, 0, len(fields)/4)
		for i := 0; i+3 < len(fields); i += 4 {
			modules = append(modules, map[string]any{
				"name":    fields[i],
				"version": fields[i+1],
				"url":     fields[i+2],
				"action":  fields[i+3],
			})
		}
		params["updateList"] = []any{
			map[string]any{"type": "default", "modules": modules},
		}
	case "firmware_update":
		if len(fields) < 3 {
			return nil, errors.New("malformed firmware update request")
		}
		params["name"] = fields[0]
		params["version"] = fields[1]
		params["remoteUrl"] = fields[2]
	case "log_upload":
		if len(fields) < 1 {
			return nil, errors.New("malformed log upload request")
		}
		params["type"] = fields[0]
		if len(fields) >= 3 {
			params["dateFrom"] = fields[1]
			params["dateTo"] = fields[2]
		}
	case "config_update", "config_snapshot":
		if len(fields) >= 1 {
			params["type"] = fields[0]
		}
		if operation == "config_update" && len(fields) >= 2 {
			params["remoteUrl"] = fields[1]
		}
	case "remote_access":
		if len(fields) >= 3 {
			params["host"] = fields[0]
			params["port"] = fields[1]
			params["connectionKey"] = fields[2]
		}
	}
	return params, nil
}
