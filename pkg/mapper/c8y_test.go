package mapper

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thin-edge/tedge-agent-go/pkg/entities"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
)

// fakeView is an in-memory EntityView for translator tests
type fakeView struct {
	entities map[string]entities.Entity
}

func newFakeView() *fakeView {
	view := &fakeView{entities: make(map[string]entities.Entity)}
	view.add(entities.Entity{TopicID: "device/main//", Kind: entities.KindDevice, ExternalID: "tedge001"})
	view.add(entities.Entity{TopicID: "device/child1//", Kind: entities.KindDevice, Parent: "device/main//", ExternalID: "tedge001:device:child1"})
	view.add(entities.Entity{TopicID: "device/main/service/nodered", Kind: entities.KindService, Parent: "device/main//", ExternalID: "tedge001:device:main:service:nodered", Type: "systemd"})
	return view
}

func (v *fakeView) add(entity entities.Entity) {
	v.entities[entity.TopicID] = entity
}

func (v *fakeView) Get(topicID string) (entities.Entity, error) {
	entity, ok := v.entities[topicID]
	if !ok {
		return entities.Entity{}, entities.ErrNotFound
	}
	return entity, nil
}

func (v *fakeView) FindByExternalID(externalID string) (entities.Entity, bool) {
	for _, entity := range v.entities {
		if entity.ExternalID == externalID {
			return entity, true
		}
	}
	return entities.Entity{}, false
}

func (v *fakeView) List() []entities.Entity {
	out := make([]entities.Entity, 0, len(v.entities))
	for _, entity := range v.entities {
		out = append(out, entity)
	}
	return out
}

func newC8yMapper(view EntityView) *Mapper {
	config := C8yConfig{Prefix: "c8y"}
	m := NewMapper("c8y", "te", view, NewCumulocityDescriptors(config))
	m.SetInbound(NewCumulocityInbound(config, "te"))
	return m
}

func TestTranslateMeasurementMainDevice(t *testing.T) {
	m := newC8yMapper(newFakeView())

	msg := mqtt.NewMessage("te/device/main///m/environment", []byte(`{"temperature":21.3,"humidity":{"rh":55}}`))
	out := m.ProcessLocal(msg)
	require.Len(t, out, 1)
	assert.Equal(t, "c8y/measurement/measurements/create", out[0].Topic)

	payload := make(map[string]any)
	require.NoError(t, json.Unmarshal(out[0].Payload, &payload))
	assert.Equal(t, "environment", payload["type"])
	assert.NotEmpty(t, payload["time"])
	temperature := payload["temperature"].(map[string]any)["temperature"].(map[string]any)
	assert.Equal(t, 21.3, temperature["value"])
	humidity := payload["humidity"].(map[string]any)["rh"].(map[string]any)
	assert.Equal(t, 55.0, humidity["value"])
	assert.NotContains(t, payload, "externalSource")
}

func TestTranslateMeasurementChildDevice(t *testing.T) {
	m := newC8yMapper(newFakeView())

	// Registration then measurement: the child message carries the
	// registered external id
	msg := mqtt.NewMessage("te/device/child1///m/env", []byte(`{"temperature":21.3}`))
	out := m.ProcessLocal(msg)
	require.Len(t, out, 1)

	payload := make(map[string]any)
	require.NoError(t, json.Unmarshal(out[0].Payload, &payload))
	source := payload["externalSource"].(map[string]any)
	assert.Equal(t, "tedge001:device:child1", source["externalId"])
	temperature := payload["temperature"].(map[string]any)["temperature"].(map[string]any)
	assert.Equal(t, 21.3, temperature["value"])
}

func TestTranslateMeasurementDefaults(t *testing.T) {
	m := newC8yMapper(newFakeView())

	// Non numeric leaves are dropped, missing time is filled in
	msg := mqtt.NewMessage("te/device/main///m/", []byte(`{"temperature":1.5,"label":"ignored","nested":{"ok":2,"bad":"x"}}`))
	msg.Timestamp = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	out := m.ProcessLocal(msg)
	require.Len(t, out, 1)

	payload := make(map[string]any)
	require.NoError(t, json.Unmarshal(out[0].Payload, &payload))
	assert.Equal(t, DefaultMeasurementType, payload["type"])
	assert.Equal(t, "2026-08-01T12:00:00Z", payload["time"])
	assert.NotContains(t, payload, "label")
	nested := payload["nested"].(map[string]any)
	assert.Contains(t, nested, "ok")
	assert.NotContains(t, nested, "bad")
}

func TestTranslateMeasurementUnknownEntityDropped(t *testing.T) {
	m := newC8yMapper(newFakeView())
	out := m.ProcessLocal(mqtt.NewMessage("te/device/ghost///m/env", []byte(`{"temperature":1}`)))
	assert.Empty(t, out)
}

func TestTranslateEventSmartREST(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessLocal(mqtt.NewMessage("te/device/main///e/login", []byte(`{"text":"User logged in","time":"2026-08-01T10:00:00Z"}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "c8y/s/us", out[0].Topic)
	assert.Equal(t, "400,login,User logged in,2026-08-01T10:00:00Z", string(out[0].Payload))
}

func TestTranslateEventJSONWithFragments(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessLocal(mqtt.NewMessage("te/device/child1///e/door", []byte(`{"text":"opened","someFragment":{"a":1}}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "c8y/event/events/create", out[0].Topic)

	payload := make(map[string]any)
	require.NoError(t, json.Unmarshal(out[0].Payload, &payload))
	assert.Equal(t, "door", payload["type"])
	assert.Equal(t, "opened", payload["text"])
	assert.Contains(t, payload, "someFragment")
	assert.Contains(t, payload, "externalSource")
}

func TestTranslateAlarm(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessLocal(mqtt.NewMessage("te/device/main///a/temperature_high", []byte(`{"text":"Too hot","severity":"critical","time":"2026-08-01T10:00:00Z"}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "301,temperature_high,Too hot,2026-08-01T10:00:00Z", string(out[0].Payload))

	// Empty retained payload clears the alarm
	out = m.ProcessLocal(mqtt.NewMessage("te/device/main///a/temperature_high", nil))
	require.Len(t, out, 1)
	assert.Equal(t, "306,temperature_high", string(out[0].Payload))

	// Unknown severity is a protocol error
	out = m.ProcessLocal(mqtt.NewMessage("te/device/main///a/x", []byte(`{"severity":"fatal"}`)))
	assert.Empty(t, out)
}

func TestTranslateTwin(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessLocal(mqtt.NewMessage("te/device/main///twin/maintenanceMode", []byte(`true`)))
	require.Len(t, out, 1)
	assert.Equal(t, "c8y/inventory/managedObjects/update/tedge001", out[0].Topic)
	assert.JSONEq(t, `{"maintenanceMode":true}`, string(out[0].Payload))
}

func TestTranslateRegistration(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessLocal(mqtt.NewMessage("te/device/child1//", []byte(`{"@type":"child-device","@parent":"device/main//","name":"Child 1"}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "c8y/s/us", out[0].Topic)
	assert.Equal(t, "101,tedge001:device:child1,Child 1,thin-edge.io-child", string(out[0].Payload))

	out = m.ProcessLocal(mqtt.NewMessage("te/device/main/service/nodered", []byte(`{"@type":"service","name":"nodered"}`)))
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(string(out[0].Payload), "102,tedge001:device:main:service:nodered,systemd,nodered"))

	// The main device itself is never announced
	out = m.ProcessLocal(mqtt.NewMessage("te/device/main//", []byte(`{"@type":"device"}`)))
	assert.Empty(t, out)
}

func TestTranslateHealth(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessLocal(mqtt.NewMessage("te/device/main/service/nodered/status/health", []byte(`{"status":"up","pid":123}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "c8y/s/us/tedge001:device:main:service:nodered", out[0].Topic)
	assert.Equal(t, "104,up", string(out[0].Payload))

	// Device health is not mirrored as a service status
	out = m.ProcessLocal(mqtt.NewMessage("te/device/main///status/health", []byte(`{"status":"up"}`)))
	assert.Empty(t, out)
}

func TestTranslateCommandStatus(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessLocal(mqtt.NewMessage("te/device/main///cmd/software_update/c8y-1", []byte(`{"status":"executing"}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "501,c8y_SoftwareUpdate", string(out[0].Payload))

	out = m.ProcessLocal(mqtt.NewMessage("te/device/main///cmd/software_update/c8y-1", []byte(`{"status":"successful"}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "503,c8y_SoftwareUpdate", string(out[0].Payload))

	out = m.ProcessLocal(mqtt.NewMessage("te/device/main///cmd/restart/c8y-2", []byte(`{"status":"failed","reason":"device did not come back"}`)))
	require.Len(t, out, 1)
	assert.Equal(t, "502,c8y_Restart,device did not come back", string(out[0].Payload))

	// init state and cleared topics are silent
	out = m.ProcessLocal(mqtt.NewMessage("te/device/main///cmd/restart/c8y-3", []byte(`{"status":"init"}`)))
	assert.Empty(t, out)
	out = m.ProcessLocal(mqtt.NewMessage("te/device/main///cmd/restart/c8y-3", nil))
	assert.Empty(t, out)
}

func TestInboundSoftwareUpdate(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessCloud(mqtt.NewMessage("c8y/s/ds", []byte("528,tedge001,rolldice,1.0,http://example/rolldice.deb,install")))
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(out[0].Topic, "te/device/main///cmd/software_update/c8y-"))
	assert.True(t, out[0].Retain)

	payload := make(map[string]any)
	require.NoError(t, json.Unmarshal(out[0].Payload, &payload))
	assert.Equal(t, "init", payload["status"])
	updateList := payload["updateList"].([]any)
	modules := updateList[0].(map[string]any)["modules"].([]any)
	module := modules[0].(map[string]any)
	assert.Equal(t, "rolldice", module["name"])
	assert.Equal(t, "install", module["action"])
}

func TestInboundRestartForChild(t *testing.T) {
	m := newC8yMapper(newFakeView())

	out := m.ProcessCloud(mqtt.NewMessage("c8y/s/ds", []byte("510,tedge001:device:child1")))
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(out[0].Topic, "te/device/child1///cmd/restart/c8y-"))
}

func TestInboundUnknownTemplateIgnored(t *testing.T) {
	m := newC8yMapper(newFakeView())
	out := m.ProcessCloud(mqtt.NewMessage("c8y/s/ds", []byte("999,tedge001")))
	assert.Empty(t, out)
}

func TestInboundUnknownDeviceDropped(t *testing.T) {
	m := newC8yMapper(newFakeView())
	out := m.ProcessCloud(mqtt.NewMessage("c8y/s/ds", []byte("510,who-is-this")))
	assert.Empty(t, out)
}

func TestBuildSupportedOperations(t *testing.T) {
	config := C8yConfig{Prefix: "c8y"}
	msg := config.BuildSupportedOperations([]string{"software_update", "restart", "custom_op"})
	assert.Equal(t, "c8y/s/us", msg.Topic)
	assert.Equal(t, "114,c8y_SoftwareUpdate,c8y_Restart", string(msg.Payload))
}

func TestQuoteSmartREST(t *testing.T) {
	assert.Equal(t, "plain", quoteSmartREST("plain"))
	assert.Equal(t, `"has,comma"`, quoteSmartREST("has,comma"))
	assert.Equal(t, `"say ""hi"""`, quoteSmartREST(`say "hi"`))
}
