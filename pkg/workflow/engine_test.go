package workflow

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

type fakePublisher struct {
	mutex    sync.Mutex
	retained map[string][][]byte
	messages []mqtt.Message
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{retained: make(map[string][][]byte)}
}

func (p *fakePublisher) Publish(msg mqtt.Message) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) PublishRetained(topic string, payload []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.retained[topic] = append(p.retained[topic], payload)
	return nil
}

func (p *fakePublisher) ClearRetained(topic string) error {
	return p.PublishRetained(topic, nil)
}

// statuses returns the committed status history of a command topic
func (p *fakePublisher) statuses(topic string) []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([]string, 0)
	for _, payload := range p.retained[topic] {
		if len(payload) == 0 {
			out = append(out, "<cleared>")
			continue
		}
		command, err := tedge.ParseCommandPayload(payload)
		if err != nil {
			continue
		}
		out = append(out, command.Status)
	}
	return out
}

func (p *fakePublisher) lastStatus(topic string) string {
	statuses := p.statuses(topic)
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1]
}

func registryWith(t *testing.T, docs ...string) *Registry {
	t.Helper()
	registry, err := NewRegistry("")
	require.NoError(t, err)
	for _, doc := range docs {
		def, err := ParseDefinition([]byte(doc))
		require.NoError(t, err)
		registry.overrides[def.Operation] = def
	}
	return registry
}

func newTestEngine(t *testing.T, publisher *fakePublisher, docs ...string) *Engine {
	t.Helper()
	services := &Services{
		Publisher:   publisher,
		DataDir:     t.TempDir(),
		HTTPClient:  http.DefaultClient,
		CancelGrace: 2 * time.Second,
	}
	engine := NewEngine(registryWith(t, docs...), services, "te", time.Minute)
	t.Cleanup(engine.Stop)
	return engine
}

func commandMessage(topic string, payload string) mqtt.Message {
	msg := mqtt.NewMessage(topic, []byte(payload))
	msg.Retain = true
	if payload == "" {
		msg.Payload = nil
	}
	return msg
}

const happyWorkflow = `
operation = "software_update"

[states.init]
action = "builtin:noop"
next = { success = "executing" }

[states.executing]
action = "builtin:noop"
next = { success = "successful" }
`

func TestWorkflowHappyPath(t *testing.T) {
	publisher := newFakePublisher()
	engine := newTestEngine(t, publisher, happyWorkflow)

	topic := "te/device/main///cmd/software_update/1"
	engine.OnCommandMessage(commandMessage(topic, `{"status":"init","updateList":[{"type":"apt","modules":[{"name":"rolldice","version":"1.0","action":"install"}]}]}`))

	require.Eventually(t, func() bool {
		return publisher.lastStatus(topic) == tedge.StatusSuccessful
	}, 5*time.Second, 10*time.Millisecond)

	// The retained payload progressed through executing to successful
	assert.Equal(t, []string{tedge.StatusExecuting, tedge.StatusSuccessful}, publisher.statuses(topic))

	// Context fields survive the transitions
	p := publisher.retained[topic]
	command, err := tedge.ParseCommandPayload(p[len(p)-1])
	require.NoError(t, err)
	assert.Contains(t, command.Params, "updateList")

	assert.Equal(t, 0, engine.ActiveCount())
}

func TestWorkflowResumeFromExecuting(t *testing.T) {
	publisher := newFakePublisher()
	engine := newTestEngine(t, publisher, happyWorkflow)

	// Startup scan observes a retained command mid flight
	topic := "te/device/main///cmd/software_update/2"
	engine.OnCommandMessage(commandMessage(topic, `{"status":"executing"}`))

	require.Eventually(t, func() bool {
		return publisher.lastStatus(topic) == tedge.StatusSuccessful
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{tedge.StatusSuccessful}, publisher.statuses(topic))
}

func TestWorkflowNoTransition(t *testing.T) {
	publisher := newFakePublisher()
	engine := newTestEngine(t, publisher, `
operation = "custom_op"

[states.init]
action = "builtin:download"
next = { success = "successful" }
`)

	// builtin:download fails without a remoteUrl, and "error" has no
	// transition
	topic := "te/device/main///cmd/custom_op/3"
	engine.OnCommandMessage(commandMessage(topic, `{"status":"init"}`))

	require.Eventually(t, func() bool {
		return publisher.lastStatus(topic) == tedge.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	p := publisher.retained[topic]
	command, err := tedge.ParseCommandPayload(p[len(p)-1])
	require.NoError(t, err)
	assert.Contains(t, command.Reason, "no-transition")
}

func TestWorkflowScriptStep(t *testing.T) {
	script := writeScript(t, `
echo ":::begin-tedge:::"
echo '{"appliedModules":1}'
echo ":::end-tedge:::"
`)
	publisher := newFakePublisher()
	engine := newTestEngine(t, publisher, `
operation = "custom_op"

[states.init]
action = "script:`+script+`"
next = { success = "successful", error = "failed" }
`)

	topic := "te/device/main///cmd/custom_op/4"
	engine.OnCommandMessage(commandMessage(topic, `{"status":"init"}`))

	require.Eventually(t, func() bool {
		return publisher.lastStatus(topic) == tedge.StatusSuccessful
	}, 5*time.Second, 10*time.Millisecond)

	p := publisher.retained[topic]
	command, err := tedge.ParseCommandPayload(p[len(p)-1])
	require.NoError(t, err)
	assert.Equal(t, 1.0, command.Params["appliedModules"])
}

func TestWorkflowCancellation(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	publisher := newFakePublisher()
	engine := newTestEngine(t, publisher, `
operation = "custom_op"

[states.init]
action = "script:`+script+`"
next = { success = "successful", error = "failed" }
`)

	topic := "te/device/main///cmd/custom_op/5"
	engine.OnCommandMessage(commandMessage(topic, `{"status":"init"}`))

	require.Eventually(t, func() bool {
		return engine.ActiveCount() == 1
	}, time.Second, 10*time.Millisecond)

	// An empty retained publish aborts the workflow
	engine.OnCommandMessage(commandMessage(topic, ""))

	require.Eventually(t, func() bool {
		return engine.ActiveCount() == 0
	}, 10*time.Second, 10*time.Millisecond)

	// No terminal state was published, the topic stays cleared
	for _, status := range publisher.statuses(topic) {
		assert.NotContains(t, []string{tedge.StatusSuccessful, tedge.StatusFailed}, status)
	}
}

func TestWorkflowTimeout(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	publisher := newFakePublisher()
	engine := newTestEngine(t, publisher, `
operation = "custom_op"

[states.init]
action = "script:`+script+`"
timeout = "200ms"
next = { success = "successful", timeout = "failed" }
`)

	topic := "te/device/main///cmd/custom_op/6"
	engine.OnCommandMessage(commandMessage(topic, `{"status":"init"}`))

	require.Eventually(t, func() bool {
		return publisher.lastStatus(topic) == tedge.StatusFailed
	}, 10*time.Second, 10*time.Millisecond)

	p := publisher.retained[topic]
	command, err := tedge.ParseCommandPayload(p[len(p)-1])
	require.NoError(t, err)
	assert.Contains(t, command.Reason, "deadline")
}

func TestWorkflowAwaitSubcommand(t *testing.T) {
	publisher := newFakePublisher()
	engine := newTestEngine(t, publisher, `
operation = "firmware_update"

[states.init]
action = "await-subcommand:firmware_update_child"
next = { success = "successful", error = "failed" }
`)

	topic := "te/device/main///cmd/firmware_update/7"
	engine.OnCommandMessage(commandMessage(topic, `{"status":"init","device":"device/child1//"}`))

	// The engine spawns a retained child command on the descendant
	var subTopic string
	require.Eventually(t, func() bool {
		publisher.mutex.Lock()
		defer publisher.mutex.Unlock()
		for candidate := range publisher.retained {
			if candidate != topic {
				subTopic = candidate
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, subTopic, "te/device/child1///cmd/firmware_update_child/sub-")

	sub := publisher.retained[subTopic][0]
	subCommand, err := tedge.ParseCommandPayload(sub)
	require.NoError(t, err)
	assert.Equal(t, tedge.StatusInit, subCommand.Status)
	assert.NotContains(t, subCommand.Params, "device")

	// The child agent (simulated) reports progress then success
	engine.OnCommandMessage(commandMessage(subTopic, `{"status":"executing"}`))
	engine.OnCommandMessage(commandMessage(subTopic, `{"status":"successful"}`))

	require.Eventually(t, func() bool {
		return publisher.lastStatus(topic) == tedge.StatusSuccessful
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNoDuplicateInstances(t *testing.T) {
	script := writeScript(t, `sleep 1`)
	publisher := newFakePublisher()
	engine := newTestEngine(t, publisher, `
operation = "custom_op"

[states.init]
action = "script:`+script+`"
next = { success = "successful", error = "failed" }
`)

	topic := "te/device/main///cmd/custom_op/8"
	payload := `{"status":"init"}`
	engine.OnCommandMessage(commandMessage(topic, payload))
	engine.OnCommandMessage(commandMessage(topic, payload))
	engine.OnCommandMessage(commandMessage(topic, payload))

	assert.Equal(t, 1, engine.ActiveCount())
}

func TestCommandPayloadRoundTrip(t *testing.T) {
	command := tedge.NewCommandPayload(tedge.StatusExecuting)
	command.Params["progress"] = 42.0
	command.Reason = ""

	payload, err := json.Marshal(command)
	require.NoError(t, err)

	decoded, err := tedge.ParseCommandPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, command.Status, decoded.Status)
	assert.Equal(t, 42.0, decoded.Params["progress"])
}
