package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-agent-go/pkg/metrics"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// Engine drives commands from init to a terminal state. Every retained
// command with a non-terminal status owns exactly one live instance
type Engine struct {
	registry   *Registry
	services   *Services
	rootPrefix string

	// Default per state deadline, used when a state declares none
	defaultTimeout time.Duration

	mutex     sync.Mutex
	instances map[string]*Instance
	waiters   map[string]chan string
	wg        sync.WaitGroup
}

func NewEngine(registry *Registry, services *Services, rootPrefix string, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = time.Hour
	}
	return &Engine{
		registry:       registry,
		services:       services,
		rootPrefix:     rootPrefix,
		defaultTimeout: defaultTimeout,
		instances:      make(map[string]*Instance),
		waiters:        make(map[string]chan string),
	}
}

// OnCommandMessage routes one retained command update. The same path
// serves live traffic and the startup scan of retained topics, which is
// how interrupted workflows resume
func (e *Engine) OnCommandMessage(msg mqtt.Message) {
	info, err := tedge.ParseTopic(msg.Topic, e.rootPrefix)
	if err != nil || info.Channel != tedge.ChannelCommand {
		return
	}

	e.mutex.Lock()
	waiter := e.waiters[msg.Topic]
	instance, running := e.instances[msg.Topic]
	e.mutex.Unlock()

	if len(msg.Payload) == 0 {
		// Cleared topic: the command is gone, abort any live workflow
		if waiter != nil {
			notifyWaiter(waiter, "")
		}
		if running {
			slog.Info("Command cancelled, stopping workflow.", "topic", msg.Topic)
			instance.cancel()
		}
		return
	}

	command, err := tedge.ParseCommandPayload(msg.Payload)
	if err != nil {
		slog.Warn("Ignoring malformed command payload.", "topic", msg.Topic, "err", err)
		return
	}

	if waiter != nil {
		notifyWaiter(waiter, command.Status)
	}

	if running || tedge.IsTerminalStatus(command.Status) {
		// Either our own commit echoing back, or a finished command
		return
	}

	definition, ok := e.registry.Get(info.Operation)
	if !ok {
		slog.Warn("No workflow definition for operation.", "operation", info.Operation, "topic", msg.Topic)
		return
	}

	e.startInstance(msg.Topic, info, definition, command)
}

func notifyWaiter(waiter chan string, status string) {
	select {
	case waiter <- status:
	default:
	}
}

func (e *Engine) startInstance(topic string, info *tedge.TopicInfo, definition *Definition, command *tedge.CommandPayload) {
	ctx, cancel := context.WithCancel(context.Background())
	instance := &Instance{
		engine:     e,
		topic:      topic,
		operation:  info.Operation,
		id:         info.CommandID,
		target:     info.Target,
		definition: definition,
		payload:    command.Clone(),
		cancel:     cancel,
	}

	e.mutex.Lock()
	if _, exists := e.instances[topic]; exists {
		e.mutex.Unlock()
		cancel()
		return
	}
	e.instances[topic] = instance
	e.mutex.Unlock()

	slog.Info("Starting workflow.", "operation", instance.operation, "id", instance.id, "state", command.Status)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.removeInstance(topic)
		instance.run(ctx)
	}()
}

func (e *Engine) removeInstance(topic string) {
	e.mutex.Lock()
	delete(e.instances, topic)
	e.mutex.Unlock()
}

// ActiveCount reports the number of live workflow instances
func (e *Engine) ActiveCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.instances)
}

// Stop cancels all instances and waits for them to wind down
func (e *Engine) Stop() {
	e.mutex.Lock()
	for _, instance := range e.instances {
		instance.cancel()
	}
	e.mutex.Unlock()
	e.wg.Wait()
}

func (e *Engine) registerWaiter(topic string) chan string {
	waiter := make(chan string, 8)
	e.mutex.Lock()
	e.waiters[topic] = waiter
	e.mutex.Unlock()
	return waiter
}

func (e *Engine) unregisterWaiter(topic string) {
	e.mutex.Lock()
	delete(e.waiters, topic)
	e.mutex.Unlock()
}

// Instance is one running workflow
type Instance struct {
	engine     *Engine
	topic      string
	operation  string
	id         string
	target     tedge.Target
	definition *Definition
	payload    *tedge.CommandPayload
	cancel     context.CancelFunc
}

// run executes states until a terminal state is committed. Cancellation
// leaves the (already cleared) topic untouched
func (i *Instance) run(ctx context.Context) {
	state := i.payload.Status

	for {
		if state == StateSuccessful || state == StateFailed {
			i.payload.Status = state
			if err := i.commit(); err != nil {
				slog.Error("Failed to commit terminal workflow state.", "topic", i.topic, "err", err)
			}
			slog.Info("Workflow finished.", "operation", i.operation, "id", i.id, "state", state, "reason", i.payload.Reason)
			return
		}

		stateDef, ok := i.definition.States[state]
		if !ok {
			i.payload.Reason = fmt.Sprintf("no workflow state named %q", state)
			state = StateFailed
			continue
		}

		condition, output := i.execute(ctx, state, stateDef)
		if ctx.Err() != nil {
			slog.Info("Workflow aborted.", "operation", i.operation, "id", i.id, "state", state)
			return
		}

		for k, v := range output {
			if k == "reason" {
				i.payload.Reason, _ = v.(string)
				continue
			}
			i.payload.Params[k] = v
		}

		next, ok := i.definition.NextState(state, condition)
		if !ok {
			i.payload.Reason = fmt.Sprintf("no-transition: state %q has no transition for %q", state, condition)
			state = StateFailed
			continue
		}

		state = next
		i.payload.Status = state
		if state != StateSuccessful && state != StateFailed {
			// Terminal states are committed at the top of the loop so
			// a crash in between replays the transition, not skips it
			if err := i.commit(); err != nil {
				slog.Error("Failed to commit workflow transition.", "topic", i.topic, "err", err)
				return
			}
		}
		metrics.WorkflowTransitions.WithLabelValues(i.operation, state).Inc()
	}
}

// commit republishes the retained command payload, making the transition
// durable
func (i *Instance) commit() error {
	payload, err := json.Marshal(i.payload)
	if err != nil {
		return err
	}
	return i.engine.services.Publisher.PublishRetained(i.topic, payload)
}

// execute runs the state action and classifies its outcome
func (i *Instance) execute(ctx context.Context, state string, stateDef State) (string, map[string]any) {
	timeout := stateDef.Timeout.Std()
	if timeout <= 0 {
		timeout = i.engine.defaultTimeout
	}
	stateCtx, cancelState := context.WithTimeout(ctx, timeout)
	defer cancelState()

	result, err := i.dispatch(stateCtx, stateDef)

	if ctx.Err() != nil {
		return "", nil
	}
	if stateCtx.Err() == context.DeadlineExceeded {
		return ConditionTimeout, map[string]any{"reason": fmt.Sprintf("state %q exceeded its deadline", state)}
	}
	if err != nil {
		return ConditionError, map[string]any{"reason": err.Error()}
	}
	return result.Condition, result.Output
}

func (i *Instance) dispatch(ctx context.Context, stateDef State) (*ScriptResult, error) {
	kind, detail, _ := strings.Cut(stateDef.Action, ":")
	switch kind {
	case "builtin":
		action, ok := LookupBuiltin(detail)
		if !ok {
			return nil, errors.Errorf("unknown builtin action %q", detail)
		}
		return action(ctx, i.engine.services, i.payload.Params)
	case "script":
		contextJSON, err := json.Marshal(i.payload)
		if err != nil {
			return nil, err
		}
		return RunScript(ctx, detail, contextJSON, stateDef.ExitCodes, i.engine.services.CancelGrace)
	case "await-subcommand":
		return i.awaitSubcommand(ctx, detail)
	default:
		return nil, errors.Errorf("unknown action kind %q", kind)
	}
}

// awaitSubcommand spawns a command on a descendant entity and suspends
// until it terminates, reflecting its outcome upward
func (i *Instance) awaitSubcommand(ctx context.Context, operation string) (*ScriptResult, error) {
	childTopicID := stringParam(i.payload.Params, "device")
	if childTopicID == "" {
		return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": "no device in command payload to run the subcommand on"}}, nil
	}

	childTarget := tedge.Target{RootPrefix: i.target.RootPrefix, TopicID: childTopicID}
	subTopic := tedge.GetCommandTopic(childTarget, operation, "sub-"+uuid.NewString())

	subCommand := tedge.NewCommandPayload(tedge.StatusInit)
	for k, v := range i.payload.Params {
		if k == "device" {
			continue
		}
		subCommand.Params[k] = v
	}
	payload, err := json.Marshal(subCommand)
	if err != nil {
		return nil, err
	}

	waiter := i.engine.registerWaiter(subTopic)
	defer i.engine.unregisterWaiter(subTopic)

	if err := i.engine.services.Publisher.PublishRetained(subTopic, payload); err != nil {
		return nil, errors.Wrap(err, "failed to spawn subcommand")
	}

	for {
		select {
		case <-ctx.Done():
			// Propagate the cancellation downward
			_ = i.engine.services.Publisher.ClearRetained(subTopic)
			return nil, ctx.Err()
		case status := <-waiter:
			switch status {
			case "":
				return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": "subcommand was cancelled"}}, nil
			case tedge.StatusSuccessful:
				_ = i.engine.services.Publisher.ClearRetained(subTopic)
				return &ScriptResult{Condition: ConditionSuccess, Output: map[string]any{}}, nil
			case tedge.StatusFailed:
				_ = i.engine.services.Publisher.ClearRetained(subTopic)
				return &ScriptResult{Condition: ConditionError, Output: map[string]any{"reason": "subcommand failed"}}, nil
			default:
				// Intermediate progress, keep waiting
			}
		}
	}
}
