package workflow

import (
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// Reserved states. Every workflow starts in init and ends in successful
// or failed
var (
	StateInit       = tedge.StatusInit
	StateSuccessful = tedge.StatusSuccessful
	StateFailed     = tedge.StatusFailed
)

// Duration accepts "30s" style strings in the TOML documents
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// State is one step of a workflow definition
type State struct {
	// Action is "builtin:<name>", "script:<path> [args]" or
	// "await-subcommand:<operation>". Terminal states have no action
	Action string `toml:"action"`

	// Next maps the exit condition of the action onto the follow-up state
	Next map[string]string `toml:"next"`

	// ExitCodes maps script exit codes onto named exit conditions.
	// Code 0 is always "success"
	ExitCodes map[string]string `toml:"exit_codes"`

	// Timeout overrides the engine default deadline for this state
	Timeout Duration `toml:"timeout"`
}

// Definition is the declarative state machine of one operation type
type Definition struct {
	Operation string           `toml:"operation"`
	States    map[string]State `toml:"states"`

	// Source records where the definition was loaded from ("" = builtin)
	Source string `toml:"-"`
}

// ParseDefinition decodes and validates a TOML workflow document
func ParseDefinition(data []byte) (*Definition, error) {
	def := &Definition{}
	if err := toml.Unmarshal(data, def); err != nil {
		return nil, errors.Wrap(err, "invalid workflow document")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (d *Definition) Validate() error {
	if d.Operation == "" {
		return errors.New("workflow definition is missing the operation name")
	}
	if len(d.States) == 0 {
		return errors.Errorf("workflow %s defines no states", d.Operation)
	}
	if _, ok := d.States[StateInit]; !ok {
		return errors.Errorf("workflow %s is missing the init state", d.Operation)
	}
	for name, state := range d.States {
		if name == StateSuccessful || name == StateFailed {
			return errors.Errorf("workflow %s redefines the terminal state %s", d.Operation, name)
		}
		if state.Action == "" {
			return errors.Errorf("workflow %s state %s has no action", d.Operation, name)
		}
		if err := validateActionSpec(state.Action); err != nil {
			return errors.Wrapf(err, "workflow %s state %s", d.Operation, name)
		}
		for condition, next := range state.Next {
			if next == StateSuccessful || next == StateFailed {
				continue
			}
			if _, ok := d.States[next]; !ok {
				return errors.Errorf("workflow %s state %s: transition %s -> %s targets an unknown state", d.Operation, name, condition, next)
			}
		}
	}
	return nil
}

// NextState resolves a transition. The second return is false when the
// condition has no mapping (a no-transition failure)
func (d *Definition) NextState(current string, condition string) (string, bool) {
	state, ok := d.States[current]
	if !ok {
		return "", false
	}
	next, ok := state.Next[condition]
	return next, ok
}

func validateActionSpec(spec string) error {
	kind, _, found := strings.Cut(spec, ":")
	if !found {
		return errors.Errorf("invalid action %q, expected <kind>:<detail>", spec)
	}
	switch kind {
	case "builtin", "script", "await-subcommand":
		return nil
	default:
		return errors.Errorf("unknown action kind %q", kind)
	}
}

// builtinDefinitions ship with the agent and may be overridden per
// operation by files in the workflow directory
var builtinDefinitions = map[string]string{
	"software_update": `
operation = "software_update"

[states.init]
action = "builtin:noop"
next = { success = "executing" }

[states.executing]
action = "script:/etc/tedge/sm-plugins/apply-update"
timeout = "30m"
next = { success = "successful", partial = "failed", error = "failed" }
exit_codes = { "2" = "partial" }
`,
	"restart": `
operation = "restart"

[states.init]
action = "builtin:noop"
next = { success = "executing" }

[states.executing]
action = "builtin:restart"
timeout = "5m"
next = { success = "successful", error = "failed", timeout = "failed" }
`,
	"config_snapshot": `
operation = "config_snapshot"

[states.init]
action = "builtin:noop"
next = { success = "executing" }

[states.executing]
action = "builtin:upload"
timeout = "10m"
next = { success = "successful", error = "failed" }
`,
	"config_update": `
operation = "config_update"

[states.init]
action = "builtin:download"
next = { success = "executing", error = "failed" }

[states.executing]
action = "script:/etc/tedge/sm-plugins/apply-config"
timeout = "10m"
next = { success = "successful", error = "failed" }
`,
	"firmware_update": `
operation = "firmware_update"

[states.init]
action = "builtin:download"
next = { success = "extract", error = "failed" }

[states.extract]
action = "builtin:extract"
next = { success = "executing", error = "failed" }

[states.executing]
action = "script:/etc/tedge/firmware/install"
timeout = "60m"
next = { success = "successful", error = "failed", timeout = "failed" }
`,
	"log_upload": `
operation = "log_upload"

[states.init]
action = "builtin:noop"
next = { success = "executing" }

[states.executing]
action = "builtin:upload"
timeout = "10m"
next = { success = "successful", error = "failed" }
`,
	"remote_access": `
operation = "remote_access"

[states.init]
action = "builtin:noop"
next = { success = "executing" }

[states.executing]
action = "builtin:remote-access"
timeout = "12h"
next = { success = "successful", error = "failed", timeout = "failed" }
`,
}

// BuiltinDefinitions parses the shipped workflow table
func BuiltinDefinitions() (map[string]*Definition, error) {
	out := make(map[string]*Definition, len(builtinDefinitions))
	for name, doc := range builtinDefinitions {
		def, err := ParseDefinition([]byte(doc))
		if err != nil {
			return nil, errors.Wrapf(err, "builtin workflow %s", name)
		}
		out[def.Operation] = def
	}
	return out, nil
}
