package tedge

import (
	"encoding/json"
	"fmt"
)

// Command status values. The workflow engine owns the transitions between
// them, every other component only reads them
var (
	StatusInit       = "init"
	StatusScheduled  = "scheduled"
	StatusExecuting  = "executing"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

func IsTerminalStatus(status string) bool {
	return status == StatusSuccessful || status == StatusFailed
}

// CommandPayload is the retained payload of a command topic. Everything
// apart from the status and failure reason is operation specific and kept
// in Params so the workflow context can accumulate arbitrary fields
type CommandPayload struct {
	Status string
	Reason string
	Params map[string]any
}

func NewCommandPayload(status string) *CommandPayload {
	return &CommandPayload{
		Status: status,
		Params: make(map[string]any),
	}
}

func ParseCommandPayload(payload []byte) (*CommandPayload, error) {
	raw := make(map[string]any)
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	cmd := &CommandPayload{Params: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "status":
			cmd.Status, _ = v.(string)
		case "reason":
			cmd.Reason, _ = v.(string)
		default:
			cmd.Params[k] = v
		}
	}
	if cmd.Status == "" {
		return nil, fmt.Errorf("command payload is missing the status property")
	}
	return cmd, nil
}

func (c *CommandPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Params)+2)
	for k, v := range c.Params {
		out[k] = v
	}
	out["status"] = c.Status
	if c.Reason != "" {
		out["reason"] = c.Reason
	} else {
		delete(out, "reason")
	}
	return json.Marshal(out)
}

// Clone returns a deep-enough copy for the workflow context. Nested values
// are shared but never mutated in place by the engine
func (c *CommandPayload) Clone() *CommandPayload {
	params := make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		params[k] = v
	}
	return &CommandPayload{
		Status: c.Status,
		Reason: c.Reason,
		Params: params,
	}
}
