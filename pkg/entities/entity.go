package entities

import (
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// Entity kinds. Child devices register with the device kind and a parent
// link, so the kind only distinguishes devices from services
var (
	KindDevice  = "device"
	KindService = "service"
)

// Entity is one registered node of the local topology
type Entity struct {
	TopicID    string         `json:"topicId"`
	Kind       string         `json:"kind"`
	Parent     string         `json:"parent,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
	Type       string         `json:"type,omitempty"`
	Name       string         `json:"name,omitempty"`
	Twin       map[string]any `json:"twin,omitempty"`
}

// NewEntityFromRegistration converts a decoded registration payload into a
// store entity. The default parent of a service is its device, the default
// parent of a child device is the main device
func NewEntityFromRegistration(target tedge.Target, msg *tedge.RegistrationMessage) Entity {
	entity := Entity{
		TopicID:    target.TopicID,
		ExternalID: msg.ExternalID,
		Parent:     msg.Parent,
		Name:       msg.Name,
	}
	switch msg.Type {
	case tedge.EntityTypeService:
		entity.Kind = KindService
	default:
		entity.Kind = KindDevice
	}
	if v, ok := msg.Extras["type"].(string); ok {
		entity.Type = v
	}
	if entity.Parent == "" {
		segments := target.Segments()
		if entity.Kind == KindService {
			entity.Parent = segments[0] + "/" + segments[1] + "//"
		} else if !target.IsMainDevice() && msg.Type == tedge.EntityTypeChildDevice {
			entity.Parent = "device/main//"
		}
	}
	return entity
}

func (e Entity) Clone() Entity {
	out := e
	if e.Twin != nil {
		out.Twin = make(map[string]any, len(e.Twin))
		for k, v := range e.Twin {
			out.Twin[k] = v
		}
	}
	return out
}

// ChangeEvent is emitted by the store for every accepted write, in commit
// order
type ChangeEvent struct {
	Op        string `json:"op"`
	Entity    Entity `json:"entity"`
	TwinKey   string `json:"twinKey,omitempty"`
	TwinValue any    `json:"twinValue,omitempty"`
}

var (
	OpRegister   = "register"
	OpDeregister = "deregister"
	OpTwin       = "twin"
)
