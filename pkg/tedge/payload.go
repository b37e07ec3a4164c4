package tedge

import (
	"encoding/json"
	"fmt"
	"time"
)

var StatusUp = "up"
var StatusDown = "down"
var StatusUnknown = "unknown"

func PayloadHealthStatusDown() string {
	return fmt.Sprintf(`{"status":"%s"}`, StatusDown)
}

func PayloadHealthStatus(payload map[string]any, status string) ([]byte, error) {
	payload["status"] = status
	payload["time"] = time.Now().Unix()
	b, err := json.Marshal(payload)
	return b, err
}

func PayloadRegistration(payload map[string]any, name string, entityType string, parent string) ([]byte, error) {
	payload["@type"] = entityType
	payload["name"] = name
	if parent != "" {
		payload["@parent"] = parent
	}
	b, err := json.Marshal(payload)
	return b, err
}

// RegistrationMessage is the decoded form of a retained registration payload
type RegistrationMessage struct {
	Type       string         `json:"@type"`
	Parent     string         `json:"@parent,omitempty"`
	ExternalID string         `json:"@id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Extras     map[string]any `json:"-"`
}

func ParseRegistrationMessage(payload []byte) (*RegistrationMessage, error) {
	raw := make(map[string]any)
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	msg := &RegistrationMessage{Extras: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "@type":
			msg.Type, _ = v.(string)
		case "@parent":
			msg.Parent, _ = v.(string)
		case "@id":
			msg.ExternalID, _ = v.(string)
		case "name":
			msg.Name, _ = v.(string)
		default:
			msg.Extras[k] = v
		}
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("registration message is missing the @type property")
	}
	return msg, nil
}
