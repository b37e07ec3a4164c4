package health

import (
	"log/slog"
	"os"

	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// Publisher maintains the retained health topic of one service. The
// matching last-will ("down") is installed on the MQTT client so a crash
// flips the status without any action from the service
type Publisher struct {
	client *mqtt.Client
	target tedge.Target
}

func NewPublisher(client *mqtt.Client, target tedge.Target) *Publisher {
	return &Publisher{
		client: client,
		target: target,
	}
}

// Up publishes the running status, including the pid of the process
func (p *Publisher) Up() error {
	payload, err := tedge.PayloadHealthStatus(map[string]any{"pid": os.Getpid()}, tedge.StatusUp)
	if err != nil {
		return err
	}
	topic := tedge.GetHealthTopic(p.target)
	if err := p.client.PublishRetained(topic, payload); err != nil {
		return err
	}
	slog.Info("Published health message.", "topic", topic, "status", tedge.StatusUp)
	return nil
}

// Down publishes the stopping status, used on clean shutdown
func (p *Publisher) Down() error {
	payload, err := tedge.PayloadHealthStatus(map[string]any{"pid": os.Getpid()}, tedge.StatusDown)
	if err != nil {
		return err
	}
	return p.client.PublishRetained(tedge.GetHealthTopic(p.target), payload)
}
