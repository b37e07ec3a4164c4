package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
	"github.com/thin-edge/tedge-agent-go/pkg/tedge"
)

// notifyFunc is swappable for tests; the default talks to systemd
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Watchdog subscribes to the health topics and forwards keep-alive
// notifications to the init system. When health messages stop arriving
// within the interval, no notification is sent and the init system is
// free to restart the service
type Watchdog struct {
	client     *mqtt.Client
	rootPrefix string
	interval   time.Duration
	notify     notifyFunc

	mutex    sync.Mutex
	lastSeen map[string]time.Time
}

func NewWatchdog(client *mqtt.Client, rootPrefix string, interval time.Duration) *Watchdog {
	return &Watchdog{
		client:     client,
		rootPrefix: rootPrefix,
		interval:   interval,
		notify:     daemon.SdNotify,
		lastSeen:   make(map[string]time.Time),
	}
}

// Start subscribes to all health topics and runs the keep-alive loop
func (w *Watchdog) Start(ctx context.Context) error {
	filter := w.rootPrefix + "/+/+/+/+/status/health"
	if err := w.client.Subscribe(filter, 1, w.onHealthMessage); err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.Healthy(time.Now()) {
				if _, err := w.notify(false, daemon.SdNotifyWatchdog); err != nil {
					slog.Debug("Could not notify init system.", "err", err)
				}
			} else {
				slog.Warn("Health messages are overdue, withholding watchdog notification.")
			}
		}
	}
}

func (w *Watchdog) onHealthMessage(msg mqtt.Message) {
	health := struct {
		Status string `json:"status"`
	}{}
	if len(msg.Payload) == 0 {
		w.mutex.Lock()
		delete(w.lastSeen, msg.Topic)
		w.mutex.Unlock()
		return
	}
	if err := json.Unmarshal(msg.Payload, &health); err != nil {
		slog.Warn("Ignoring malformed health message.", "topic", msg.Topic, "err", err)
		return
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if health.Status == tedge.StatusUp {
		w.lastSeen[msg.Topic] = time.Now()
	} else {
		delete(w.lastSeen, msg.Topic)
	}
}

// Healthy reports whether every observed service published a health
// message within the configured interval
func (w *Watchdog) Healthy(now time.Time) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for topic, seen := range w.lastSeen {
		if now.Sub(seen) > w.interval {
			slog.Warn("Service health is overdue.", "topic", topic, "last_seen", seen)
			return false
		}
	}
	return true
}
