package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
)

// Supervise restarts a task when it fails, with capped full-jitter
// backoff. The loop ends when the context is cancelled or the task
// returns cleanly
func Supervise(ctx context.Context, name string, task func(context.Context) error) {
	attempt := 0
	for {
		err := task(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		delay := mqtt.Backoff(attempt, time.Second, 60*time.Second)
		slog.Error("Task failed, restarting.", "task", name, "err", err, "delay", delay)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
