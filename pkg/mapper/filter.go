package mapper

import (
	"context"
	"log/slog"
	"time"

	"github.com/thin-edge/tedge-agent-go/pkg/mqtt"
)

// FilterModule is the embedding contract for user-provided filters. A
// module transforms messages and may hold private state for batching or
// aggregation; the state lives only inside the instance and is lost on
// restart. Modules get no I/O capability, only messages in and out
type FilterModule interface {
	OnMessage(msg mqtt.Message, ctx *FilterContext) ([]mqtt.Message, error)
	OnInterval(now time.Time, ctx *FilterContext) ([]mqtt.Message, error)
}

// FilterContext is the read-only configuration handed to the module
type FilterContext struct {
	Config map[string]any
}

type filterCall struct {
	msg   mqtt.Message
	reply chan []mqtt.Message
}

// FilterInstance runs one module on its own goroutine with a mailbox and
// an interval ticker, so OnMessage and OnInterval are never reentrant
type FilterInstance struct {
	Name string

	module   FilterModule
	ctx      *FilterContext
	interval time.Duration
	mailbox  chan filterCall
	sink     func([]mqtt.Message)
}

// NewFilterInstance wires a module into the pipeline. The sink receives
// messages produced by the periodic flush; interval zero disables it
func NewFilterInstance(name string, module FilterModule, config map[string]any, interval time.Duration, sink func([]mqtt.Message)) *FilterInstance {
	return &FilterInstance{
		Name:     name,
		module:   module,
		ctx:      &FilterContext{Config: config},
		interval: interval,
		mailbox:  make(chan filterCall),
		sink:     sink,
	}
}

// Start runs the instance task until the context is cancelled
func (f *FilterInstance) Start(ctx context.Context) {
	var tick <-chan time.Time
	if f.interval > 0 {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case call := <-f.mailbox:
			out, err := f.module.OnMessage(call.msg, f.ctx)
			if err != nil {
				slog.Warn("Filter rejected message.", "filter", f.Name, "topic", call.msg.Topic, "err", err)
				out = nil
			}
			call.reply <- out
		case now := <-tick:
			out, err := f.module.OnInterval(now, f.ctx)
			if err != nil {
				slog.Warn("Filter interval flush failed.", "filter", f.Name, "err", err)
				continue
			}
			if len(out) > 0 && f.sink != nil {
				f.sink(out)
			}
		}
	}
}

// Apply passes messages through the module, preserving order. A message
// the module drops produces no output
func (f *FilterInstance) Apply(messages []mqtt.Message) []mqtt.Message {
	out := make([]mqtt.Message, 0, len(messages))
	for _, msg := range messages {
		call := filterCall{msg: msg, reply: make(chan []mqtt.Message, 1)}
		f.mailbox <- call
		out = append(out, <-call.reply...)
	}
	return out
}
