package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/internal/audit"
	"github.com/stewardhq/steward/internal/event"
	"github.com/stewardhq/steward/internal/logging"
)

const defaultCallTimeout = 2 * time.Minute

// Dispatcher resolves and runs tool calls. Every invocation produces
// exactly one audit record, written before the result is returned.
type Dispatcher struct {
	registry *Registry
	trail    *audit.Trail
	bus      *event.Bus
	timeout  time.Duration
	log      zerolog.Logger
}

func NewDispatcher(registry *Registry, trail *audit.Trail, bus *event.Bus) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		trail:    trail,
		bus:      bus,
		timeout:  defaultCallTimeout,
		log:      logging.For("tool"),
	}
}

// Invoke runs one tool call and returns its result. Failures of any
// kind, including an unknown tool name, come back as error-tagged
// results rather than errors; the caller's round always continues.
func (d *Dispatcher) Invoke(ctx context.Context, call Call, tc *Context) Result {
	started := time.Now()

	t, ok := d.registry.Get(call.Name)
	var output string
	var execErr error
	if !ok {
		execErr = fmt.Errorf("unknown tool: %s", call.Name)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		output, execErr = t.Execute(callCtx, call.Args, tc)
		cancel()
	}

	duration := time.Since(started)
	res := Result{CallID: call.ID, Name: call.Name, Output: output}
	if execErr != nil {
		res.Output = "Error: " + execErr.Error()
		res.IsError = true
	}

	if err := d.trail.Append(audit.Record{
		Timestamp:  started.UTC(),
		Tool:       call.Name,
		Args:       call.Args,
		ResultLen:  len(res.Output),
		DurationMS: duration.Milliseconds(),
		IsError:    res.IsError,
	}); err != nil {
		d.log.Error().Err(err).Str("tool", call.Name).Msg("audit append failed")
	}

	logEvent := d.log.Debug()
	if res.IsError {
		logEvent = d.log.Warn().Err(execErr)
	}
	logEvent.Str("tool", call.Name).Dur("duration", duration).Msg("tool invoked")

	if d.bus != nil {
		d.bus.Publish(event.Event{
			Type: event.ToolInvoked,
			Data: event.ToolInvokedData{Tool: call.Name, IsError: res.IsError},
		})
	}
	return res
}
