package docker

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// Container Operations
// =============================================================================

// Operation is a manual lifecycle action on a named container.
type Operation string

const (
	OpStart   Operation = "start"
	OpStop    Operation = "stop"
	OpRestart Operation = "restart"
	OpRemove  Operation = "remove"
	OpPause   Operation = "pause"
	OpUnpause Operation = "unpause"
)

// DefaultStopTimeout is how long stop and restart wait before killing.
const DefaultStopTimeout = 10 * time.Second

type operationHandler func(ctx context.Context, c Client, name string) error

var operationHandlers = map[Operation]operationHandler{
	OpStart: func(ctx context.Context, c Client, name string) error {
		return c.StartContainer(ctx, name)
	},
	OpStop: func(ctx context.Context, c Client, name string) error {
		timeout := DefaultStopTimeout
		return c.StopContainer(ctx, name, &timeout)
	},
	OpRestart: func(ctx context.Context, c Client, name string) error {
		timeout := DefaultStopTimeout
		return c.RestartContainer(ctx, name, &timeout)
	},
	OpRemove: func(ctx context.Context, c Client, name string) error {
		return c.RemoveContainer(ctx, name, RemoveOptions{Force: true})
	},
	OpPause: func(ctx context.Context, c Client, name string) error {
		return c.PauseContainer(ctx, name)
	},
	OpUnpause: func(ctx context.Context, c Client, name string) error {
		return c.UnpauseContainer(ctx, name)
	},
}

// Operations lists the supported operations in a stable order.
var Operations = []Operation{OpStart, OpStop, OpRestart, OpRemove, OpPause, OpUnpause}

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if _, ok := operationHandlers[op]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
	return op, nil
}

// Apply runs op against the named container.
func Apply(ctx context.Context, c Client, op Operation, name string) error {
	handler, ok := operationHandlers[op]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return handler(ctx, c, name)
}
