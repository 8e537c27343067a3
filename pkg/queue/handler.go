package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Handler executes the jobs of one queue.
	Handler interface {
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	// HandlerFunc adapts a function over the raw payload to Handler.
	HandlerFunc func(ctx context.Context, payload json.RawMessage) error

	JobHandlerFunc[T any]  func(ctx context.Context, payload T) error
	PeriodicJobHandlerFunc func(ctx context.Context) error
)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// NewJobHandler decodes the payload into T before calling fn. A payload that
// does not decode is a permanent failure.
func NewJobHandler[T any](fn JobHandlerFunc[T]) Handler {
	return &jobHandler[T]{handler: fn}
}

// NewPeriodicJobHandler ignores the payload. Suited to scheduled jobs whose
// payload template is empty.
func NewPeriodicJobHandler(fn PeriodicJobHandlerFunc) Handler {
	return &periodicJobHandler{handler: fn}
}

type jobHandler[T any] struct {
	handler JobHandlerFunc[T]
}

func (h *jobHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	return h.handler(ctx, t)
}

type periodicJobHandler struct {
	handler PeriodicJobHandlerFunc
}

func (h *periodicJobHandler) Handle(ctx context.Context, _ json.RawMessage) error {
	return h.handler(ctx)
}
