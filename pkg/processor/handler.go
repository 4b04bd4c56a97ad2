package processor

import (
	"context"

	"github.com/cuemby/meshbus/pkg/types"
)

// Handler is invoked by the worker loop for every envelope, in registration
// order. A false return (or an error) marks the envelope failed.
type Handler interface {
	Handle(ctx context.Context, env *types.MessageEnvelope) (bool, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *types.MessageEnvelope) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
	return f(ctx, env)
}

// BatchHandler is an optional contract the batch accumulator flushes
// through; it returns a per-message success vector so the accumulator can
// drive selective retry.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, envs []*types.MessageEnvelope) ([]bool, error)
}

// BatchHandlerFunc adapts a plain function to the BatchHandler interface.
type BatchHandlerFunc func(ctx context.Context, envs []*types.MessageEnvelope) ([]bool, error)

func (f BatchHandlerFunc) ProcessBatch(ctx context.Context, envs []*types.MessageEnvelope) ([]bool, error) {
	return f(ctx, envs)
}
