// Package handlers maps block payload types to the handlers interested in them.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/types"
)

// Handler processes one block payload. Handlers for the same type run in
// registration order and may rely on earlier handlers having completed.
type Handler func(ctx context.Context, payload *types.Payload, block *types.Block) error

// Registry maps payload types to ordered handler lists.
// Types with no handlers are valid and dispatch to nothing.
type Registry struct {
	handlers map[types.PayloadType][]Handler
	logger   *logging.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		handlers: make(map[types.PayloadType][]Handler),
		logger:   logger.WithComponent("handlers"),
	}
}

// Register appends handler to the list for typ.
// Returns false and registers nothing if handler is nil.
func (r *Registry) Register(typ types.PayloadType, handler Handler) bool {
	if handler == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = append(r.handlers[typ], handler)
	return true
}

// Handlers returns the number of handlers registered for typ.
func (r *Registry) Handlers(typ types.PayloadType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[typ])
}

// Dispatch runs every handler registered for the payload type, one after
// another. A failing or panicking handler does not stop the rest. The failures
// are joined and returned wrapped in types.ErrHandlerFailed.
func (r *Registry) Dispatch(ctx context.Context, payload *types.Payload, block *types.Block) error {
	r.mu.RLock()
	list := append([]Handler(nil), r.handlers[payload.Type]...)
	r.mu.RUnlock()

	var errs []error
	for i, h := range list {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := invoke(ctx, h, payload, block); err != nil {
			r.logger.Warn("block handler failed",
				logging.Height(block.Index),
				logging.BlockType(payload.Type.String()),
				slog.Int("handler", i),
				logging.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", types.ErrHandlerFailed, errors.Join(errs...))
}

func invoke(ctx context.Context, h Handler, payload *types.Payload, block *types.Block) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, payload, block)
}
