package worker

import (
	"context"
	"fmt"

	"hopper/internal/model"
)

// Handler processes work messages of exactly one kind
type Handler interface {
	Kind() model.Kind
	Handle(ctx context.Context, msg model.WorkMessage) error
}

// Registry maps work kinds to their handlers
type Registry struct {
	handlers map[model.Kind]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[model.Kind]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Kind()] = h
	}
	return r
}

// Get returns the handler for a kind
func (r *Registry) Get(kind model.Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}
	return h, nil
}

// Kinds lists every registered kind, for topology declaration
func (r *Registry) Kinds() []model.Kind {
	kinds := make([]model.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
