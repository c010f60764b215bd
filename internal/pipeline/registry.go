package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/antigravity-dev/docket/internal/config"
)

// Handler executes one step kind against a run context.
type Handler interface {
	Run(ctx context.Context, rc *RunContext, step config.Step) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc *RunContext, step config.Step) error

func (f HandlerFunc) Run(ctx context.Context, rc *RunContext, step config.Step) error {
	return f(ctx, rc, step)
}

// Registry maps step kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a step kind. Re-registering a kind is a bug.
func (r *Registry) Register(kind string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("pipeline: handler already registered for kind %q", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Get resolves the handler for a step kind.
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown_step_kind:%s", kind)
	}
	return h, nil
}

// Kinds lists the registered step kinds sorted by name.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
