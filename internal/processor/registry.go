// Package processor maps task type names to the functions that compute them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned by Resolve when no handler is registered for a type.
var ErrUnknownType = errors.New("unknown task type")

// Handler computes the output of one task type from its input. Handlers must
// not touch shared state; the only side effect allowed is blocking, and a
// blocking handler must return when ctx is done.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// ValidationError reports input that does not have the shape a handler expects.
type ValidationError struct {
	Type   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input data for %s task: %s", e.Type, e.Reason)
}

// Registry maps task type names to handlers. It is safe for concurrent use.
// Build one at startup and pass it to whatever needs to validate or execute tasks.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewDefaultRegistry returns a registry with the built-in sum and countdown types.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeSum, Sum)
	r.Register(TypeCountdown, Countdown)
	return r
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a handler is registered for name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Resolve returns the handler for name, or an error wrapping ErrUnknownType.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return h, nil
}
