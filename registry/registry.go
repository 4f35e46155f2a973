// Package registry provides an in-memory implementation of the processor's
// registry collaborator interface, suitable for wiring tools, resources, and
// prompts into an engine without a backing service.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcpwire/mcpwire/processor"
	"github.com/mcpwire/mcpwire/protocol"
)

// Invoker executes one registered capability.
type Invoker func(ctx context.Context, args json.RawMessage) (any, error)

type item struct {
	entry  processor.Entry
	invoke Invoker
}

// InMemory is a map-backed registry. Safe for concurrent use; List returns
// entries in registration order.
type InMemory struct {
	mu        sync.RWMutex
	items     map[string]*item
	order     []string
	templates []processor.Entry
}

// New creates an empty registry.
func New() *InMemory {
	return &InMemory{items: make(map[string]*item)}
}

// Register adds (or replaces) a named capability.
func (r *InMemory) Register(name, description string, schema json.RawMessage, fn Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[name]; !exists {
		r.order = append(r.order, name)
	}
	r.items[name] = &item{
		entry: processor.Entry{
			Name:        name,
			Description: description,
			Schema:      schema,
		},
		invoke: fn,
	}
}

// RegisterTemplate adds a parameterized entry reported by ListTemplates.
func (r *InMemory) RegisterTemplate(name, description string, schema json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = append(r.templates, processor.Entry{
		Name:        name,
		Description: description,
		Schema:      schema,
	})
}

// List implements processor.Registry.
func (r *InMemory) List(context.Context) ([]processor.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]processor.Entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, r.items[name].entry)
	}
	return entries, nil
}

// Invoke implements processor.Registry.
func (r *InMemory) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	it, ok := r.items[name]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.NewInvalidParams(fmt.Sprintf("unknown capability %q", name))
	}
	return it.invoke(ctx, args)
}

// ListTemplates implements processor.TemplateLister.
func (r *InMemory) ListTemplates(context.Context) ([]processor.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]processor.Entry(nil), r.templates...), nil
}

// Len returns the number of registered capabilities.
func (r *InMemory) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
