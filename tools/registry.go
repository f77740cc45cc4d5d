// Package tools exposes retrieval as named capabilities that chat agents can
// call, either in process through a Registry or over MCP.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fabfab/sales-rag/domain"
)

// Capability is one callable tool. InputSchema is a JSON Schema object
// describing the arguments Execute accepts.
type Capability interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, ownerID string, input json.RawMessage) (any, error)
}

// Registry maps capability names to implementations, in registration order.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Capability
	order []string
}

func NewRegistry(capabilities ...Capability) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Capability)}
	for _, c := range capabilities {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(c Capability) error {
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return fmt.Errorf("capability name is required: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[name]; exists {
		return fmt.Errorf("capability %s already registered: %w", name, domain.ErrInvalidInput)
	}
	r.byKey[name] = c
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[name]
	return c, ok
}

func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byKey[name])
	}
	return out
}

// Execute runs the named capability on behalf of ownerID.
func (r *Registry) Execute(ctx context.Context, name, ownerID string, input json.RawMessage) (any, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("capability %s: %w", name, domain.ErrNotFound)
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("owner id is required: %w", domain.ErrInvalidInput)
	}
	return c.Execute(ctx, ownerID, input)
}
