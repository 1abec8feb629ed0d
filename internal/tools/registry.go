package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// Registry stores tool definitions and answers availability and validation
// questions for the orchestrator. Enumeration order is insertion order and
// stays stable across calls; providers may rely on it for prompt caching.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Definition
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*Definition),
		logger: logger.With("component", "tools.registry"),
	}
}

// Register inserts a definition, replacing any previous tool with the same
// name. Replacement is legal but logged as a warning since it usually
// indicates two packages fighting over a name.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("tool definition is nil")
	}
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		r.logger.Warn("replacing existing tool registration", "tool", def.Name)
	} else {
		r.order = append(r.order, def.Name)
	}
	r.byName[def.Name] = def
	return nil
}

// RegisterAll registers every definition, stopping at the first invalid one.
func (r *Registry) RegisterAll(defs []*Definition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Use registers everything a router carries.
func (r *Registry) Use(router *Router) error {
	if router == nil {
		return nil
	}
	return r.RegisterAll(router.Definitions())
}

// ByName returns a definition and whether it exists.
func (r *Registry) ByName(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

// ForContext returns every tool visible for the given context, in stable
// insertion order.
func (r *Registry) ForContext(cc models.ClientContext) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		def := r.byName[name]
		if def.Available(cc) {
			out = append(out, def)
		}
	}
	return out
}

// NamesForContext is ForContext projected onto names, used by the
// context_sync acknowledgement.
func (r *Registry) NamesForContext(cc models.ClientContext) []string {
	defs := r.ForContext(cc)
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// IsAvailable reports whether a named tool exists and its filter admits the
// context. Unknown names are simply unavailable.
func (r *Registry) IsAvailable(name string, cc models.ClientContext) bool {
	def, ok := r.ByName(name)
	if !ok {
		return false
	}
	return def.Available(cc)
}

// ValidateResult checks a client-returned value against the tool's result
// schema. Tools without a schema (all server-side tools, and client-side
// tools that did not declare one) pass the value through unchanged. This is
// the trust boundary between the client and the model's history.
func (r *Registry) ValidateResult(name string, value json.RawMessage) (json.RawMessage, error) {
	def, ok := r.ByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	schema, err := def.resultSchema()
	if err != nil {
		return nil, fmt.Errorf("result schema for %q is invalid: %w", name, err)
	}
	if schema == nil {
		return value, nil
	}

	var decoded any
	if len(value) == 0 {
		decoded = nil
	} else if err := json.Unmarshal(value, &decoded); err != nil {
		return nil, fmt.Errorf("Result validation failed: result is not valid JSON: %v", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("Result validation failed: %v", err)
	}
	return value, nil
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
