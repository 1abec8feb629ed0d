// Package tools holds the server-authoritative tool registry: tool
// definitions, context-based availability filtering, and validation of
// client-returned results. The registry is the single source of truth for
// what the model may call and what a client is allowed to answer with.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// ExecutionSide says where a tool runs.
type ExecutionSide string

const (
	// SideServer tools run in-process via their Handler.
	SideServer ExecutionSide = "server"
	// SideClient tools are dispatched to the connected client over the wire.
	SideClient ExecutionSide = "client"
)

// Handler executes a server-side tool. Params arrive as the provider emitted
// them; the context snapshot is the session's client context at dispatch time.
type Handler func(ctx context.Context, params json.RawMessage, cc models.ClientContext) (any, error)

// ContextFilter decides whether a tool is visible given a client context.
// A nil filter means always visible.
type ContextFilter func(cc models.ClientContext) bool

// Definition describes one tool. Parameters is a JSON-Schema-shaped value
// that is passed to the provider verbatim; the registry never interprets it.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Side        ExecutionSide

	// Filter gates visibility by client context.
	Filter ContextFilter

	// Timeout overrides the session default for client round-trips.
	Timeout time.Duration

	// Handler is required for server-side tools and forbidden for
	// client-side ones.
	Handler Handler

	// ResultSchema, when set on a client-side tool, is applied to every
	// result the client returns before it enters the model's history.
	ResultSchema json.RawMessage

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// Available reports whether the definition is visible for the given context.
func (d *Definition) Available(cc models.ClientContext) bool {
	if d.Filter == nil {
		return true
	}
	return d.Filter(cc)
}

// validate enforces the side invariants at registration time.
func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	switch d.Side {
	case SideServer:
		if d.Handler == nil {
			return fmt.Errorf("server-side tool %q requires a handler", d.Name)
		}
		if d.ResultSchema != nil {
			return fmt.Errorf("server-side tool %q must not declare a result schema", d.Name)
		}
	case SideClient:
		if d.Handler != nil {
			return fmt.Errorf("client-side tool %q must not have a handler", d.Name)
		}
	default:
		return fmt.Errorf("tool %q has unknown execution side %q", d.Name, d.Side)
	}
	return nil
}

// resultSchema compiles ResultSchema on first use.
func (d *Definition) resultSchema() (*jsonschema.Schema, error) {
	if len(d.ResultSchema) == 0 {
		return nil, nil
	}
	d.compileOnce.Do(func() {
		d.compiled, d.compileErr = jsonschema.CompileString(d.Name+"_result", string(d.ResultSchema))
	})
	return d.compiled, d.compileErr
}
