// Package agent implements the session orchestrator: the bounded reasoning
// loop that feeds conversation history and context-filtered tools to an LLM
// provider, dispatches the resulting tool calls to the right side of the
// wire, and folds every outcome back into the history the model sees next.
package agent

import (
	"context"

	"github.com/toolbridge/toolbridge/internal/tools"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Event is one element of a provider turn. Exactly one of Text (possibly
// empty but flagged via IsText), ToolCall, or Err is meaningful per event;
// the orchestrator consumes events strictly in slice order.
type Event struct {
	// IsText marks a text event; Text may legitimately be empty.
	IsText bool
	Text   string
	// Done marks the provider's final text event of the turn.
	Done bool
	// SuggestedActions are optional UI affordances carried on text events.
	SuggestedActions []string

	// ToolCall requests execution of a tool.
	ToolCall *models.ToolCall

	// Err is a provider-level failure; it aborts the current user turn.
	// Providers must not emit further events after an error.
	Err error
}

// TextEvent builds a text event.
func TextEvent(content string, done bool) Event {
	return Event{IsText: true, Text: content, Done: done}
}

// ToolCallEvent builds a tool-call event.
func ToolCallEvent(call models.ToolCall) Event {
	return Event{ToolCall: &call}
}

// ErrorEvent builds an error event.
func ErrorEvent(err error) Event {
	return Event{Err: err}
}

// Provider abstracts the LLM. One Run call produces the complete ordered
// event list for one model turn; the orchestrator never observes partial
// turns. Tool definitions are passed so the adapter can forward each tool's
// opaque parameter schema verbatim.
type Provider interface {
	// Name identifies the provider for logging and metrics.
	Name() string

	// Run performs one model turn. A returned error and an Err event are
	// equivalent for the orchestrator: both terminate the user turn.
	Run(ctx context.Context, messages []models.ChatMessage, defs []*tools.Definition) ([]Event, error)
}
