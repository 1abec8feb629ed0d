// Package models defines the shared data types exchanged between the
// toolbridge gateway, the agent orchestrator, and connected clients.
package models

import "encoding/json"

// Message roles. The history format intentionally mirrors the OpenAI chat
// completion shape (role, tool_call_id, tool_calls) because persisted
// sessions are replayed into the provider verbatim.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a provider-issued request to execute a tool. The ID is opaque
// and unique within a session; it correlates the eventual tool message back
// to this call.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"arguments,omitempty"`
}

// ChatMessage is one entry of a session's conversation history.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ClientContext describes what the connected client is currently showing.
// All fields are optional; anything beyond the recognized fields travels in
// Metadata. It is the input to every tool context filter and to server-side
// tool handlers.
type ClientContext struct {
	PageID       string         `json:"page_id,omitempty"`
	ActiveTab    string         `json:"active_tab,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// HasCapability reports whether the context advertises the given capability.
func (c ClientContext) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hold a snapshot while the live
// context keeps changing underneath.
func (c ClientContext) Clone() ClientContext {
	out := ClientContext{
		PageID:    c.PageID,
		ActiveTab: c.ActiveTab,
	}
	if c.Capabilities != nil {
		out.Capabilities = append([]string(nil), c.Capabilities...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
