// Package protocol defines the toolbridge wire protocol: the canonical event
// names, the payload shapes carried under each event, and the validation
// applied to client-originated payloads before they reach a session.
package protocol

import (
	"encoding/json"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// Event names. These are wire literals shared with non-Go clients and must
// not change.
const (
	EventContextUpdate  = "agent:context_update"
	EventContextSync    = "agent:context_sync"
	EventUserMessage    = "agent:user_message"
	EventAgentResponse  = "agent:agent_response"
	EventToolInvocation = "agent:tool_invocation"
	EventToolResult     = "agent:tool_result"
	EventToolError      = "agent:tool_error"
)

// Frame is the envelope for every message on the duplex channel.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UserMessage is the payload of agent:user_message.
type UserMessage struct {
	Content string `json:"content"`
}

// AgentResponse is the payload of agent:agent_response. Done marks the
// terminal frame of a user turn; intermediate frames carry streamed text.
type AgentResponse struct {
	Content          string   `json:"content"`
	Done             bool     `json:"done"`
	SuggestedActions []string `json:"suggestedActions,omitempty"`
}

// ContextSync is the payload of agent:context_sync, acknowledging a context
// update. The tool list is advisory; clients must not gate UI on it.
type ContextSync struct {
	Context        models.ClientContext `json:"context"`
	AvailableTools []string             `json:"availableTools"`
}

// ToolInvocation is the payload of agent:tool_invocation, requesting that
// the client run a local executor.
type ToolInvocation struct {
	ToolID string          `json:"toolId"`
	CallID string          `json:"callId"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ToolResult is the payload of agent:tool_result.
type ToolResult struct {
	ToolID string          `json:"toolId"`
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ToolError is the payload of agent:tool_error.
type ToolError struct {
	ToolID  string `json:"toolId"`
	CallID  string `json:"callId"`
	Message string `json:"message"`
}

// EncodeFrame marshals an event and its payload into a wire frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Payload: raw})
}
