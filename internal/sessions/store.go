// Package sessions persists per-session agent state: the latest validated
// client context and the full conversation history. The in-memory session
// object stays authoritative; the store holds a durable copy snapshotted
// after each mutation so a reconnect with the same session id resumes where
// the conversation left off.
package sessions

import (
	"context"
	"errors"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// ErrNotFound is returned when no state exists for a session id.
var ErrNotFound = errors.New("session not found")

// State is the durable snapshot of one session.
type State struct {
	Context  models.ClientContext `json:"context"`
	Messages []models.ChatMessage `json:"messages"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{Context: s.Context.Clone()}
	if s.Messages != nil {
		out.Messages = make([]models.ChatMessage, len(s.Messages))
		copy(out.Messages, s.Messages)
		for i := range out.Messages {
			if tcs := s.Messages[i].ToolCalls; tcs != nil {
				out.Messages[i].ToolCalls = append([]models.ToolCall(nil), tcs...)
			}
		}
	}
	return out
}

// Store is the session persistence interface.
//
// Implementations must tolerate concurrent calls for different session ids;
// calls for the same id are serialized by the owning orchestrator.
type Store interface {
	// Load returns the state for a session id, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*State, error)

	// Save writes the full state for a session id, replacing any previous
	// snapshot.
	Save(ctx context.Context, sessionID string, state *State) error

	// Delete removes a session's state. Deleting an unknown id is not an
	// error.
	Delete(ctx context.Context, sessionID string) error
}
