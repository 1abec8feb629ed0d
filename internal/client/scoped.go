package client

import (
	"sync"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// ScopeStore tracks context contributions from independent parts of a client
// application. Each scope owns its fragment; the merged view is what goes on
// the wire. Merge order is scope insertion order, so a scope registered
// later wins conflicts against earlier ones.
type ScopeStore struct {
	mu     sync.Mutex
	order  []string
	scopes map[string]models.ClientContext
}

// NewScopeStore creates an empty store.
func NewScopeStore() *ScopeStore {
	return &ScopeStore{scopes: make(map[string]models.ClientContext)}
}

// Set replaces a scope's contribution. A scope keeps its original position
// in the merge order when updated.
func (s *ScopeStore) Set(scope string, cc models.ClientContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scopes[scope]; !exists {
		s.order = append(s.order, scope)
	}
	s.scopes[scope] = cc.Clone()
}

// Clear removes a scope's contribution entirely.
func (s *ScopeStore) Clear(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scopes[scope]; !exists {
		return
	}
	delete(s.scopes, scope)
	for i, name := range s.order {
		if name == scope {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Merged folds all scopes into one context. Scalar fields take the last
// non-empty value, capabilities concatenate with first-occurrence dedupe,
// and metadata merges key-wise with later scopes overwriting earlier ones.
func (s *ScopeStore) Merged() models.ClientContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out models.ClientContext
	seen := make(map[string]struct{})
	for _, name := range s.order {
		cc := s.scopes[name]
		if cc.PageID != "" {
			out.PageID = cc.PageID
		}
		if cc.ActiveTab != "" {
			out.ActiveTab = cc.ActiveTab
		}
		for _, cap := range cc.Capabilities {
			if _, dup := seen[cap]; dup {
				continue
			}
			seen[cap] = struct{}{}
			out.Capabilities = append(out.Capabilities, cap)
		}
		if len(cc.Metadata) > 0 {
			if out.Metadata == nil {
				out.Metadata = make(map[string]any, len(cc.Metadata))
			}
			for k, v := range cc.Metadata {
				out.Metadata[k] = v
			}
		}
	}
	return out
}
