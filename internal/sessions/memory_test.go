package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/toolbridge/toolbridge/pkg/models"
)

func sampleState() *State {
	return &State{
		Context: models.ClientContext{
			PageID:       "checkout",
			Capabilities: []string{"notifications"},
			Metadata:     map[string]any{"cart": 3},
		},
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "hello"},
		},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Save(ctx, "s1", sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Context.PageID != "checkout" || len(loaded.Messages) != 2 {
		t.Fatalf("unexpected state: %+v", loaded)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an unknown id is not an error.
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := sampleState()
	if err := store.Save(ctx, "s1", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the saved value must not affect the stored snapshot.
	state.Context.PageID = "mutated"
	state.Messages[0].Content = "mutated"

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Context.PageID != "checkout" || loaded.Messages[0].Content != "be brief" {
		t.Fatalf("stored state aliased caller memory: %+v", loaded)
	}

	// And mutating a loaded value must not affect later loads.
	loaded.Messages[1].Content = "mutated"
	again, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if again.Messages[1].Content != "hello" {
		t.Fatalf("loaded state aliased store memory: %+v", again)
	}
}
