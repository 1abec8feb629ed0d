package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/toolbridge/toolbridge/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
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
	if loaded.Context.PageID != "checkout" {
		t.Fatalf("context lost: %+v", loaded.Context)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[1].Content != "hello" {
		t.Fatalf("messages lost: %+v", loaded.Messages)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStoreUpsert(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "s1", sampleState()); err != nil {
		t.Fatalf("first save: %v", err)
	}

	updated := sampleState()
	updated.Context.PageID = "settings"
	updated.Messages = append(updated.Messages, models.ChatMessage{
		Role: models.RoleAssistant, Content: "hi",
	})
	if err := store.Save(ctx, "s1", updated); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Context.PageID != "settings" || len(loaded.Messages) != 3 {
		t.Fatalf("upsert did not replace snapshot: %+v", loaded)
	}
}

func TestSQLiteStoreToolCallsSurviveReload(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	state := sampleState()
	state.Messages = append(state.Messages, models.ChatMessage{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "echo", Args: []byte(`{"x":1}`)},
		},
	}, models.ChatMessage{
		Role:       models.RoleTool,
		ToolCallID: "call-1",
		Content:    `{"echo":"{\"x\":1}"}`,
	})

	if err := store.Save(ctx, "s1", state); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	assistant := loaded.Messages[2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call-1" {
		t.Fatalf("tool calls lost: %+v", assistant)
	}
	if string(assistant.ToolCalls[0].Args) != `{"x":1}` {
		t.Fatalf("tool args mangled: %s", assistant.ToolCalls[0].Args)
	}
	if loaded.Messages[3].ToolCallID != "call-1" {
		t.Fatalf("tool correlation lost: %+v", loaded.Messages[3])
	}
}
