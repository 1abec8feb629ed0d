package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolbridge/toolbridge/internal/protocol"
	"github.com/toolbridge/toolbridge/internal/sessions"
	"github.com/toolbridge/toolbridge/internal/tools"
	"github.com/toolbridge/toolbridge/pkg/models"
)

type sentFrame struct {
	event   string
	payload any
}

// fakeConn records outbound frames and exposes tool invocations on a channel
// so tests can play the client side of a round-trip.
type fakeConn struct {
	mu          sync.Mutex
	frames      []sentFrame
	invocations chan protocol.ToolInvocation
}

func newFakeConn() *fakeConn {
	return &fakeConn{invocations: make(chan protocol.ToolInvocation, 8)}
}

func (c *fakeConn) SessionID() string { return "test-session" }

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	c.frames = append(c.frames, sentFrame{event: event, payload: payload})
	c.mu.Unlock()
	if inv, ok := payload.(protocol.ToolInvocation); ok {
		c.invocations <- inv
	}
	return nil
}

func (c *fakeConn) responses() []protocol.AgentResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.AgentResponse
	for _, f := range c.frames {
		if resp, ok := f.payload.(protocol.AgentResponse); ok {
			out = append(out, resp)
		}
	}
	return out
}

func (c *fakeConn) lastResponse(t *testing.T) protocol.AgentResponse {
	t.Helper()
	responses := c.responses()
	if len(responses) == 0 {
		t.Fatal("no agent responses sent")
	}
	return responses[len(responses)-1]
}

// fakeProvider returns scripted event lists, one per Run call, and records
// the histories and tool definitions it was shown.
type fakeProvider struct {
	mu      sync.Mutex
	turns   [][]Event
	calls   int
	history [][]models.ChatMessage
	defs    [][]*tools.Definition
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Run(_ context.Context, messages []models.ChatMessage, defs []*tools.Definition) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, append([]models.ChatMessage(nil), messages...))
	p.defs = append(p.defs, defs)
	if p.calls >= len(p.turns) {
		return []Event{TextEvent("done", true)}, nil
	}
	events := p.turns[p.calls]
	p.calls++
	return events, nil
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry(nil)
	err := registry.RegisterAll([]*tools.Definition{
		{
			Name:       "echo",
			Parameters: json.RawMessage(`{"type":"object"}`),
			Side:       tools.SideServer,
			Handler: func(_ context.Context, params json.RawMessage, _ models.ClientContext) (any, error) {
				return map[string]string{"echo": string(params)}, nil
			},
		},
		{
			Name:       "explode",
			Parameters: json.RawMessage(`{"type":"object"}`),
			Side:       tools.SideServer,
			Handler: func(context.Context, json.RawMessage, models.ClientContext) (any, error) {
				panic("handler exploded")
			},
		},
		{
			Name:       "submit_form",
			Parameters: json.RawMessage(`{"type":"object"}`),
			Side:       tools.SideClient,
			Filter: func(cc models.ClientContext) bool {
				return cc.PageID == "checkout"
			},
		},
		{
			Name:       "pick_color",
			Parameters: json.RawMessage(`{"type":"object"}`),
			Side:       tools.SideClient,
			ResultSchema: json.RawMessage(`{
				"type": "object",
				"required": ["color"],
				"properties": { "color": { "type": "string" } }
			}`),
		},
	})
	if err != nil {
		t.Fatalf("register tools: %v", err)
	}
	return registry
}

func newTestOrchestrator(t *testing.T, conn *fakeConn, provider *fakeProvider, cfg Config) *Orchestrator {
	t.Helper()
	o := New(cfg, conn, provider, newTestRegistry(t), sessions.NewMemoryStore(), nil, nil, nil)
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return o
}

func TestTextOnlyTurn(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{TextEvent("hello there", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{})

	o.runUserTurn(context.Background(), "hi")

	resp := conn.lastResponse(t)
	if resp.Content != "hello there" || !resp.Done {
		t.Fatalf("unexpected terminal response: %+v", resp)
	}

	history := o.History()
	if len(history) != 2 {
		t.Fatalf("expected user+assistant history, got %d messages", len(history))
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "hello there" {
		t.Fatalf("unexpected assistant message: %+v", history[1])
	}
}

func TestServerToolDispatch(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{ToolCallEvent(models.ToolCall{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"x":1}`)})},
		{TextEvent("echoed", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{})

	o.runUserTurn(context.Background(), "echo something")

	history := o.History()
	var toolMsg *models.ChatMessage
	for i := range history {
		if history[i].Role == models.RoleTool {
			toolMsg = &history[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in history")
	}
	if toolMsg.ToolCallID != "call-1" {
		t.Fatalf("tool message has wrong call id %q", toolMsg.ToolCallID)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(toolMsg.Content), &decoded); err != nil {
		t.Fatalf("tool message is not JSON: %v", err)
	}
	if decoded["echo"] != `{"x":1}` {
		t.Fatalf("unexpected tool result %q", toolMsg.Content)
	}

	if resp := conn.lastResponse(t); resp.Content != "echoed" || !resp.Done {
		t.Fatalf("unexpected terminal response: %+v", resp)
	}
}

func TestClientToolRoundTrip(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{ToolCallEvent(models.ToolCall{ID: "call-1", Name: "pick_color", Args: json.RawMessage(`{}`)})},
		{TextEvent("it is red", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{})

	go func() {
		inv := <-conn.invocations
		o.ResolveToolResult(protocol.ToolResult{
			ToolID: inv.ToolID,
			CallID: inv.CallID,
			Result: json.RawMessage(`{"color":"red"}`),
		})
	}()

	o.runUserTurn(context.Background(), "what color?")

	// The wire invocation must reuse the provider's call id.
	conn.mu.Lock()
	for _, f := range conn.frames {
		if inv, ok := f.payload.(protocol.ToolInvocation); ok && inv.CallID != "call-1" {
			t.Errorf("invocation call id = %q, want call-1", inv.CallID)
		}
	}
	conn.mu.Unlock()

	history := o.History()
	found := false
	for _, msg := range history {
		if msg.Role == models.RoleTool && msg.Content == `{"color":"red"}` {
			found = true
		}
	}
	if !found {
		t.Fatalf("client tool result missing from history: %+v", history)
	}
	if resp := conn.lastResponse(t); resp.Content != "it is red" {
		t.Fatalf("unexpected terminal response: %+v", resp)
	}
}

func TestClientToolResultValidation(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{ToolCallEvent(models.ToolCall{ID: "call-1", Name: "pick_color", Args: json.RawMessage(`{}`)})},
		{TextEvent("sorry", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{})

	go func() {
		inv := <-conn.invocations
		o.ResolveToolResult(protocol.ToolResult{
			ToolID: inv.ToolID,
			CallID: inv.CallID,
			Result: json.RawMessage(`{"hue":12}`),
		})
	}()

	o.runUserTurn(context.Background(), "what color?")

	history := o.History()
	var toolMsg string
	for _, msg := range history {
		if msg.Role == models.RoleTool {
			toolMsg = msg.Content
		}
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(toolMsg), &decoded); err != nil {
		t.Fatalf("rejection is not JSON: %v", err)
	}
	if !strings.HasPrefix(decoded["error"], "Result validation failed") {
		t.Fatalf("unexpected rejection message %q", decoded["error"])
	}
}

func TestClientToolError(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{ToolCallEvent(models.ToolCall{ID: "call-1", Name: "pick_color", Args: json.RawMessage(`{}`)})},
		{TextEvent("could not pick", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{})

	go func() {
		inv := <-conn.invocations
		o.ResolveToolError(protocol.ToolError{
			ToolID:  inv.ToolID,
			CallID:  inv.CallID,
			Message: "picker crashed",
		})
	}()

	o.runUserTurn(context.Background(), "what color?")

	history := o.History()
	found := false
	for _, msg := range history {
		if msg.Role == models.RoleTool && msg.Content == "Error: picker crashed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool error missing from history: %+v", history)
	}
}

func TestClientToolTimeout(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{ToolCallEvent(models.ToolCall{ID: "call-1", Name: "pick_color", Args: json.RawMessage(`{}`)})},
		{TextEvent("gave up", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{DefaultToolTimeout: 50 * time.Millisecond})

	o.runUserTurn(context.Background(), "what color?")

	history := o.History()
	found := false
	for _, msg := range history {
		if msg.Role == models.RoleTool && msg.Content == "Error: Tool Timeout (50ms)" {
			found = true
		}
	}
	if !found {
		t.Fatalf("timeout message missing from history: %+v", history)
	}

	// A late reply must be dropped, not delivered.
	o.ResolveToolResult(protocol.ToolResult{ToolID: "pick_color", CallID: "call-1", Result: json.RawMessage(`{"color":"red"}`)})
}

func TestServerToolPanicFoldedIntoHistory(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{ToolCallEvent(models.ToolCall{ID: "call-1", Name: "explode", Args: json.RawMessage(`{}`)})},
		{TextEvent("that went badly", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{})

	o.runUserTurn(context.Background(), "try it")

	history := o.History()
	found := false
	for _, msg := range history {
		if msg.Role == models.RoleTool && msg.Content == "Error: tool panicked: handler exploded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic not folded into history: %+v", history)
	}

	// The loop must survive the panic and let the model answer.
	if provider.calls != 2 {
		t.Fatalf("expected a second provider turn, got %d", provider.calls)
	}
	if resp := conn.lastResponse(t); resp.Content != "that went badly" || !resp.Done {
		t.Fatalf("unexpected terminal response: %+v", resp)
	}
}

// overlapStore flags any two Save calls that run concurrently.
type overlapStore struct {
	active  atomic.Int32
	overlap atomic.Bool
	saves   atomic.Int32
}

func (s *overlapStore) Load(context.Context, string) (*sessions.State, error) {
	return nil, sessions.ErrNotFound
}

func (s *overlapStore) Save(context.Context, string, *sessions.State) error {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	s.active.Add(-1)
	s.saves.Add(1)
	return nil
}

func (s *overlapStore) Delete(context.Context, string) error { return nil }

func TestPersistSerializedPerSession(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{ToolCallEvent(models.ToolCall{ID: "c1", Name: "echo", Args: json.RawMessage(`{}`)})},
		{ToolCallEvent(models.ToolCall{ID: "c2", Name: "echo", Args: json.RawMessage(`{}`)})},
		{TextEvent("done", true)},
	}}
	store := &overlapStore{}
	o := New(Config{}, conn, provider, newTestRegistry(t), store, nil, nil, nil)
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Context updates persist from the gateway read goroutine while the
	// worker persists mid-loop; saves must never interleave.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			o.HandleContextUpdate(context.Background(), models.ClientContext{PageID: "home"})
		}
	}()
	o.runUserTurn(context.Background(), "go")
	wg.Wait()

	if store.overlap.Load() {
		t.Fatal("two saves for one session ran concurrently")
	}
	if store.saves.Load() == 0 {
		t.Fatal("no saves observed")
	}
}

func TestGhostExecutionVeto(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{ToolCallEvent(models.ToolCall{ID: "call-1", Name: "submit_form", Args: json.RawMessage(`{}`)})},
		{TextEvent("understood", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{})

	// submit_form requires the checkout page; the live context says home.
	o.HandleContextUpdate(context.Background(), models.ClientContext{PageID: "home"})

	o.runUserTurn(context.Background(), "submit it")

	history := o.History()
	found := false
	for _, msg := range history {
		if msg.Role == models.RoleTool && msg.Content == ghostExecutionMessage {
			found = true
		}
	}
	if !found {
		t.Fatalf("ghost veto missing from history: %+v", history)
	}

	// The client must never have been asked to run it.
	select {
	case inv := <-conn.invocations:
		t.Fatalf("unexpected invocation dispatched: %+v", inv)
	default:
	}
}

func TestTurnLimit(t *testing.T) {
	loop := []Event{ToolCallEvent(models.ToolCall{ID: "call-n", Name: "echo", Args: json.RawMessage(`{}`)})}
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{loop, loop, loop, loop, loop, loop}}
	o := newTestOrchestrator(t, conn, provider, Config{MaxTurns: 3})

	o.runUserTurn(context.Background(), "loop forever")

	if provider.calls != 3 {
		t.Fatalf("expected 3 provider turns, got %d", provider.calls)
	}
	resp := conn.lastResponse(t)
	if resp.Content != turnLimitMessage || !resp.Done {
		t.Fatalf("unexpected terminal response: %+v", resp)
	}
}

func TestContextFilteringPerTurn(t *testing.T) {
	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{
		{TextEvent("ok", true)},
	}}
	o := newTestOrchestrator(t, conn, provider, Config{})

	o.HandleContextUpdate(context.Background(), models.ClientContext{PageID: "checkout"})
	o.runUserTurn(context.Background(), "hello")

	if len(provider.defs) != 1 {
		t.Fatalf("expected one provider turn, got %d", len(provider.defs))
	}
	names := make(map[string]bool)
	for _, def := range provider.defs[0] {
		names[def.Name] = true
	}
	if !names["submit_form"] {
		t.Fatal("submit_form should be visible on the checkout page")
	}

	// Off the checkout page the tool disappears from the next turn.
	o.HandleContextUpdate(context.Background(), models.ClientContext{PageID: "home"})
	o.runUserTurn(context.Background(), "hello again")
	names = make(map[string]bool)
	for _, def := range provider.defs[1] {
		names[def.Name] = true
	}
	if names["submit_form"] {
		t.Fatal("submit_form should be hidden off the checkout page")
	}
}

func TestContextUpdateSendsSync(t *testing.T) {
	conn := newFakeConn()
	o := newTestOrchestrator(t, conn, &fakeProvider{}, Config{})

	o.HandleContextUpdate(context.Background(), models.ClientContext{PageID: "checkout"})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	var ack *protocol.ContextSync
	for _, f := range conn.frames {
		if s, ok := f.payload.(protocol.ContextSync); ok {
			ack = &s
		}
	}
	if ack == nil {
		t.Fatal("no context_sync sent")
	}
	if ack.Context.PageID != "checkout" {
		t.Fatalf("sync carries wrong context: %+v", ack.Context)
	}
	found := false
	for _, name := range ack.AvailableTools {
		if name == "submit_form" {
			found = true
		}
	}
	if !found {
		t.Fatalf("submit_form missing from available tools: %v", ack.AvailableTools)
	}
}

func TestSessionRestore(t *testing.T) {
	store := sessions.NewMemoryStore()
	ctx := context.Background()
	err := store.Save(ctx, "test-session", &sessions.State{
		Context: models.ClientContext{PageID: "checkout"},
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "earlier question"},
			{Role: models.RoleAssistant, Content: "earlier answer"},
		},
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	conn := newFakeConn()
	provider := &fakeProvider{turns: [][]Event{{TextEvent("later answer", true)}}}
	o := New(Config{}, conn, provider, newTestRegistry(t), store, nil, nil, nil)
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if got := o.Context().PageID; got != "checkout" {
		t.Fatalf("restored context page = %q", got)
	}
	if len(o.History()) != 3 {
		t.Fatalf("restored history has %d messages", len(o.History()))
	}

	o.runUserTurn(ctx, "later question")
	if len(provider.history) != 1 || len(provider.history[0]) != 4 {
		t.Fatalf("provider did not see restored history: %+v", provider.history)
	}
}

func TestInboxOverflow(t *testing.T) {
	conn := newFakeConn()
	o := newTestOrchestrator(t, conn, &fakeProvider{}, Config{InboxSize: 1})

	// Worker not running, so the second message cannot be queued.
	o.HandleUserMessage("first")
	o.HandleUserMessage("second")

	resp := conn.lastResponse(t)
	if !resp.Done || !strings.HasPrefix(resp.Content, "Error:") {
		t.Fatalf("expected terminal error response, got %+v", resp)
	}
}
