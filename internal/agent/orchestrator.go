package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/toolbridge/toolbridge/internal/observability"
	"github.com/toolbridge/toolbridge/internal/protocol"
	"github.com/toolbridge/toolbridge/internal/sessions"
	"github.com/toolbridge/toolbridge/internal/tools"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// ghostExecutionMessage is fed to the model when a tool call arrives for a
// tool the current context no longer admits. It is model-facing prose, not a
// wire error, so the model can recover gracefully.
const ghostExecutionMessage = "Error: User is no longer on the valid page. The tool cannot be executed in the current context."

// turnLimitMessage is the terminal response when the reasoning loop hits its
// turn cap without the model finishing on its own.
const turnLimitMessage = "Turn limit reached"

// Conn is the orchestrator's view of the duplex channel. The gateway owns the
// real socket; Send must be safe for concurrent use.
type Conn interface {
	SessionID() string
	Send(event string, payload any) error
}

// Config tunes one orchestrator.
type Config struct {
	// SystemPrompt seeds new sessions. Empty means no system message.
	SystemPrompt string

	// DefaultToolTimeout bounds client tool round-trips and server handler
	// execution when the tool does not declare its own. Defaults to 30s.
	DefaultToolTimeout time.Duration

	// MaxTurns caps provider turns per user message. Defaults to 5.
	MaxTurns int

	// InboxSize bounds queued user messages. Defaults to 64.
	InboxSize int
}

func (c *Config) applyDefaults() {
	if c.DefaultToolTimeout <= 0 {
		c.DefaultToolTimeout = 30 * time.Second
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 5
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
}

// toolReply is what arrives on a call's waiter channel when the client
// answers a tool invocation.
type toolReply struct {
	result json.RawMessage
	errMsg string
	isErr  bool
}

// Orchestrator runs one session: it owns the session's live context and
// history, serializes user messages through a single worker, drives the
// bounded provider loop, and correlates client tool round-trips by call id.
type Orchestrator struct {
	cfg      Config
	conn     Conn
	provider Provider
	registry *tools.Registry
	store    sessions.Store
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	// mu guards the live context and history.
	mu       sync.Mutex
	current  models.ClientContext
	messages []models.ChatMessage

	// waiterMu guards waiters. Each pending client tool call holds a
	// one-shot channel keyed by its wire call id.
	waiterMu sync.Mutex
	waiters  map[string]chan toolReply

	// persistMu serializes store writes. Context updates persist from the
	// gateway read goroutine while the worker persists mid-loop; holding
	// this across snapshot and save keeps the durable copy in snapshot
	// order.
	persistMu sync.Mutex

	inbox     chan string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an orchestrator for one connection. Call Initialize before Run.
func New(cfg Config, conn Conn, provider Provider, registry *tools.Registry, store sessions.Store, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		conn:     conn,
		provider: provider,
		registry: registry,
		store:    store,
		logger:   logger.With("component", "agent.orchestrator", "session", conn.SessionID()),
		metrics:  metrics,
		tracer:   tracer,
		waiters:  make(map[string]chan toolReply),
		inbox:    make(chan string, cfg.InboxSize),
		done:     make(chan struct{}),
	}
}

// Initialize restores persisted state for the session id, or seeds a fresh
// history. When a previous session is resumed the client is sent a
// context_sync carrying the server's restored view so both sides agree on
// what the model currently sees.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.store == nil {
		o.seedHistory()
		return nil
	}

	state, err := o.store.Load(ctx, o.conn.SessionID())
	switch {
	case err == nil:
		o.mu.Lock()
		o.current = state.Context.Clone()
		o.messages = append([]models.ChatMessage(nil), state.Messages...)
		o.mu.Unlock()
		o.logger.Info("session restored", "messages", len(state.Messages))
		o.sendContextSync(state.Context.Clone())
		return nil
	case errors.Is(err, sessions.ErrNotFound):
		o.seedHistory()
		o.persist(ctx)
		return nil
	default:
		// Storage trouble must not block the session; start fresh and
		// keep the error visible.
		o.logger.Error("session load failed, starting fresh", "error", err)
		if o.metrics != nil {
			o.metrics.StorageErrorCounter.Inc()
		}
		o.seedHistory()
		return nil
	}
}

func (o *Orchestrator) seedHistory() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = nil
	if o.cfg.SystemPrompt != "" {
		o.messages = []models.ChatMessage{{Role: models.RoleSystem, Content: o.cfg.SystemPrompt}}
	}
}

// Run starts the session worker. It returns immediately; the worker exits
// when Close is called or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.done:
				return
			case <-ctx.Done():
				return
			case content := <-o.inbox:
				o.runUserTurn(ctx, content)
			}
		}
	}()
}

// Close stops the worker and releases every pending tool waiter.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
	o.wg.Wait()
}

// HandleContextUpdate replaces the session's context wholesale, persists the
// new state, and acknowledges with a context_sync listing the tools now
// visible. Partial updates are not supported on the wire; merging scoped
// contexts is a client concern.
func (o *Orchestrator) HandleContextUpdate(ctx context.Context, cc models.ClientContext) {
	o.mu.Lock()
	o.current = cc.Clone()
	o.mu.Unlock()

	o.logger.Debug("context updated", "page_id", cc.PageID, "capabilities", len(cc.Capabilities))
	o.persist(ctx)
	o.sendContextSync(cc)
}

func (o *Orchestrator) sendContextSync(cc models.ClientContext) {
	ack := protocol.ContextSync{
		Context:        cc,
		AvailableTools: o.registry.NamesForContext(cc),
	}
	if err := o.conn.Send(protocol.EventContextSync, ack); err != nil {
		o.logger.Warn("context_sync send failed", "error", err)
	}
}

// HandleUserMessage queues a user message for the session worker. Messages
// sent while a turn is in flight run after it, in arrival order. When the
// queue is full the message is dropped and the client told so immediately.
func (o *Orchestrator) HandleUserMessage(content string) {
	select {
	case o.inbox <- content:
	default:
		o.logger.Warn("inbox full, rejecting user message")
		o.sendResponse(protocol.AgentResponse{
			Content: "Error: too many queued messages, please wait for the current response",
			Done:    true,
		})
	}
}

// ResolveToolResult delivers a client tool result to its waiter. Unknown or
// already-settled call ids are logged and dropped; the timeout path may have
// reclaimed the waiter first.
func (o *Orchestrator) ResolveToolResult(res protocol.ToolResult) {
	o.deliver(res.CallID, toolReply{result: res.Result})
}

// ResolveToolError delivers a client tool failure to its waiter.
func (o *Orchestrator) ResolveToolError(te protocol.ToolError) {
	o.deliver(te.CallID, toolReply{errMsg: te.Message, isErr: true})
}

func (o *Orchestrator) deliver(callID string, reply toolReply) {
	o.waiterMu.Lock()
	ch, ok := o.waiters[callID]
	if ok {
		delete(o.waiters, callID)
	}
	o.waiterMu.Unlock()

	if !ok {
		o.logger.Warn("reply for unknown call id", "call_id", callID)
		return
	}
	ch <- reply
}

// runUserTurn is the reasoning loop for one user message.
func (o *Orchestrator) runUserTurn(ctx context.Context, content string) {
	ctx, span := o.tracer.Start(ctx, "agent.user_turn",
		attribute.String("session.id", o.conn.SessionID()))
	defer span.End()

	o.appendMessage(models.ChatMessage{Role: models.RoleUser, Content: content})
	o.persist(ctx)

	for turn := 0; turn < o.cfg.MaxTurns; turn++ {
		o.mu.Lock()
		history := append([]models.ChatMessage(nil), o.messages...)
		cc := o.current.Clone()
		o.mu.Unlock()

		defs := o.registry.ForContext(cc)

		start := time.Now()
		events, err := o.provider.Run(ctx, history, defs)
		status := "ok"
		if err == nil {
			for _, ev := range events {
				if ev.Err != nil {
					err = ev.Err
					break
				}
			}
		}
		if err != nil {
			status = "error"
		}
		if o.metrics != nil {
			o.metrics.ProviderTurnDuration.WithLabelValues(o.provider.Name(), status).
				Observe(time.Since(start).Seconds())
		}
		if err != nil {
			o.logger.Error("provider turn failed", "turn", turn, "error", err)
			o.sendResponse(protocol.AgentResponse{
				Content: "Error: " + err.Error(),
				Done:    true,
			})
			return
		}

		text, suggested, calls := partition(events)

		if len(calls) == 0 {
			o.appendMessage(models.ChatMessage{Role: models.RoleAssistant, Content: text})
			o.persist(ctx)
			o.sendResponse(protocol.AgentResponse{
				Content:          text,
				Done:             true,
				SuggestedActions: suggested,
			})
			return
		}

		// Tool turn: stream any accompanying text, record the assistant
		// message with its calls, then settle each call in order before
		// the model sees the history again.
		if text != "" {
			o.sendResponse(protocol.AgentResponse{Content: text, Done: false})
		}
		o.appendMessage(models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		o.persist(ctx)

		for _, call := range calls {
			outcome := o.dispatch(ctx, call)
			o.appendMessage(models.ChatMessage{
				Role:       models.RoleTool,
				Content:    outcome,
				ToolCallID: call.ID,
			})
			o.persist(ctx)
		}
	}

	o.logger.Warn("turn limit reached", "max_turns", o.cfg.MaxTurns)
	o.sendResponse(protocol.AgentResponse{Content: turnLimitMessage, Done: true})
}

// partition splits a provider turn into its text, the suggested actions off
// the last text event that carried any, and the ordered tool calls. Calls the
// provider left without an id get a generated one; the history entry and the
// wire invocation must carry the same id.
func partition(events []Event) (text string, suggested []string, calls []models.ToolCall) {
	var parts []string
	for _, ev := range events {
		switch {
		case ev.IsText:
			if ev.Text != "" {
				parts = append(parts, ev.Text)
			}
			if len(ev.SuggestedActions) > 0 {
				suggested = ev.SuggestedActions
			}
		case ev.ToolCall != nil:
			call := *ev.ToolCall
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			calls = append(calls, call)
		}
	}
	return strings.Join(parts, ""), suggested, calls
}

// dispatch settles one tool call and returns the tool message content the
// model will see. Availability is re-checked against the live context here,
// not the snapshot the provider saw: a context update that raced the model
// turn must veto execution.
func (o *Orchestrator) dispatch(ctx context.Context, call models.ToolCall) string {
	ctx, span := o.tracer.Start(ctx, "agent.tool_dispatch",
		attribute.String("tool.name", call.Name))
	defer span.End()

	o.mu.Lock()
	cc := o.current.Clone()
	o.mu.Unlock()

	def, ok := o.registry.ByName(call.Name)
	if !ok || !def.Available(cc) {
		o.logger.Warn("vetoed tool call for stale context", "tool", call.Name, "page_id", cc.PageID)
		o.countDispatch(call.Name, def, "ghost")
		return ghostExecutionMessage
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultToolTimeout
	}

	start := time.Now()
	var outcome string
	var status string
	if def.Side == tools.SideServer {
		outcome, status = o.runServerTool(ctx, def, call, cc, timeout)
	} else {
		outcome, status = o.runClientTool(ctx, def, call, timeout)
	}

	if o.metrics != nil {
		o.metrics.ToolDispatchCounter.WithLabelValues(call.Name, string(def.Side), status).Inc()
		o.metrics.ToolDispatchDuration.WithLabelValues(call.Name, string(def.Side)).
			Observe(time.Since(start).Seconds())
	}
	return outcome
}

func (o *Orchestrator) countDispatch(name string, def *tools.Definition, status string) {
	if o.metrics == nil {
		return
	}
	side := "unknown"
	if def != nil {
		side = string(def.Side)
	}
	o.metrics.ToolDispatchCounter.WithLabelValues(name, side, status).Inc()
}

func (o *Orchestrator) runServerTool(ctx context.Context, def *tools.Definition, call models.ToolCall, cc models.ClientContext, timeout time.Duration) (outcome string, status string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A panicking handler must read like any other failed dispatch: the
	// model gets the error entry and the loop keeps running.
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("server tool panicked", "tool", call.Name, "panic", r)
			outcome, status = fmt.Sprintf("Error: tool panicked: %v", r), "error"
		}
	}()

	result, err := def.Handler(ctx, call.Args, cc)
	if err != nil {
		o.logger.Warn("server tool failed", "tool", call.Name, "error", err)
		return "Error: " + err.Error(), "error"
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		o.logger.Error("server tool result not serializable", "tool", call.Name, "error", err)
		return "Error: tool result could not be serialized", "error"
	}
	return string(encoded), "ok"
}

// runClientTool performs one client round-trip: register a waiter, emit
// tool_invocation, and race the reply against the timeout. The wire call id
// is the provider's own so the history entry and the invocation correlate;
// a provider that omits ids gets a generated one.
func (o *Orchestrator) runClientTool(ctx context.Context, def *tools.Definition, call models.ToolCall, timeout time.Duration) (string, string) {
	callID := call.ID
	ch := make(chan toolReply, 1)
	o.waiterMu.Lock()
	o.waiters[callID] = ch
	o.waiterMu.Unlock()

	inv := protocol.ToolInvocation{ToolID: call.Name, CallID: callID, Params: call.Args}
	if err := o.conn.Send(protocol.EventToolInvocation, inv); err != nil {
		o.waiterMu.Lock()
		delete(o.waiters, callID)
		o.waiterMu.Unlock()
		o.logger.Error("tool_invocation send failed", "tool", call.Name, "error", err)
		return "Error: " + err.Error(), "error"
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.isErr {
			o.logger.Warn("client tool failed", "tool", call.Name, "call_id", callID, "message", reply.errMsg)
			return "Error: " + reply.errMsg, "error"
		}
		validated, err := o.registry.ValidateResult(call.Name, reply.result)
		if err != nil {
			o.logger.Warn("client tool result rejected", "tool", call.Name, "call_id", callID, "error", err)
			encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
			return string(encoded), "error"
		}
		if len(validated) == 0 {
			return "null", "ok"
		}
		return string(validated), "ok"

	case <-timer.C:
		o.waiterMu.Lock()
		delete(o.waiters, callID)
		o.waiterMu.Unlock()
		o.logger.Warn("client tool timed out", "tool", call.Name, "call_id", callID, "timeout", timeout)
		return fmt.Sprintf("Error: Tool Timeout (%dms)", timeout.Milliseconds()), "timeout"

	case <-o.done:
		o.waiterMu.Lock()
		delete(o.waiters, callID)
		o.waiterMu.Unlock()
		return "Error: session closed", "error"

	case <-ctx.Done():
		o.waiterMu.Lock()
		delete(o.waiters, callID)
		o.waiterMu.Unlock()
		return "Error: " + ctx.Err().Error(), "error"
	}
}

func (o *Orchestrator) appendMessage(msg models.ChatMessage) {
	o.mu.Lock()
	o.messages = append(o.messages, msg)
	o.mu.Unlock()
}

// persist snapshots the session into the store. Failures are logged and
// counted, never fatal: losing durability must not kill a live conversation.
func (o *Orchestrator) persist(ctx context.Context) {
	if o.store == nil {
		return
	}
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.Lock()
	state := &sessions.State{
		Context:  o.current.Clone(),
		Messages: append([]models.ChatMessage(nil), o.messages...),
	}
	o.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.Save(saveCtx, o.conn.SessionID(), state); err != nil {
		o.logger.Error("session save failed", "error", err)
		if o.metrics != nil {
			o.metrics.StorageErrorCounter.Inc()
		}
	}
}

func (o *Orchestrator) sendResponse(resp protocol.AgentResponse) {
	if err := o.conn.Send(protocol.EventAgentResponse, resp); err != nil {
		o.logger.Warn("agent_response send failed", "error", err)
	}
}

// Context returns a snapshot of the session's live client context.
func (o *Orchestrator) Context() models.ClientContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.Clone()
}

// History returns a snapshot of the conversation history.
func (o *Orchestrator) History() []models.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.ChatMessage(nil), o.messages...)
}
