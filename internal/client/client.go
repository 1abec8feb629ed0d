// Package client is the Go client runtime for the toolbridge protocol: it
// maintains the duplex connection, reports scoped context, and executes the
// tool invocations the server dispatches to this side of the wire.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolbridge/toolbridge/internal/protocol"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Executor runs one client-side tool locally.
type Executor func(ctx context.Context, params json.RawMessage) (any, error)

// Config configures a client.
type Config struct {
	// URL is the server's WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// Token authenticates the connection when the server requires it.
	Token string

	// SessionID resumes a named session on servers with auth disabled.
	SessionID string

	// ReconnectDelay is the pause between reconnect attempts (default 5s).
	ReconnectDelay time.Duration

	// DefaultToolTimeout bounds local executor runs (default 30s). The
	// server enforces its own deadline; this one keeps a hung executor
	// from pinning the invocation forever on this side.
	DefaultToolTimeout time.Duration

	// MaxConcurrentExecutions bounds parallel tool executions (default 4).
	MaxConcurrentExecutions int

	// OnResponse receives every agent_response frame.
	OnResponse func(protocol.AgentResponse)

	// OnContextSync receives every context_sync acknowledgement.
	OnContextSync func(protocol.ContextSync)
}

// Client is a toolbridge protocol client. It is safe for concurrent use.
type Client struct {
	config Config
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	executors map[string]Executor
	connected bool

	scopes *ScopeStore
	send   chan []byte
	done   chan struct{}
}

// New creates a client. Register executors and scopes before Run so the
// first connection starts with the full picture.
func New(config Config, logger *slog.Logger) *Client {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.DefaultToolTimeout == 0 {
		config.DefaultToolTimeout = 30 * time.Second
	}
	if config.MaxConcurrentExecutions == 0 {
		config.MaxConcurrentExecutions = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    config,
		logger:    logger.With("component", "client"),
		executors: make(map[string]Executor),
		scopes:    NewScopeStore(),
	}
}

// RegisterExecutor binds a local executor to a tool id. Re-registering the
// same id replaces the previous executor; re-registering the identical
// function is a no-op, so callers can register idempotently on every render
// or reconnect.
func (c *Client) RegisterExecutor(toolID string, fn Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, exists := c.executors[toolID]; exists {
		if reflect.ValueOf(prev).Pointer() == reflect.ValueOf(fn).Pointer() {
			return
		}
		c.logger.Warn("replacing executor", "tool", toolID)
	}
	c.executors[toolID] = fn
}

// UnregisterExecutor removes a tool's local executor. Invocations that arrive
// afterwards are answered with the version-skew error.
func (c *Client) UnregisterExecutor(toolID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.executors, toolID)
}

// SetScope updates one scope's context contribution and pushes the merged
// context to the server.
func (c *Client) SetScope(scope string, cc models.ClientContext) error {
	c.scopes.Set(scope, cc)
	return c.pushContext()
}

// ClearScope removes a scope and pushes the merged context.
func (c *Client) ClearScope(scope string) error {
	c.scopes.Clear(scope)
	return c.pushContext()
}

// SendMessage submits a user message to the agent.
func (c *Client) SendMessage(content string) error {
	return c.sendFrame(protocol.EventUserMessage, protocol.UserMessage{Content: content})
}

func (c *Client) pushContext() error {
	if !c.isConnected() {
		// Connection setup replays the merged context.
		return nil
	}
	return c.sendFrame(protocol.EventContextUpdate, c.scopes.Merged())
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) sendFrame(event string, payload any) error {
	data, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	send := c.send
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return fmt.Errorf("not connected")
	}
	select {
	case send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Run connects and serves until ctx is cancelled, reconnecting after
// connection loss. Each new connection reports the merged context before
// anything else, so the server never runs tools against a stale view.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.logger.Info("connecting", "url", c.config.URL)
		if err := c.connect(ctx); err != nil {
			c.logger.Error("connection failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.ReconnectDelay):
			}
			continue
		}

		c.serve(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.ReconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	url := c.config.URL
	switch {
	case c.config.Token != "":
		url += "?token=" + c.config.Token
	case c.config.SessionID != "":
		url += "?session=" + c.config.SessionID
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, 64)
	c.done = make(chan struct{})
	c.connected = true
	c.mu.Unlock()

	// First frame on every connection is the current merged context.
	if err := c.sendFrame(protocol.EventContextUpdate, c.scopes.Merged()); err != nil {
		c.logger.Warn("initial context push failed", "error", err)
	}
	return nil
}

// serve runs the read and write pumps until the connection drops.
func (c *Client) serve(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	send := c.send
	done := c.done
	c.mu.RUnlock()

	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		})
	}
	defer closeConn()

	go func() {
		for {
			select {
			case <-ctx.Done():
				closeConn()
				return
			case <-done:
				return
			case msg := <-send:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					closeConn()
					return
				}
			}
		}
	}()

	sem := make(chan struct{}, c.config.MaxConcurrentExecutions)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Info("connection closed", "error", err)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handleFrame(ctx, frame, sem)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame protocol.Frame, sem chan struct{}) {
	switch frame.Event {
	case protocol.EventAgentResponse:
		var resp protocol.AgentResponse
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			c.logger.Warn("dropping malformed agent response", "error", err)
			return
		}
		if c.config.OnResponse != nil {
			c.config.OnResponse(resp)
		}

	case protocol.EventContextSync:
		var ack protocol.ContextSync
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			c.logger.Warn("dropping malformed context sync", "error", err)
			return
		}
		if c.config.OnContextSync != nil {
			c.config.OnContextSync(ack)
		}

	case protocol.EventToolInvocation:
		var inv protocol.ToolInvocation
		if err := json.Unmarshal(frame.Payload, &inv); err != nil {
			c.logger.Warn("dropping malformed tool invocation", "error", err)
			return
		}
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			c.execute(ctx, inv)
		}()

	default:
		c.logger.Debug("ignoring unexpected event", "event", frame.Event)
	}
}

// execute runs one tool invocation and reports the outcome. A tool the
// client does not carry, which happens when the server rolls out tools ahead
// of client releases, is answered with a version-skew error.
func (c *Client) execute(ctx context.Context, inv protocol.ToolInvocation) {
	c.mu.RLock()
	executor, ok := c.executors[inv.ToolID]
	c.mu.RUnlock()

	if !ok {
		c.logger.Warn("no executor for tool", "tool", inv.ToolID, "call_id", inv.CallID)
		c.sendError(inv, fmt.Sprintf("Tool '%s' is not available in the current client version", inv.ToolID))
		return
	}

	result, err := c.runExecutor(ctx, executor, inv.Params)
	if err != nil {
		c.logger.Warn("executor failed", "tool", inv.ToolID, "call_id", inv.CallID, "error", err)
		c.sendError(inv, err.Error())
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		c.sendError(inv, fmt.Sprintf("result not serializable: %v", err))
		return
	}
	if err := c.sendFrame(protocol.EventToolResult, protocol.ToolResult{
		ToolID: inv.ToolID,
		CallID: inv.CallID,
		Result: encoded,
	}); err != nil {
		c.logger.Warn("tool result send failed", "tool", inv.ToolID, "error", err)
	}
}

// runExecutor races the executor against the local timeout. A panicking or
// hung executor costs one goroutine, never the connection.
func (c *Client) runExecutor(ctx context.Context, executor Executor, params json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.DefaultToolTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		result, err := executor(ctx, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("Tool Timeout (%dms)", c.config.DefaultToolTimeout.Milliseconds())
		}
		return nil, ctx.Err()
	}
}

func (c *Client) sendError(inv protocol.ToolInvocation, message string) {
	if err := c.sendFrame(protocol.EventToolError, protocol.ToolError{
		ToolID:  inv.ToolID,
		CallID:  inv.CallID,
		Message: message,
	}); err != nil {
		c.logger.Warn("tool error send failed", "tool", inv.ToolID, "error", err)
	}
}
