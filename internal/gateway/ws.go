package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/toolbridge/toolbridge/internal/agent"
	"github.com/toolbridge/toolbridge/internal/protocol"
	"github.com/toolbridge/toolbridge/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsWriteWait       = 10 * time.Second
)

type wsHandler struct {
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	allowed := s.cfg.Server.AllowedOrigins
	return &wsHandler{
		server: s,
		logger: s.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowed {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

// resolveSessionID determines which session a request binds to. With auth
// enabled the token is the only accepted source; otherwise the client may
// name a session to resume, or gets a fresh one.
func (h *wsHandler) resolveSessionID(r *http.Request) (string, error) {
	if h.server.jwt != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			header := r.Header.Get("Authorization")
			token = strings.TrimPrefix(header, "Bearer ")
			if token == header {
				token = ""
			}
		}
		if token == "" {
			return "", fmt.Errorf("missing token")
		}
		return h.server.jwt.Validate(token)
	}

	if id := r.URL.Query().Get("session"); id != "" {
		return id, nil
	}
	return uuid.NewString(), nil
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.resolveSessionID(r)
	if err != nil {
		h.logger.Warn("connection rejected", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &wsSession{
		server:    h.server,
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		logger:    h.logger.With("session", sessionID),
	}

	orch := agent.New(agent.Config{
		SystemPrompt:       h.server.cfg.Agent.SystemPrompt,
		DefaultToolTimeout: h.server.cfg.Agent.ToolTimeout,
		MaxTurns:           h.server.cfg.Agent.MaxTurns,
	}, session, h.server.provider, h.server.registry, h.server.store, h.server.logger, h.server.metrics, h.server.tracer)
	session.orch = orch

	if err := orch.Initialize(ctx); err != nil {
		session.logger.Error("session init failed", "error", err)
		_ = conn.Close()
		cancel()
		return
	}
	orch.Run(ctx)

	connID := uuid.NewString()
	h.server.addSession(connID, session)
	defer h.server.removeSession(connID)

	if h.server.metrics != nil {
		h.server.metrics.ActiveSessions.Inc()
		defer h.server.metrics.ActiveSessions.Dec()
	}
	session.logger.Info("client connected", "remote", r.RemoteAddr, "conn", connID)
	session.run()
	session.logger.Info("client disconnected", "conn", connID)
}

// wsSession is one live connection. It implements agent.Conn: the
// orchestrator talks to the client only through Send.
type wsSession struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
	orch      *agent.Orchestrator
	closeOnce sync.Once
}

// SessionID returns the id this connection is bound to.
func (s *wsSession) SessionID() string {
	return s.sessionID
}

// Send enqueues an outbound frame. A full buffer is an error rather than a
// block: a slow client must not stall the agent loop.
func (s *wsSession) Send(event string, payload any) error {
	data, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.orch.Close()
		_ = s.conn.Close()
	})
}

func (s *wsSession) readLoop() {
	heartbeat := s.server.cfg.Server.HeartbeatInterval
	pongWait := heartbeat * 3

	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleFrame(data)
	}
}

// handleFrame validates and routes one inbound frame. Invalid frames are
// counted, logged, and dropped; they never reach the orchestrator.
func (s *wsSession) handleFrame(data []byte) {
	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		s.logger.Warn("dropping invalid frame", "error", err)
		s.countFrame("invalid", "invalid")
		return
	}
	s.countFrame(frame.Event, "ok")

	switch frame.Event {
	case protocol.EventContextUpdate:
		var cc models.ClientContext
		if err := json.Unmarshal(frame.Payload, &cc); err != nil {
			s.logger.Warn("dropping malformed context payload", "error", err)
			return
		}
		s.orch.HandleContextUpdate(s.ctx, cc)

	case protocol.EventUserMessage:
		var msg protocol.UserMessage
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			s.logger.Warn("dropping malformed user message", "error", err)
			return
		}
		s.orch.HandleUserMessage(msg.Content)

	case protocol.EventToolResult:
		var res protocol.ToolResult
		if err := json.Unmarshal(frame.Payload, &res); err != nil {
			s.logger.Warn("dropping malformed tool result", "error", err)
			return
		}
		s.orch.ResolveToolResult(res)

	case protocol.EventToolError:
		var te protocol.ToolError
		if err := json.Unmarshal(frame.Payload, &te); err != nil {
			s.logger.Warn("dropping malformed tool error", "error", err)
			return
		}
		s.orch.ResolveToolError(te)
	}
}

func (s *wsSession) countFrame(event, status string) {
	if s.server.metrics != nil {
		s.server.metrics.FrameCounter.WithLabelValues(event, status).Inc()
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(s.server.cfg.Server.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}
