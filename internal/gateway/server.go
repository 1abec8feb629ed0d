// Package gateway owns the outer surface of the toolbridge server: the HTTP
// listener, the WebSocket upgrade, and the per-connection session plumbing
// that feeds frames into an agent orchestrator.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/toolbridge/toolbridge/internal/agent"
	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/config"
	"github.com/toolbridge/toolbridge/internal/observability"
	"github.com/toolbridge/toolbridge/internal/sessions"
	"github.com/toolbridge/toolbridge/internal/tools"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Server hosts the duplex agent endpoint. Tools are registered on the server
// before Start; every connection shares the one registry but runs its own
// orchestrator.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *tools.Registry
	store    sessions.Store
	provider agent.Provider
	jwt      *auth.JWTService

	// sessMu guards sessions, the live connections keyed by connection id.
	// A session id can appear on several entries briefly when a client
	// reconnects before the old socket times out.
	sessMu   sync.RWMutex
	sessions map[string]*wsSession

	started    time.Time
	httpServer *http.Server
}

// NewServer wires a server from its dependencies. The jwt service may be nil
// when authentication is disabled.
func NewServer(cfg *config.Config, provider agent.Provider, store sessions.Store, jwtService *auth.JWTService, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		metrics:  metrics,
		tracer:   tracer,
		registry: tools.NewRegistry(logger),
		store:    store,
		provider: provider,
		jwt:      jwtService,
		sessions: make(map[string]*wsSession),
		started:  time.Now(),
	}
	s.registerBuiltins()
	return s
}

// Register adds one tool definition.
func (s *Server) Register(def *tools.Definition) error {
	return s.registry.Register(def)
}

// RegisterAll adds a batch of tool definitions.
func (s *Server) RegisterAll(defs []*tools.Definition) error {
	return s.registry.RegisterAll(defs)
}

// Use registers everything a router carries.
func (s *Server) Use(router *tools.Router) error {
	return s.registry.Use(router)
}

// Registry exposes the tool registry, mainly for tests.
func (s *Server) Registry() *tools.Registry {
	return s.registry
}

// registerBuiltins installs the tools every deployment gets. The model can
// always ask where the user currently is; the answer is the session's live
// context snapshot.
func (s *Server) registerBuiltins() {
	def := &tools.Definition{
		Name:        "get_current_context",
		Description: "Returns the client's current UI context: page, active tab, capabilities, and metadata.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		Side:        tools.SideServer,
		Handler: func(_ context.Context, _ json.RawMessage, cc models.ClientContext) (any, error) {
			return cc, nil
		},
	}
	if err := s.registry.Register(def); err != nil {
		s.logger.Error("builtin tool registration failed", "error", err)
	}
}

func (s *Server) addSession(connID string, session *wsSession) {
	s.sessMu.Lock()
	s.sessions[connID] = session
	s.sessMu.Unlock()
}

func (s *Server) removeSession(connID string) {
	s.sessMu.Lock()
	delete(s.sessions, connID)
	s.sessMu.Unlock()
}

// SessionCount returns the number of live connections.
func (s *Server) SessionCount() int {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return len(s.sessions)
}

// Handler builds the HTTP mux: the WebSocket endpoint, health, and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Server.Path, s.newWSHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"uptime_seconds":  int64(time.Since(s.started).Seconds()),
			"active_sessions": s.SessionCount(),
		})
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start runs the HTTP listener until ctx is cancelled, then drains with the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr, "path", s.cfg.Server.Path)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down", "active_sessions", s.SessionCount())

	// Shutdown does not touch hijacked connections; closing each session
	// rejects its pending tool waiters and stops its worker.
	s.sessMu.RLock()
	live := make([]*wsSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		live = append(live, session)
	}
	s.sessMu.RUnlock()
	for _, session := range live {
		session.close()
	}

	return s.httpServer.Shutdown(shutdownCtx)
}
