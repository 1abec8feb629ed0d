// Package main provides the CLI entry point for the toolbridge server.
//
// toolbridge hosts an LLM agent behind a persistent WebSocket channel. The
// server owns the tool registry and the reasoning loop; connected clients
// report their UI context and execute the tool calls dispatched to them.
//
// # Basic Usage
//
// Start the server:
//
//	toolbridge serve --config toolbridge.yaml
//
// Issue a session token (when auth is enabled):
//
//	toolbridge token --config toolbridge.yaml --session my-session
//
// # Environment Variables
//
// Secrets referenced from the config file as ${VAR} are expanded from the
// environment, e.g. ANTHROPIC_API_KEY, OPENAI_API_KEY, TOOLBRIDGE_JWT_SECRET.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolbridge/toolbridge/internal/agent/providers"
	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/config"
	"github.com/toolbridge/toolbridge/internal/gateway"
	"github.com/toolbridge/toolbridge/internal/observability"
	"github.com/toolbridge/toolbridge/internal/sessions"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolbridge",
		Short: "toolbridge - server-authoritative agent runtime",
		Long: `toolbridge hosts an LLM agent behind a persistent duplex channel.

The server owns the tool registry and the reasoning loop. Clients connect
over WebSocket, report their UI context, and execute the client-side tool
calls the agent dispatches to them.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolbridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics := observability.NewMetrics()
			tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
				ServiceName:    "toolbridge",
				ServiceVersion: version,
				Endpoint:       cfg.Tracing.Endpoint,
				SamplingRate:   cfg.Tracing.SamplingRate,
			})
			if err != nil {
				return fmt.Errorf("tracing setup failed: %w", err)
			}
			defer func() {
				if err := shutdownTracer(cmd.Context()); err != nil {
					logger.Warn("tracer shutdown failed", "error", err)
				}
			}()

			store, closeStore, err := buildStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			provider, err := providers.New(cfg.LLM.Provider, providers.Config{
				APIKey:    cfg.LLM.APIKey,
				BaseURL:   cfg.LLM.BaseURL,
				Model:     cfg.LLM.Model,
				MaxTokens: cfg.LLM.MaxTokens,
			})
			if err != nil {
				return err
			}

			var jwtService *auth.JWTService
			if cfg.Auth.Enabled {
				jwtService = auth.NewJWTService(cfg.Auth.JWTSecret, 24*time.Hour)
			}

			server := gateway.NewServer(cfg, provider, store, jwtService, logger, metrics, tracer)
			if err := registerExampleTools(server); err != nil {
				return err
			}

			logger.Info("starting toolbridge",
				"version", version,
				"provider", provider.Name(),
				"storage", cfg.Storage.Driver,
				"auth", cfg.Auth.Enabled,
			)
			return server.Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildStore(cfg *config.Config) (sessions.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return sessions.NewMemoryStore(), func() {}, nil
	}
}

func buildTokenCmd() *cobra.Command {
	var configPath string
	var sessionID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled {
				return fmt.Errorf("auth is disabled in this configuration")
			}
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}

			jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, 24*time.Hour)
			token, err := jwtService.Generate(sessionID)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id the token binds to")
	return cmd
}

// registerExampleTools installs the demo tool set the reference server
// ships with. Real deployments embed gateway.Server and register their own.
func registerExampleTools(server *gateway.Server) error {
	return server.Use(exampleTools())
}
