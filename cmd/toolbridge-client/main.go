// toolbridge-client is a terminal client for a toolbridge server. It keeps a
// session open, lets the user chat with the agent, and executes the demo
// client-side tools locally.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/toolbridge/toolbridge/internal/client"
	"github.com/toolbridge/toolbridge/internal/protocol"
	"github.com/toolbridge/toolbridge/pkg/models"
)

func main() {
	serverURL := flag.String("url", "ws://localhost:8080/ws", "Server WebSocket URL")
	token := flag.String("token", "", "Session token (servers with auth enabled)")
	session := flag.String("session", "", "Session id to resume (servers with auth disabled)")
	page := flag.String("page", "home", "Initial page id to report")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		URL:       *serverURL,
		Token:     *token,
		SessionID: *session,
		OnResponse: func(resp protocol.AgentResponse) {
			if resp.Content != "" {
				fmt.Printf("\nagent> %s\n", resp.Content)
			}
			for _, action := range resp.SuggestedActions {
				fmt.Printf("  [suggested: %s]\n", action)
			}
			if resp.Done {
				fmt.Print("you> ")
			}
		},
		OnContextSync: func(ack protocol.ContextSync) {
			logger.Debug("context acknowledged", "tools", ack.AvailableTools)
		},
	}, logger)

	registerExecutors(c)

	if err := c.SetScope("app", models.ClientContext{
		PageID:       *page,
		Capabilities: []string{"notifications"},
	}); err != nil {
		logger.Debug("context push deferred until connect", "error", err)
	}

	go func() {
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("client stopped", "error", err)
			stop()
		}
	}()

	fmt.Println("Connected commands: /page <id> to switch pages, /quit to exit.")
	fmt.Print("you> ")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			fmt.Print("you> ")
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/page "):
			pageID := strings.TrimSpace(strings.TrimPrefix(line, "/page "))
			if err := c.SetScope("app", models.ClientContext{
				PageID:       pageID,
				Capabilities: []string{"notifications"},
			}); err != nil {
				fmt.Printf("context update failed: %v\n", err)
			} else {
				fmt.Printf("now on page %q\n", pageID)
			}
			fmt.Print("you> ")
		default:
			if err := c.SendMessage(line); err != nil {
				fmt.Printf("send failed: %v\n", err)
				fmt.Print("you> ")
			}
		}
	}
}

func registerExecutors(c *client.Client) {
	c.RegisterExecutor("show_notification", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Message string `json:"message"`
			Level   string `json:"level"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if p.Level == "" {
			p.Level = "info"
		}
		fmt.Printf("\n[%s] %s\n", p.Level, p.Message)
		return map[string]bool{"shown": true}, nil
	})

	c.RegisterExecutor("read_form_fields", func(_ context.Context, _ json.RawMessage) (any, error) {
		// Stand-in for real form state; a browser client would read the DOM.
		return map[string]string{"name": "Ada Lovelace", "email": "ada@example.com"}, nil
	})
}
