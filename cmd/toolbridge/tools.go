package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toolbridge/toolbridge/internal/tools"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// exampleTools is the demo tool set for the reference server: one
// server-side tool and two client-side tools showing context filtering and
// result validation.
func exampleTools() *tools.Router {
	return tools.NewRouter().Add(
		&tools.Definition{
			Name:        "get_server_time",
			Description: "Returns the server's current time in RFC 3339 format.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			Side:        tools.SideServer,
			Handler: func(_ context.Context, _ json.RawMessage, _ models.ClientContext) (any, error) {
				return map[string]string{"time": time.Now().UTC().Format(time.RFC3339)}, nil
			},
		},
		&tools.Definition{
			Name:        "show_notification",
			Description: "Shows a notification in the client UI.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": { "type": "string", "description": "Notification text" },
					"level":   { "type": "string", "enum": ["info", "warning", "error"] }
				}
			}`),
			Side: tools.SideClient,
			Filter: func(cc models.ClientContext) bool {
				return cc.HasCapability("notifications")
			},
			ResultSchema: json.RawMessage(`{
				"type": "object",
				"required": ["shown"],
				"properties": {
					"shown": { "type": "boolean" }
				}
			}`),
		},
		&tools.Definition{
			Name:        "read_form_fields",
			Description: "Reads the values of the form on the user's current page.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			Side:        tools.SideClient,
			Filter: func(cc models.ClientContext) bool {
				return cc.PageID == "checkout" || cc.PageID == "settings"
			},
			Timeout: 10 * time.Second,
		},
	)
}
