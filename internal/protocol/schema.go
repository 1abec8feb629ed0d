package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	events  map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		frame, err := jsonschema.CompileString("frame", frameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.frame = frame

		events := map[string]string{
			EventContextUpdate: clientContextSchema,
			EventUserMessage:   userMessageSchema,
			EventToolResult:    toolResultSchema,
			EventToolError:     toolErrorSchema,
		}
		schemas.events = make(map[string]*jsonschema.Schema, len(events))
		for name, schema := range events {
			compiled, err := jsonschema.CompileString(name, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.events[name] = compiled
		}
	})
	return schemas.initErr
}

// DecodeClientFrame parses and validates a raw client frame. Only the four
// client-originated events are accepted; anything else is an error so the
// caller can log and drop it.
func DecodeClientFrame(raw []byte) (*Frame, error) {
	if err := initSchemas(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if err := schemas.frame.Validate(payload); err != nil {
		return nil, err
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}

	schema, ok := schemas.events[frame.Event]
	if !ok {
		return nil, fmt.Errorf("unknown client event %q", frame.Event)
	}

	var body any
	if len(frame.Payload) == 0 {
		body = map[string]any{}
	} else if err := json.Unmarshal(frame.Payload, &body); err != nil {
		return nil, err
	}
	if err := schema.Validate(body); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", frame.Event, err)
	}
	return &frame, nil
}

const frameSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": { "type": "string", "minLength": 1 },
    "payload": {}
  },
  "additionalProperties": true
}`

const clientContextSchema = `{
  "type": "object",
  "properties": {
    "page_id": { "type": "string" },
    "active_tab": { "type": "string" },
    "capabilities": {
      "type": "array",
      "items": { "type": "string" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false
}`

const userMessageSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const toolResultSchema = `{
  "type": "object",
  "required": ["toolId", "callId"],
  "properties": {
    "toolId": { "type": "string", "minLength": 1 },
    "callId": { "type": "string", "minLength": 1 },
    "result": {}
  },
  "additionalProperties": true
}`

const toolErrorSchema = `{
  "type": "object",
  "required": ["toolId", "callId", "message"],
  "properties": {
    "toolId": { "type": "string", "minLength": 1 },
    "callId": { "type": "string", "minLength": 1 },
    "message": { "type": "string" }
  },
  "additionalProperties": true
}`
