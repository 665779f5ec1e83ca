package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	EventJoin   = "join-canvas"
	EventUpdate = "canvas-update"
	EventLeave  = "leave-canvas"
	EventError  = "error"
)

var ErrInvalidMessage = errors.New("invalid relay message")

// Message is one websocket frame. Elements is passed through untouched.
type Message struct {
	Event    string          `json:"event"`
	RoomID   string          `json:"roomId,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Elements json.RawMessage `json:"elements,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Update is a canvas-update as seen by a participant.
type Update struct {
	RoomID   string
	SenderID string
	Elements json.RawMessage
}

func (u Update) message() Message {
	return Message{Event: EventUpdate, RoomID: u.RoomID, SenderID: u.SenderID, Elements: u.Elements}
}

const inboundSchemaURL = "drawsync-relay-inbound.json"

const inboundSchema = `{
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"enum": ["join-canvas", "canvas-update", "leave-canvas"]},
		"roomId": {"type": "string", "minLength": 1},
		"senderId": {"type": "string"},
		"elements": {"type": "array"}
	},
	"allOf": [
		{
			"if": {"properties": {"event": {"const": "canvas-update"}}},
			"then": {"required": ["roomId", "elements"]}
		},
		{
			"if": {"properties": {"event": {"enum": ["join-canvas", "leave-canvas"]}}},
			"then": {"required": ["roomId"]}
		}
	]
}`

var (
	inboundOnce     sync.Once
	inboundCompiled *jsonschema.Schema
	inboundErr      error
)

func compiledInboundSchema() (*jsonschema.Schema, error) {
	inboundOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchema))
		if err != nil {
			inboundErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(inboundSchemaURL, doc); err != nil {
			inboundErr = err
			return
		}
		inboundCompiled, inboundErr = compiler.Compile(inboundSchemaURL)
	})
	return inboundCompiled, inboundErr
}

// DecodeInbound validates a client frame and decodes it.
func DecodeInbound(data []byte) (Message, error) {
	schema, err := compiledInboundSchema()
	if err != nil {
		return Message{}, fmt.Errorf("compile inbound schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

func encodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func errorFrame(message string) []byte {
	data, _ := encodeMessage(Message{Event: EventError, Message: message})
	return data
}
