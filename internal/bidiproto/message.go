// Package bidiproto defines the wire shapes of the WebDriver BiDi protocol:
// commands, success/error responses, and events, plus the SharedId codec
// used to identify DOM nodes across the wire (spec.md GLOSSARY "SharedId").
// Marshaling follows the teacher's convention of plain encoding/json
// structs (the teacher reserves easyjson for the high-frequency CDP wire,
// not for its own API-facing request/response objects), since BiDi traffic
// volume is client-command-rate rather than CDP-event-rate.
package bidiproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command is an incoming client request: {id, method, params, channel?}.
type Command struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Channel string          `json:"channel,omitempty"`
}

// Module returns the dot-prefixed namespace of the command, e.g.
// "browsingContext" for "browsingContext.navigate".
func (c Command) Module() string {
	if i := strings.IndexByte(c.Method, '.'); i >= 0 {
		return c.Method[:i]
	}
	return ""
}

// SuccessResponse is the wire shape of a successful command result.
type SuccessResponse struct {
	ID      int64       `json:"id"`
	Type    string      `json:"type"`
	Result  interface{} `json:"result"`
	Channel string      `json:"channel,omitempty"`
}

// NewSuccess builds a SuccessResponse for the given command id.
func NewSuccess(id int64, channel string, result interface{}) SuccessResponse {
	return SuccessResponse{ID: id, Type: "success", Result: result, Channel: channel}
}

// ErrorResponse is the wire shape of a failed command, matching spec.md §7.
type ErrorResponse struct {
	ID        *int64 `json:"id"`
	Type      string `json:"type"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Stack     string `json:"stacktrace,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// NewError builds an ErrorResponse. id is nil when the command's id
// couldn't be recovered at all (malformed payload).
func NewError(id *int64, channel, code, message, stack string) ErrorResponse {
	return ErrorResponse{ID: id, Type: "error", Error: code, Message: message, Stack: stack, Channel: channel}
}

// EventMessage is the wire shape of a server-initiated event.
type EventMessage struct {
	Type    string      `json:"type"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	Channel string      `json:"channel,omitempty"`
}

// NewEvent builds an EventMessage.
func NewEvent(method, channel string, params interface{}) EventMessage {
	return EventMessage{Type: "event", Method: method, Params: params, Channel: channel}
}

// EncodeSharedID produces the wire form of a DOM node reference. When
// withFrame is true (spec.md GLOSSARY, config.Config.SharedIDWithFrame),
// the owning browsing context id is embedded so the same backend node id
// minted in two different frames cannot collide; otherwise the frame id is
// omitted and the node id alone must be unique browser-wide, which holds
// for ordinary (non-OOPIF) targets.
func EncodeSharedID(frameID string, backendNodeID int64, withFrame bool) string {
	if withFrame {
		return fmt.Sprintf("f.%s.%d", frameID, backendNodeID)
	}
	return fmt.Sprintf("%d", backendNodeID)
}

// DecodeSharedID parses EncodeSharedID's output back into its parts.
// frameID is empty when the id was encoded without frame scoping.
func DecodeSharedID(shared string) (frameID string, backendNodeID int64, err error) {
	if !strings.HasPrefix(shared, "f.") {
		if _, err := fmt.Sscanf(shared, "%d", &backendNodeID); err != nil {
			return "", 0, fmt.Errorf("decoding shared id %q: %w", shared, err)
		}
		return "", backendNodeID, nil
	}
	rest := strings.TrimPrefix(shared, "f.")
	idx := strings.LastIndexByte(rest, '.')
	if idx < 0 {
		return "", 0, fmt.Errorf("decoding shared id %q: missing backend node id", shared)
	}
	frameID = rest[:idx]
	if _, err := fmt.Sscanf(rest[idx+1:], "%d", &backendNodeID); err != nil {
		return "", 0, fmt.Errorf("decoding shared id %q: %w", shared, err)
	}
	return frameID, backendNodeID, nil
}
