package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server. Requests
// carry a method and correlation ID; the matching response echoes the ID.
// Event frames come in two flavors: frames with a non-zero ID carry the
// ordered lifecycle stream of the request with that ID and always precede
// its response; frames with ID zero are best-effort forwards of the
// ambient event bus.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
