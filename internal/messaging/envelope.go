package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Priority classifies per-message importance. It governs whether a message
// executes immediately on receipt (critical/high) or is queued for the
// background drain cycle (medium/low).
//
// Ordering matters: higher numeric value = more important. The router sorts
// queues by (priority desc, enqueue-time asc).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the wire representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority maps a wire priority string to a Priority.
//
// An empty string is the documented default: medium. Unknown values also
// fall back to medium rather than erroring; a client sending a typo'd
// priority should not lose the message.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Immediate reports whether messages at this priority bypass the queue and
// execute synchronously on receipt.
func (p Priority) Immediate() bool {
	return p >= PriorityHigh
}

// MaxPayloadBytes bounds a single inbound frame. Oversized frames are
// rejected before they reach the router.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Recognized envelope types.
const (
	TypePing              = "ping"
	TypePong              = "pong"
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeToolStatus        = "tool_status"
	TypeChatTyping        = "chat_typing"
	TypeIntegrationUpdate = "integration_update"
	TypeInstanceRegister  = "instance_register"
	TypeHeartbeat         = "heartbeat"
	TypeHealthCheck       = "health_check"
)

var recognizedTypes = map[string]struct{}{
	TypePing:              {},
	TypePong:              {},
	TypeSubscribe:         {},
	TypeUnsubscribe:       {},
	TypeToolStatus:        {},
	TypeChatTyping:        {},
	TypeIntegrationUpdate: {},
	TypeInstanceRegister:  {},
	TypeHeartbeat:         {},
	TypeHealthCheck:       {},
}

// Recognized reports whether t is a known envelope type.
func Recognized(t string) bool {
	_, ok := recognizedTypes[t]
	return ok
}

var (
	// ErrOversized is returned when a frame exceeds MaxPayloadBytes.
	ErrOversized = errors.New("messaging: payload exceeds maximum size")

	// ErrMalformed is returned when a frame is not a valid envelope.
	ErrMalformed = errors.New("messaging: malformed envelope")
)

// Envelope is the JSON message envelope carried on every frame, in both
// directions:
//
//	{"type":"tool_status","data":{...},"timestamp":1712345678901,
//	 "sessionId":"abc","priority":"high","requestId":"r-42"}
//
// Timestamp is Unix milliseconds. Priority is optional; absent means medium.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Instance  string          `json:"instance,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ParsedPriority returns the effective Priority of the envelope,
// applying the medium default when the field is unset.
func (e *Envelope) ParsedPriority() Priority {
	return ParsePriority(e.Priority)
}

// Decode parses a raw frame into an Envelope, enforcing the size bound and
// requiring a non-empty type field.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversized, len(data))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &env, nil
}

// NewEnvelope builds an outbound envelope with the current timestamp.
func NewEnvelope(msgType string, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope data: %w", err)
		}
		raw = b
	}

	return &Envelope{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Serialize converts the envelope to JSON bytes for transmission.
func (e *Envelope) Serialize() ([]byte, error) {
	return json.Marshal(e)
}
