package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the typed payload carried by an envelope. The Type tag is the
// dispatch key: the runtime routes a message to the handler an agent
// registered for that tag.
type Message struct {
	// ID is a unique identifier for this message, automatically generated.
	ID string

	// Type identifies the payload type (e.g., "countdown", "echo_request").
	// Agents register one handler per type tag.
	Type string

	// Payload contains the message data as a JSON string.
	// Use UnmarshalPayload to deserialize into a specific type.
	Payload string

	// Timestamp is the RFC 3339 timestamp when the message was created.
	Timestamp string

	// Metadata contains optional key-value pairs for correlation and tracing.
	Metadata map[string]any
}

// NewMessage creates a new message with the given type tag and payload.
// The payload is serialized to JSON; a unique ID and timestamp are generated.
func NewMessage(msgType string, payload any) *Message {
	payloadJSON, _ := json.Marshal(payload)
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   string(payloadJSON),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  make(map[string]any),
	}
}

// WithMetadata adds a metadata entry and returns the message for chaining:
//
//	msg := agent.NewMessage("tick", 10).WithMetadata("origin", "cli")
func (m *Message) WithMetadata(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}

// GetMetadataString returns the metadata value for key as a string, or the
// default when absent or not a string.
func (m *Message) GetMetadataString(key, defaultValue string) string {
	if m.Metadata == nil {
		return defaultValue
	}
	if val, ok := m.Metadata[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultValue
}

// UnmarshalPayload deserializes the message payload into the provided value.
// The value should be a pointer to the desired type.
func (m *Message) UnmarshalPayload(v any) error {
	if m.Payload == "" {
		return fmt.Errorf("message payload is empty")
	}
	return json.Unmarshal([]byte(m.Payload), v)
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:        m.ID,
		Type:      m.Type,
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
		Metadata:  make(map[string]any, len(m.Metadata)),
	}
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// String returns a short representation for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s}", m.ID, m.Type)
}
