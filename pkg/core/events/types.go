package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a workflow event. Handlers register against these names.
type EventType string

const (
	// ChatMessageReceived carries an inbound chat message to the dispatcher.
	ChatMessageReceived EventType = "chat/message.received"
	// MCPInstallRequested carries an asynchronous MCP install.
	MCPInstallRequested EventType = "mcp/install.requested"
)

// Event is a named occurrence with a JSON payload.
type Event struct {
	ID        string          // optional explicit identifier; generated when empty
	Type      EventType       // required
	Timestamp time.Time       // auto-populated when zero
	SessionID string          // optional session identifier
	Payload   json.RawMessage // optional
}

// Validate performs cheap sanity checks.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("events: missing type")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("events: payload for %s is not valid JSON", e.Type)
	}
	return nil
}

// New builds an event with a marshalled payload, generated ID, and timestamp.
func New(t EventType, sessionID string, payload any) (Event, error) {
	ev := Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC(), SessionID: sessionID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("events: marshal %s payload: %w", t, err)
		}
		ev.Payload = data
	}
	return ev, ev.Validate()
}

// Decode unmarshals the event payload into T.
func Decode[T any](e Event) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, fmt.Errorf("events: %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("events: decode %s payload: %w", e.Type, err)
	}
	return v, nil
}

// ChatMessagePayload is the body of ChatMessageReceived.
type ChatMessagePayload struct {
	SessionID string `json:"sessionId"`
	Turn      int    `json:"turn"`
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
}

// MCPInstallPayload is the body of MCPInstallRequested. Sensitive credential
// values are sealed by the credential codec before the event is sent.
type MCPInstallPayload struct {
	ServerDefinitionID string            `json:"serverDefinitionId"`
	TenantID           string            `json:"tenantId"`
	Title              string            `json:"title"`
	Credentials        map[string]string `json:"credentials,omitempty"`
	TestMode           bool              `json:"testMode,omitempty"`
	// ConnectionID is the ID reported to the caller when the install was
	// accepted. Empty for test-mode installs.
	ConnectionID string `json:"connectionId,omitempty"`
}
