package eventbus

import (
	"time"

	"github.com/rs/xid"
)

// EventType represents the type of event
type EventType string

// Event types
const (
	EventClientConnected         EventType = "client.connected"
	EventClientDisconnected      EventType = "client.disconnected"
	EventBroadcasterConnected    EventType = "broadcaster.connected"
	EventBroadcasterDisconnected EventType = "broadcaster.disconnected"
	EventViewerRegistered        EventType = "viewer.registered"
	EventViewerUnregistered      EventType = "viewer.unregistered"
	EventConnectionState         EventType = "connection.state"
	EventConnectionTerminal      EventType = "connection.terminal"
	EventError                   EventType = "error"
)

// Event represents a system event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Data      any               `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, source string, data any) *Event {
	return &Event{
		ID:        generateID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
		Metadata:  make(map[string]string),
	}
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func generateID() string {
	return xid.New().String()
}
