package domain

import (
	"context"
)

// Client represents a connected client interface
type Client interface {
	// ID returns the unique identifier of the client
	ID() string

	// Send sends a message to the client
	Send(ctx context.Context, message []byte) error

	// Receive sets up a message handler for incoming messages
	Receive(handler MessageHandler) error

	// Close closes the client connection
	Close() error

	// Context returns the client's context
	Context() context.Context
}

// MessageHandler is a function that handles incoming messages
type MessageHandler func(message []byte) error

type contextKey string

const clientIDKey contextKey = "client_id"

// WithClientID stores the channel identity of the sender in ctx
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext returns the channel identity stored by WithClientID
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
