package protocol

import (
	"context"

	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
)

// Handler defines the interface for handling protocol messages
type Handler interface {
	// Handle processes a message and returns an optional reply for the sender
	Handle(ctx context.Context, msg *domain.Message) (*domain.Message, error)

	// CanHandle checks if the handler can handle a specific message type
	CanHandle(messageType domain.MessageType) bool
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *domain.Message) (*domain.Message, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	return f(ctx, msg)
}

// CanHandle implements Handler. A HandlerFunc accepts whatever it is registered for.
func (f HandlerFunc) CanHandle(domain.MessageType) bool {
	return true
}

// HandlerRegistry manages message handlers
type HandlerRegistry interface {
	// Register registers a handler for a message type
	Register(messageType domain.MessageType, handler Handler)

	// Get retrieves a handler for a message type
	Get(messageType domain.MessageType) (Handler, bool)

	// Handle routes a message to the appropriate handler
	Handle(ctx context.Context, msg *domain.Message) (*domain.Message, error)
}

// DefaultHandlerRegistry is the default implementation of HandlerRegistry.
// Handlers are registered during setup; the registry is read-only afterwards.
type DefaultHandlerRegistry struct {
	handlers map[domain.MessageType]Handler
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry() *DefaultHandlerRegistry {
	return &DefaultHandlerRegistry{
		handlers: make(map[domain.MessageType]Handler),
	}
}

// Register implements HandlerRegistry
func (r *DefaultHandlerRegistry) Register(messageType domain.MessageType, handler Handler) {
	r.handlers[messageType] = handler
}

// Get implements HandlerRegistry
func (r *DefaultHandlerRegistry) Get(messageType domain.MessageType) (Handler, bool) {
	handler, ok := r.handlers[messageType]
	if !ok || !handler.CanHandle(messageType) {
		return nil, false
	}
	return handler, true
}

// Handle implements HandlerRegistry
func (r *DefaultHandlerRegistry) Handle(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	handler, ok := r.Get(msg.Type)
	if !ok {
		return nil, errors.ErrUnroutable.Because(errors.New(errors.ErrorTypeNotFound, "NO_HANDLER", "no handler for "+string(msg.Type)))
	}

	return handler.Handle(ctx, msg)
}
