package websocket

import (
	"context"
	"net/http"

	"github.com/HMasataka/castline/internal/eventbus"
	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// MessageRouter receives every frame a client sends, in order, and learns
// when the client goes away
type MessageRouter interface {
	HandleMessage(ctx context.Context, clientID string, data []byte)
	Disconnect(clientID string)
}

// ServerOptions represents websocket server options
type ServerOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Hub             domain.Hub
	Logger          *logging.Logger
	EventBus        eventbus.Bus
	Router          MessageRouter
	ClientOptions   ClientOptions
}

// ServerOption is a function that configures ServerOptions
type ServerOption func(*ServerOptions)

// WithHub sets the hub for the server
func WithHub(hub domain.Hub) ServerOption {
	return func(o *ServerOptions) {
		o.Hub = hub
	}
}

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithEventBus sets the event bus for the server
func WithEventBus(eventBus eventbus.Bus) ServerOption {
	return func(o *ServerOptions) {
		o.EventBus = eventBus
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// Server represents a WebSocket server
type Server struct {
	upgrader websocket.Upgrader
	hub      domain.Hub
	logger   *logging.Logger
	eventBus eventbus.Bus
	options  ServerOptions
}

// NewServer creates a new WebSocket server
func NewServer(opts ...ServerOption) *Server {
	options := ServerOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ClientOptions: DefaultClientOptions(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = logging.Discard()
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		hub:      options.Hub,
		logger:   options.Logger,
		eventBus: options.EventBus,
		options:  options,
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	clientID := xid.New().String()

	clientOptions := s.options.ClientOptions
	clientOptions.ID = clientID

	client := NewClient(clientID, conn, s.logger, clientOptions)

	ctx := domain.WithClientID(client.Context(), clientID)
	ctx = logging.WithClientID(ctx, clientID)
	client.Receive(func(message []byte) error {
		if s.options.Router != nil {
			s.options.Router.HandleMessage(ctx, clientID, message)
		}
		return nil
	})

	if err := s.hub.Register(client); err != nil {
		s.logger.Error("failed to register client",
			"error", err,
			"client_id", clientID,
		)
		client.Close()
		return
	}

	s.publish(eventbus.EventClientConnected, clientID, r.RemoteAddr)

	client.Start()

	s.logger.Info("client connected",
		"client_id", clientID,
		"remote_addr", r.RemoteAddr,
	)

	<-client.Context().Done()
	client.Wait()

	if s.options.Router != nil {
		s.options.Router.Disconnect(clientID)
	}

	if err := s.hub.Unregister(clientID); err != nil {
		s.logger.Error("failed to unregister client",
			"error", err,
			"client_id", clientID,
		)
	}

	s.publish(eventbus.EventClientDisconnected, clientID, r.RemoteAddr)

	s.logger.Info("client disconnected", "client_id", clientID)
}

func (s *Server) publish(t eventbus.EventType, clientID, remoteAddr string) {
	if s.eventBus == nil {
		return
	}
	event := eventbus.NewEvent(t, "websocket-server", map[string]string{
		"client_id":   clientID,
		"remote_addr": remoteAddr,
	})
	s.eventBus.PublishAsync(event)
}
