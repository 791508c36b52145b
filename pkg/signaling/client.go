// Package signaling is the client side of the castline signaling channel.
// It keeps a websocket connection to the rendezvous service, reconnecting
// when it drops, and routes inbound messages to per-kind handlers.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/HMasataka/castline/pkg/transport/protocol"
	"github.com/HMasataka/castline/pkg/transport/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
)

// ErrNotConnected is returned when sending without a live connection
var ErrNotConnected = errors.New(errors.ErrorTypeTransport, "NOT_CONNECTED", "not connected to server")

// ClientOptions represents signaling client options
type ClientOptions struct {
	Logger        *logging.Logger
	AutoReconnect bool
	ReconnectWait time.Duration
	// MaxReconnect bounds consecutive failed dials. Zero means no limit.
	MaxReconnect int
	SendTimeout  time.Duration
	WebSocket    websocket.ClientOptions
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		AutoReconnect: true,
		ReconnectWait: 5 * time.Second,
		MaxReconnect:  10,
		SendTimeout:   5 * time.Second,
		WebSocket:     websocket.DefaultClientOptions(),
	}
}

// HandlerFunc handles one inbound message. Handlers run on the read loop,
// one at a time and in arrival order.
type HandlerFunc func(ctx context.Context, msg *domain.Message) error

// Client represents a signaling client
type Client struct {
	url     string
	options ClientOptions
	logger  *logging.Logger
	codec   protocol.Codec

	handlersMu sync.RWMutex
	handlers   map[domain.MessageType]HandlerFunc
	onConnect  []func(ctx context.Context)

	mu      sync.RWMutex
	conn    *websocket.Client
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client for the websocket endpoint at serverURL
func NewClient(serverURL string, options ClientOptions) *Client {
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:      serverURL,
		options:  options,
		logger:   options.Logger,
		codec:    protocol.NewJSONCodec(),
		handlers: make(map[domain.MessageType]HandlerFunc),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// OnMessage registers a handler for a message kind
func (c *Client) OnMessage(messageType domain.MessageType, handler HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[messageType] = handler
}

// OnConnect registers fn to run after every successful (re)connection. The
// server sees each connection as a new client, so roles must be claimed again.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Connect establishes the connection and keeps it alive until Close
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New(errors.ErrorTypeValidation, "ALREADY_CONNECTED", "client already connected")
	}
	c.mu.Unlock()

	c.logger.Info("connecting to signaling server", "url", c.url)

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	c.logger.Info("connected to signaling server", "url", c.url)
	c.runOnConnect()

	go c.supervise(conn)
	return nil
}

// Close closes the connection and stops reconnecting. It waits for the read
// loop, so it must not be called from a handler.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	started := c.started
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if started {
		<-c.done
	}
	return nil
}

// Done is closed once the client has stopped for good
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsConnected reports whether a connection is live
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send encodes and sends one message
func (c *Client) Send(messageType domain.MessageType, role domain.Role, peerID string, payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	msg, err := domain.NewMessage(messageType, payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal message data")
	}
	msg.Role = role
	msg.Peer = peerID

	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.options.SendTimeout)
	defer cancel()

	return conn.Send(ctx, data)
}

// Announce claims the broadcaster role
func (c *Client) Announce() error {
	return c.Send(domain.MessageTypeBroadcaster, domain.RoleBroadcaster, "", nil)
}

// StopBroadcast ends the caller's broadcast
func (c *Client) StopBroadcast() error {
	return c.Send(domain.MessageTypeStopBroadcast, domain.RoleBroadcaster, "", nil)
}

// SendOffer answers a viewer_request with the broadcaster's offer
func (c *Client) SendOffer(viewerID, requestID string, desc webrtc.SessionDescription) error {
	return c.Send(domain.MessageTypeBroadcasterOffer, domain.RoleBroadcaster, viewerID, domain.SessionDescriptionPayload{
		OfferID:            requestID,
		SessionDescription: desc,
		Direction:          domain.DirectionToViewer,
	})
}

// SendBroadcasterCandidate sends a broadcaster candidate for one viewer connection
func (c *Client) SendBroadcasterCandidate(viewerID, requestID string, candidate webrtc.ICECandidateInit) error {
	return c.Send(domain.MessageTypeBroadcasterCandidate, domain.RoleBroadcaster, viewerID, domain.CandidatePayload{
		OfferID:   requestID,
		Candidate: candidate,
		Direction: domain.DirectionToViewer,
	})
}

// RequestStream asks for a connection to the current broadcast
func (c *Client) RequestStream() error {
	return c.Send(domain.MessageTypeViewerRequest, domain.RoleViewer, "", nil)
}

// SendAnswer answers the offer identified by offerID
func (c *Client) SendAnswer(offerID string, desc webrtc.SessionDescription) error {
	return c.Send(domain.MessageTypeViewerAnswer, domain.RoleViewer, "", domain.SessionDescriptionPayload{
		OfferID:            offerID,
		SessionDescription: desc,
		Direction:          domain.DirectionToBroadcaster,
	})
}

// SendViewerCandidate sends a viewer candidate for the offer identified by offerID
func (c *Client) SendViewerCandidate(offerID string, candidate webrtc.ICECandidateInit) error {
	return c.Send(domain.MessageTypeViewerCandidate, domain.RoleViewer, "", domain.CandidatePayload{
		OfferID:   offerID,
		Candidate: candidate,
		Direction: domain.DirectionToBroadcaster,
	})
}

// Leave stops watching
func (c *Client) Leave() error {
	return c.Send(domain.MessageTypeViewerLeave, domain.RoleViewer, "", nil)
}

// ReportState reports a transport state change. The broadcaster names the
// viewer in peerID; viewers leave it empty.
func (c *Client) ReportState(role domain.Role, peerID, offerID string, state webrtc.PeerConnectionState) error {
	return c.Send(domain.MessageTypeConnectionState, role, peerID, domain.ConnectionStatePayload{
		OfferID: offerID,
		State:   state.String(),
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Client, error) {
	opts := c.options.WebSocket
	if opts.WriteTimeout == 0 {
		opts = websocket.DefaultClientOptions()
	}
	opts.ID = xid.New().String()

	return websocket.Dial(ctx, c.url, c.handleFrame, c.logger, opts)
}

// supervise waits for the connection to drop and replaces it
func (c *Client) supervise(conn *websocket.Client) {
	defer close(c.done)

	for {
		<-conn.Context().Done()
		conn.Wait()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if c.ctx.Err() != nil || !c.options.AutoReconnect {
			return
		}

		c.logger.Warn("signaling connection lost")

		next, err := c.reconnect()
		if err != nil {
			c.logger.Error("giving up on signaling server", "error", err)
			return
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()

		c.runOnConnect()
		conn = next
	}
}

func (c *Client) reconnect() (*websocket.Client, error) {
	for attempt := 1; c.options.MaxReconnect <= 0 || attempt <= c.options.MaxReconnect; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(c.options.ReconnectWait):
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			c.logger.Info("reconnected to signaling server", "attempt", attempt)
			return conn, nil
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
	}

	return nil, errors.New(errors.ErrorTypeTransport, "RECONNECT_EXHAUSTED", "reconnect attempts exhausted")
}

func (c *Client) runOnConnect() {
	c.handlersMu.RLock()
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.handlersMu.RUnlock()

	for _, fn := range hooks {
		fn(c.ctx)
	}
}

// handleFrame decodes a frame and routes it to its handler
func (c *Client) handleFrame(data []byte) error {
	msg, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Warn("dropping undecodable message", "error", err)
		return err
	}

	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.Type]
	c.handlersMu.RUnlock()

	if !ok {
		c.logger.Debug("no handler for message type", "type", msg.Type)
		return nil
	}

	return handler(c.ctx, msg)
}
