package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/gorilla/websocket"
)

// closeGracePeriod bounds the wait for the peer's close reply
const closeGracePeriod = time.Second

// ClientOptions represents websocket client options
type ClientOptions struct {
	ID              string
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512 * 1024, // 512KB
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
	}
}

// Client implements the domain.Client interface for WebSocket
type Client struct {
	id       string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logging.Logger
	options  ClientOptions
	sendChan chan []byte
	handler  domain.MessageHandler
	mu       sync.RWMutex
	closed   bool
	started  bool
	readDone chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, logger *logging.Logger, options ClientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	if options.SendBufferSize <= 0 {
		options.SendBufferSize = 256
	}

	return &Client{
		id:       id,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.WithFields(map[string]any{"client_id": id}),
		options:  options,
		sendChan: make(chan []byte, options.SendBufferSize),
		readDone: make(chan struct{}),
	}
}

// Dial connects to a signaling endpoint and returns a started client
func Dial(ctx context.Context, url string, handler domain.MessageHandler, logger *logging.Logger, options ClientOptions) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: options.WriteTimeout,
		ReadBufferSize:   options.ReadBufferSize,
		WriteBufferSize:  options.WriteBufferSize,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "DIAL_FAILED", "failed to connect to signaling server")
	}

	client := NewClient(options.ID, conn, logger, options)
	client.Receive(handler)
	client.Start()
	return client, nil
}

// ID implements domain.Client
func (c *Client) ID() string {
	return c.id
}

// Send implements domain.Client
func (c *Client) Send(ctx context.Context, message []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return domain.ErrConnectionClosed
	}

	select {
	case c.sendChan <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	default:
		return errors.New(errors.ErrorTypeTransport, "SEND_BUFFER_FULL", "send buffer is full")
	}
}

// Receive implements domain.Client. It must be called before Start.
func (c *Client) Receive(handler domain.MessageHandler) error {
	c.handler = handler
	return nil
}

// Close implements domain.Client. Frames accepted by Send before Close are
// still written, followed by a close frame; use Wait to block until the
// pumps have exited.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.logger.Debug("closing client connection")

	c.cancel()

	// the write pump owns the connection once started
	if !started {
		c.closeConn()
	}

	return nil
}

func (c *Client) closeConn() {
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("error closing websocket connection", "error", err)
	}
}

// Wait blocks until both pumps have exited
func (c *Client) Wait() {
	c.wg.Wait()
}

// Context implements domain.Client
func (c *Client) Context() context.Context {
	return c.ctx
}

// Start starts the client read and write pumps
func (c *Client) Start() {
	c.mu.Lock()
	if c.closed || c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// readPump pumps messages from the websocket connection. Messages are handed
// to the handler one at a time, in arrival order.
func (c *Client) readPump() {
	defer c.wg.Done()
	defer close(c.readDone)
	defer func() {
		c.logger.Debug("read pump stopped")
		c.Close()
	}()

	c.conn.SetReadLimit(c.options.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if c.handler != nil {
			if err := c.handler(message); err != nil {
				c.logger.Debug("message handler error", "error", err)
			}
		}
	}
}

// writePump pumps messages to the websocket connection. It closes the
// connection on the way out, which also ends the read pump.
func (c *Client) writePump() {
	defer c.wg.Done()
	defer func() {
		c.closeConn()
		c.logger.Debug("write pump stopped")
	}()

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			if c.flush() {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))

				// give the peer time to read the tail and answer the close
				select {
				case <-c.readDone:
				case <-time.After(closeGracePeriod):
				}
			}
			return

		case message := <-c.sendChan:
			if err := c.write(message); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping error", "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// flush writes the frames still queued after Close. Send refuses new frames
// by then, so the queue only shrinks. It reports whether every write succeeded.
func (c *Client) flush() bool {
	for {
		select {
		case message := <-c.sendChan:
			if err := c.write(message); err != nil {
				c.logger.Debug("dropping queued frames", "error", err, "remaining", len(c.sendChan))
				return false
			}
		default:
			return true
		}
	}
}
