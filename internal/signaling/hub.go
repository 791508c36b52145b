package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/HMasataka/castline/pkg/transport/protocol"
)

// Hub keeps the live client connections and delivers outbound frames.
// Registration is immediate; sends are queued and written by one loop, so
// frames to the same client keep their order. Frames queued before Stop are
// delivered before the clients are closed.
type Hub struct {
	clients sync.Map // map[string]domain.Client
	sendTo  chan sendMessage
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// mu guards state; senders hold it shared while queueing
	mu         sync.RWMutex
	state      hubState
	stopCalled bool

	messagesSent     int64
	messagesReceived int64
	startTime        time.Time
}

type sendMessage struct {
	clientID string
	message  []byte
}

type hubState int

const (
	hubIdle hubState = iota
	hubRunning
	hubStopped
)

var _ domain.Hub = (*Hub)(nil)

// NewHub creates a new hub. Sends fail with ErrHubStopped until Start.
func NewHub(logger *logging.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sendTo:    make(chan sendMessage, 1000),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Start implements domain.Hub. Cancelling ctx stops the delivery loop after
// it has drained what was queued.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != hubIdle {
		return domain.ErrHubStopped
	}

	h.cancel()
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.state = hubRunning

	h.wg.Add(1)
	go h.run()
	h.logger.Info("hub started")
	return nil
}

// waiter is a client whose Close completes in the background
type waiter interface {
	Wait()
}

// Stop implements domain.Hub. It stops accepting frames, delivers the ones
// already queued and then closes every client, waiting for those that
// expose Wait to finish writing.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if h.stopCalled {
		h.mu.Unlock()
		return nil
	}
	h.stopCalled = true
	h.state = hubStopped
	h.mu.Unlock()

	h.logger.Info("stopping hub")
	h.cancel()
	h.wg.Wait()

	var closing []waiter
	h.clients.Range(func(key, value any) bool {
		if client, ok := value.(domain.Client); ok {
			client.Close()
			if w, ok := client.(waiter); ok {
				closing = append(closing, w)
			}
		}
		return true
	})

	// closed clients finish writing what they hold before Stop returns
	for _, w := range closing {
		w.Wait()
	}

	h.logger.Info("hub stopped")
	return nil
}

// Register implements domain.Hub
func (h *Hub) Register(client domain.Client) error {
	if h.stopped() {
		return domain.ErrHubStopped
	}

	clientID := client.ID()
	if _, loaded := h.clients.LoadOrStore(clientID, client); loaded {
		h.logger.Warn("client already registered", "client_id", clientID)
		return nil
	}

	h.logger.Info("client registered",
		"client_id", clientID,
		"total_clients", h.getClientCount(),
	)
	return nil
}

// Unregister implements domain.Hub
func (h *Hub) Unregister(clientID string) error {
	client, ok := h.clients.LoadAndDelete(clientID)
	if !ok {
		return nil
	}

	if c, ok := client.(domain.Client); ok {
		c.Close()
	}

	h.logger.Info("client unregistered",
		"client_id", clientID,
		"total_clients", h.getClientCount(),
	)
	return nil
}

// SendTo implements domain.Hub
func (h *Hub) SendTo(clientID string, message []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.acceptingLocked() {
		return domain.ErrHubStopped
	}

	if _, ok := h.clients.Load(clientID); !ok {
		return domain.ErrClientNotFound
	}

	select {
	case h.sendTo <- sendMessage{clientID: clientID, message: message}:
		atomic.AddInt64(&h.messagesReceived, 1)
		return nil
	default:
		return errors.New(errors.ErrorTypeInternal, "SENDTO_QUEUE_FULL", "send queue is full")
	}
}

// SendToMultiple implements domain.Hub. Clients that are gone are skipped;
// the hub being stopped is the only error.
func (h *Hub) SendToMultiple(clientIDs []string, message []byte) error {
	for _, clientID := range clientIDs {
		err := h.SendTo(clientID, message)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrHubStopped):
			return err
		default:
			h.logger.Warn("failed to send to client",
				"client_id", clientID,
				"error", err,
			)
		}
	}
	return nil
}

// GetClient implements domain.Hub
func (h *Hub) GetClient(clientID string) (domain.Client, bool) {
	if value, ok := h.clients.Load(clientID); ok {
		return value.(domain.Client), true
	}
	return nil, false
}

func (h *Hub) stopped() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == hubStopped
}

func (h *Hub) acceptingLocked() bool {
	return h.state == hubRunning
}

// run is the main hub loop
func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			h.state = hubStopped
			h.mu.Unlock()

			h.drain()
			return

		case msg := <-h.sendTo:
			h.handleSendTo(msg.clientID, msg.message)
		}
	}
}

// drain delivers whatever is still queued. Senders are already turned away.
func (h *Hub) drain() {
	for {
		select {
		case msg := <-h.sendTo:
			h.handleSendTo(msg.clientID, msg.message)
		default:
			return
		}
	}
}

// handleSendTo handles sending a message to a specific client
func (h *Hub) handleSendTo(clientID string, message []byte) {
	client, ok := h.GetClient(clientID)
	if !ok {
		h.logger.Debug("client gone before delivery", "client_id", clientID)
		return
	}

	h.deliver(client, message)
}

func (h *Hub) deliver(client domain.Client, message []byte) error {
	// the loop context is already cancelled while draining
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Send(ctx, message); err != nil {
		h.logger.Warn("failed to send to client",
			"client_id", client.ID(),
			"error", err,
		)
		return err
	}
	atomic.AddInt64(&h.messagesSent, 1)
	return nil
}

// getClientCount returns the number of connected clients
func (h *Hub) getClientCount() int {
	count := 0
	h.clients.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

// GetStats returns hub statistics
func (h *Hub) GetStats() domain.HubStats {
	return domain.HubStats{
		ConnectedClients: h.getClientCount(),
		MessagesSent:     atomic.LoadInt64(&h.messagesSent),
		MessagesReceived: atomic.LoadInt64(&h.messagesReceived),
		Uptime:           time.Since(h.startTime).Seconds(),
	}
}

// HubSender encodes messages and queues them on a hub
type HubSender struct {
	Hub   domain.Hub
	Codec protocol.Codec
}

// Send implements relay.Sender
func (s HubSender) Send(clientID string, msg *domain.Message) error {
	data, err := s.Codec.Encode(msg)
	if err != nil {
		return err
	}
	return s.Hub.SendTo(clientID, data)
}

// SendToMany encodes msg once and queues it for every client in clientIDs
func (s HubSender) SendToMany(clientIDs []string, msg *domain.Message) error {
	data, err := s.Codec.Encode(msg)
	if err != nil {
		return err
	}
	return s.Hub.SendToMultiple(clientIDs, data)
}
