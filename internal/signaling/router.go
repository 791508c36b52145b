// Package signaling is the rendezvous service: it validates who sends what,
// keeps one connection state machine per viewer and relays the handshake
// between viewers and the broadcaster.
package signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/HMasataka/castline/internal/eventbus"
	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/internal/peer"
	"github.com/HMasataka/castline/internal/relay"
	"github.com/HMasataka/castline/internal/session"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/HMasataka/castline/pkg/transport/protocol"
	"github.com/pion/webrtc/v4"
)

const eventSource = "router"

// Sender delivers messages to connected clients
type Sender interface {
	relay.Sender
	// SendToMany delivers one message to every client in clientIDs
	SendToMany(clientIDs []string, msg *domain.Message) error
}

// RouterOptions wires a Router
type RouterOptions struct {
	Registry *session.Registry
	EventBus eventbus.Bus
	Sender   Sender
	Codec    protocol.Codec
	Machine  peer.Options
	Logger   *logging.Logger
}

// Router dispatches inbound signaling messages. Messages of one connection
// are handled in receipt order by the connection's read loop.
type Router struct {
	registry   *session.Registry
	broker     *relay.Broker
	bus        eventbus.Bus
	sender     Sender
	codec      protocol.Codec
	handlers   *protocol.DefaultHandlerRegistry
	opts       peer.Options
	logger     *logging.Logger
	errHandler *errors.DefaultHandler
	subs       []string

	mu          sync.Mutex
	machines    map[string]*peer.Machine
	activeEpoch uint64
}

// Status is the state of the rendezvous service
type Status struct {
	Broadcaster *session.BroadcasterSession `json:"broadcaster,omitempty"`
	Viewers     []string                    `json:"viewers"`
	Connections []peer.Status               `json:"connections"`
}

var _ peer.Outbox = (*Router)(nil)

// NewRouter creates a router and subscribes it to broadcaster presence events
func NewRouter(opts RouterOptions) *Router {
	if opts.Codec == nil {
		opts.Codec = protocol.NewJSONCodec()
	}

	r := &Router{
		registry:   opts.Registry,
		broker:     relay.NewBroker(opts.Sender, opts.Logger.With("component", "relay")),
		bus:        opts.EventBus,
		sender:     opts.Sender,
		codec:      opts.Codec,
		handlers:   protocol.NewHandlerRegistry(),
		opts:       opts.Machine,
		logger:     opts.Logger,
		errHandler: errors.NewDefaultHandler(opts.Logger.Logger),
		machines:   make(map[string]*peer.Machine),
	}

	r.registerHandlers()

	r.subs = append(r.subs,
		r.bus.Subscribe(eventbus.EventBroadcasterConnected, r.onBroadcasterConnected),
		r.bus.Subscribe(eventbus.EventBroadcasterDisconnected, r.onBroadcasterDisconnected),
	)

	return r
}

func (r *Router) registerHandlers() {
	r.handlers.Register(domain.MessageTypeBroadcaster, protocol.HandlerFunc(r.handleBroadcaster))
	r.handlers.Register(domain.MessageTypeBroadcasterOffer, protocol.HandlerFunc(r.handleBroadcasterOffer))
	r.handlers.Register(domain.MessageTypeBroadcasterCandidate, protocol.HandlerFunc(r.handleBroadcasterCandidate))
	r.handlers.Register(domain.MessageTypeStopBroadcast, protocol.HandlerFunc(r.handleStopBroadcast))
	r.handlers.Register(domain.MessageTypeViewerRequest, protocol.HandlerFunc(r.handleViewerRequest))
	r.handlers.Register(domain.MessageTypeViewerAnswer, protocol.HandlerFunc(r.handleViewerAnswer))
	r.handlers.Register(domain.MessageTypeViewerCandidate, protocol.HandlerFunc(r.handleViewerCandidate))
	r.handlers.Register(domain.MessageTypeViewerLeave, protocol.HandlerFunc(r.handleViewerLeave))
	r.handlers.Register(domain.MessageTypeConnectionState, protocol.HandlerFunc(r.handleConnectionState))
}

// HandleMessage decodes and dispatches one frame from clientID. Failures are
// answered with an error message and never escape.
func (r *Router) HandleMessage(ctx context.Context, clientID string, data []byte) {
	logger := r.logger.With("client_id", clientID)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panic", "panic", fmt.Sprint(rec))
			r.replyError(clientID, errors.New(errors.ErrorTypeInternal, "INTERNAL", "internal error"))
		}
	}()

	msg, err := r.codec.Decode(data)
	if err != nil {
		logger.Warn("dropping undecodable message", "error", err)
		r.replyError(clientID, err)
		return
	}

	r.Dispatch(domain.WithClientID(ctx, clientID), clientID, msg)
}

// Dispatch routes a decoded message from clientID
func (r *Router) Dispatch(ctx context.Context, clientID string, msg *domain.Message) {
	logger := r.logger.With("client_id", clientID, "message_type", msg.Type)
	logger.Debug("dispatching message", "message_id", msg.ID)

	reply, err := r.handlers.Handle(domain.WithClientID(ctx, clientID), msg)
	if err != nil {
		r.handleError(logger, clientID, err)
		return
	}

	if reply != nil {
		if err := r.sender.Send(clientID, reply); err != nil {
			logger.Warn("failed to send reply", "error", err, "reply_type", reply.Type)
		}
	}
}

// handleError logs a dispatch failure. Late messages are expected noise;
// other channel errors are reported back to the sender.
func (r *Router) handleError(logger *logging.Logger, clientID string, err error) {
	if errors.Is(err, errors.ErrLateMessage) {
		logger.Debug("dropping late message", "error", err)
		return
	}

	r.errHandler.HandleWithLogger(context.Background(), err, logger.Logger)

	if typ, ok := errors.TypeOf(err); ok && typ == errors.ErrorTypeChannel {
		r.replyError(clientID, err)
	}
}

// Disconnect cleans up after a client whose channel went away
func (r *Router) Disconnect(clientID string) {
	r.registry.StopBroadcast(clientID, session.ReasonDisconnect)
	r.registry.UnregisterViewer(clientID)
	r.dropMachine(clientID)
}

// Close detaches the router from the event bus and closes every machine
func (r *Router) Close() {
	for _, id := range r.subs {
		r.bus.Unsubscribe(id)
	}

	r.mu.Lock()
	machines := make([]*peer.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	for _, m := range machines {
		m.Close()
	}
}

// Status reports the broadcast session and every viewer connection
func (r *Router) Status() Status {
	st := Status{
		Viewers:     r.registry.Viewers(),
		Connections: []peer.Status{},
	}
	if s, ok := r.registry.Broadcaster(); ok {
		st.Broadcaster = &s
	}

	r.mu.Lock()
	machines := make([]*peer.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	for _, m := range machines {
		st.Connections = append(st.Connections, m.Status())
	}
	sort.Slice(st.Connections, func(i, j int) bool {
		return st.Connections[i].ViewerID < st.Connections[j].ViewerID
	})
	return st
}

// ConnectionStatus returns the status of one viewer's machine
func (r *Router) ConnectionStatus(viewerID string) (peer.Status, bool) {
	m, ok := r.machine(viewerID)
	if !ok {
		return peer.Status{}, false
	}
	return m.Status(), true
}

// SendOffer implements peer.Outbox
func (r *Router) SendOffer(viewerID, offerID string, desc webrtc.SessionDescription) error {
	return r.send(viewerID, domain.MessageTypeViewerOffer, "", domain.SessionDescriptionPayload{
		OfferID:            offerID,
		SessionDescription: desc,
		Direction:          domain.DirectionToViewer,
	})
}

// SendCandidate implements peer.Outbox
func (r *Router) SendCandidate(viewerID, offerID string, candidate webrtc.ICECandidateInit) error {
	return r.send(viewerID, domain.MessageTypeViewerCandidate, "", domain.CandidatePayload{
		OfferID:   offerID,
		Candidate: candidate,
		Direction: domain.DirectionToViewer,
	})
}

// onBroadcasterConnected runs inside the registry critical section
func (r *Router) onBroadcasterConnected(e *eventbus.Event) {
	p, ok := e.Data.(session.Presence)
	if !ok {
		return
	}

	r.mu.Lock()
	r.activeEpoch = p.Session.Epoch
	r.broker.Attach(p.Session.BroadcasterID)
	r.mu.Unlock()

	r.fanOut(p.Viewers, domain.MessageTypeBroadcasterConnected, presencePayload(p))
}

// onBroadcasterDisconnected runs inside the registry critical section, so
// every viewer has been told before another broadcaster can be admitted
func (r *Router) onBroadcasterDisconnected(e *eventbus.Event) {
	p, ok := e.Data.(session.Presence)
	if !ok {
		return
	}

	r.mu.Lock()
	r.activeEpoch = 0
	r.broker.Detach(p.Session.BroadcasterID)
	machines := make([]*peer.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	for _, m := range machines {
		m.Close()
	}

	r.fanOut(p.Viewers, domain.MessageTypeBroadcasterDisconnected, presencePayload(p))
}

func (r *Router) newMachine(viewerID string) *peer.Machine {
	hooks := peer.Hooks{
		OnStateChange: func(st peer.Status) {
			r.bus.PublishAsync(eventbus.NewEvent(eventbus.EventConnectionState, eventSource, st).
				WithMetadata("viewer_id", st.ViewerID).
				WithMetadata("state", st.State.String()))
		},
		OnTerminal: func(st peer.Status, err error) {
			r.replyError(st.ViewerID, err)
			r.bus.PublishAsync(eventbus.NewEvent(eventbus.EventConnectionTerminal, eventSource, st).
				WithMetadata("viewer_id", st.ViewerID))
		},
	}

	return peer.NewMachine(viewerID, r.broker.NewTransport, r, r.opts, hooks, r.logger)
}

func (r *Router) machine(viewerID string) (*peer.Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[viewerID]
	return m, ok
}

func (r *Router) dropMachine(viewerID string) {
	r.mu.Lock()
	m, ok := r.machines[viewerID]
	delete(r.machines, viewerID)
	r.mu.Unlock()

	if ok {
		m.Close()
	}
}

func (r *Router) fanOut(viewers []string, messageType domain.MessageType, payload any) {
	if len(viewers) == 0 {
		return
	}

	msg, err := domain.NewMessage(messageType, payload)
	if err != nil {
		r.logger.Error("failed to encode presence", "message_type", messageType, "error", err)
		return
	}

	if err := r.sender.SendToMany(viewers, msg); err != nil {
		r.logger.Debug("presence not delivered", "message_type", messageType, "error", err)
	}
}

func (r *Router) send(clientID string, messageType domain.MessageType, peerID string, payload any) error {
	msg, err := domain.NewMessage(messageType, payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "ENCODE_FAILED", "failed to encode message")
	}
	msg.Peer = peerID
	return r.sender.Send(clientID, msg)
}

func (r *Router) replyError(clientID string, err error) {
	payload := domain.ErrorPayload{Code: errors.CodeOf(err), Message: err.Error()}
	if payload.Code == "" {
		payload.Code = "INTERNAL"
	}
	if sendErr := r.send(clientID, domain.MessageTypeError, "", payload); sendErr != nil {
		r.logger.Debug("error reply not delivered", "client_id", clientID, "error", sendErr)
	}
}

func presencePayload(p session.Presence) domain.PresencePayload {
	return domain.PresencePayload{
		BroadcasterID: p.Session.BroadcasterID,
		StartedAt:     p.Session.StartedAt,
		Reason:        p.Reason,
	}
}
