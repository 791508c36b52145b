// Package relay stands in for the broadcaster's media engine on the service
// side. Each Transport forwards one viewer's handshake to the broadcaster
// over the signaling channel and routes the broadcaster's replies back.
package relay

import (
	"sync"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/internal/peer"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
)

// Sender delivers a message to one connected client
type Sender interface {
	Send(clientID string, msg *domain.Message) error
}

var _ peer.Transport = (*Transport)(nil)

// Broker builds relay transports towards the attached broadcaster
type Broker struct {
	sender Sender
	logger *logging.Logger

	mu            sync.Mutex
	broadcasterID string
	transports    map[string]*Transport
}

// NewBroker creates a broker with no broadcaster attached
func NewBroker(sender Sender, logger *logging.Logger) *Broker {
	return &Broker{
		sender:     sender,
		logger:     logger,
		transports: make(map[string]*Transport),
	}
}

// Attach makes broadcasterID the engine new transports talk to
func (b *Broker) Attach(broadcasterID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.broadcasterID = broadcasterID
}

// Detach forgets broadcasterID if it is the attached one
func (b *Broker) Detach(broadcasterID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.broadcasterID == broadcasterID {
		b.broadcasterID = ""
	}
}

// Attached returns the attached broadcaster, if any
func (b *Broker) Attached() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.broadcasterID, b.broadcasterID != ""
}

func (b *Broker) attachedTo(broadcasterID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.broadcasterID == broadcasterID
}

// NewTransport is a peer.TransportFactory. It fails with
// ErrTransportUnavailable when no broadcaster is attached.
func (b *Broker) NewTransport(viewerID string) (peer.Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.broadcasterID == "" {
		return nil, errors.ErrTransportUnavailable
	}

	t := &Transport{
		broker:        b,
		viewerID:      viewerID,
		broadcasterID: b.broadcasterID,
		requestID:     xid.New().String(),
		offers:        make(chan offerResult, 1),
		done:          make(chan struct{}),
	}
	b.transports[viewerID] = t
	return t, nil
}

// HandleOffer delivers the broadcaster's offer for viewerID
func (b *Broker) HandleOffer(viewerID string, p domain.SessionDescriptionPayload) error {
	t, err := b.lookup(viewerID, p.OfferID)
	if err != nil {
		return err
	}

	res := offerResult{desc: p.SessionDescription}
	if p.SessionDescription.Type != webrtc.SDPTypeOffer {
		res.err = errors.ErrNegotiation.Because(errors.New(errors.ErrorTypeValidation, "SDP_TYPE", "expected offer, got "+p.SessionDescription.Type.String()))
	} else if verr := validateSDP(p.SessionDescription.SDP); verr != nil {
		res.err = verr
	}

	select {
	case t.offers <- res:
		return nil
	default:
		return errors.ErrLateMessage
	}
}

// HandleCandidate delivers a broadcaster candidate for viewerID
func (b *Broker) HandleCandidate(viewerID string, p domain.CandidatePayload) error {
	t, err := b.lookup(viewerID, p.OfferID)
	if err != nil {
		return err
	}

	if fn := t.candidateHandler(); fn != nil {
		fn(p.Candidate)
	}
	return nil
}

// HandleState delivers the broadcaster's connection state for viewerID
func (b *Broker) HandleState(viewerID string, p domain.ConnectionStatePayload) error {
	state := parsePeerState(p.State)
	if state == webrtc.PeerConnectionStateUnknown {
		return errors.ErrMalformedMessage.Because(errors.New(errors.ErrorTypeValidation, "PEER_STATE", "unknown connection state "+p.State))
	}

	t, err := b.lookup(viewerID, p.OfferID)
	if err != nil {
		return err
	}

	if fn := t.stateHandler(); fn != nil {
		fn(state)
	}
	return nil
}

// lookup finds the live transport of viewerID whose request id matches.
// The broker lock is released before any callback runs.
func (b *Broker) lookup(viewerID, requestID string) (*Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.transports[viewerID]
	if !ok || t.requestID != requestID {
		return nil, errors.ErrLateMessage
	}
	return t, nil
}

func (b *Broker) remove(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.transports[t.viewerID] == t {
		delete(b.transports, t.viewerID)
	}
}

func (b *Broker) sendToBroadcaster(t *Transport, messageType domain.MessageType, payload any) error {
	msg, err := domain.NewMessage(messageType, payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "ENCODE_FAILED", "failed to encode message")
	}
	msg.Role = domain.RoleViewer
	msg.Peer = t.viewerID

	if err := b.sender.Send(t.broadcasterID, msg); err != nil {
		return errors.ErrTransportUnavailable.Because(err)
	}
	return nil
}

// parsePeerState maps a reported state name to its pion constant. Unknown
// names map to PeerConnectionStateUnknown.
func parsePeerState(name string) webrtc.PeerConnectionState {
	switch name {
	case "new":
		return webrtc.PeerConnectionStateNew
	case "connecting":
		return webrtc.PeerConnectionStateConnecting
	case "connected":
		return webrtc.PeerConnectionStateConnected
	case "disconnected":
		return webrtc.PeerConnectionStateDisconnected
	case "failed":
		return webrtc.PeerConnectionStateFailed
	case "closed":
		return webrtc.PeerConnectionStateClosed
	default:
		return webrtc.PeerConnectionStateUnknown
	}
}
