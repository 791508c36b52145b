// Package agent contains the headless peers that talk to the rendezvous
// service: a broadcaster publishing local tracks and a viewer receiving them.
package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/HMasataka/castline/internal/logging"
	cwebrtc "github.com/HMasataka/castline/internal/webrtc"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/HMasataka/castline/pkg/signaling"
	"github.com/pion/webrtc/v4"
)

// Broadcaster status messages
const (
	StatusConnecting       = "connecting to signaling server"
	StatusBroadcasting     = "broadcasting, waiting for viewers"
	StatusBroadcastStopped = "broadcasting stopped"
	StatusAlreadyActive    = "broadcaster already active"
)

// BroadcasterOptions wires a Broadcaster
type BroadcasterOptions struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Tracks     *cwebrtc.Tracks
	Logger     *logging.Logger
}

// BroadcasterStatus is a snapshot for status output
type BroadcasterStatus struct {
	Live    bool     `json:"live"`
	Message string   `json:"message"`
	Viewers []string `json:"viewers"`
}

// Broadcaster claims the broadcaster role and serves one peer connection per
// viewer request relayed by the service
type Broadcaster struct {
	client *signaling.Client
	opts   BroadcasterOptions
	logger *logging.Logger

	mu      sync.Mutex
	live    bool
	message string
	peers   map[string]*viewerPeer
	stopped chan struct{}
}

type viewerPeer struct {
	requestID string
	peer      *cwebrtc.Peer
}

// NewBroadcaster registers the broadcaster's handlers on client. The role is
// claimed on every (re)connection.
func NewBroadcaster(client *signaling.Client, opts BroadcasterOptions) *Broadcaster {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	b := &Broadcaster{
		client:  client,
		opts:    opts,
		logger:  opts.Logger.With("component", "broadcaster"),
		message: StatusConnecting,
		peers:   make(map[string]*viewerPeer),
		stopped: make(chan struct{}, 1),
	}

	client.OnConnect(func(context.Context) {
		if err := client.Announce(); err != nil {
			b.logger.Error("failed to announce", "error", err)
		}
	})

	client.OnMessage(domain.MessageTypeBroadcasterConnected, b.handleConnected)
	client.OnMessage(domain.MessageTypeBroadcasterExists, b.handleExists)
	client.OnMessage(domain.MessageTypeBroadcasterDisconnected, b.handleDisconnected)
	client.OnMessage(domain.MessageTypeViewerRequest, b.handleViewerRequest)
	client.OnMessage(domain.MessageTypeBroadcasterAnswer, b.handleAnswer)
	client.OnMessage(domain.MessageTypeBroadcasterCandidate, b.handleCandidate)
	client.OnMessage(domain.MessageTypeViewerClosed, b.handleViewerClosed)
	client.OnMessage(domain.MessageTypeError, b.handleError)

	return b
}

// Status returns the current broadcaster status
func (b *Broadcaster) Status() BroadcasterStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	viewers := make([]string, 0, len(b.peers))
	for id := range b.peers {
		viewers = append(viewers, id)
	}
	sort.Strings(viewers)

	return BroadcasterStatus{Live: b.live, Message: b.message, Viewers: viewers}
}

// Stop ends the broadcast and waits for the service to confirm it, then
// closes every viewer peer
func (b *Broadcaster) Stop(ctx context.Context) error {
	defer b.closeAll()

	b.mu.Lock()
	live := b.live
	b.mu.Unlock()
	if !live {
		return nil
	}

	select {
	case <-b.stopped:
	default:
	}

	if err := b.client.StopBroadcast(); err != nil {
		return err
	}

	select {
	case <-b.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) handleConnected(_ context.Context, _ *domain.Message) error {
	b.setStatus(true, StatusBroadcasting)
	b.logger.Info("broadcast started")
	return nil
}

func (b *Broadcaster) handleExists(_ context.Context, _ *domain.Message) error {
	b.setStatus(false, StatusAlreadyActive)
	b.logger.Warn("another broadcaster is already active")
	return nil
}

func (b *Broadcaster) handleDisconnected(_ context.Context, _ *domain.Message) error {
	b.setStatus(false, StatusBroadcastStopped)
	b.closeAll()

	select {
	case b.stopped <- struct{}{}:
	default:
	}
	return nil
}

// handleViewerRequest builds a fresh peer for the viewer named in the
// message and sends it an offer keyed by the request id
func (b *Broadcaster) handleViewerRequest(ctx context.Context, msg *domain.Message) error {
	viewerID := msg.Peer
	var req domain.OfferRequestPayload
	if err := msg.Decode(&req); err != nil || viewerID == "" {
		return errors.ErrMalformedMessage
	}

	logger := b.logger.With("viewer_id", viewerID, "request_id", req.OfferID)

	p, err := cwebrtc.NewPeer(viewerID, cwebrtc.PeerOptions{
		API:        b.opts.API,
		ICEServers: b.opts.ICEServers,
		Logger:     b.opts.Logger,
	})
	if err != nil {
		return err
	}

	if b.opts.Tracks != nil {
		if err := b.opts.Tracks.AddTo(p); err != nil {
			p.Close()
			return err
		}
	}

	p.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := b.client.SendBroadcasterCandidate(viewerID, req.OfferID, c); err != nil {
			logger.Debug("candidate not sent", "error", err)
		}
	})
	p.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if err := b.client.ReportState(domain.RoleBroadcaster, viewerID, req.OfferID, s); err != nil {
			logger.Debug("state not reported", "error", err)
		}
	})

	b.replace(viewerID, &viewerPeer{requestID: req.OfferID, peer: p})

	offer, err := p.CreateOffer(ctx)
	if err != nil {
		b.remove(viewerID, req.OfferID)
		return err
	}

	if err := b.client.SendOffer(viewerID, req.OfferID, offer); err != nil {
		b.remove(viewerID, req.OfferID)
		return err
	}

	logger.Info("offer sent")
	return nil
}

func (b *Broadcaster) handleAnswer(_ context.Context, msg *domain.Message) error {
	var p domain.SessionDescriptionPayload
	if err := msg.Decode(&p); err != nil {
		return errors.ErrMalformedMessage.Because(err)
	}

	vp, ok := b.lookup(msg.Peer, p.OfferID)
	if !ok {
		return errors.ErrLateMessage
	}
	return vp.peer.SetRemoteDescription(p.SessionDescription)
}

func (b *Broadcaster) handleCandidate(_ context.Context, msg *domain.Message) error {
	var p domain.CandidatePayload
	if err := msg.Decode(&p); err != nil {
		return errors.ErrMalformedMessage.Because(err)
	}

	vp, ok := b.lookup(msg.Peer, p.OfferID)
	if !ok {
		return errors.ErrLateMessage
	}
	return vp.peer.AddICECandidate(p.Candidate)
}

func (b *Broadcaster) handleViewerClosed(_ context.Context, msg *domain.Message) error {
	var p domain.OfferRequestPayload
	if err := msg.Decode(&p); err != nil {
		return errors.ErrMalformedMessage.Because(err)
	}

	if b.remove(msg.Peer, p.OfferID) {
		b.logger.Info("viewer peer closed", "viewer_id", msg.Peer)
	}
	return nil
}

func (b *Broadcaster) handleError(_ context.Context, msg *domain.Message) error {
	var p domain.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		return errors.ErrMalformedMessage.Because(err)
	}
	b.logger.Warn("service reported an error", "code", p.Code, "message", p.Message)
	return nil
}

func (b *Broadcaster) setStatus(live bool, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = live
	b.message = message
}

func (b *Broadcaster) lookup(viewerID, requestID string) (*viewerPeer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	vp, ok := b.peers[viewerID]
	if !ok || vp.requestID != requestID {
		return nil, false
	}
	return vp, true
}

func (b *Broadcaster) replace(viewerID string, vp *viewerPeer) {
	b.mu.Lock()
	old := b.peers[viewerID]
	b.peers[viewerID] = vp
	b.mu.Unlock()

	if old != nil {
		old.peer.Close()
	}
}

// remove closes the viewer's peer if it still serves requestID
func (b *Broadcaster) remove(viewerID, requestID string) bool {
	b.mu.Lock()
	vp, ok := b.peers[viewerID]
	if ok && vp.requestID == requestID {
		delete(b.peers, viewerID)
	} else {
		ok = false
	}
	b.mu.Unlock()

	if ok {
		vp.peer.Close()
	}
	return ok
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[string]*viewerPeer)
	b.mu.Unlock()

	for _, vp := range peers {
		vp.peer.Close()
	}
}
