package agent

import (
	"context"
	"sync"

	"github.com/HMasataka/castline/internal/logging"
	cwebrtc "github.com/HMasataka/castline/internal/webrtc"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/HMasataka/castline/pkg/signaling"
	"github.com/pion/webrtc/v4"
)

// Viewer status messages
const (
	StatusRequesting       = "requesting stream"
	StatusNoBroadcast      = "no broadcast available"
	StatusBroadcastFound   = "broadcaster connected, requesting stream"
	StatusNegotiating      = "negotiating connection"
	StatusWatching         = "connected"
	StatusInterrupted      = "connection interrupted"
	StatusBroadcastEnded   = "broadcast ended"
	StatusRetriesExhausted = "connection failed after retries"
)

// ViewerOptions wires a Viewer
type ViewerOptions struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Logger     *logging.Logger
}

// ViewerStatus is a snapshot for status output
type ViewerStatus struct {
	Message string                                 `json:"message"`
	OfferID string                                 `json:"offer_id,omitempty"`
	State   string                                 `json:"state"`
	Tracks  map[string]cwebrtc.TrackStatsSnapshot `json:"tracks"`
}

// Viewer requests the broadcast and answers the offers the service sends
type Viewer struct {
	client *signaling.Client
	opts   ViewerOptions
	logger *logging.Logger

	mu      sync.Mutex
	message string
	offerID string
	state   webrtc.PeerConnectionState
	peer    *cwebrtc.Peer
	cancel  context.CancelFunc
	stats   map[string]*cwebrtc.TrackStats
}

// NewViewer registers the viewer's handlers on client. The stream is
// requested on every (re)connection and whenever a broadcaster appears.
func NewViewer(client *signaling.Client, opts ViewerOptions) *Viewer {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	v := &Viewer{
		client:  client,
		opts:    opts,
		logger:  opts.Logger.With("component", "viewer"),
		message: StatusConnecting,
		state:   webrtc.PeerConnectionStateNew,
		stats:   make(map[string]*cwebrtc.TrackStats),
	}

	client.OnConnect(func(context.Context) {
		v.request(StatusRequesting)
	})

	client.OnMessage(domain.MessageTypeNoBroadcaster, v.handleNoBroadcaster)
	client.OnMessage(domain.MessageTypeBroadcasterConnected, v.handleBroadcasterConnected)
	client.OnMessage(domain.MessageTypeBroadcasterDisconnected, v.handleBroadcasterDisconnected)
	client.OnMessage(domain.MessageTypeViewerOffer, v.handleOffer)
	client.OnMessage(domain.MessageTypeViewerCandidate, v.handleCandidate)
	client.OnMessage(domain.MessageTypeError, v.handleError)

	return v
}

// Refresh asks for the stream again
func (v *Viewer) Refresh() error {
	return v.request(StatusRequesting)
}

// Leave stops watching and releases the peer
func (v *Viewer) Leave() error {
	v.closePeer()
	return v.client.Leave()
}

// Status returns the current viewer status
func (v *Viewer) Status() ViewerStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	tracks := make(map[string]cwebrtc.TrackStatsSnapshot, len(v.stats))
	for kind, s := range v.stats {
		tracks[kind] = s.Snapshot()
	}

	return ViewerStatus{
		Message: v.message,
		OfferID: v.offerID,
		State:   v.state.String(),
		Tracks:  tracks,
	}
}

func (v *Viewer) request(message string) error {
	v.setMessage(message)
	if err := v.client.RequestStream(); err != nil {
		v.logger.Error("failed to request stream", "error", err)
		return err
	}
	return nil
}

func (v *Viewer) handleNoBroadcaster(_ context.Context, _ *domain.Message) error {
	v.setMessage(StatusNoBroadcast)
	return nil
}

func (v *Viewer) handleBroadcasterConnected(_ context.Context, _ *domain.Message) error {
	return v.request(StatusBroadcastFound)
}

func (v *Viewer) handleBroadcasterDisconnected(_ context.Context, _ *domain.Message) error {
	v.closePeer()
	v.setMessage(StatusBroadcastEnded)
	return nil
}

// handleOffer replaces the current peer with one answering this offer. The
// offer id is echoed on the answer and on every candidate.
func (v *Viewer) handleOffer(ctx context.Context, msg *domain.Message) error {
	var p domain.SessionDescriptionPayload
	if err := msg.Decode(&p); err != nil {
		return errors.ErrMalformedMessage.Because(err)
	}

	v.closePeer()

	pc, err := cwebrtc.NewPeer("viewer", cwebrtc.PeerOptions{
		API:        v.opts.API,
		ICEServers: v.opts.ICEServers,
		Logger:     v.opts.Logger,
	})
	if err != nil {
		return err
	}

	offerID := p.OfferID
	logger := v.logger.With("offer_id", offerID)
	trackCtx, cancel := context.WithCancel(context.Background())

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		stats := v.trackStats(track.Kind().String())
		go func() {
			if err := cwebrtc.ReadTrack(trackCtx, track, stats); err != nil {
				logger.Debug("track reader stopped", "error", err)
			}
		}()
	})
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := v.client.SendViewerCandidate(offerID, c); err != nil {
			logger.Debug("candidate not sent", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !v.setState(offerID, s) {
			return
		}
		if err := v.client.ReportState(domain.RoleViewer, "", offerID, s); err != nil {
			logger.Debug("state not reported", "error", err)
		}
	})

	v.mu.Lock()
	v.peer = pc
	v.offerID = offerID
	v.cancel = cancel
	v.state = webrtc.PeerConnectionStateNew
	v.message = StatusNegotiating
	v.mu.Unlock()

	if err := pc.SetRemoteDescription(p.SessionDescription); err != nil {
		v.closePeer()
		return err
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		v.closePeer()
		return err
	}

	if err := v.client.SendAnswer(offerID, answer); err != nil {
		v.closePeer()
		return err
	}

	logger.Info("answer sent")
	return nil
}

func (v *Viewer) handleCandidate(_ context.Context, msg *domain.Message) error {
	var p domain.CandidatePayload
	if err := msg.Decode(&p); err != nil {
		return errors.ErrMalformedMessage.Because(err)
	}

	v.mu.Lock()
	pc := v.peer
	current := v.offerID
	v.mu.Unlock()

	if pc == nil || p.OfferID != current {
		return errors.ErrLateMessage
	}
	return pc.AddICECandidate(p.Candidate)
}

func (v *Viewer) handleError(_ context.Context, msg *domain.Message) error {
	var p domain.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		return errors.ErrMalformedMessage.Because(err)
	}

	v.logger.Warn("service reported an error", "code", p.Code, "message", p.Message)

	if p.Code == errors.ErrRetryExhausted.Code {
		v.closePeer()
		v.setMessage(StatusRetriesExhausted)
	}
	return nil
}

// setState records s for the peer answering offerID. It reports false for
// a peer that has been replaced.
func (v *Viewer) setState(offerID string, s webrtc.PeerConnectionState) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if offerID != v.offerID || v.peer == nil {
		return false
	}

	v.state = s
	switch s {
	case webrtc.PeerConnectionStateConnected:
		v.message = StatusWatching
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		v.message = StatusInterrupted
	}
	return true
}

func (v *Viewer) setMessage(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.message = message
}

func (v *Viewer) trackStats(kind string) *cwebrtc.TrackStats {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.stats[kind]
	if !ok {
		s = &cwebrtc.TrackStats{}
		v.stats[kind] = s
	}
	return s
}

func (v *Viewer) closePeer() {
	v.mu.Lock()
	pc := v.peer
	cancel := v.cancel
	v.peer = nil
	v.cancel = nil
	v.state = webrtc.PeerConnectionStateClosed
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pc != nil {
		pc.Close()
	}
}
