package webrtc

import (
	"context"
	"sync"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/internal/peer"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/pion/webrtc/v4"
)

// PeerOptions represents options for a peer connection
type PeerOptions struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Logger     *logging.Logger
}

// Peer wraps a pion peer connection. Remote candidates that arrive before
// the remote description are queued and applied once it is set.
type Peer struct {
	id     string
	pc     *webrtc.PeerConnection
	logger *logging.Logger

	mu          sync.Mutex
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

var _ peer.Transport = (*Peer)(nil)

// NewPeer creates a peer connection identified by id in logs
func NewPeer(id string, opts PeerOptions) (*Peer, error) {
	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(DefaultAPIOptions()); err != nil {
			return nil, err
		}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   opts.ICEServers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWebRTC, "PEER_CONNECTION", "failed to create peer connection")
	}

	p := &Peer{
		id:     id,
		pc:     pc,
		logger: opts.Logger.With("peer_id", id),
	}
	p.setupEventHandlers()

	return p, nil
}

// ID returns the peer id
func (p *Peer) ID() string {
	return p.id
}

// CreateOffer creates an offer and sets it as the local description
func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, errors.ErrorTypeWebRTC, "CREATE_OFFER", "failed to create offer")
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, errors.ErrorTypeWebRTC, "LOCAL_DESCRIPTION", "failed to set local description")
	}

	p.logger.Debug("created offer")
	return offer, nil
}

// CreateAnswer answers the applied remote offer and sets it as the local description
func (p *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, errors.ErrorTypeWebRTC, "CREATE_ANSWER", "failed to create answer")
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, errors.ErrorTypeWebRTC, "LOCAL_DESCRIPTION", "failed to set local description")
	}

	p.logger.Debug("created answer")
	return answer, nil
}

// SetRemoteDescription applies desc and flushes queued candidates
func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return errors.ErrNegotiation.Because(err)
	}
	p.logger.Debug("set remote description", "type", desc.Type.String())

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn("failed to add queued candidate", "error", err)
		}
	}
	return nil
}

// AddICECandidate applies a remote candidate, queueing it until the remote
// description is set
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		p.logger.Debug("queued candidate")
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(candidate); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCandidate, "ADD_CANDIDATE", "failed to add candidate")
	}
	return nil
}

// AddTrack sends track to the remote side. RTCP from the receiver is read
// and discarded so the interceptors see it.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWebRTC, "ADD_TRACK", "failed to add track")
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	p.logger.Info("added track", "track_id", track.ID(), "kind", track.Kind().String())
	return nil
}

// OnICECandidate sets the handler for locally gathered candidates
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

// OnConnectionStateChange sets the connection state handler
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// OnTrack sets the handler for incoming media
func (p *Peer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// ConnectionState returns the current connection state
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close closes the peer connection
func (p *Peer) Close() error {
	return p.pc.Close()
}

func (p *Peer) setupEventHandlers() {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}

		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()

		if fn != nil {
			fn(candidate.ToJSON())
		}
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("connection state changed", "state", state.String())

		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()

		if fn != nil {
			fn(state)
		}
	})

	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE connection state changed", "state", state.String())
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info("track received",
			"track_id", track.ID(),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)

		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()

		if fn != nil {
			fn(track, receiver)
		}
	})
}
