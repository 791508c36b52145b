package relay

import (
	"context"
	"sync"

	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

type offerResult struct {
	desc webrtc.SessionDescription
	err  error
}

// Transport proxies one viewer's connection attempt to the broadcaster
type Transport struct {
	broker        *Broker
	viewerID      string
	broadcasterID string
	requestID     string
	offers        chan offerResult
	done          chan struct{}

	mu        sync.Mutex
	requested bool
	remoteSet bool
	closed    bool
	onState   func(webrtc.PeerConnectionState)
	onCand    func(webrtc.ICECandidateInit)
}

// RequestID identifies this attempt on the broadcaster hop
func (t *Transport) RequestID() string {
	return t.requestID
}

// CreateOffer asks the broadcaster for an offer and waits for it
func (t *Transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, errors.ErrTransportUnavailable
	}
	t.requested = true
	t.mu.Unlock()

	err := t.broker.sendToBroadcaster(t, domain.MessageTypeViewerRequest, domain.OfferRequestPayload{OfferID: t.requestID})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	select {
	case res := <-t.offers:
		return res.desc, res.err
	case <-t.done:
		return webrtc.SessionDescription{}, errors.ErrTransportUnavailable
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

// SetRemoteDescription validates the viewer's answer and forwards it
func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeAnswer {
		return errors.ErrNegotiation.Because(errors.New(errors.ErrorTypeValidation, "SDP_TYPE", "expected answer, got "+desc.Type.String()))
	}
	if err := validateSDP(desc.SDP); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.ErrTransportUnavailable
	}

	err := t.broker.sendToBroadcaster(t, domain.MessageTypeBroadcasterAnswer, domain.SessionDescriptionPayload{
		OfferID:            t.requestID,
		SessionDescription: desc,
		Direction:          domain.DirectionToBroadcaster,
	})
	if err != nil {
		return err
	}
	t.remoteSet = true
	return nil
}

// AddICECandidate forwards a viewer candidate once the answer has gone out
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.ErrTransportUnavailable
	}
	if !t.remoteSet {
		return errors.ErrCandidateTooEarly
	}

	return t.broker.sendToBroadcaster(t, domain.MessageTypeBroadcasterCandidate, domain.CandidatePayload{
		OfferID:   t.requestID,
		Candidate: candidate,
		Direction: domain.DirectionToBroadcaster,
	})
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCand = fn
}

// Close detaches the transport and tells the broadcaster to drop its peer
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	requested := t.requested
	close(t.done)
	t.mu.Unlock()

	t.broker.remove(t)

	if !requested || !t.broker.attachedTo(t.broadcasterID) {
		return nil
	}
	return t.broker.sendToBroadcaster(t, domain.MessageTypeViewerClosed, domain.OfferRequestPayload{OfferID: t.requestID})
}

func (t *Transport) stateHandler() func(webrtc.PeerConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.onState
}

func (t *Transport) candidateHandler() func(webrtc.ICECandidateInit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.onCand
}

// validateSDP checks that raw parses as a session description
func validateSDP(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return errors.ErrNegotiation.Because(err)
	}
	return nil
}
