package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/internal/peer"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type sent struct {
	to  string
	msg *domain.Message
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	ch   chan sent
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan sent, 64)}
}

func (s *fakeSender) Send(clientID string, msg *domain.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, sent{clientID, msg})
	s.mu.Unlock()
	s.ch <- sent{clientID, msg}
	return nil
}

func (s *fakeSender) next(t *testing.T) sent {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message sent")
		return sent{}
	}
}

func offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
}

func answer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}
}

func newAttached(t *testing.T) (*Broker, *fakeSender) {
	t.Helper()
	sender := newFakeSender()
	b := NewBroker(sender, logging.Discard())
	b.Attach("bcast")
	return b, sender
}

func TestNoBroadcasterMeansUnavailable(t *testing.T) {
	b := NewBroker(newFakeSender(), logging.Discard())

	_, err := b.NewTransport("v1")
	assert.True(t, errors.Is(err, errors.ErrTransportUnavailable))

	b.Attach("bcast")
	b.Detach("someone-else")
	_, ok := b.Attached()
	assert.True(t, ok)

	b.Detach("bcast")
	_, err = b.NewTransport("v1")
	assert.True(t, errors.Is(err, errors.ErrTransportUnavailable))
}

func TestCreateOfferRoundTrip(t *testing.T) {
	b, sender := newAttached(t)

	tr, err := b.NewTransport("v1")
	require.NoError(t, err)

	type result struct {
		desc webrtc.SessionDescription
		err  error
	}
	done := make(chan result, 1)
	go func() {
		desc, err := tr.CreateOffer(context.Background())
		done <- result{desc, err}
	}()

	req := sender.next(t)
	assert.Equal(t, "bcast", req.to)
	assert.Equal(t, domain.MessageTypeViewerRequest, req.msg.Type)
	assert.Equal(t, "v1", req.msg.Peer)

	var p domain.OfferRequestPayload
	require.NoError(t, req.msg.Decode(&p))
	assert.Equal(t, tr.(*Transport).RequestID(), p.OfferID)

	assert.True(t, errors.Is(b.HandleOffer("v1", domain.SessionDescriptionPayload{OfferID: "stale", SessionDescription: offer()}), errors.ErrLateMessage))
	require.NoError(t, b.HandleOffer("v1", domain.SessionDescriptionPayload{OfferID: p.OfferID, SessionDescription: offer()}))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, offer(), res.desc)
}

func TestInvalidOfferFailsCreateOffer(t *testing.T) {
	b, sender := newAttached(t)
	tr, err := b.NewTransport("v1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.CreateOffer(context.Background())
		errCh <- err
	}()

	sender.next(t)
	bad := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"}
	require.NoError(t, b.HandleOffer("v1", domain.SessionDescriptionPayload{OfferID: tr.(*Transport).RequestID(), SessionDescription: bad}))

	assert.True(t, errors.Is(<-errCh, errors.ErrNegotiation))
}

func TestCreateOfferUnblocksOnClose(t *testing.T) {
	b, sender := newAttached(t)
	tr, err := b.NewTransport("v1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.CreateOffer(context.Background())
		errCh <- err
	}()
	sender.next(t)

	require.NoError(t, tr.Close())
	assert.True(t, errors.Is(<-errCh, errors.ErrTransportUnavailable))

	closed := sender.next(t)
	assert.Equal(t, domain.MessageTypeViewerClosed, closed.msg.Type)
	assert.Equal(t, "v1", closed.msg.Peer)

	require.NoError(t, tr.Close())
	assert.True(t, errors.Is(b.HandleState("v1", domain.ConnectionStatePayload{OfferID: tr.(*Transport).RequestID(), State: "connected"}), errors.ErrLateMessage))
}

func TestAnswerValidationAndForwarding(t *testing.T) {
	b, sender := newAttached(t)
	tr, err := b.NewTransport("v1")
	require.NoError(t, err)

	assert.True(t, errors.Is(tr.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}), errors.ErrCandidateTooEarly))

	assert.True(t, errors.Is(tr.SetRemoteDescription(offer()), errors.ErrNegotiation))
	assert.True(t, errors.Is(tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "garbage"}), errors.ErrNegotiation))

	require.NoError(t, tr.SetRemoteDescription(answer()))
	fwd := sender.next(t)
	assert.Equal(t, domain.MessageTypeBroadcasterAnswer, fwd.msg.Type)

	var p domain.SessionDescriptionPayload
	require.NoError(t, fwd.msg.Decode(&p))
	assert.Equal(t, answer(), p.SessionDescription)
	assert.Equal(t, domain.DirectionToBroadcaster, p.Direction)

	require.NoError(t, tr.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	cand := sender.next(t)
	assert.Equal(t, domain.MessageTypeBroadcasterCandidate, cand.msg.Type)
}

func TestCallbacksRoutedByRequestID(t *testing.T) {
	b, _ := newAttached(t)
	tr, err := b.NewTransport("v1")
	require.NoError(t, err)
	reqID := tr.(*Transport).RequestID()

	var states []webrtc.PeerConnectionState
	var cands []webrtc.ICECandidateInit
	tr.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { states = append(states, s) })
	tr.OnICECandidate(func(c webrtc.ICECandidateInit) { cands = append(cands, c) })

	require.NoError(t, b.HandleState("v1", domain.ConnectionStatePayload{OfferID: reqID, State: "connected"}))
	require.NoError(t, b.HandleCandidate("v1", domain.CandidatePayload{OfferID: reqID, Candidate: webrtc.ICECandidateInit{Candidate: "candidate:9"}}))

	assert.True(t, errors.Is(b.HandleState("v1", domain.ConnectionStatePayload{OfferID: reqID, State: "bogus"}), errors.ErrMalformedMessage))
	assert.True(t, errors.Is(b.HandleCandidate("v2", domain.CandidatePayload{OfferID: reqID}), errors.ErrLateMessage))

	assert.Equal(t, []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected}, states)
	require.Len(t, cands, 1)
	assert.Equal(t, "candidate:9", cands[0].Candidate)
}

type viewerOutbox struct {
	offers chan string
}

func (o *viewerOutbox) SendOffer(_, offerID string, _ webrtc.SessionDescription) error {
	o.offers <- offerID
	return nil
}

func (o *viewerOutbox) SendCandidate(string, string, webrtc.ICECandidateInit) error {
	return nil
}

func TestMachineOverRelay(t *testing.T) {
	b, sender := newAttached(t)
	outbox := &viewerOutbox{offers: make(chan string, 1)}

	m := peer.NewMachine("v1", b.NewTransport, outbox, peer.DefaultOptions(), peer.Hooks{}, logging.Discard())
	defer m.Close()
	require.NoError(t, m.Start())

	req := sender.next(t)
	var p domain.OfferRequestPayload
	require.NoError(t, req.msg.Decode(&p))
	require.NoError(t, b.HandleOffer("v1", domain.SessionDescriptionPayload{OfferID: p.OfferID, SessionDescription: offer()}))

	offerID := <-outbox.offers
	require.NoError(t, m.HandleAnswer(offerID, answer()))
	assert.Equal(t, domain.MessageTypeBroadcasterAnswer, sender.next(t).msg.Type)

	require.NoError(t, b.HandleState("v1", domain.ConnectionStatePayload{OfferID: p.OfferID, State: "connected"}))
	assert.Equal(t, peer.StateConnected, m.State())

	m.Close()
	assert.Equal(t, domain.MessageTypeViewerClosed, sender.next(t).msg.Type)
}

func TestParsePeerStateRoundTripsPionNames(t *testing.T) {
	for _, s := range []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateNew,
		webrtc.PeerConnectionStateConnecting,
		webrtc.PeerConnectionStateConnected,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed,
	} {
		assert.Equal(t, s, parsePeerState(s.String()), s.String())
	}

	assert.Equal(t, webrtc.PeerConnectionStateUnknown, parsePeerState(""))
	assert.Equal(t, webrtc.PeerConnectionStateUnknown, parsePeerState("Connected"))
}
