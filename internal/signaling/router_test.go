package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/castline/internal/eventbus"
	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/internal/peer"
	"github.com/HMasataka/castline/internal/session"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/transport/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type inbox struct {
	mu   sync.Mutex
	msgs map[string][]*domain.Message
}

func newInbox() *inbox {
	return &inbox{msgs: make(map[string][]*domain.Message)}
}

func (in *inbox) Send(clientID string, msg *domain.Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs[clientID] = append(in.msgs[clientID], msg)
	return nil
}

func (in *inbox) SendToMany(clientIDs []string, msg *domain.Message) error {
	for _, id := range clientIDs {
		_ = in.Send(id, msg)
	}
	return nil
}

// take removes and returns the first message to clientID matching typ and peerID
func (in *inbox) take(t *testing.T, clientID string, typ domain.MessageType, peerID string) *domain.Message {
	t.Helper()

	var found *domain.Message
	require.Eventually(t, func() bool {
		in.mu.Lock()
		defer in.mu.Unlock()

		for i, m := range in.msgs[clientID] {
			if m.Type == typ && (peerID == "" || m.Peer == peerID) {
				found = m
				in.msgs[clientID] = append(in.msgs[clientID][:i:i], in.msgs[clientID][i+1:]...)
				return true
			}
		}
		return false
	}, waitFor, tick, "%s never received %s", clientID, typ)

	return found
}

func (in *inbox) count(clientID string, typ domain.MessageType) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	n := 0
	for _, m := range in.msgs[clientID] {
		if m.Type == typ {
			n++
		}
	}
	return n
}

type env struct {
	router   *Router
	registry *session.Registry
	inbox    *inbox
	codec    *protocol.JSONCodec
}

func newEnv(t *testing.T, opts peer.Options) *env {
	t.Helper()

	bus := eventbus.NewInMemoryBus(64)
	bus.Start(context.Background())
	t.Cleanup(bus.Stop)

	logger := logging.Discard()
	registry := session.NewRegistry(bus, logger)
	in := newInbox()

	router := NewRouter(RouterOptions{
		Registry: registry,
		EventBus: bus,
		Sender:   in,
		Machine:  opts,
		Logger:   logger,
	})
	t.Cleanup(router.Close)

	return &env{router: router, registry: registry, inbox: in, codec: protocol.NewJSONCodec()}
}

func defaultOpts() peer.Options {
	return peer.Options{MaxRetries: 5, RetryDelay: time.Hour, OfferTimeout: waitFor}
}

func (e *env) send(t *testing.T, clientID string, typ domain.MessageType, role domain.Role, peerID string, payload any) {
	t.Helper()

	msg, err := domain.NewMessage(typ, payload)
	require.NoError(t, err)
	msg.Role = role
	msg.Peer = peerID

	data, err := e.codec.Encode(msg)
	require.NoError(t, err)
	e.router.HandleMessage(context.Background(), clientID, data)
}

func (e *env) announce(t *testing.T, id string) {
	t.Helper()
	e.send(t, id, domain.MessageTypeBroadcaster, domain.RoleBroadcaster, "", nil)
	e.inbox.take(t, id, domain.MessageTypeBroadcasterConnected, "")
}

// offerFlow plays the broadcaster and the viewer up to the applied answer.
// It returns the broadcaster-hop request id and the viewer-hop offer id.
func (e *env) offerFlow(t *testing.T, broadcaster, viewer string) (string, string) {
	t.Helper()

	req := e.inbox.take(t, broadcaster, domain.MessageTypeViewerRequest, viewer)
	var rp domain.OfferRequestPayload
	require.NoError(t, req.Decode(&rp))

	e.send(t, broadcaster, domain.MessageTypeBroadcasterOffer, domain.RoleBroadcaster, viewer, domain.SessionDescriptionPayload{
		OfferID:            rp.OfferID,
		SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP},
		Direction:          domain.DirectionToViewer,
	})

	offer := e.inbox.take(t, viewer, domain.MessageTypeViewerOffer, "")
	var op domain.SessionDescriptionPayload
	require.NoError(t, offer.Decode(&op))
	assert.Equal(t, webrtc.SDPTypeOffer, op.SessionDescription.Type)

	e.send(t, viewer, domain.MessageTypeViewerAnswer, domain.RoleViewer, "", domain.SessionDescriptionPayload{
		OfferID:            op.OfferID,
		SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP},
		Direction:          domain.DirectionToBroadcaster,
	})

	ans := e.inbox.take(t, broadcaster, domain.MessageTypeBroadcasterAnswer, viewer)
	var ap domain.SessionDescriptionPayload
	require.NoError(t, ans.Decode(&ap))
	assert.Equal(t, rp.OfferID, ap.OfferID)

	return rp.OfferID, op.OfferID
}

func (e *env) reportState(t *testing.T, broadcaster, viewer, requestID string, state webrtc.PeerConnectionState) {
	t.Helper()
	e.send(t, broadcaster, domain.MessageTypeConnectionState, domain.RoleBroadcaster, viewer, domain.ConnectionStatePayload{
		OfferID: requestID,
		State:   state.String(),
	})
}

func (e *env) connectViewer(t *testing.T, broadcaster, viewer string) (string, string) {
	t.Helper()
	e.send(t, viewer, domain.MessageTypeViewerRequest, domain.RoleViewer, "", nil)
	reqID, offerID := e.offerFlow(t, broadcaster, viewer)
	e.reportState(t, broadcaster, viewer, reqID, webrtc.PeerConnectionStateConnected)
	e.requireState(t, viewer, peer.StateConnected)
	return reqID, offerID
}

func (e *env) requireState(t *testing.T, viewer string, want peer.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := e.router.ConnectionStatus(viewer)
		return ok && st.State == want
	}, waitFor, tick, "viewer %s never reached %s", viewer, want)
}

func errorCode(t *testing.T, msg *domain.Message) string {
	t.Helper()
	var p domain.ErrorPayload
	require.NoError(t, msg.Decode(&p))
	return p.Code
}

func TestSecondBroadcasterRejected(t *testing.T) {
	e := newEnv(t, defaultOpts())

	e.announce(t, "b1")

	e.send(t, "b2", domain.MessageTypeBroadcaster, domain.RoleBroadcaster, "", nil)
	e.inbox.take(t, "b2", domain.MessageTypeBroadcasterExists, "")

	assert.True(t, e.registry.IsBroadcaster("b1"))

	// announcing again is acknowledged
	e.announce(t, "b1")
}

func TestConcurrentAnnouncementsAdmitOne(t *testing.T) {
	e := newEnv(t, defaultOpts())

	ids := []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.send(t, id, domain.MessageTypeBroadcaster, domain.RoleBroadcaster, "", nil)
		}(id)
	}
	wg.Wait()

	accepted, rejected := 0, 0
	for _, id := range ids {
		accepted += e.inbox.count(id, domain.MessageTypeBroadcasterConnected)
		rejected += e.inbox.count(id, domain.MessageTypeBroadcasterExists)
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, len(ids)-1, rejected)
}

func TestViewerHandshakeAndCandidateRelay(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")

	reqID, offerID := e.connectViewer(t, "b", "v")

	mid := "0"
	viewerCand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 5000 typ host", SDPMid: &mid}
	e.send(t, "v", domain.MessageTypeViewerCandidate, domain.RoleViewer, "", domain.CandidatePayload{OfferID: offerID, Candidate: viewerCand})

	fwd := e.inbox.take(t, "b", domain.MessageTypeBroadcasterCandidate, "v")
	var fp domain.CandidatePayload
	require.NoError(t, fwd.Decode(&fp))
	assert.Equal(t, reqID, fp.OfferID)
	assert.Equal(t, viewerCand.Candidate, fp.Candidate.Candidate)

	bcastCand := webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 192.0.2.2 5000 typ host", SDPMid: &mid}
	e.send(t, "b", domain.MessageTypeBroadcasterCandidate, domain.RoleBroadcaster, "v", domain.CandidatePayload{OfferID: reqID, Candidate: bcastCand})

	got := e.inbox.take(t, "v", domain.MessageTypeViewerCandidate, "")
	var gp domain.CandidatePayload
	require.NoError(t, got.Decode(&gp))
	assert.Equal(t, offerID, gp.OfferID)
	assert.Equal(t, bcastCand.Candidate, gp.Candidate.Candidate)
	assert.Equal(t, domain.DirectionToViewer, gp.Direction)

	st := e.router.Status()
	require.NotNil(t, st.Broadcaster)
	assert.Equal(t, "b", st.Broadcaster.BroadcasterID)
	assert.Equal(t, []string{"v"}, st.Viewers)
	require.Len(t, st.Connections, 1)
	assert.Equal(t, offerID, st.Connections[0].LastOfferID)
}

func TestOneViewerFailureIsIsolated(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")

	e.connectViewer(t, "b", "a")

	e.send(t, "bv", domain.MessageTypeViewerRequest, domain.RoleViewer, "", nil)
	reqB, _ := e.offerFlow(t, "b", "bv")
	e.reportState(t, "b", "bv", reqB, webrtc.PeerConnectionStateFailed)

	e.requireState(t, "bv", peer.StateRetrying)
	st, _ := e.router.ConnectionStatus("a")
	assert.Equal(t, peer.StateConnected, st.State)
	assert.Zero(t, st.RetryCount)
}

func TestViewerWaitsForBroadcaster(t *testing.T) {
	e := newEnv(t, defaultOpts())

	e.send(t, "v", domain.MessageTypeViewerRequest, domain.RoleViewer, "", nil)
	e.inbox.take(t, "v", domain.MessageTypeNoBroadcaster, "")
	assert.True(t, e.registry.IsViewer("v"))

	e.announce(t, "b")
	notice := e.inbox.take(t, "v", domain.MessageTypeBroadcasterConnected, "")
	var p domain.PresencePayload
	require.NoError(t, notice.Decode(&p))
	assert.Equal(t, "b", p.BroadcasterID)

	e.connectViewer(t, "b", "v")
}

func TestStopBroadcastClosesEveryViewer(t *testing.T) {
	e := newEnv(t, peer.Options{MaxRetries: 5, RetryDelay: time.Millisecond, OfferTimeout: waitFor})
	e.announce(t, "b")

	viewers := []string{"v1", "v2", "v3"}
	for _, v := range viewers {
		e.connectViewer(t, "b", v)
	}

	e.send(t, "b", domain.MessageTypeStopBroadcast, domain.RoleBroadcaster, "", nil)
	e.inbox.take(t, "b", domain.MessageTypeBroadcasterDisconnected, "")

	for _, v := range viewers {
		st, ok := e.router.ConnectionStatus(v)
		require.True(t, ok)
		assert.Equal(t, peer.StateClosed, st.State)
		e.inbox.take(t, v, domain.MessageTypeBroadcasterDisconnected, "")
	}

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, e.inbox.count("b", domain.MessageTypeViewerRequest))
	for _, v := range viewers {
		st, _ := e.router.ConnectionStatus(v)
		assert.Equal(t, peer.StateClosed, st.State)
	}

	// the next broadcaster is admitted
	e.announce(t, "b2")
}

func TestBroadcasterChannelLossStopsBroadcast(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")
	e.connectViewer(t, "b", "v")

	e.router.Disconnect("b")

	_, ok := e.registry.Broadcaster()
	assert.False(t, ok)
	e.inbox.take(t, "v", domain.MessageTypeBroadcasterDisconnected, "")
	e.requireState(t, "v", peer.StateClosed)
	assert.Zero(t, e.inbox.count("b", domain.MessageTypeViewerClosed))
}

func TestViewerLeaveReleasesConnection(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")
	reqID, _ := e.connectViewer(t, "b", "v")

	e.send(t, "v", domain.MessageTypeViewerLeave, domain.RoleViewer, "", nil)

	closed := e.inbox.take(t, "b", domain.MessageTypeViewerClosed, "v")
	var p domain.OfferRequestPayload
	require.NoError(t, closed.Decode(&p))
	assert.Equal(t, reqID, p.OfferID)

	assert.False(t, e.registry.IsViewer("v"))
	_, ok := e.router.ConnectionStatus("v")
	assert.False(t, ok)
}

func TestRepeatedRequestReplacesConnection(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")
	first, _ := e.connectViewer(t, "b", "v")

	e.send(t, "v", domain.MessageTypeViewerRequest, domain.RoleViewer, "", nil)
	e.inbox.take(t, "b", domain.MessageTypeViewerClosed, "v")
	second, _ := e.offerFlow(t, "b", "v")

	assert.NotEqual(t, first, second)
	e.requireState(t, "v", peer.StateAnswerPending)
}

func TestRetryExhaustionReportedOnce(t *testing.T) {
	e := newEnv(t, peer.Options{MaxRetries: 1, RetryDelay: time.Millisecond, OfferTimeout: 20 * time.Millisecond})
	e.announce(t, "b")

	// the broadcaster never answers the offer requests
	e.send(t, "v", domain.MessageTypeViewerRequest, domain.RoleViewer, "", nil)

	msg := e.inbox.take(t, "v", domain.MessageTypeError, "")
	assert.Equal(t, "RETRY_EXHAUSTED", errorCode(t, msg))

	st, _ := e.router.ConnectionStatus("v")
	assert.Equal(t, peer.StateClosed, st.State)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, "retry_exhausted", st.ErrorType)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, e.inbox.count("v", domain.MessageTypeError))
	assert.Equal(t, 2, e.inbox.count("b", domain.MessageTypeViewerRequest))
}

func TestStaleOfferIsDroppedQuietly(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")

	e.send(t, "v", domain.MessageTypeViewerRequest, domain.RoleViewer, "", nil)
	e.inbox.take(t, "b", domain.MessageTypeViewerRequest, "v")

	e.send(t, "b", domain.MessageTypeBroadcasterOffer, domain.RoleBroadcaster, "v", domain.SessionDescriptionPayload{
		OfferID:            "not-the-request",
		SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP},
	})

	assert.Zero(t, e.inbox.count("v", domain.MessageTypeViewerOffer))
	assert.Zero(t, e.inbox.count("b", domain.MessageTypeError))
	e.requireState(t, "v", peer.StateOfferPending)
}

func TestRejectedMessagesGetErrorReply(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")

	tests := []struct {
		name   string
		client string
		send   func()
		code   string
	}{
		{"undecodable", "x", func() { e.router.HandleMessage(context.Background(), "x", []byte("{nope")) }, "MALFORMED_MESSAGE"},
		{"unknown kind", "x", func() { e.send(t, "x", "bogus", "", "", nil) }, "UNROUTABLE"},
		{"viewer sends offer", "x", func() {
			e.send(t, "x", domain.MessageTypeBroadcasterOffer, domain.RoleViewer, "v", domain.SessionDescriptionPayload{})
		}, "ROLE_MISMATCH"},
		{"broadcaster requests", "b", func() { e.send(t, "b", domain.MessageTypeViewerRequest, domain.RoleViewer, "", nil) }, "ROLE_MISMATCH"},
		{"answer without connection", "x", func() {
			e.send(t, "x", domain.MessageTypeViewerAnswer, domain.RoleViewer, "", domain.SessionDescriptionPayload{})
		}, "UNROUTABLE"},
		{"offer without peer", "b", func() {
			e.send(t, "b", domain.MessageTypeBroadcasterOffer, domain.RoleBroadcaster, "", domain.SessionDescriptionPayload{})
		}, "UNROUTABLE"},
		{"viewer claims broadcaster role", "y", func() {
			e.send(t, "y", domain.MessageTypeViewerRequest, domain.RoleBroadcaster, "", nil)
		}, "ROLE_MISMATCH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send()
			msg := e.inbox.take(t, tt.client, domain.MessageTypeError, "")
			assert.Equal(t, tt.code, errorCode(t, msg))
		})
	}

	assert.True(t, e.registry.IsBroadcaster("b"))
}

func TestMalformedPayloadFromViewer(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")
	e.connectViewer(t, "b", "v")

	msg := &domain.Message{ID: "1", Type: domain.MessageTypeViewerAnswer, Data: json.RawMessage(`"not an object"`)}
	e.router.Dispatch(context.Background(), "v", msg)

	reply := e.inbox.take(t, "v", domain.MessageTypeError, "")
	assert.Equal(t, "MALFORMED_MESSAGE", errorCode(t, reply))

	st, _ := e.router.ConnectionStatus("v")
	assert.Equal(t, peer.StateConnected, st.State)
}

func TestHandlerPanicIsContained(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.router.handlers.Register("explode", protocol.HandlerFunc(func(context.Context, *domain.Message) (*domain.Message, error) {
		panic("boom")
	}))

	assert.NotPanics(t, func() { e.send(t, "x", "explode", "", "", nil) })
	msg := e.inbox.take(t, "x", domain.MessageTypeError, "")
	assert.Equal(t, "INTERNAL", errorCode(t, msg))

	e.announce(t, "b")
}

func TestViewerBecomingBroadcasterDropsItsConnection(t *testing.T) {
	e := newEnv(t, defaultOpts())
	e.announce(t, "b")
	e.connectViewer(t, "b", "v")

	e.send(t, "b", domain.MessageTypeStopBroadcast, domain.RoleBroadcaster, "", nil)
	e.announce(t, "v")

	assert.False(t, e.registry.IsViewer("v"))
	_, ok := e.router.ConnectionStatus("v")
	assert.False(t, ok)
}
