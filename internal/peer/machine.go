// Package peer drives the offer/answer/candidate handshake for one viewer.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Machine is the connection state machine of one broadcaster-viewer pair.
//
// Transport and Outbox calls happen under the machine lock; hooks run after
// it is released. Every attempt gets a number, and callbacks or timers that
// belong to an earlier attempt are ignored.
type Machine struct {
	viewerID string
	opts     Options
	factory  TransportFactory
	outbox   Outbox
	hooks    Hooks
	logger   *logging.Logger

	mu       sync.Mutex
	notifyMu sync.Mutex
	fx       []func()

	state      State
	retryCount int
	attempt    uint64
	offerID    string
	transport  Transport
	cancel     context.CancelFunc
	retryTimer *time.Timer
	lastErr    error
	updatedAt  time.Time

	remoteSet    bool
	linkUp       bool
	pending      []webrtc.ICECandidateInit
	applied      map[candidateKey]struct{}
	localPending []webrtc.ICECandidateInit
}

type candidateKey struct {
	candidate string
	mid       string
	index     uint16
}

func keyOf(c webrtc.ICECandidateInit) candidateKey {
	k := candidateKey{candidate: c.Candidate}
	if c.SDPMid != nil {
		k.mid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		k.index = *c.SDPMLineIndex
	}
	return k
}

// NewMachine creates an idle machine for viewerID
func NewMachine(viewerID string, factory TransportFactory, outbox Outbox, opts Options, hooks Hooks, logger *logging.Logger) *Machine {
	return &Machine{
		viewerID:  viewerID,
		opts:      opts,
		factory:   factory,
		outbox:    outbox,
		hooks:     hooks,
		logger:    logger.With("viewer_id", viewerID),
		state:     StateIdle,
		updatedAt: time.Now(),
	}
}

// ViewerID returns the viewer this machine serves
func (m *Machine) ViewerID() string {
	return m.viewerID
}

// Start requests the first offer. It only succeeds from the idle state.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateIdle {
		return errors.ErrAlreadyStarted
	}

	m.beginAttemptLocked()
	return nil
}

// HandleAnswer applies the viewer's answer to the offer identified by offerID.
// Answers that do not belong to the pending offer are dropped with ErrLateMessage.
func (m *Machine) HandleAnswer(offerID string, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateAnswerPending || offerID != m.offerID {
		return errors.ErrLateMessage
	}

	if err := m.transport.SetRemoteDescription(desc); err != nil {
		nerr := asNegotiation(err)
		m.failLocked(nerr)
		return nerr
	}

	m.remoteSet = true
	m.flushLocked()

	if m.linkUp {
		m.setStateLocked(StateConnected)
	}
	return nil
}

// HandleRemoteCandidate applies a viewer candidate, buffering it until the
// answer is applied. Duplicates are ignored, so any arrival order ends with
// the same applied set. An empty offerID matches the live attempt.
func (m *Machine) HandleRemoteCandidate(offerID string, candidate webrtc.ICECandidateInit) error {
	if candidate.Candidate == "" {
		return errors.ErrMalformedMessage.Because(errors.New(errors.ErrorTypeCandidate, "EMPTY_CANDIDATE", "empty candidate"))
	}

	m.mu.Lock()
	defer m.unlock()

	if !m.state.live() || (offerID != "" && offerID != m.offerID) {
		return errors.ErrLateMessage
	}

	key := keyOf(candidate)
	if _, ok := m.applied[key]; ok {
		return nil
	}
	m.applied[key] = struct{}{}

	if !m.remoteSet {
		m.pending = append(m.pending, candidate)
		return nil
	}

	return m.addCandidateLocked(candidate)
}

// Close stops the machine. It cancels any pending retry or offer, releases
// the transport before returning, and is idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateClosed {
		return
	}
	m.closeLocked(nil)
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Status returns a snapshot of the machine
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.statusLocked()
}

// OfferID returns the id of the current or last offer
func (m *Machine) OfferID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.offerID
}

func (m *Machine) beginAttemptLocked() {
	m.attempt++
	attempt := m.attempt

	m.offerID = uuid.NewString()
	m.remoteSet = false
	m.linkUp = false
	m.pending = nil
	m.localPending = nil
	m.applied = make(map[candidateKey]struct{})

	t, err := m.factory(m.viewerID)
	if err != nil {
		if typ, ok := errors.TypeOf(err); ok && typ == errors.ErrorTypeTransportUnavailable {
			m.closeLocked(err)
			return
		}
		m.failLocked(err)
		return
	}

	m.transport = t
	t.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.handleTransportState(attempt, s)
	})
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.handleLocalCandidate(attempt, c)
	})

	m.setStateLocked(StateOfferPending)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.OfferTimeout)
	m.cancel = cancel

	go func() {
		desc, err := t.CreateOffer(ctx)
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			err = errors.ErrOfferTimeout.Because(err)
		}
		cancel()
		m.offerReady(attempt, desc, err)
	}()
}

func (m *Machine) offerReady(attempt uint64, desc webrtc.SessionDescription, err error) {
	m.mu.Lock()
	defer m.unlock()

	if attempt != m.attempt || m.state != StateOfferPending {
		return
	}

	if err != nil {
		m.failLocked(asNegotiation(err))
		return
	}

	m.setStateLocked(StateAnswerPending)

	if err := m.outbox.SendOffer(m.viewerID, m.offerID, desc); err != nil {
		m.failLocked(err)
		return
	}

	for _, c := range m.localPending {
		m.sendCandidateLocked(c)
	}
	m.localPending = nil
}

func (m *Machine) handleLocalCandidate(attempt uint64, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.unlock()

	if attempt != m.attempt {
		return
	}

	switch m.state {
	case StateOfferPending:
		m.localPending = append(m.localPending, c)
	case StateAnswerPending, StateConnected, StateDisconnected:
		m.sendCandidateLocked(c)
	}
}

func (m *Machine) handleTransportState(attempt uint64, s webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.unlock()

	if attempt != m.attempt {
		return
	}

	m.logger.Debug("transport state", "transport_state", s.String(), "state", m.state.String())

	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.linkUp = true
		switch {
		case m.state == StateAnswerPending && m.remoteSet:
			m.setStateLocked(StateConnected)
		case m.state == StateDisconnected:
			m.setStateLocked(StateConnected)
		}
	case webrtc.PeerConnectionStateDisconnected:
		m.linkUp = false
		if m.state == StateConnected {
			m.setStateLocked(StateDisconnected)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		m.linkUp = false
		if m.state.live() {
			m.failLocked(errors.ErrTransportFailed.Because(errors.New(errors.ErrorTypeWebRTC, "PEER_STATE", s.String())))
		}
	}
}

func (m *Machine) retryFired(attempt uint64) {
	m.mu.Lock()
	defer m.unlock()

	if attempt != m.attempt || m.state != StateRetrying {
		return
	}

	m.retryTimer = nil
	m.logger.Info("retrying connection", "retry_count", m.retryCount)
	m.beginAttemptLocked()
}

// failLocked moves to FAILED, releases the attempt and either arms the retry
// timer or closes for good.
func (m *Machine) failLocked(err error) {
	m.lastErr = err
	m.logger.Warn("connection attempt failed", "error", err, "retry_count", m.retryCount)

	m.releaseLocked()
	m.setStateLocked(StateFailed)

	if m.retryCount >= m.opts.MaxRetries {
		m.closeLocked(errors.ErrRetryExhausted.Because(err))
		return
	}

	m.retryCount++
	attempt := m.attempt
	m.retryTimer = time.AfterFunc(m.opts.RetryDelay, func() {
		m.retryFired(attempt)
	})
	m.setStateLocked(StateRetrying)
}

// closeLocked moves to CLOSED. A non-nil cause marks a terminal failure and
// is reported through OnTerminal.
func (m *Machine) closeLocked(cause error) {
	m.releaseLocked()
	if cause != nil {
		m.lastErr = cause
	}
	m.setStateLocked(StateClosed)

	if cause != nil {
		m.logger.Error("connection closed", "error", cause)
		status := m.statusLocked()
		if m.hooks.OnTerminal != nil {
			m.fx = append(m.fx, func() { m.hooks.OnTerminal(status, cause) })
		}
	}
}

// releaseLocked invalidates the current attempt and frees everything it holds
func (m *Machine) releaseLocked() {
	m.attempt++

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Debug("transport close", "error", err)
		}
		m.transport = nil
	}
	m.pending = nil
	m.localPending = nil
}

func (m *Machine) flushLocked() {
	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		if err := m.addCandidateLocked(c); err != nil {
			m.logger.Debug("buffered candidate dropped", "error", err)
		}
	}
}

func (m *Machine) addCandidateLocked(c webrtc.ICECandidateInit) error {
	err := m.transport.AddICECandidate(c)
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrCandidateTooEarly) {
		m.pending = append(m.pending, c)
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeCandidate, "CANDIDATE_REJECTED", "candidate rejected by transport")
}

func (m *Machine) sendCandidateLocked(c webrtc.ICECandidateInit) {
	if err := m.outbox.SendCandidate(m.viewerID, m.offerID, c); err != nil {
		m.logger.Debug("candidate not delivered", "error", err)
	}
}

func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state changed", "from", m.state.String(), "to", s.String())
	m.state = s
	m.updatedAt = time.Now()

	if m.hooks.OnStateChange != nil {
		status := m.statusLocked()
		m.fx = append(m.fx, func() { m.hooks.OnStateChange(status) })
	}
}

func (m *Machine) statusLocked() Status {
	st := Status{
		ViewerID:    m.viewerID,
		State:       m.state,
		RetryCount:  m.retryCount,
		LastOfferID: m.offerID,
		UpdatedAt:   m.updatedAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
		if typ, ok := errors.TypeOf(m.lastErr); ok {
			st.ErrorType = typ.String()
		}
	}
	return st
}

// unlock releases the machine lock and runs queued hooks. notifyMu is taken
// before mu is released so hooks from successive transitions keep their order.
func (m *Machine) unlock() {
	fx := m.fx
	m.fx = nil
	if len(fx) == 0 {
		m.mu.Unlock()
		return
	}

	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	for _, f := range fx {
		f()
	}
}

func asNegotiation(err error) error {
	if _, ok := errors.TypeOf(err); ok {
		return err
	}
	return errors.ErrNegotiation.Because(err)
}
