package signaling

import (
	"context"

	"github.com/HMasataka/castline/internal/session"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
)

func senderOf(ctx context.Context) string {
	id, _ := domain.ClientIDFromContext(ctx)
	return id
}

// requireBroadcaster checks that the sender holds the active session and
// does not claim to be a viewer
func (r *Router) requireBroadcaster(id string, msg *domain.Message) error {
	if msg.Role == domain.RoleViewer || !r.registry.IsBroadcaster(id) {
		return errors.ErrRoleMismatch.Because(errors.New(errors.ErrorTypeValidation, "NOT_BROADCASTER", string(msg.Type)+" is reserved for the broadcaster"))
	}
	return nil
}

// requireViewer refuses viewer kinds from the broadcaster
func (r *Router) requireViewer(id string, msg *domain.Message) error {
	if msg.Role == domain.RoleBroadcaster || r.registry.IsBroadcaster(id) {
		return errors.ErrRoleMismatch.Because(errors.New(errors.ErrorTypeValidation, "NOT_VIEWER", string(msg.Type)+" is reserved for viewers"))
	}
	return nil
}

func decode(msg *domain.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return errors.ErrMalformedMessage.Because(err)
	}
	return nil
}

func (r *Router) handleBroadcaster(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	id := senderOf(ctx)
	if msg.Role == domain.RoleViewer {
		return nil, errors.ErrRoleMismatch
	}

	if s, ok := r.registry.Broadcaster(); ok && s.BroadcasterID == id {
		return domain.NewMessage(domain.MessageTypeBroadcasterConnected, domain.PresencePayload{BroadcasterID: id, StartedAt: s.StartedAt})
	}

	s, err := r.registry.TryStartBroadcast(id)
	if errors.Is(err, errors.ErrSessionConflict) {
		return domain.NewMessage(domain.MessageTypeBroadcasterExists, nil)
	}
	if err != nil {
		return nil, err
	}

	// a viewer that became the broadcaster no longer watches
	r.dropMachine(id)

	return domain.NewMessage(domain.MessageTypeBroadcasterConnected, domain.PresencePayload{BroadcasterID: id, StartedAt: s.StartedAt})
}

func (r *Router) handleStopBroadcast(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	id := senderOf(ctx)
	if err := r.requireBroadcaster(id, msg); err != nil {
		return nil, err
	}

	r.registry.StopBroadcast(id, session.ReasonStopped)
	return domain.NewMessage(domain.MessageTypeBroadcasterDisconnected, domain.PresencePayload{BroadcasterID: id, Reason: session.ReasonStopped})
}

func (r *Router) handleBroadcasterOffer(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if err := r.requireBroadcaster(senderOf(ctx), msg); err != nil {
		return nil, err
	}
	if msg.Peer == "" {
		return nil, errors.ErrUnroutable
	}

	var p domain.SessionDescriptionPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}

	return nil, r.broker.HandleOffer(msg.Peer, p)
}

func (r *Router) handleBroadcasterCandidate(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if err := r.requireBroadcaster(senderOf(ctx), msg); err != nil {
		return nil, err
	}
	if msg.Peer == "" {
		return nil, errors.ErrUnroutable
	}

	var p domain.CandidatePayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}

	return nil, r.broker.HandleCandidate(msg.Peer, p)
}

// handleViewerRequest registers the viewer and, when a broadcast is live,
// replaces its machine with a fresh one
func (r *Router) handleViewerRequest(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	id := senderOf(ctx)
	if err := r.requireViewer(id, msg); err != nil {
		return nil, err
	}

	avail := r.registry.RegisterViewer(id)
	if !avail.HasBroadcaster {
		return domain.NewMessage(domain.MessageTypeNoBroadcaster, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// the broadcast ended between registration and now
	if r.activeEpoch != avail.Session.Epoch {
		return domain.NewMessage(domain.MessageTypeNoBroadcaster, nil)
	}

	if old, ok := r.machines[id]; ok {
		old.Close()
	}

	m := r.newMachine(id)
	r.machines[id] = m
	if err := m.Start(); err != nil {
		return nil, err
	}

	r.logger.Info("viewer connection started", "viewer_id", id, "broadcaster_id", avail.Session.BroadcasterID)
	return nil, nil
}

func (r *Router) handleViewerAnswer(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	id := senderOf(ctx)
	if err := r.requireViewer(id, msg); err != nil {
		return nil, err
	}

	m, ok := r.machine(id)
	if !ok {
		return nil, errors.ErrUnroutable
	}

	var p domain.SessionDescriptionPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}

	return nil, m.HandleAnswer(p.OfferID, p.SessionDescription)
}

func (r *Router) handleViewerCandidate(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	id := senderOf(ctx)
	if err := r.requireViewer(id, msg); err != nil {
		return nil, err
	}

	m, ok := r.machine(id)
	if !ok {
		return nil, errors.ErrUnroutable
	}

	var p domain.CandidatePayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}

	if err := m.HandleRemoteCandidate(p.OfferID, p.Candidate); err != nil {
		// bad candidates are dropped without touching the handshake
		r.logger.Debug("candidate dropped", "viewer_id", id, "error", err)
	}
	return nil, nil
}

func (r *Router) handleViewerLeave(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	id := senderOf(ctx)
	if err := r.requireViewer(id, msg); err != nil {
		return nil, err
	}

	r.registry.UnregisterViewer(id)
	r.dropMachine(id)
	return nil, nil
}

// handleConnectionState takes the broadcaster's report as the transport
// state of the viewer connection. Viewer reports are informational.
func (r *Router) handleConnectionState(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	id := senderOf(ctx)

	var p domain.ConnectionStatePayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}

	if r.registry.IsBroadcaster(id) {
		if msg.Peer == "" {
			return nil, errors.ErrUnroutable
		}
		return nil, r.broker.HandleState(msg.Peer, p)
	}

	if _, ok := r.machine(id); !ok {
		return nil, errors.ErrUnroutable
	}

	r.logger.Debug("viewer reported connection state", "viewer_id", id, "state", p.State)
	return nil, nil
}
