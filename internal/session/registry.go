// Package session tracks who is broadcasting and who is watching.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/HMasataka/castline/internal/eventbus"
	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/pkg/errors"
)

const eventSource = "session"

// Stop reasons carried by broadcaster.disconnected events
const (
	ReasonStopped    = "stopped"
	ReasonDisconnect = "disconnect"
	ReasonReset      = "reset"
	ReasonShutdown   = "shutdown"
)

// BroadcasterSession is the single active broadcast
type BroadcasterSession struct {
	BroadcasterID string    `json:"broadcaster_id"`
	StartedAt     time.Time `json:"started_at"`
	// Epoch increases with every presence change and tells sessions apart.
	Epoch uint64 `json:"epoch"`
}

// Availability is the answer to a viewer registration
type Availability struct {
	HasBroadcaster bool
	Session        BroadcasterSession
}

// Presence is the payload of broadcaster.connected and broadcaster.disconnected events
type Presence struct {
	Session BroadcasterSession
	Viewers []string
	Epoch   uint64
	Reason  string
}

// Registry owns broadcaster presence and the set of registered viewers.
// Every mutation runs in one critical section, and presence events are
// published synchronously inside it, so a disconnect has reached every
// subscriber before the next broadcaster can be admitted. Subscribers must
// not call back into the Registry.
type Registry struct {
	mu          sync.Mutex
	bus         eventbus.Bus
	logger      *logging.Logger
	broadcaster *BroadcasterSession
	viewers     map[string]uint64
	seq         uint64
	epoch       uint64
	now         func() time.Time
}

// NewRegistry creates a registry publishing presence changes on bus
func NewRegistry(bus eventbus.Bus, logger *logging.Logger) *Registry {
	return &Registry{
		bus:     bus,
		logger:  logger,
		viewers: make(map[string]uint64),
		now:     time.Now,
	}
}

// TryStartBroadcast admits id as the broadcaster if none is active.
// Concurrent callers serialize to exactly one acceptance; the rest get
// ErrSessionConflict. An admitted client stops being a viewer.
func (r *Registry) TryStartBroadcast(id string) (BroadcasterSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcaster != nil {
		r.logger.Info("broadcast rejected", "client_id", id, "broadcaster_id", r.broadcaster.BroadcasterID)
		return BroadcasterSession{}, errors.ErrSessionConflict
	}

	if _, ok := r.viewers[id]; ok {
		delete(r.viewers, id)
		r.publish(eventbus.EventViewerUnregistered, id)
	}

	r.epoch++
	s := BroadcasterSession{
		BroadcasterID: id,
		StartedAt:     r.now(),
		Epoch:         r.epoch,
	}
	r.broadcaster = &s

	r.logger.Info("broadcast started", "broadcaster_id", id, "epoch", s.Epoch)
	r.publishPresence(eventbus.EventBroadcasterConnected, s, "")

	return s, nil
}

// StopBroadcast removes the session if id is the current broadcaster.
// It reports whether a session was removed.
func (r *Registry) StopBroadcast(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcaster == nil || r.broadcaster.BroadcasterID != id {
		return false
	}

	r.stopLocked(reason)
	return true
}

// Reset ends the active broadcast, if any, regardless of who holds it.
// Registered viewers are kept.
func (r *Registry) Reset(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcaster == nil {
		return false
	}

	r.stopLocked(reason)
	return true
}

func (r *Registry) stopLocked(reason string) {
	s := *r.broadcaster
	r.broadcaster = nil
	r.epoch++

	r.logger.Info("broadcast stopped", "broadcaster_id", s.BroadcasterID, "reason", reason, "epoch", r.epoch)
	r.publishPresence(eventbus.EventBroadcasterDisconnected, s, reason)
}

// RegisterViewer records id as a viewer and reports whether a broadcast is
// available. The viewer stays registered either way.
func (r *Registry) RegisterViewer(id string) Availability {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.viewers[id]; !ok {
		r.seq++
		r.viewers[id] = r.seq
		r.publish(eventbus.EventViewerRegistered, id)
	}

	if r.broadcaster == nil {
		return Availability{}
	}
	return Availability{HasBroadcaster: true, Session: *r.broadcaster}
}

// UnregisterViewer removes the viewer entry. It is idempotent and reports
// whether an entry was removed.
func (r *Registry) UnregisterViewer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.viewers[id]; !ok {
		return false
	}
	delete(r.viewers, id)
	r.publish(eventbus.EventViewerUnregistered, id)
	return true
}

// Broadcaster returns the active session, if any
func (r *Registry) Broadcaster() (BroadcasterSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcaster == nil {
		return BroadcasterSession{}, false
	}
	return *r.broadcaster, true
}

// IsBroadcaster reports whether id holds the active session
func (r *Registry) IsBroadcaster(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.broadcaster != nil && r.broadcaster.BroadcasterID == id
}

// IsViewer reports whether id is a registered viewer
func (r *Registry) IsViewer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.viewers[id]
	return ok
}

// Viewers returns the registered viewers in registration order
func (r *Registry) Viewers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.viewersLocked()
}

func (r *Registry) viewersLocked() []string {
	ids := make([]string, 0, len(r.viewers))
	for id := range r.viewers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.viewers[ids[i]] < r.viewers[ids[j]] })
	return ids
}

func (r *Registry) publishPresence(t eventbus.EventType, s BroadcasterSession, reason string) {
	r.bus.Publish(eventbus.NewEvent(t, eventSource, Presence{
		Session: s,
		Viewers: r.viewersLocked(),
		Epoch:   r.epoch,
		Reason:  reason,
	}))
}

func (r *Registry) publish(t eventbus.EventType, viewerID string) {
	r.bus.Publish(eventbus.NewEvent(t, eventSource, viewerID).WithMetadata("viewer_id", viewerID))
}
