package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/HMasataka/castline/internal/eventbus"
	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (r *recorder) record(e *eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) presence() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Presence
	for _, e := range r.events {
		if p, ok := e.Data.(Presence); ok {
			out = append(out, p)
		}
	}
	return out
}

func newRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	bus := eventbus.NewInMemoryBus(16)
	rec := &recorder{}
	bus.SubscribeAll(rec.record)
	return NewRegistry(bus, logging.Discard()), rec
}

func TestConcurrentStartAdmitsExactlyOne(t *testing.T) {
	reg, rec := newRegistry(t)

	const n = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  []string
		conflicts int
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := reg.TryStartBroadcast(id)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted = append(accepted, id)
				return
			}
			assert.True(t, errors.Is(err, errors.ErrSessionConflict))
			conflicts++
		}(fmt.Sprintf("client-%d", i))
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	assert.Equal(t, n-1, conflicts)
	assert.True(t, reg.IsBroadcaster(accepted[0]))
	assert.Len(t, rec.presence(), 1)
}

func TestStopBroadcastOnlyByIncumbent(t *testing.T) {
	reg, rec := newRegistry(t)

	_, err := reg.TryStartBroadcast("b1")
	require.NoError(t, err)

	assert.False(t, reg.StopBroadcast("someone-else", ReasonStopped))
	assert.True(t, reg.IsBroadcaster("b1"))

	assert.True(t, reg.StopBroadcast("b1", ReasonStopped))
	assert.False(t, reg.StopBroadcast("b1", ReasonStopped))

	_, ok := reg.Broadcaster()
	assert.False(t, ok)

	p := rec.presence()
	require.Len(t, p, 2)
	assert.Equal(t, ReasonStopped, p[1].Reason)
	assert.Equal(t, "b1", p[1].Session.BroadcasterID)
}

func TestRegisterViewerReportsAvailability(t *testing.T) {
	reg, _ := newRegistry(t)

	avail := reg.RegisterViewer("v1")
	assert.False(t, avail.HasBroadcaster)
	assert.True(t, reg.IsViewer("v1"))

	s, err := reg.TryStartBroadcast("b1")
	require.NoError(t, err)

	avail = reg.RegisterViewer("v1")
	assert.True(t, avail.HasBroadcaster)
	assert.Equal(t, s, avail.Session)
	assert.Equal(t, []string{"v1"}, reg.Viewers())
}

func TestUnregisterViewerIsIdempotent(t *testing.T) {
	reg, _ := newRegistry(t)

	reg.RegisterViewer("v1")
	assert.True(t, reg.UnregisterViewer("v1"))
	assert.False(t, reg.UnregisterViewer("v1"))
	assert.False(t, reg.UnregisterViewer("never"))
	assert.Empty(t, reg.Viewers())
}

func TestViewersInRegistrationOrder(t *testing.T) {
	reg, _ := newRegistry(t)

	for _, id := range []string{"c", "a", "b"} {
		reg.RegisterViewer(id)
	}
	reg.RegisterViewer("c")

	assert.Equal(t, []string{"c", "a", "b"}, reg.Viewers())
}

func TestAdmittedViewerStopsBeingViewer(t *testing.T) {
	reg, _ := newRegistry(t)

	reg.RegisterViewer("x")
	_, err := reg.TryStartBroadcast("x")
	require.NoError(t, err)

	assert.False(t, reg.IsViewer("x"))
	assert.True(t, reg.IsBroadcaster("x"))
}

func TestDisconnectDeliveredBeforeNextAdmission(t *testing.T) {
	reg, rec := newRegistry(t)

	reg.RegisterViewer("v1")
	reg.RegisterViewer("v2")

	_, err := reg.TryStartBroadcast("b1")
	require.NoError(t, err)
	require.True(t, reg.Reset(ReasonReset))
	assert.False(t, reg.Reset(ReasonReset))

	s2, err := reg.TryStartBroadcast("b2")
	require.NoError(t, err)

	p := rec.presence()
	require.Len(t, p, 3)
	assert.Equal(t, "b1", p[1].Session.BroadcasterID)
	assert.Equal(t, []string{"v1", "v2"}, p[1].Viewers)
	assert.Equal(t, "b2", p[2].Session.BroadcasterID)
	assert.Less(t, p[1].Epoch, s2.Epoch)
}
