package peer

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// Transport is the media engine side of one connection attempt.
// Implementations must deliver callbacks from their own goroutines, never
// from inside one of these methods.
type Transport interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// SetRemoteDescription fails with a negotiation error on an invalid payload.
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// AddICECandidate fails with a candidate error before the remote description is set.
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	Close() error
}

// TransportFactory builds a fresh transport for each attempt
type TransportFactory func(viewerID string) (Transport, error)

// Outbox delivers handshake messages to the viewer
type Outbox interface {
	SendOffer(viewerID, offerID string, desc webrtc.SessionDescription) error
	SendCandidate(viewerID, offerID string, candidate webrtc.ICECandidateInit) error
}

// Options is the retry policy of a machine
type Options struct {
	MaxRetries   int
	RetryDelay   time.Duration
	OfferTimeout time.Duration
}

// DefaultOptions returns the standard policy: five retries two seconds apart
func DefaultOptions() Options {
	return Options{
		MaxRetries:   5,
		RetryDelay:   2 * time.Second,
		OfferTimeout: 10 * time.Second,
	}
}
