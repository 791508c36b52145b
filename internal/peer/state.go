package peer

import (
	"fmt"
	"time"
)

// State is the lifecycle position of one broadcaster-viewer connection
type State int

const (
	StateIdle State = iota
	StateOfferPending
	StateAnswerPending
	StateConnected
	StateDisconnected
	StateFailed
	StateRetrying
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateOfferPending:  "offer_pending",
	StateAnswerPending: "answer_pending",
	StateConnected:     "connected",
	StateDisconnected:  "disconnected",
	StateFailed:        "failed",
	StateRetrying:      "retrying",
	StateClosed:        "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON status output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// live reports whether a negotiation attempt is in flight or established
func (s State) live() bool {
	switch s {
	case StateOfferPending, StateAnswerPending, StateConnected, StateDisconnected:
		return true
	default:
		return false
	}
}

// Status is a snapshot of a machine for status pages and UI rendering
type Status struct {
	ViewerID    string    `json:"viewer_id"`
	State       State     `json:"state"`
	RetryCount  int       `json:"retry_count"`
	LastOfferID string    `json:"last_offer_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Hooks observe a machine. They run outside the machine lock in transition
// order, and must not call back into the machine.
type Hooks struct {
	OnStateChange func(Status)
	// OnTerminal fires once, when the machine closes after retry exhaustion
	// or an unrecoverable transport error.
	OnTerminal func(Status, error)
}
