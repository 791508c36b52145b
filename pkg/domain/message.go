package domain

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
)

// MessageType represents the type of signaling message
type MessageType string

const (
	MessageTypeBroadcaster             MessageType = "broadcaster"
	MessageTypeBroadcasterExists       MessageType = "broadcaster_exists"
	MessageTypeBroadcasterOffer        MessageType = "broadcaster_offer"
	MessageTypeBroadcasterAnswer       MessageType = "broadcaster_answer"
	MessageTypeBroadcasterCandidate    MessageType = "broadcaster_ice_candidate"
	MessageTypeViewerRequest           MessageType = "viewer_request"
	MessageTypeViewerOffer             MessageType = "viewer_offer"
	MessageTypeViewerAnswer            MessageType = "viewer_answer"
	MessageTypeViewerCandidate         MessageType = "viewer_ice_candidate"
	MessageTypeNoBroadcaster           MessageType = "no_broadcaster"
	MessageTypeBroadcasterConnected    MessageType = "broadcaster_connected"
	MessageTypeBroadcasterDisconnected MessageType = "broadcaster_disconnected"
	MessageTypeError                   MessageType = "error"
	MessageTypeStopBroadcast           MessageType = "stop_broadcast"
	MessageTypeViewerLeave             MessageType = "viewer_leave"
	MessageTypeViewerClosed            MessageType = "viewer_closed"
	MessageTypeConnectionState         MessageType = "connection_state"
)

// Role is the part a client claims to play in the broadcast
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Direction tells which way a session description or candidate travels
type Direction string

const (
	DirectionToViewer      Direction = "to_viewer"
	DirectionToBroadcaster Direction = "to_broadcaster"
)

// Message represents a generic signaling message.
// Peer names the viewer a broadcaster-scoped message refers to.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Role      Role            `json:"role,omitempty"`
	Peer      string          `json:"peer,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message with a fresh id and the JSON encoding of payload.
// A nil payload leaves Data empty.
func NewMessage(messageType MessageType, payload any) (*Message, error) {
	msg := &Message{
		ID:        xid.New().String(),
		Type:      messageType,
		Timestamp: time.Now(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}

	return msg, nil
}

// Decode decodes the message payload into v
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return ErrInvalidMessage
	}
	return json.Unmarshal(m.Data, v)
}

// SessionDescriptionPayload carries an offer or an answer
type SessionDescriptionPayload struct {
	OfferID            string                    `json:"offer_id,omitempty"`
	SessionDescription webrtc.SessionDescription `json:"sdp"`
	Direction          Direction                 `json:"direction,omitempty"`
}

// CandidatePayload carries one ICE candidate
type CandidatePayload struct {
	OfferID   string                  `json:"offer_id,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Direction Direction               `json:"direction,omitempty"`
}

// OfferRequestPayload asks the broadcaster for an offer, or tells it an attempt ended
type OfferRequestPayload struct {
	OfferID string `json:"offer_id"`
}

// ConnectionStatePayload reports a peer connection state change
type ConnectionStatePayload struct {
	OfferID string `json:"offer_id,omitempty"`
	State   string `json:"state"`
}

// PresencePayload describes a broadcaster presence change
type PresencePayload struct {
	BroadcasterID string    `json:"broadcaster_id,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// ErrorPayload is the body of an error reply
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
