package domain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageEncodesPayload(t *testing.T) {
	msg, err := NewMessage(MessageTypeViewerOffer, SessionDescriptionPayload{
		OfferID:            "offer-1",
		SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		Direction:          DirectionToViewer,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, MessageTypeViewerOffer, decoded.Type)

	var payload SessionDescriptionPayload
	require.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, "offer-1", payload.OfferID)
	assert.Equal(t, webrtc.SDPTypeOffer, payload.SessionDescription.Type)
	assert.Equal(t, DirectionToViewer, payload.Direction)
}

func TestDecodeEmptyPayload(t *testing.T) {
	msg, err := NewMessage(MessageTypeNoBroadcaster, nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Data)

	var payload ErrorPayload
	assert.ErrorIs(t, msg.Decode(&payload), ErrInvalidMessage)
}

func TestClientIDContext(t *testing.T) {
	_, ok := ClientIDFromContext(context.Background())
	assert.False(t, ok)

	id, ok := ClientIDFromContext(WithClientID(context.Background(), "c1"))
	assert.True(t, ok)
	assert.Equal(t, "c1", id)
}
