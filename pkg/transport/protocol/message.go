package protocol

import (
	"encoding/json"

	"github.com/HMasataka/castline/pkg/domain"
	"github.com/HMasataka/castline/pkg/errors"
)

// Codec defines the interface for message encoding/decoding
type Codec interface {
	// Encode encodes a domain message to bytes
	Encode(msg *domain.Message) ([]byte, error)

	// Decode decodes bytes to a domain message
	Decode(data []byte) (*domain.Message, error)
}

// JSONCodec implements Codec using JSON
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Encode implements the Codec interface
func (c *JSONCodec) Encode(msg *domain.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "ENCODE_FAILED", "failed to encode message")
	}
	return data, nil
}

// Decode implements the Codec interface. Frames without a type are malformed.
func (c *JSONCodec) Decode(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.ErrMalformedMessage.Because(err)
	}
	if msg.Type == "" {
		return nil, errors.ErrMalformedMessage.Because(domain.ErrInvalidMessage)
	}
	return &msg, nil
}
