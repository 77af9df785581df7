package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"host-bridge/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Decode also checks the envelope shape so callers only ever see a message
// that is unambiguously a request or a response.
type JSONCodec struct{}

// ErrInvalidEnvelope marks well-formed JSON that is not a valid message.
var ErrInvalidEnvelope = errors.New("invalid message envelope")

func (c *JSONCodec) Encode(msg *message.Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = message.Version
	}
	return json.Marshal(msg)
}

func (c *JSONCodec) Decode(data []byte, msg *message.Message) error {
	if err := json.Unmarshal(data, msg); err != nil {
		if id, ok := nonStringID(data); ok {
			// Echo the id as text so the peer still gets an answer.
			msg.ID = id
			return fmt.Errorf("%w: id must be a string, got %s", ErrInvalidEnvelope, id)
		}
		return fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// nonStringID reports the raw id of an otherwise parseable object whose id is
// a number, bool, object or array.
func nonStringID(data []byte) (string, bool) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || len(probe.ID) == 0 {
		return "", false
	}
	switch probe.ID[0] {
	case '"', 'n':
		return "", false
	}
	return string(probe.ID), true
}
