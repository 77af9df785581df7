package codec

import "host-bridge/message"

// Codec turns messages into wire bytes and back.
type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	Decode(data []byte, msg *message.Message) error
}
