// Package message defines the JSON-RPC envelope exchanged between the requester
// and the bridge.
//
// A Message is either a request (Method set) or a response (Result or Error set).
// The request and its response always share the same ID, which is how the
// requester matches responses to in-flight calls on one connection.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol tag carried by every message.
const Version = "2.0"

// Error codes carried in ErrorObject.Code.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeServerError      = -32000 // Unknown command or handler-returned domain error
	CodeNoSession        = -32001 // Host has no active document/session
	CodeHostBusy         = -32002 // Host declined the drain invitation
	CodeTimeout          = -32003 // Command exceeded its deadline
	CodeConnectionClosed = -32004 // Bridge or connection went away before completion
	CodeRateLimited      = -32005
)

// Message carries a single request or response.
//
//   - On request:  Method and Params are set, Result and Error are empty.
//   - On response: Result is set on success, Error is set on failure.
type Message struct {
	JSONRPC string                     `json:"jsonrpc"`
	ID      string                     `json:"id"`
	Method  string                     `json:"method,omitempty"`
	Params  map[string]json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage            `json:"result,omitempty"`
	Error   *ErrorObject               `json:"error,omitempty"`
}

// ErrorObject is the structured failure carried by an error response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request message. Params may be nil.
func NewRequest(id, method string, params map[string]json.RawMessage) *Message {
	if params == nil {
		params = map[string]json.RawMessage{}
	}
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewResult builds a success response. A nil value is encoded as JSON null.
func NewResult(id string, value any) (*Message, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds a failure response.
func NewError(id string, code int, msg string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &ErrorObject{Code: code, Message: msg}}
}

// IsRequest reports whether m carries a method.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsResponse reports whether m carries a result or an error.
func (m *Message) IsResponse() bool {
	return m.Result != nil || m.Error != nil
}

// Validate checks the envelope shape: exactly one of method or result|error.
func (m *Message) Validate() error {
	switch {
	case m.JSONRPC != Version:
		return fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	case m.IsRequest() && m.IsResponse():
		return errors.New("message carries both method and result/error")
	case !m.IsRequest() && !m.IsResponse():
		return errors.New("message carries neither method nor result/error")
	case m.Result != nil && m.Error != nil:
		return errors.New("response carries both result and error")
	}
	return nil
}

// MarshalParams turns an arbitrary value into a params map. The value must
// encode to a JSON object (or be nil).
func MarshalParams(v any) (map[string]json.RawMessage, error) {
	if v == nil {
		return map[string]json.RawMessage{}, nil
	}
	if params, ok := v.(map[string]json.RawMessage); ok {
		return params, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	params := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}
