// Package jsonrpc models the JSON-RPC 2.0 envelopes that cross the bridge.
// Payloads stay opaque: only the id and the fields needed to tell requests
// from responses are decoded.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the protocol version written on synthesized envelopes.
const Version = mcp.JSONRPC_VERSION

// Kind classifies a decoded message.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is one decoded envelope. Raw holds the bytes as received and is
// what gets forwarded.
type Message struct {
	ID     json.RawMessage
	Method string
	Kind   Kind
	Raw    json.RawMessage
}

// HasID reports whether the message carries a usable correlation id.
func (m Message) HasID() bool { return hasID(m.ID) }

// Key returns the canonical pending-table key for the message id.
func (m Message) Key() Key { return KeyOf(m.ID) }

// ErrNotObject is returned by Decode for valid JSON that is not an object.
var ErrNotObject = errors.New("message is not a JSON object")

// ShapeError reports an object that is neither a request nor a response.
// ID is set when the id field itself could be read.
type ShapeError struct {
	ID     json.RawMessage
	Reason string
}

func (e *ShapeError) Error() string { return e.Reason }

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Decode strictly parses one envelope. Syntax errors are returned as the
// json package reports them; shape violations are *ShapeError.
func Decode(b []byte) (Message, error) {
	b = bytes.TrimSpace(b)
	if !json.Valid(b) {
		var v any
		err := json.Unmarshal(b, &v)
		if err == nil {
			err = errors.New("invalid JSON")
		}
		return Message{}, err
	}
	if len(b) == 0 || b[0] != '{' {
		return Message{}, ErrNotObject
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Message{}, &ShapeError{Reason: err.Error()}
	}
	msg := Message{ID: env.ID, Raw: json.RawMessage(b)}
	hasResult := len(env.Result) > 0
	hasError := len(env.Error) > 0 && !isNull(env.Error)
	switch {
	case env.Method != nil && (hasResult || hasError):
		return Message{}, &ShapeError{ID: idOrNil(env.ID), Reason: "message has both method and result/error"}
	case env.Method != nil:
		if *env.Method == "" {
			return Message{}, &ShapeError{ID: idOrNil(env.ID), Reason: "method must not be empty"}
		}
		msg.Method = *env.Method
		if hasID(env.ID) {
			msg.Kind = KindRequest
		} else {
			msg.Kind = KindNotification
		}
	case hasResult && hasError:
		return Message{}, &ShapeError{ID: idOrNil(env.ID), Reason: "response has both result and error"}
	case hasResult || hasError:
		msg.Kind = KindResponse
	default:
		return Message{}, &ShapeError{ID: idOrNil(env.ID), Reason: "message has neither method nor result/error"}
	}
	if hasID(env.ID) && !validID(env.ID) {
		return Message{}, &ShapeError{Reason: fmt.Sprintf("id must be a string or number, got %s", env.ID)}
	}
	return msg, nil
}

// PeekID extracts the id of an upstream payload without validating its
// shape. ok is false when the payload has no usable id.
func PeekID(b []byte) (json.RawMessage, bool) {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &env); err != nil || !hasID(env.ID) || !validID(env.ID) {
		return nil, false
	}
	return env.ID, true
}

func hasID(id json.RawMessage) bool { return len(id) > 0 && !isNull(id) }

func isNull(b json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(b), []byte("null")) }

func validID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return false
	}
	return id[0] == '"' || id[0] == '-' || (id[0] >= '0' && id[0] <= '9')
}

func idOrNil(id json.RawMessage) json.RawMessage {
	if hasID(id) && validID(id) {
		return id
	}
	return nil
}
