package jsonrpc

import "encoding/json"

// Error is the error member of a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is a synthesized error response written by the bridge.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

// NewErrorResponse builds an error envelope. A missing id becomes null.
func NewErrorResponse(id json.RawMessage, e *Error) Response {
	if !hasID(id) {
		id = NullID
	}
	return Response{JSONRPC: Version, ID: id, Error: e}
}
