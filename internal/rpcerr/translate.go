package rpcerr

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcp-stdio-bridge/internal/jsonrpc"
)

// Translate renders err as the error response for id. Parse errors are
// always addressed to null.
func Translate(id json.RawMessage, err error) jsonrpc.Response {
	return jsonrpc.NewErrorResponse(addressFor(id, err), Describe(err))
}

// Describe maps a fault to its JSON-RPC error member.
func Describe(err error) *jsonrpc.Error {
	var (
		pe  *ParseError
		ire *InvalidRequestError
		te  *TransportError
		pre *ProtocolError
		ce  *CorrelationError
	)
	switch {
	case errors.As(err, &pe):
		return &jsonrpc.Error{Code: mcp.PARSE_ERROR, Message: pe.Error()}
	case errors.As(err, &ire):
		return &jsonrpc.Error{Code: mcp.INVALID_REQUEST, Message: ire.Error(), Data: map[string]any{"mcp": CodeSchema}}
	case errors.As(err, &te):
		code := CodeProviderUnavailable
		if te.Timeout {
			code = CodeTimeout
		}
		return &jsonrpc.Error{Code: mcp.INTERNAL_ERROR, Message: "Proxy error: " + te.Error(), Data: map[string]any{"mcp": code}}
	case errors.As(err, &pre):
		data := map[string]any{"mcp": CodeUpstreamError, "body": pre.Excerpt}
		if pre.Status != 0 {
			data["status"] = pre.Status
		}
		if pre.ContentType != "" {
			data["content_type"] = pre.ContentType
		}
		return &jsonrpc.Error{Code: mcp.INTERNAL_ERROR, Message: "Proxy error: " + pre.Error(), Data: data}
	case errors.As(err, &ce):
		return &jsonrpc.Error{Code: mcp.INTERNAL_ERROR, Message: ce.Error(), Data: map[string]any{"mcp": CodeDuplicateID}}
	default:
		return &jsonrpc.Error{Code: mcp.INTERNAL_ERROR, Message: "Proxy error: " + err.Error()}
	}
}

// Category names the fault class for logs and metrics.
func Category(err error) string {
	var (
		pe  *ParseError
		ire *InvalidRequestError
		te  *TransportError
		pre *ProtocolError
		ce  *CorrelationError
	)
	switch {
	case errors.As(err, &pe):
		return "parse"
	case errors.As(err, &ire):
		return "invalid_request"
	case errors.As(err, &te):
		if te.Timeout {
			return "timeout"
		}
		return "transport"
	case errors.As(err, &pre):
		return "protocol"
	case errors.As(err, &ce):
		return "correlation"
	default:
		return "internal"
	}
}

func addressFor(id json.RawMessage, err error) json.RawMessage {
	var pe *ParseError
	if errors.As(err, &pe) {
		return nil
	}
	var ire *InvalidRequestError
	if len(id) == 0 && errors.As(err, &ire) {
		return ire.ID
	}
	return id
}
