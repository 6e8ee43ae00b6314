// Package rpcerr defines the bridge fault taxonomy and renders faults as
// JSON-RPC error envelopes.
package rpcerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Canonical codes carried in error.data.mcp.
const (
	CodeProviderUnavailable = "MCP_PROVIDER_UNAVAILABLE"
	CodeTimeout             = "MCP_TIMEOUT"
	CodeUpstreamError       = "MCP_UPSTREAM_ERROR"
	CodeSchema              = "MCP_SCHEMA_ERROR"
	CodeDuplicateID         = "MCP_DUPLICATE_ID"
)

// ExcerptLimit bounds the upstream body excerpt attached to protocol errors.
const ExcerptLimit = 200

// ErrShuttingDown is wrapped into transport errors for requests still
// pending when the drain deadline passes.
var ErrShuttingDown = errors.New("bridge shutting down")

// ParseError is a malformed input line.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "Parse error: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// InvalidRequestError is well-formed JSON that is not a usable envelope.
type InvalidRequestError struct {
	ID     json.RawMessage
	Reason string
}

func (e *InvalidRequestError) Error() string { return "Invalid request: " + e.Reason }

// TransportError covers connection failures, resets and timeouts talking to
// the upstream.
type TransportError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError classifies err, marking deadline and net timeouts.
func NewTransportError(op string, err error) *TransportError {
	te := &TransportError{Op: op, Err: err}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		te.Timeout = true
	}
	return te
}

// TimeoutError builds the transport error used when a pending request
// outlives its deadline.
func TimeoutError(after time.Duration) *TransportError {
	return &TransportError{Err: fmt.Errorf("upstream timeout after %s", after), Timeout: true}
}

// ProtocolError is an upstream response in a shape the bridge cannot read.
type ProtocolError struct {
	Status      int
	ContentType string
	Excerpt     string
	Reason      string
}

func (e *ProtocolError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unrecognized upstream response"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", reason, e.Status, e.Excerpt)
	}
	return fmt.Sprintf("%s: %s", reason, e.Excerpt)
}

// NewProtocolError keeps at most ExcerptLimit bytes of body.
func NewProtocolError(status int, contentType string, body []byte, reason string) *ProtocolError {
	return &ProtocolError{Status: status, ContentType: contentType, Excerpt: Excerpt(body), Reason: reason}
}

// CorrelationError is a duplicate id while still pending.
type CorrelationError struct {
	ID json.RawMessage
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("Duplicate request id %s is still pending", e.ID)
}

// Excerpt truncates b for diagnostics.
func Excerpt(b []byte) string {
	if len(b) <= ExcerptLimit {
		return string(b)
	}
	return string(b[:ExcerptLimit]) + "..."
}
