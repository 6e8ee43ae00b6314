// Package stdio implements the line-delimited JSON-RPC side of the bridge.
package stdio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gaspardpetit/mcp-stdio-bridge/internal/jsonrpc"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/rpcerr"
)

// DefaultMaxLine bounds a single input line.
const DefaultMaxLine = 10 << 20

// Frame is the outcome of reading one input line: either a decoded message
// or a fault to be answered locally.
type Frame struct {
	Line int
	Msg  jsonrpc.Message
	Err  error
}

// Reader yields one Frame per non-blank input line.
type Reader struct {
	br      *bufio.Reader
	maxLine int
	line    int
}

// NewReader wraps r. maxLine <= 0 selects DefaultMaxLine.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Reader{br: bufio.NewReaderSize(r, 64<<10), maxLine: maxLine}
}

// Next blocks until the next non-blank line is available. It returns io.EOF
// once input is exhausted; any other error is a read failure. A bad line is
// reported through Frame.Err, never as the returned error.
func (r *Reader) Next() (Frame, error) {
	for {
		line, tooLong, err := r.readLine()
		if err != nil && (len(line) == 0 && !tooLong) {
			return Frame{}, err
		}
		r.line++
		if tooLong {
			return Frame{Line: r.line, Err: &rpcerr.ParseError{Err: fmt.Errorf("line exceeds %d bytes", r.maxLine)}}, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return Frame{}, err
			}
			continue
		}
		return decodeLine(r.line, line), nil
	}
}

// readLine returns the next line without its terminator. Lines longer than
// maxLine are consumed through their newline and reported as tooLong.
func (r *Reader) readLine() (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > r.maxLine+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return line, tooLong, err
		}
		return bytes.TrimSuffix(line, []byte("\n")), tooLong, nil
	}
}

func decodeLine(n int, line []byte) Frame {
	msg, err := jsonrpc.Decode(line)
	if err == nil {
		return Frame{Line: n, Msg: msg}
	}
	var se *jsonrpc.ShapeError
	switch {
	case errors.As(err, &se):
		return Frame{Line: n, Err: &rpcerr.InvalidRequestError{ID: se.ID, Reason: se.Reason}}
	case errors.Is(err, jsonrpc.ErrNotObject):
		return Frame{Line: n, Err: &rpcerr.InvalidRequestError{Reason: err.Error()}}
	default:
		return Frame{Line: n, Err: &rpcerr.ParseError{Err: err}}
	}
}
