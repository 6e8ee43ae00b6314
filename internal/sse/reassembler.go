// Package sse turns upstream response bodies into JSON event payloads. It
// understands Server-Sent-Events framing and plain JSON bodies.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcp-stdio-bridge/internal/rpcerr"
)

var (
	frameDelim = []byte("\n\n")
	crlf       = []byte("\r\n")
	lf         = []byte("\n")
	dataField  = []byte("data:")
)

// ErrFrameTooLarge is passed to OnDiscard for a frame that outgrew MaxFrame.
var ErrFrameTooLarge = errors.New("sse frame exceeds size limit")

// Reassembler accumulates body chunks and emits one payload per complete
// frame. Data for one event must be confined to a single frame; a value
// spread over two blank-line delimited frames is parsed as two broken
// events.
type Reassembler struct {
	buf      []byte
	scan     int  // buf[:scan] holds no delimiter
	cr       bool // previous chunk ended in '\r'
	skipping bool // dropping an oversized frame up to its delimiter
	log      zerolog.Logger

	// MaxFrame bounds one buffered frame; 0 means unbounded.
	MaxFrame int
	// OnDiscard, when set, is called for every frame whose data is not JSON
	// or that exceeded MaxFrame.
	OnDiscard func(data []byte, err error)

	frames    int
	discarded int
}

// NewReassembler returns an empty reassembler that logs discarded frames to
// log.
func NewReassembler(log zerolog.Logger) *Reassembler {
	return &Reassembler{log: log}
}

// Feed appends chunk and returns the payloads of every frame completed by it.
// Bytes after the last delimiter are kept for the next call.
func (r *Reassembler) Feed(chunk []byte) []json.RawMessage {
	r.append(chunk)
	var out []json.RawMessage
	for {
		i := bytes.Index(r.buf[r.scan:], frameDelim)
		if i < 0 {
			break
		}
		i += r.scan
		if r.skipping {
			r.skipping = false
		} else if ev, ok := r.parseFrame(r.buf[:i]); ok {
			out = append(out, ev)
		}
		r.buf = r.buf[i+len(frameDelim):]
		r.scan = 0
	}
	if r.MaxFrame > 0 && len(r.buf) > r.MaxFrame {
		if !r.skipping {
			r.skipping = true
			r.discarded++
			r.log.Warn().Int("limit", r.MaxFrame).Msg("discarding oversized sse frame")
			if r.OnDiscard != nil {
				r.OnDiscard(nil, ErrFrameTooLarge)
			}
		}
		// the last byte may be the first half of a delimiter
		r.buf = append(r.buf[:0], r.buf[len(r.buf)-1])
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	r.scan = max(len(r.buf)-1, 0)
	return out
}

// append adds chunk to the buffer with CRLF folded to LF, holding back a
// trailing '\r' until the next chunk shows whether a '\n' follows.
func (r *Reassembler) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if r.cr {
		r.cr = false
		if chunk[0] != '\n' {
			r.buf = append(r.buf, '\r')
		}
	}
	if n := len(chunk); n > 0 && chunk[n-1] == '\r' {
		r.cr = true
		chunk = chunk[:n-1]
	}
	if bytes.Contains(chunk, crlf) {
		chunk = bytes.ReplaceAll(chunk, crlf, lf)
	}
	r.buf = append(r.buf, chunk...)
}

// Finish treats end of body as the final delimiter and flushes whatever
// frame is still buffered.
func (r *Reassembler) Finish() []json.RawMessage {
	rest := bytes.TrimRight(r.buf, "\r\n")
	skipping := r.skipping
	r.buf, r.scan, r.cr, r.skipping = nil, 0, false, false
	if len(rest) == 0 || skipping {
		return nil
	}
	if ev, ok := r.parseFrame(rest); ok {
		return []json.RawMessage{ev}
	}
	return nil
}

// Buffered reports how many bytes are waiting for a delimiter.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Frames reports how many frames carried data.
func (r *Reassembler) Frames() int { return r.frames }

// Discarded reports how many frames carried data that was not JSON.
func (r *Reassembler) Discarded() int { return r.discarded }

func (r *Reassembler) parseFrame(frame []byte) (json.RawMessage, bool) {
	data := frameData(frame)
	if len(data) == 0 {
		return nil, false
	}
	r.frames++
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		r.discarded++
		r.log.Warn().Err(err).Str("data", rpcerr.Excerpt(data)).Msg("discarding unparsable sse frame")
		if r.OnDiscard != nil {
			r.OnDiscard(data, err)
		}
		return nil, false
	}
	return json.RawMessage(bytes.TrimSpace(data)), true
}

// frameData joins the data lines of a frame with "\n". Other fields and
// comments are ignored.
func frameData(frame []byte) []byte {
	var data []byte
	seen := false
	for _, line := range bytes.Split(frame, lf) {
		if !bytes.HasPrefix(line, dataField) {
			continue
		}
		v := line[len(dataField):]
		if len(v) > 0 && v[0] == ' ' {
			v = v[1:]
		}
		if seen {
			data = append(data, '\n')
		}
		data = append(data, v...)
		seen = true
	}
	return data
}
