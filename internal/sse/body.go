package sse

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog"
)

// DecodeBody extracts events from a complete, non-streamed body. A body that
// is itself a JSON document is returned as is (a JSON array yields one event
// per element); otherwise the body is scanned as SSE frames. ok is false
// when a non-empty body yields no event.
func DecodeBody(body []byte, log zerolog.Logger) (events []json.RawMessage, ok bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, true
	}
	if json.Valid(trimmed) {
		if trimmed[0] == '[' {
			var batch []json.RawMessage
			if err := json.Unmarshal(trimmed, &batch); err == nil {
				return batch, true
			}
		}
		return []json.RawMessage{json.RawMessage(trimmed)}, true
	}
	r := NewReassembler(log)
	events = append(r.Feed(body), r.Finish()...)
	if len(events) == 0 {
		return nil, false
	}
	return events, true
}
