package stdio

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// Writer emits one JSON object per line. Calls are serialized so lines from
// concurrent resolutions never interleave.
type Writer struct {
	mu  sync.Mutex
	w   *bufio.Writer
	buf bytes.Buffer
	n   int64
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage marshals v onto its own line.
func (w *Writer) WriteMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteRaw(b)
}

// WriteRaw writes an already encoded payload, compacting it first so it
// cannot span lines.
func (w *Writer) WriteRaw(raw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
	if err := json.Compact(&w.buf, raw); err != nil {
		return err
	}
	w.buf.WriteByte('\n')
	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	w.n++
	return nil
}

// Count reports the number of lines written.
func (w *Writer) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}
