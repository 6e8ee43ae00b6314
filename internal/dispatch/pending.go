package dispatch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gaspardpetit/mcp-stdio-bridge/internal/jsonrpc"
)

// pending is one request awaiting its response. done is closed by whoever
// removes it from the table.
type pending struct {
	id       json.RawMessage
	key      jsonrpc.Key
	method   string
	enqueued time.Time
	done     chan struct{}
	awaiting bool // POST finished; the answer can only come from the stream
}

// table holds at most one pending entry per id key.
type table struct {
	mu sync.Mutex
	m  map[jsonrpc.Key]*pending
}

func newTable() *table { return &table{m: make(map[jsonrpc.Key]*pending)} }

// add registers p and reports false when its key is already pending.
func (t *table) add(p *pending) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[p.key]; ok {
		return len(t.m), false
	}
	t.m[p.key] = p
	return len(t.m), true
}

// take removes and returns the entry for key, if any.
func (t *table) take(key jsonrpc.Key) (*pending, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[key]
	if !ok {
		return nil, len(t.m)
	}
	delete(t.m, key)
	close(p.done)
	return p, len(t.m)
}

// takeIf removes p only if it is still the entry registered for its key.
func (t *table) takeIf(p *pending) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m[p.key] != p {
		return false, len(t.m)
	}
	delete(t.m, p.key)
	close(p.done)
	return true, len(t.m)
}

// takeAll empties the table.
func (t *table) takeAll() []*pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pending, 0, len(t.m))
	for k, p := range t.m {
		delete(t.m, k)
		close(p.done)
		out = append(out, p)
	}
	return out
}

// markAwaiting flags p as waiting on the event stream. It reports false
// when p was already resolved.
func (t *table) markAwaiting(p *pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m[p.key] != p {
		return false
	}
	p.awaiting = true
	return true
}

// takeAwaiting removes every entry flagged by markAwaiting.
func (t *table) takeAwaiting() ([]*pending, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pending
	for k, p := range t.m {
		if !p.awaiting {
			continue
		}
		delete(t.m, k)
		close(p.done)
		out = append(out, p)
	}
	return out, len(t.m)
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
