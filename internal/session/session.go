// Package session holds the upstream session token and link state. Affinity
// is best effort: requests without a token are valid first-contact requests.
package session

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcp-stdio-bridge/core/secret"
)

// DefaultHeader is the streamable HTTP session header.
const DefaultHeader = "Mcp-Session-Id"

// Manager owns the session token and the link state machine. The zero value
// is not usable; call New.
type Manager struct {
	header string
	log    zerolog.Logger

	mu        sync.RWMutex
	token     string
	state     State
	since     time.Time
	resets    int
	ready     chan struct{} // closed while a token is held
	listeners []func(from, to State)

	// OnReset is called whenever a held token is dropped.
	OnReset func(reason string)
}

// New returns a Disconnected manager using header (DefaultHeader when empty).
func New(header string, log zerolog.Logger) *Manager {
	if strings.TrimSpace(header) == "" {
		header = DefaultHeader
	}
	return &Manager{header: http.CanonicalHeaderKey(header), log: log, since: time.Now(), ready: make(chan struct{})}
}

// Ready returns a channel that is closed once a token is held. A new channel
// is handed out after the token is cleared.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Header returns the canonical header name.
func (m *Manager) Header() string { return m.header }

// Token returns the current token, or "" when none is held.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Attach sets the session header on req when a token is held and reports the
// token it attached.
func (m *Manager) Attach(req *http.Request) string {
	tok := m.Token()
	if tok != "" {
		req.Header.Set(m.header, tok)
	}
	return tok
}

// Observe records the token carried by resp, overwriting any previous one.
// sent is the token that was attached to the request; a 404 answering a
// request that carried a token means the upstream closed that session.
func (m *Manager) Observe(resp *http.Response, sent string) {
	if tok := strings.TrimSpace(resp.Header.Get(m.header)); tok != "" {
		m.mu.Lock()
		prev := m.token
		m.token = tok
		if prev == "" {
			close(m.ready)
		}
		m.mu.Unlock()
		if prev != tok {
			m.log.Info().Str("session", secret.Mask(tok)).Msg("upstream session established")
		}
		return
	}
	if resp.StatusCode == http.StatusNotFound && sent != "" {
		m.invalidate(sent, "upstream closed session")
	}
}

// Invalidate drops the held token so that the next request starts a new
// session.
func (m *Manager) Invalidate(reason string) { m.invalidate("", reason) }

// invalidate clears the token. When only is non-empty the token is cleared
// only if it still equals only, so a stale failure cannot drop a newer
// session.
func (m *Manager) invalidate(only, reason string) {
	m.mu.Lock()
	tok := m.token
	if tok == "" || (only != "" && tok != only) {
		m.mu.Unlock()
		return
	}
	m.token = ""
	m.ready = make(chan struct{})
	m.resets++
	m.mu.Unlock()
	m.log.Warn().Str("session", secret.Mask(tok)).Str("reason", reason).Msg("upstream session cleared")
	if m.OnReset != nil {
		m.OnReset(reason)
	}
}

// Resets counts how many times a held token was dropped.
func (m *Manager) Resets() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resets
}

// State returns the link state and when it was entered.
func (m *Manager) State() (State, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.since
}

// OnTransition registers fn to run after every state change.
func (m *Manager) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Transition moves to next when the state machine allows it and reports
// whether the state is now next.
func (m *Manager) Transition(next State) bool {
	m.mu.Lock()
	from := m.state
	if !canTransition(from, next) {
		m.mu.Unlock()
		return false
	}
	if from == next {
		m.mu.Unlock()
		return true
	}
	m.state = next
	m.since = time.Now()
	listeners := append([]func(from, to State){}, m.listeners...)
	m.mu.Unlock()
	m.log.Debug().Stringer("from", from).Stringer("to", next).Msg("link state")
	for _, fn := range listeners {
		fn(from, next)
	}
	return true
}

// BeginExchange marks the start of an upstream call.
func (m *Manager) BeginExchange() {
	if st, _ := m.State(); st == Disconnected {
		m.Transition(Connecting)
	}
}

// ExchangeSucceeded marks a successful upstream response.
func (m *Manager) ExchangeSucceeded() { m.Transition(Connected) }

// ExchangeFailed records a transport failure: the token is dropped and the
// link falls back to Disconnected.
func (m *Manager) ExchangeFailed(reason string) {
	m.Invalidate(reason)
	m.Transition(Disconnected)
}
