package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newReq() *http.Request { return httptest.NewRequest(http.MethodPost, "http://up/api/mcp/k", nil) }

func respWith(status int, header, token string) *http.Response {
	r := &http.Response{StatusCode: status, Header: http.Header{}}
	if token != "" {
		r.Header.Set(header, token)
	}
	return r
}

func TestAttachObserveInvalidate(t *testing.T) {
	m := New("", zerolog.Nop())
	req := newReq()
	if sent := m.Attach(req); sent != "" || req.Header.Get(DefaultHeader) != "" {
		t.Fatalf("first contact must not carry a token")
	}
	ready := m.Ready()
	m.Observe(respWith(200, "mcp-session-id", "tok-1"), "")
	select {
	case <-ready:
	default:
		t.Fatalf("ready should close once a token is held")
	}
	req = newReq()
	if sent := m.Attach(req); sent != "tok-1" || req.Header.Get("Mcp-Session-Id") != "tok-1" {
		t.Fatalf("expected tok-1, got %q", req.Header.Get("Mcp-Session-Id"))
	}
	m.Observe(respWith(200, DefaultHeader, "tok-2"), "tok-1")
	if m.Token() != "tok-2" {
		t.Fatalf("new token should overwrite the old one")
	}
	var reasons []string
	m.OnReset = func(r string) { reasons = append(reasons, r) }
	m.Invalidate("transport error")
	req = newReq()
	if m.Attach(req) != "" || req.Header.Get(DefaultHeader) != "" {
		t.Fatalf("cleared token must not be attached")
	}
	if m.Resets() != 1 || len(reasons) != 1 {
		t.Fatalf("expected one reset, got %d", m.Resets())
	}
	select {
	case <-m.Ready():
		t.Fatalf("ready must reopen after the token is cleared")
	default:
	}
	m.Invalidate("again")
	if m.Resets() != 1 {
		t.Fatalf("clearing an empty token is not a reset")
	}
}

func TestObserve404ClosesOnlyMatchingSession(t *testing.T) {
	m := New("X-Session", zerolog.Nop())
	m.Observe(respWith(200, "X-Session", "a"), "")
	m.Observe(respWith(404, "", ""), "stale")
	if m.Token() != "a" {
		t.Fatalf("404 for an older token must not clear the current one")
	}
	m.Observe(respWith(404, "", ""), "a")
	if m.Token() != "" {
		t.Fatalf("404 for the held token should clear it")
	}
	m.Observe(respWith(200, "", ""), "")
	if m.Token() != "" {
		t.Fatalf("response without header keeps the token empty")
	}
}

func TestStateMachine(t *testing.T) {
	m := New("", zerolog.Nop())
	var seen []State
	m.OnTransition(func(_, to State) { seen = append(seen, to) })
	m.BeginExchange()
	m.ExchangeSucceeded()
	m.ExchangeFailed("reset")
	m.BeginExchange()
	if st, _ := m.State(); st != Connecting {
		t.Fatalf("expected connecting, got %s", st)
	}
	if !m.Transition(Draining) {
		t.Fatalf("draining should be reachable")
	}
	if m.Transition(Connected) {
		t.Fatalf("draining must only lead to closed")
	}
	m.ExchangeFailed("late failure")
	if st, _ := m.State(); st != Draining {
		t.Fatalf("per-request transitions are ignored while draining, got %s", st)
	}
	if !m.Transition(Closed) || m.Transition(Disconnected) {
		t.Fatalf("closed is terminal")
	}
	want := []State{Connecting, Connected, Disconnected, Connecting, Draining, Closed}
	if len(seen) != len(want) {
		t.Fatalf("expected %v got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v got %v", want, seen)
		}
	}
}
