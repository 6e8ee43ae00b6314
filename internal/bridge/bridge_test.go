package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	sse "github.com/tmaxmax/go-sse"

	"github.com/gaspardpetit/mcp-stdio-bridge/internal/config"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/rpcerr"
)

const testKey = "test-access-key-123"

func testConfig(base string) config.BridgeConfig {
	return config.BridgeConfig{
		AccessKey:      testKey,
		BaseURL:        base,
		PathPrefix:     config.DefaultPathPrefix,
		RequestTimeout: 5 * time.Second,
		DrainGrace:     time.Second,
		MaxInFlight:    1,
		MaxLineBytes:   1 << 20,
		ClientName:     "test",
	}
}

func newBridge(t *testing.T, cfg config.BridgeConfig, stdin io.Reader, stdout io.Writer) *Bridge {
	t.Helper()
	b, err := New(cfg, Options{Stdin: stdin, Stdout: stdout, Log: zerolog.Nop(), Version: VersionInfo{Version: "test"}})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b
}

func outputLines(buf *bytes.Buffer) []string {
	s := strings.TrimRight(buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type errorLine struct {
	ID    json.RawMessage `json:"id"`
	Error struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
}

func decodeError(t *testing.T, line string) errorLine {
	t.Helper()
	var e errorLine
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return e
}

func TestPingOverSSE(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mcp/"+testKey {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.UserAgent(), "mcp-stdio-bridge/test (test)") {
			t.Errorf("unexpected user agent %q", r.UserAgent())
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
	}))
	defer ts.Close()

	var out bytes.Buffer
	b := newBridge(t, testConfig(ts.URL), strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), &out)
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := out.String(); got != "{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n" {
		t.Fatalf("unexpected output %q", got)
	}
	st := b.Status()
	if st.LinesRead != 1 || st.Responses != 1 || st.Pending != 0 || st.State != "closed" {
		t.Fatalf("unexpected status %+v", st)
	}
	if strings.Contains(st.Endpoint, testKey) {
		t.Fatalf("status leaks access key: %s", st.Endpoint)
	}
}

func TestConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()

	var out bytes.Buffer
	b := newBridge(t, testConfig(base), strings.NewReader(`{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`+"\n"), &out)
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := outputLines(&out)
	if len(lines) != 1 {
		t.Fatalf("expected one response, got %q", lines)
	}
	e := decodeError(t, lines[0])
	if string(e.ID) != `"abc"` || e.Error.Code != -32603 {
		t.Fatalf("unexpected error %s", lines[0])
	}
	if !strings.HasPrefix(e.Error.Message, "Proxy error: ") {
		t.Fatalf("unexpected message %q", e.Error.Message)
	}
	if e.Error.Data["mcp"] != rpcerr.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable, got %v", e.Error.Data)
	}
	if strings.Contains(lines[0], testKey) {
		t.Fatalf("error leaks access key: %s", lines[0])
	}
}

func TestMalformedLineThenValid(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)
	}))
	defer ts.Close()

	in := "{not json\n\n" + `{"jsonrpc":"2.0","id":7,"method":"tools/list"}` + "\n"
	var out bytes.Buffer
	if err := newBridge(t, testConfig(ts.URL), strings.NewReader(in), &out).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := outputLines(&out)
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", lines)
	}
	e := decodeError(t, lines[0])
	if string(e.ID) != "null" || e.Error.Code != -32700 || !strings.HasPrefix(e.Error.Message, "Parse error: ") {
		t.Fatalf("unexpected parse error %s", lines[0])
	}
	if lines[1] != `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}` {
		t.Fatalf("unexpected response %s", lines[1])
	}
}

func TestStartupProbeFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()

	cfg := testConfig(base)
	cfg.Probe = true
	var out bytes.Buffer
	err := newBridge(t, cfg, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), &out).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "startup probe") {
		t.Fatalf("expected startup probe error, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be written when startup fails, got %q", out.String())
	}
}

func TestReadErrorStopsBridge(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	var out bytes.Buffer
	err := newBridge(t, testConfig(ts.URL), iotest.ErrReader(errors.New("boom")), &out).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "read stdin") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestMCPServerRoundTrip(t *testing.T) {
	s := server.NewMCPServer("test", "1.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("echo", mcp.WithString("msg", mcp.Required())), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, err := req.RequireString("msg")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(msg), nil
	})
	var deletes atomic.Int32
	hs := server.NewStreamableHTTPServer(s)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletes.Add(1)
		}
		hs.ServeHTTP(w, r)
	}))
	defer ts.Close()

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hi"}}}`,
	}, "\n") + "\n"
	cfg := testConfig(ts.URL)
	cfg.Probe = true
	cfg.CloseSession = true
	var out bytes.Buffer
	b := newBridge(t, cfg, strings.NewReader(in), &out)
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := outputLines(&out)
	if len(lines) != 2 {
		t.Fatalf("expected two responses, got %q", lines)
	}
	if !strings.Contains(lines[0], `"id":1`) || !strings.Contains(lines[0], `"serverInfo"`) {
		t.Fatalf("unexpected initialize response %s", lines[0])
	}
	if !strings.Contains(lines[1], `"id":2`) || !strings.Contains(lines[1], `"text":"hi"`) {
		t.Fatalf("unexpected tool response %s", lines[1])
	}
	if deletes.Load() != 1 {
		t.Fatalf("expected session DELETE on exit, got %d", deletes.Load())
	}
	if b.Session().Token() != "" {
		t.Fatalf("session should be forgotten after exit")
	}
}

func TestStreamModeDeliversOverGET(t *testing.T) {
	ids := make(chan json.RawMessage, 4)
	var gets atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				ID json.RawMessage `json:"id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			ids <- req.ID
			w.Header().Set("Mcp-Session-Id", "stream-session")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			if r.Header.Get("Mcp-Session-Id") != "stream-session" {
				t.Errorf("stream opened without session")
			}
			gets.Add(1)
			sess, err := sse.Upgrade(w, r)
			if err != nil {
				return
			}
			ready := &sse.Message{}
			ready.AppendComment("ready")
			_ = sess.Send(ready)
			_ = sess.Flush()
			for {
				select {
				case <-r.Context().Done():
					return
				case id := <-ids:
					msg := &sse.Message{}
					msg.AppendData(`{"jsonrpc":"2.0","id":` + string(id) + `,"result":{"via":"stream"}}`)
					if sess.Send(msg) != nil || sess.Flush() != nil {
						return
					}
				}
			}
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.Stream = true
	var out bytes.Buffer
	b := newBridge(t, cfg, strings.NewReader(`{"jsonrpc":"2.0","id":"s-1","method":"tools/list"}`+"\n"), &out)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := out.String(); got != `{"jsonrpc":"2.0","id":"s-1","result":{"via":"stream"}}`+"\n" {
		t.Fatalf("unexpected output %q", got)
	}
	if gets.Load() == 0 {
		t.Fatalf("expected a GET stream")
	}
}

func TestStreamUnsupportedFallsBackToPostReplies(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Mcp-Session-Id", "s")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.Stream = true
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	b := newBridge(t, cfg, pr, &out)
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	// first request establishes the session and waits on the stream
	_, _ = io.WriteString(pw, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	deadline := time.Now().Add(5 * time.Second)
	for b.Status().Responses == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	_, _ = io.WriteString(pw, `{"jsonrpc":"2.0","id":2,"method":"ping"}`+"\n")
	_ = pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := outputLines(&out)
	if len(lines) != 2 {
		t.Fatalf("expected two error responses, got %q", lines)
	}
	e := decodeError(t, lines[1])
	if string(e.ID) != "2" || e.Error.Data["mcp"] != rpcerr.CodeUpstreamError {
		t.Fatalf("second request should fail fast once streams are unsupported: %s", lines[1])
	}
}

func TestCancelDrainsInFlight(t *testing.T) {
	got := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(got)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":9,"result":{}}`)
	}))
	defer ts.Close()

	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	b := newBridge(t, testConfig(ts.URL), pr, &out)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	go func() { _, _ = io.WriteString(pw, `{"jsonrpc":"2.0","id":9,"method":"slow"}`+"\n") }()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("request never reached upstream")
	}
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("bridge did not stop after drain")
	}
	if out.String() != `{"jsonrpc":"2.0","id":9,"result":{}}`+"\n" {
		t.Fatalf("in-flight request should complete during drain, got %q", out.String())
	}
}

func TestDrainStopsReading(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	b := newBridge(t, testConfig(ts.URL), pr, &out)
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	b.Drain()
	b.Drain()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not stop the bridge")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://localhost:1")
	cfg.AccessKey = ""
	if _, err := New(cfg, Options{Stdin: strings.NewReader(""), Stdout: io.Discard}); err == nil {
		t.Fatalf("expected missing access key to be rejected")
	}
	if _, err := New(testConfig("http://localhost:1"), Options{}); err == nil {
		t.Fatalf("expected missing stdio to be rejected")
	}
}

func TestStreamLossSparesRequestStillStreamingItsReply(t *testing.T) {
	var gets atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			gets.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		case http.MethodPost:
			var req struct {
				ID json.RawMessage `json:"id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if string(req.ID) == "0" {
				w.Header().Set("Mcp-Session-Id", "s")
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":0,"result":{}}`)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			// answer only after the GET stream has failed twice
			deadline := time.Now().Add(5 * time.Second)
			for gets.Load() < 2 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			time.Sleep(100 * time.Millisecond)
			_, _ = io.WriteString(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":\"slow-ok\"}\n\n")
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.Stream = true
	in := `{"jsonrpc":"2.0","id":0,"method":"initialize"}` + "\n" + `{"jsonrpc":"2.0","id":1,"method":"tools/call"}` + "\n"
	var out bytes.Buffer
	if err := newBridge(t, cfg, strings.NewReader(in), &out).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := outputLines(&out)
	if len(lines) != 2 || lines[1] != `{"jsonrpc":"2.0","id":1,"result":"slow-ok"}` {
		t.Fatalf("request with a live POST must keep its answer, got %q", lines)
	}
	if gets.Load() < 2 {
		t.Fatalf("expected the stream to fail at least twice, got %d", gets.Load())
	}
}
