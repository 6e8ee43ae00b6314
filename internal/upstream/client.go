// Package upstream talks to the HTTP side of the bridge: it posts JSON-RPC
// payloads, decodes plain JSON or SSE replies, and optionally keeps a GET
// event stream open.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcp-stdio-bridge/core/secret"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/metrics"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/rpcerr"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/session"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/sse"
)

const (
	acceptBoth   = "application/json, text/event-stream"
	acceptStream = "text/event-stream"
	contentJSON  = "application/json"

	// DefaultMaxBody bounds non-streamed response bodies.
	DefaultMaxBody = 32 << 20
)

// ErrStreamUnsupported is returned by Listen when the upstream refuses GET
// streams.
var ErrStreamUnsupported = errors.New("upstream does not offer an event stream")

// DeliverFunc receives each JSON payload decoded from a response.
type DeliverFunc func(payload json.RawMessage)

// Options configures a Client.
type Options struct {
	Endpoint   string
	AccessKey  string
	UserAgent  string
	HTTPClient *http.Client
	Session    *session.Manager
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
	MaxBody    int64
}

// Client performs upstream exchanges for one bridge.
type Client struct {
	endpoint  string
	accessKey string
	userAgent string
	http      *http.Client
	session   *session.Manager
	metrics   *metrics.Metrics
	log       zerolog.Logger
	maxBody   int64
}

// New returns a client for opts.Endpoint.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	sess := opts.Session
	if sess == nil {
		sess = session.New("", opts.Log)
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Client{
		endpoint:  opts.Endpoint,
		accessKey: opts.AccessKey,
		userAgent: opts.UserAgent,
		http:      hc,
		session:   sess,
		metrics:   opts.Metrics,
		log:       opts.Log,
		maxBody:   maxBody,
	}
}

// Session returns the session manager used for every exchange.
func (c *Client) Session() *session.Manager { return c.session }

// SafeEndpoint is the endpoint with the access key masked, for logs.
func (c *Client) SafeEndpoint() string { return secret.MaskPathSegment(c.endpoint, c.accessKey) }

func (c *Client) newRequest(ctx context.Context, method string, body []byte, accept string) (*http.Request, string, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint, rd)
	if err != nil {
		return nil, "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentJSON)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	rid := uuid.NewString()
	req.Header.Set("X-Request-Id", rid)
	return req, rid, nil
}

// Post forwards payload and hands every decoded event to deliver. A nil
// error means the exchange completed; whether it answered a particular id is
// up to the caller. Transport failures return *rpcerr.TransportError, replies
// the bridge cannot read or non-2xx statuses return *rpcerr.ProtocolError
// after any decodable events have been delivered.
func (c *Client) Post(ctx context.Context, payload []byte, deliver DeliverFunc) error {
	req, rid, err := c.newRequest(ctx, http.MethodPost, payload, acceptBoth)
	if err != nil {
		return rpcerr.NewTransportError("build request", err)
	}
	sent := c.session.Attach(req)
	c.session.BeginExchange()
	start := time.Now()
	log := c.log.With().Str("request_id", rid).Logger()

	resp, err := c.http.Do(req)
	if err != nil {
		err = c.scrub(err)
		c.metrics.ObserveUpstream(http.MethodPost, "transport_error", time.Since(start))
		c.session.ExchangeFailed(err.Error())
		log.Warn().Err(err).Msg("upstream post failed")
		return rpcerr.NewTransportError("post", err)
	}
	defer resp.Body.Close()
	c.session.Observe(resp, sent)
	c.session.ExchangeSucceeded()

	err = c.readBody(ctx, resp, deliver, log)
	outcome := "ok"
	if err != nil {
		outcome = rpcerr.Category(err)
	}
	c.metrics.ObserveUpstream(http.MethodPost, outcome, time.Since(start))
	log.Debug().Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Str("outcome", outcome).Msg("upstream post")
	return err
}

func (c *Client) readBody(ctx context.Context, resp *http.Response, deliver DeliverFunc, log zerolog.Logger) error {
	ct := resp.Header.Get("Content-Type")
	ok2xx := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok2xx && isEventStream(ct) {
		st, err := c.readStream(resp.Body, deliver, log)
		if err != nil {
			return err
		}
		if st.frames == 0 && len(bytes.TrimSpace(st.head)) > 0 {
			return rpcerr.NewProtocolError(resp.StatusCode, ct, st.head, "")
		}
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		c.session.ExchangeFailed(err.Error())
		return rpcerr.NewTransportError("read body", err)
	}
	if int64(len(body)) > c.maxBody {
		return rpcerr.NewProtocolError(resp.StatusCode, ct, body, fmt.Sprintf("response body exceeds %d bytes", c.maxBody))
	}
	events, ok := sse.DecodeBody(body, log)
	for _, ev := range events {
		deliver(ev)
	}
	switch {
	case !ok2xx:
		return rpcerr.NewProtocolError(resp.StatusCode, ct, body, "upstream rejected request")
	case !ok:
		return rpcerr.NewProtocolError(resp.StatusCode, ct, body, "")
	}
	return nil
}

// streamStats summarizes a consumed event stream. head keeps the first
// bytes for diagnostics.
type streamStats struct {
	head   []byte
	frames int
}

// readStream feeds the body through a reassembler as bytes arrive so early
// events are delivered before the stream ends.
func (c *Client) readStream(body io.Reader, deliver DeliverFunc, log zerolog.Logger) (streamStats, error) {
	var st streamStats
	r := sse.NewReassembler(log)
	r.MaxFrame = int(c.maxBody)
	r.OnDiscard = func([]byte, error) { c.metrics.SSEFrame("discarded") }
	emit := func(evs []json.RawMessage) {
		for _, ev := range evs {
			c.metrics.SSEFrame("ok")
			deliver(ev)
		}
	}
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if room := rpcerr.ExcerptLimit + 1 - len(st.head); room > 0 {
				st.head = append(st.head, buf[:min(n, room)]...)
			}
			emit(r.Feed(buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			emit(r.Finish())
			st.frames = r.Frames()
			return st, nil
		}
		if err != nil {
			st.frames = r.Frames()
			c.session.ExchangeFailed(err.Error())
			return st, rpcerr.NewTransportError("read stream", err)
		}
	}
}

// Probe checks that the upstream answers HTTP at all. Any status counts as
// reachable; only transport failures are errors.
func (c *Client) Probe(ctx context.Context) error {
	req, rid, err := c.newRequest(ctx, http.MethodHead, nil, acceptBoth)
	if err != nil {
		return rpcerr.NewTransportError("build probe", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(http.MethodHead, "transport_error", time.Since(start))
		return rpcerr.NewTransportError("probe", c.scrub(err))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	c.metrics.ObserveUpstream(http.MethodHead, "ok", time.Since(start))
	c.log.Info().Str("request_id", rid).Int("status", resp.StatusCode).Str("url", c.SafeEndpoint()).Msg("upstream reachable")
	return nil
}

// Terminate asks the upstream to end the held session and forgets it
// locally. Without a token it does nothing.
func (c *Client) Terminate(ctx context.Context) error {
	tok := c.session.Token()
	if tok == "" {
		return nil
	}
	req, _, err := c.newRequest(ctx, http.MethodDelete, nil, "")
	if err != nil {
		return err
	}
	c.session.Attach(req)
	resp, err := c.http.Do(req)
	c.session.Invalidate("session terminated")
	if err != nil {
		return rpcerr.NewTransportError("delete session", c.scrub(err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete session: upstream returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// scrub masks the access key in URLs embedded by net/http errors.
func (c *Client) scrub(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = c.SafeEndpoint()
	}
	return err
}

func isEventStream(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), acceptStream)
	}
	return mt == acceptStream
}
