package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gaspardpetit/mcp-stdio-bridge/core/reconnect"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/rpcerr"
)

// minHealthyStream is how long a stream must stay up before a later failure
// earns a fresh immediate reconnect.
const minHealthyStream = time.Second

// Listen opens one GET event stream and delivers its events until the
// stream ends. connected reports whether the upstream accepted the stream.
func (c *Client) Listen(ctx context.Context, deliver DeliverFunc) (connected bool, err error) {
	req, rid, err := c.newRequest(ctx, http.MethodGet, nil, acceptStream)
	if err != nil {
		return false, rpcerr.NewTransportError("build stream request", err)
	}
	sent := c.session.Attach(req)
	resp, err := c.http.Do(req)
	if err != nil {
		err = c.scrub(err)
		c.session.ExchangeFailed(err.Error())
		return false, rpcerr.NewTransportError("open stream", err)
	}
	defer resp.Body.Close()
	c.session.Observe(resp, sent)
	ct := resp.Header.Get("Content-Type")
	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return false, ErrStreamUnsupported
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, rpcerr.ExcerptLimit+1))
		return false, rpcerr.NewProtocolError(resp.StatusCode, ct, body, "event stream request rejected")
	case !isEventStream(ct):
		body, _ := io.ReadAll(io.LimitReader(resp.Body, rpcerr.ExcerptLimit+1))
		return false, rpcerr.NewProtocolError(resp.StatusCode, ct, body, "stream is not text/event-stream")
	}
	c.session.ExchangeSucceeded()
	c.log.Info().Str("request_id", rid).Msg("upstream event stream open")
	if _, err := c.readStream(resp.Body, deliver, c.log); err != nil {
		return true, err
	}
	if ctx.Err() != nil {
		return true, nil
	}
	return true, rpcerr.NewTransportError("stream", io.ErrUnexpectedEOF)
}

// RunStream keeps an event stream open until ctx ends. Streams need a
// session, so each attempt waits for one. After a failure one immediate
// reconnect is tried; if that fails too, onFailure is told and further
// attempts follow the reconnect schedule.
func (c *Client) RunStream(ctx context.Context, deliver DeliverFunc, onFailure func(error)) error {
	attempt := 0
	retried := false
	for {
		if c.session.Token() == "" {
			select {
			case <-ctx.Done():
				return nil
			case <-c.session.Ready():
			}
		}
		start := time.Now()
		connected, err := c.Listen(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrStreamUnsupported) {
			c.log.Warn().Msg("upstream rejected GET stream; responses will only arrive on POST replies")
			return err
		}
		if connected && time.Since(start) >= minHealthyStream {
			attempt = 0
			retried = false
		}
		c.log.Warn().Err(err).Bool("retried", retried).Msg("upstream event stream lost")
		if !retried {
			retried = true
			continue
		}
		if onFailure != nil {
			onFailure(err)
		}
		if !reconnect.Wait(ctx, attempt) {
			return nil
		}
		attempt++
	}
}
