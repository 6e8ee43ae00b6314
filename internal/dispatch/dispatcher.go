// Package dispatch correlates client requests with upstream replies. Each
// request id owns one pending entry until exactly one response, real or
// synthesized, has been written for it.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/gaspardpetit/mcp-stdio-bridge/internal/inflight"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/jsonrpc"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/metrics"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/rpcerr"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/upstream"
)

// DefaultTimeout bounds a request that was given no explicit timeout.
const DefaultTimeout = 2 * time.Minute

var errUnanswered = rpcerr.NewProtocolError(0, "", nil, "upstream reply did not answer request")

// Upstream sends one payload and reports decoded reply events.
type Upstream interface {
	Post(ctx context.Context, payload []byte, deliver upstream.DeliverFunc) error
}

// Output receives everything written back to the client.
type Output interface {
	WriteRaw(raw []byte) error
	WriteMessage(v any) error
}

// Options tunes a Dispatcher.
type Options struct {
	// MaxInFlight bounds concurrent upstream calls. 1 issues calls strictly
	// one at a time in arrival order.
	MaxInFlight int
	// Timeout is the longest a request may stay pending.
	Timeout time.Duration
	// AwaitStream keeps a request pending after its POST completed without
	// an answer, for replies that arrive on the event stream.
	AwaitStream bool
	Log         zerolog.Logger
	Metrics     *metrics.Metrics
}

// Dispatcher owns the pending table.
type Dispatcher struct {
	up          Upstream
	out         Output
	log         zerolog.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration
	maxInFlight int

	streamMu    sync.Mutex
	awaitStream bool
	streamOff   chan struct{} // closed while replies cannot arrive on a stream

	sem   *semaphore.Weighted
	table *table
	work  inflight.Counter
}

// New returns a dispatcher forwarding to up and answering on out.
func New(up Upstream, out Output, opts Options) *Dispatcher {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	d := &Dispatcher{
		up:          up,
		out:         out,
		log:         opts.Log,
		metrics:     opts.Metrics,
		timeout:     opts.Timeout,
		maxInFlight: opts.MaxInFlight,
		sem:         semaphore.NewWeighted(int64(opts.MaxInFlight)),
		table:       newTable(),
		awaitStream: opts.AwaitStream,
		streamOff:   make(chan struct{}),
	}
	if !opts.AwaitStream {
		close(d.streamOff)
	}
	return d
}

// SetAwaitStream switches whether unanswered POSTs keep waiting for the
// event stream. It is turned off when the upstream refuses streams, which
// also fails the requests already waiting.
func (d *Dispatcher) SetAwaitStream(v bool) {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	if v == d.awaitStream {
		return
	}
	d.awaitStream = v
	if v {
		d.streamOff = make(chan struct{})
	} else {
		close(d.streamOff)
	}
}

func (d *Dispatcher) streamState() (bool, <-chan struct{}) {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	return d.awaitStream, d.streamOff
}

// Pending reports how many requests await a response.
func (d *Dispatcher) Pending() int { return d.table.len() }

// InFlight reports how many upstream exchanges are running or waiting.
func (d *Dispatcher) InFlight() int64 { return d.work.Load() }

// MaxInFlight reports the concurrency bound.
func (d *Dispatcher) MaxInFlight() int { return d.maxInFlight }

// Dispatch forwards msg upstream. It blocks only while waiting for a free
// upstream slot, which keeps initiation in arrival order; the exchange
// itself runs in the background. ctx governs the upstream calls and should
// outlive a drain signal.
func (d *Dispatcher) Dispatch(ctx context.Context, msg jsonrpc.Message) {
	log := d.log.With().Str("method", msg.Method).RawJSON("id", idForLog(msg.ID)).Logger()
	if msg.Kind != jsonrpc.KindRequest {
		d.work.Inc()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.work.Dec()
			log.Warn().Err(err).Msg("dropping message: bridge stopping")
			return
		}
		go d.forward(ctx, msg, log)
		return
	}

	p := &pending{id: msg.ID, key: msg.Key(), method: msg.Method, enqueued: time.Now(), done: make(chan struct{})}
	n, ok := d.table.add(p)
	d.metrics.SetPending(n)
	if !ok {
		err := &rpcerr.CorrelationError{ID: msg.ID}
		log.Warn().Msg("duplicate request id while pending")
		d.Reject(msg.ID, "request", err)
		return
	}
	d.work.Inc()
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.work.Dec()
		d.fail(p, rpcerr.NewTransportError("dispatch", rpcerr.ErrShuttingDown))
		return
	}
	log.Debug().Msg("forwarding request")
	go d.run(ctx, p, msg, log)
}

// forward sends a notification or a client response. Replies are dropped.
func (d *Dispatcher) forward(ctx context.Context, msg jsonrpc.Message, log zerolog.Logger) {
	defer d.work.Dec()
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err := d.up.Post(reqCtx, msg.Raw, func(payload json.RawMessage) {
		log.Debug().RawJSON("payload", payload).Msg("discarding reply to notification")
	})
	d.sem.Release(1)
	outcome := "ok"
	if err != nil {
		outcome = rpcerr.Category(err)
		log.Warn().Err(err).Msg("forwarding failed")
	}
	d.metrics.Message(msg.Kind.String(), outcome)
}

func (d *Dispatcher) run(ctx context.Context, p *pending, msg jsonrpc.Message, log zerolog.Logger) {
	defer d.work.Dec()
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err := d.up.Post(reqCtx, msg.Raw, d.Deliver)
	d.sem.Release(1)
	if err != nil {
		d.fail(p, err)
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	await, off := d.streamState()
	if !await {
		d.fail(p, errUnanswered)
		return
	}
	if !d.table.markAwaiting(p) {
		return
	}
	select {
	case <-p.done:
	case <-off:
		d.fail(p, errUnanswered)
	case <-reqCtx.Done():
		d.fail(p, rpcerr.TimeoutError(d.timeout))
	}
}

// Deliver routes one upstream payload to the request it answers. Payloads
// that are not responses, or whose id is not pending, are dropped.
func (d *Dispatcher) Deliver(payload json.RawMessage) {
	msg, err := jsonrpc.Decode(payload)
	if err != nil || msg.Kind != jsonrpc.KindResponse || !msg.HasID() {
		d.metrics.Orphan()
		d.log.Debug().RawJSON("payload", safeJSON(payload)).Msg("dropping unsolicited upstream message")
		return
	}
	p, n := d.table.take(msg.Key())
	d.metrics.SetPending(n)
	if p == nil {
		d.metrics.Orphan()
		d.log.Warn().RawJSON("id", idForLog(msg.ID)).Msg("dropping upstream response with no pending request")
		return
	}
	if err := d.out.WriteRaw(payload); err != nil {
		d.log.Error().Err(err).RawJSON("id", idForLog(p.id)).Msg("write response")
	}
	d.metrics.Message("request", "ok")
	d.log.Debug().RawJSON("id", idForLog(p.id)).Str("method", p.method).Dur("elapsed", time.Since(p.enqueued)).Msg("request resolved")
}

// Reject answers id locally with the translation of err.
func (d *Dispatcher) Reject(id json.RawMessage, kind string, err error) {
	if werr := d.out.WriteMessage(rpcerr.Translate(id, err)); werr != nil {
		d.log.Error().Err(werr).Msg("write error response")
	}
	d.metrics.Message(kind, rpcerr.Category(err))
}

// fail answers p with err unless it was already resolved.
func (d *Dispatcher) fail(p *pending, err error) {
	ok, n := d.table.takeIf(p)
	d.metrics.SetPending(n)
	if !ok {
		return
	}
	d.log.Warn().Err(err).RawJSON("id", idForLog(p.id)).Str("method", p.method).Msg("request failed")
	d.Reject(p.id, "request", err)
}

// FailAll answers every pending request with err.
func (d *Dispatcher) FailAll(err error) int {
	ps := d.table.takeAll()
	d.metrics.SetPending(0)
	for _, p := range ps {
		d.log.Warn().Err(err).RawJSON("id", idForLog(p.id)).Str("method", p.method).Msg("request failed")
		d.Reject(p.id, "request", err)
	}
	return len(ps)
}

// FailStreamWaiters answers with err only the requests whose POST already
// completed and that wait on the event stream. Requests still inside their
// own exchange are left alone.
func (d *Dispatcher) FailStreamWaiters(err error) int {
	ps, n := d.table.takeAwaiting()
	d.metrics.SetPending(n)
	for _, p := range ps {
		d.log.Warn().Err(err).RawJSON("id", idForLog(p.id)).Str("method", p.method).Msg("request failed")
		d.Reject(p.id, "request", err)
	}
	return len(ps)
}

// Drain waits for in-flight exchanges to finish. Requests still pending
// when ctx ends are failed so every id gets its one response. It reports
// whether everything finished on its own.
func (d *Dispatcher) Drain(ctx context.Context) bool {
	if d.work.WaitForZero(ctx) {
		return true
	}
	if n := d.FailAll(rpcerr.NewTransportError("drain", rpcerr.ErrShuttingDown)); n > 0 {
		d.log.Warn().Int("requests", n).Msg("failed requests still pending at shutdown")
	}
	return false
}

func idForLog(id json.RawMessage) []byte {
	if len(id) == 0 {
		return []byte("null")
	}
	return id
}

func safeJSON(b json.RawMessage) []byte {
	if json.Valid(b) {
		return b
	}
	return []byte(`"<invalid>"`)
}
