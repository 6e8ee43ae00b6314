// Package bridge wires stdin, the dispatcher and the upstream client into
// one running process and owns its lifecycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/mcp-stdio-bridge/core/secret"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/config"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/control"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/dispatch"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/metrics"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/session"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/stdio"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/upstream"
)

// VersionInfo identifies the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// Options supplies the process resources. Nil fields are not defaulted to
// os.Stdin/os.Stdout; the caller passes them explicitly.
type Options struct {
	Stdin      io.Reader
	Stdout     io.Writer
	HTTPClient *http.Client
	Log        zerolog.Logger
	Version    VersionInfo
	// Registry receives the bridge collectors. A fresh registry is used when
	// nil.
	Registry *prometheus.Registry
}

// Bridge is one stdio-to-HTTP bridge.
type Bridge struct {
	cfg      config.BridgeConfig
	version  VersionInfo
	log      zerolog.Logger
	stdin    io.Reader
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	session  *session.Manager
	client   *upstream.Client
	out      *stdio.Writer
	disp     *dispatch.Dispatcher

	started   time.Time
	linesRead atomic.Int64
	drainCh   chan struct{}
	drainOnce sync.Once
}

// New validates cfg and builds the components.
func New(cfg config.BridgeConfig, opts Options) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Stdin == nil || opts.Stdout == nil {
		return nil, errors.New("bridge needs both stdin and stdout")
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg, true)
	m.SetBuildInfo(opts.Version.Version, opts.Version.BuildSHA, opts.Version.BuildDate)

	sess := session.New(cfg.SessionHeader, opts.Log)
	sess.OnReset = func(string) { m.SessionReset() }
	sess.OnTransition(func(_, to session.State) { m.SetLinkState(int(to)) })

	ua := fmt.Sprintf("mcp-stdio-bridge/%s (%s)", opts.Version.Version, cfg.ClientName)
	client := upstream.New(upstream.Options{
		Endpoint:   cfg.Endpoint(),
		AccessKey:  cfg.AccessKey,
		UserAgent:  ua,
		HTTPClient: opts.HTTPClient,
		Session:    sess,
		Metrics:    m,
		Log:        opts.Log,
	})
	out := stdio.NewWriter(opts.Stdout)
	disp := dispatch.New(client, out, dispatch.Options{
		MaxInFlight: cfg.MaxInFlight,
		Timeout:     cfg.RequestTimeout,
		AwaitStream: cfg.Stream,
		Log:         opts.Log,
		Metrics:     m,
	})
	return &Bridge{
		cfg:      cfg,
		version:  opts.Version,
		log:      opts.Log,
		stdin:    opts.Stdin,
		registry: reg,
		metrics:  m,
		session:  sess,
		client:   client,
		out:      out,
		disp:     disp,
		drainCh:  make(chan struct{}),
	}, nil
}

// Session exposes the session manager.
func (b *Bridge) Session() *session.Manager { return b.session }

// Drain asks a running bridge to stop reading input and exit once in-flight
// requests are answered.
func (b *Bridge) Drain() {
	b.drainOnce.Do(func() { close(b.drainCh) })
}

// Run serves until input ends, Drain is called, or ctx is cancelled; each
// of those drains in-flight work and returns nil. Errors are returned only
// for startup failures and input read failures.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = time.Now()
	b.log.Info().
		Str("endpoint", b.client.SafeEndpoint()).
		Str("client", b.cfg.ClientName).
		Int("max_in_flight", b.cfg.MaxInFlight).
		Dur("request_timeout", b.cfg.RequestTimeout).
		Bool("stream", b.cfg.Stream).
		Msg("starting stdio bridge")

	if b.cfg.Probe {
		pctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
		err := b.client.Probe(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("startup probe: %w", err)
		}
	}

	// In-flight exchanges must survive the shutdown signal.
	workCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	if err := b.startServers(workCtx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(workCtx)
	streamCtx, stopStream := context.WithCancel(gctx)
	defer stopStream()
	if b.cfg.Stream {
		g.Go(func() error {
			err := b.client.RunStream(streamCtx, b.disp.Deliver, func(err error) {
				if n := b.disp.FailStreamWaiters(err); n > 0 {
					b.log.Warn().Int("requests", n).Msg("failed pending requests after stream loss")
				}
			})
			if errors.Is(err, upstream.ErrStreamUnsupported) {
				b.disp.SetAwaitStream(false)
				return nil
			}
			return err
		})
	}

	frames, readErr, stopRead := b.startReader()
	var runErr error
	g.Go(func() error {
		defer stopStream()
		runErr = b.loop(ctx, workCtx, frames, readErr)
		close(stopRead)
		b.finish(ctx)
		return nil
	})
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	b.session.Transition(session.Closed)
	b.log.Info().Int64("lines", b.linesRead.Load()).Int64("responses", b.out.Count()).Msg("bridge stopped")
	return runErr
}

func (b *Bridge) startServers(ctx context.Context) error {
	if b.cfg.MetricsAddr != "" {
		addr, err := control.Serve(ctx, b.cfg.MetricsAddr, control.MetricsHandler(b.registry))
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		b.log.Info().Str("addr", addr).Msg("metrics listening")
	}
	if b.cfg.ControlAddr != "" {
		h := control.NewRouter(control.Options{
			Status:   func() any { return b.Status() },
			Version:  func() any { return b.version },
			Drain:    b.Drain,
			Gatherer: b.registry,
		})
		addr, err := control.Serve(ctx, b.cfg.ControlAddr, h)
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		b.log.Info().Str("addr", addr).Msg("control listening")
	}
	return nil
}

// startReader pumps stdin on its own goroutine since reads cannot be
// interrupted. Closing stop releases a goroutine blocked on send.
func (b *Bridge) startReader() (<-chan stdio.Frame, <-chan error, chan struct{}) {
	frames := make(chan stdio.Frame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	r := stdio.NewReader(b.stdin, b.cfg.MaxLineBytes)
	go func() {
		defer close(frames)
		for {
			f, err := r.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case frames <- f:
			case <-stop:
				return
			}
		}
	}()
	return frames, readErr, stop
}

func (b *Bridge) loop(ctx, workCtx context.Context, frames <-chan stdio.Frame, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("shutdown signal received, draining")
			return nil
		case <-b.drainCh:
			b.log.Info().Msg("drain requested")
			return nil
		case f, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					b.log.Error().Err(err).Msg("reading stdin")
					return fmt.Errorf("read stdin: %w", err)
				default:
				}
				b.log.Info().Msg("stdin closed, draining")
				return nil
			}
			b.linesRead.Add(1)
			b.handle(workCtx, f)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, f stdio.Frame) {
	if f.Err != nil {
		b.log.Warn().Err(f.Err).Int("line", f.Line).Msg("rejecting input line")
		b.disp.Reject(nil, "invalid", f.Err)
		return
	}
	b.disp.Dispatch(ctx, f.Msg)
}

// finish drains in-flight requests and closes the upstream session.
func (b *Bridge) finish(ctx context.Context) {
	b.session.Transition(session.Draining)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.RequestTimeout+b.cfg.DrainGrace)
	clean := b.disp.Drain(dctx)
	cancel()
	b.log.Info().Bool("clean", clean).Msg("drain complete")
	if b.cfg.CloseSession {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := b.client.Terminate(tctx); err != nil {
			b.log.Warn().Err(err).Msg("closing upstream session")
		}
		cancel()
	}
}

// Status is the /status document.
type Status struct {
	State       string    `json:"state"`
	Since       time.Time `json:"since"`
	Session     string    `json:"session,omitempty"`
	Pending     int       `json:"pending"`
	InFlight    int64     `json:"in_flight"`
	MaxInFlight int       `json:"max_in_flight"`
	LinesRead   int64     `json:"lines_read"`
	Responses   int64     `json:"responses_written"`
	Resets      int       `json:"session_resets"`
	Stream      bool      `json:"stream"`
	Endpoint    string    `json:"endpoint"`
	ClientName  string    `json:"client_name"`
	Uptime      string    `json:"uptime"`
}

// Status snapshots the bridge.
func (b *Bridge) Status() Status {
	st, since := b.session.State()
	return Status{
		State:       st.String(),
		Since:       since,
		Session:     secret.Mask(b.session.Token()),
		Pending:     b.disp.Pending(),
		InFlight:    b.disp.InFlight(),
		MaxInFlight: b.disp.MaxInFlight(),
		LinesRead:   b.linesRead.Load(),
		Responses:   b.out.Count(),
		Resets:      b.session.Resets(),
		Stream:      b.cfg.Stream,
		Endpoint:    b.client.SafeEndpoint(),
		ClientName:  b.cfg.ClientName,
		Uptime:      time.Since(b.started).Round(time.Second).String(),
	}
}
