// Package control serves the bridge's local HTTP surface: status, version,
// Prometheus metrics and a drain trigger.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options wires the handlers to the running bridge. Drain may be nil, in
// which case /control/drain is not mounted.
type Options struct {
	Status   func() any
	Version  func() any
	Drain    func()
	Gatherer prometheus.Gatherer
}

// NewRouter builds the control routes.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", jsonHandler(opts.Status))
	r.Get("/version", jsonHandler(opts.Version))
	if opts.Gatherer != nil {
		r.Handle("/metrics", MetricsHandler(opts.Gatherer))
	}
	if opts.Drain != nil {
		r.With(loopbackOnly).Post("/control/drain", func(w http.ResponseWriter, _ *http.Request) {
			opts.Drain()
			w.WriteHeader(http.StatusAccepted)
		})
	}
	return r
}

// MetricsHandler exposes g in the Prometheus text format.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve listens on addr and shuts the server down when ctx ends. It returns
// the bound address.
func Serve(ctx context.Context, addr string, h http.Handler) (string, error) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String(), nil
}

func jsonHandler(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var v any
		if fn != nil {
			v = fn()
		}
		_ = json.NewEncoder(w).Encode(v)
	}
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
