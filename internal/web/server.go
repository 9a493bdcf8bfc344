// Package web assembles the dropbeam HTTP surface: the signaling WebSocket
// endpoint, optional static asset serving, health probes, and the Prometheus
// scrape endpoint.
//
// The server splits Listen from Serve so callers can fail fast on an
// unusable address and read the bound port before serving (tests bind ":0").
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/dropbeam/internal/config"
	"github.com/MrWong99/dropbeam/internal/health"
	"github.com/MrWong99/dropbeam/internal/hub"
	"github.com/MrWong99/dropbeam/internal/observe"
)

// SignalingPath is the WebSocket endpoint peers connect to.
const SignalingPath = "/server/webrtc"

// Server owns the HTTP listener and route tree for one dropbeam instance.
type Server struct {
	cfg     config.ServerConfig
	hub     *hub.Hub
	metrics *observe.Metrics
	log     *slog.Logger

	httpSrv *http.Server

	// mu guards ln; Addr is queried from other goroutines while Serve binds.
	mu sync.Mutex
	ln net.Listener
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the server logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink used by the request middleware. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server routing signaling traffic to h.
func New(cfg config.ServerConfig, h *hub.Hub, opts ...Option) *Server {
	s := &Server{
		cfg: cfg,
		hub: h,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.httpSrv = &http.Server{
		Handler: s.Handler(),
		// Signaling sockets are hijacked WebSockets; blanket read or write
		// timeouts would sever them mid-transfer. Only the handshake headers
		// are bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the assembled route tree wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+SignalingPath, s.handleSignaling)

	probes := health.New(health.Checker{
		Name:  "hub",
		Check: func(context.Context) error { return s.hub.Ready() },
	})
	probes.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	return observe.Middleware(s.metrics)(mux)
}

// handleSignaling hands the request to the hub, which upgrades it and blocks
// until the peer disconnects. Upgrade failures are already answered on the
// wire by the time Accept returns.
func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Accept(w, r); err != nil {
		s.log.Debug("signaling handshake failed", "remote", r.RemoteAddr, "err", err)
	}
}

// Listen binds the configured address. Call it before Serve when startup
// should fail fast on an unusable address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listen address. Before Listen it reports the
// configured address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Serve accepts connections on the bound listener until [Server.Shutdown] is
// called or the listener fails. It binds the address itself if Listen was
// not called. A clean shutdown returns nil.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.ln
		s.mu.Unlock()
	}

	s.log.Info("web server listening", "addr", s.Addr(), "tls", s.cfg.TLS != nil)

	var err error
	if tls := s.cfg.TLS; tls != nil {
		err = s.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	} else {
		err = s.httpSrv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("web: serve: %w", err)
}

// Shutdown stops accepting new connections and waits for in-flight requests
// up to the context deadline. Hijacked signaling sockets are not waited on;
// closing those is the hub's job.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}
