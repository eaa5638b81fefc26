// Package server exposes the client streaming endpoint and the operational
// endpoints over HTTP.
//
//	GET /v4/listen   websocket upgrade, one streaming session per connection
//	GET /healthz     liveness
//	GET /readyz      readiness (storage, NATS, draining)
//	GET /metrics     Prometheus scrape
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/pendant/internal/health"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/internal/session"
)

// ListenPath is the client streaming endpoint.
const ListenPath = "/v4/listen"

// Launcher opens a session on an accepted connection and runs it until it
// closes. It owns reporting open failures to the client.
type Launcher interface {
	Launch(ctx context.Context, conn session.Conn, p session.Params) error
}

// Config wires a [Server].
type Config struct {
	Sessions Launcher
	Health   *health.Handler

	// Metrics is served on /metrics when non-nil.
	Metrics http.Handler

	// Observe instruments every non-websocket request. May be nil.
	Observe *observe.Metrics

	// ReadLimit caps one uplink message. Defaults to 1 MiB.
	ReadLimit int64

	// SendTimeout bounds writes of rejection messages.
	SendTimeout time.Duration

	// OriginPatterns are passed to the websocket handshake. Empty accepts any
	// origin.
	OriginPatterns []string

	Logger *slog.Logger
}

// Server is the HTTP front door.
type Server struct {
	cfg    Config
	log    *slog.Logger
	router chi.Router
	http   *http.Server
	base   context.Context
	cancel context.CancelFunc
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, log: cfg.Logger, base: base, cancel: cancel}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get(ListenPath, s.handleListen)
	r.Group(func(r chi.Router) {
		if cfg.Observe != nil {
			r.Use(observe.Middleware(cfg.Observe))
		}
		if cfg.Health != nil {
			cfg.Health.Register(r)
		}
		if cfg.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", cfg.Metrics)
		}
	})
	s.router = r
	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("server: listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for plain HTTP requests.
// Websocket sessions are hijacked and must be closed by their owner first;
// the base context is cancelled last as a backstop.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.cfg.OriginPatterns,
		InsecureSkipVerify: len(s.cfg.OriginPatterns) == 0,
	})
	if err != nil {
		s.log.Debug("server: websocket accept", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	// Hijacked connections keep the request context until the handler
	// returns; it derives from the base context cancelled by Shutdown. A
	// traceparent header makes the session part of the caller's trace.
	ctx := observe.TraceContext(r)

	p, err := session.ParseParams(r.URL.Query())
	if err != nil {
		s.log.Info("server: rejected session", "remote", r.RemoteAddr, "reason", session.Reason(err), "err", err)
		if rerr := session.Reject(ctx, conn, err, s.cfg.SendTimeout); rerr != nil {
			s.log.Debug("server: reject", "err", rerr)
		}
		return
	}
	if err := s.cfg.Sessions.Launch(ctx, conn, p); err != nil {
		s.log.Debug("server: session ended", "uid", p.UID, "err", err)
	}
}
