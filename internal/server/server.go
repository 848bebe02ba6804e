// Package server exposes the coordinator over HTTP: the websocket connect
// endpoint plus health, port listing and state inspection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/neboloop/tabsync/internal/httputil"
	"github.com/neboloop/tabsync/internal/hub"
	"github.com/neboloop/tabsync/internal/logging"
	"github.com/neboloop/tabsync/internal/middleware"
	"github.com/neboloop/tabsync/internal/transport/ws"
)

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret enables HS256 bearer auth on every route but /healthz.
	JWTSecret string
	// AllowedOrigins restricts websocket origins. Empty allows any.
	AllowedOrigins []string
	// AcceptRate is the sustained connect rate per second. Zero disables the
	// limiter. Both can be changed later with SetAcceptRate.
	AcceptRate  float64
	AcceptBurst int
	// RequestLog logs every request through chi's logger.
	RequestLog bool
}

// Server serves one hub.
type Server struct {
	hub      *hub.Hub
	keeper   *hub.StateKeeper
	opts     Options
	upgrader *ws.Upgrader
	limiter  *rate.Limiter
	logger   *slog.Logger
	started  time.Time
}

// New creates a server. keeper may be nil when the coordinator keeps no state.
func New(h *hub.Hub, keeper *hub.StateKeeper, opts Options) *Server {
	return &Server{
		hub:      h,
		keeper:   keeper,
		opts:     opts,
		upgrader: ws.NewUpgrader(opts.AllowedOrigins),
		limiter:  rate.NewLimiter(acceptLimit(opts.AcceptRate), max(opts.AcceptBurst, 1)),
		logger:   logging.Logger().With("component", "server"),
		started:  time.Now(),
	}
}

func acceptLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// SetAcceptRate changes the connect limiter. Zero disables it.
func (s *Server) SetAcceptRate(perSecond float64, burst int) {
	s.limiter.SetLimit(acceptLimit(perSecond))
	s.limiter.SetBurst(max(burst, 1))
}

// SetAllowedOrigins replaces the websocket origin allow list.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.upgrader.SetAllowedOrigins(origins)
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.opts.RequestLog {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.opts.JWTSecret != "" {
			r.Use(middleware.JWTMiddleware(s.opts.JWTSecret))
		}
		r.Get("/ports", s.handlePorts)
		r.Get("/state/{scopeId}", s.handleState)

		r.With(middleware.RateLimit(s.limiter)).Get("/connect/{name}", s.handleConnect)
	})
	return r
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.OkJSON(w, HealthResponse{
		Status:      "ok",
		Connections: s.hub.Len(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

// PortsResponse is the /ports body.
type PortsResponse struct {
	Count       int        `json:"count"`
	Connections []hub.Info `json:"connections"`
}

func (s *Server) handlePorts(w http.ResponseWriter, _ *http.Request) {
	conns := lo.Map(s.hub.Conns(), func(c *hub.Conn, _ int) hub.Info { return c.Info() })
	httputil.OkJSON(w, PortsResponse{Count: len(conns), Connections: conns})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		httputil.ErrorWithCode(w, http.StatusNotFound, "coordinator keeps no state")
		return
	}
	scopeID, err := httputil.PathVar(r, "scopeId")
	if err != nil || scopeID == "" {
		httputil.BadRequest(w, "invalid scope id")
		return
	}
	snap, err := s.keeper.Init(scopeID)
	if err != nil {
		httputil.ErrorWithCode(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.OkJSON(w, snap.Data)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	name, err := httputil.PathVar(r, "name")
	if err != nil || name == "" {
		httputil.BadRequest(w, "invalid connection name")
		return
	}
	h, err := s.upgrader.Upgrade(w, r, name)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Warn("upgrade failed", "name", name, "error", err)
		return
	}
	// rejections are reported by the hub and close the handle
	_ = s.hub.Accept(h)
}

// Serve serves on ln until ctx is done, then shuts down and closes the hub.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// ReadTimeout/WriteTimeout are omitted: they would cut hijacked websocket connections.
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("coordinator listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	_ = s.hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}
