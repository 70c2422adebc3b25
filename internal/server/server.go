// Package server exposes the companion over a local HTTP control API.
//
// Routes:
//
//	GET  /v1/companion          current snapshot
//	POST /v1/companion/start    start a conversation
//	POST /v1/companion/stop     stop the running conversation
//	GET  /v1/companion/history  recently ended conversations
//	GET  /v1/companion/watch    websocket streaming snapshots as JSON
//	GET  /v1/voices             voices offered by the provider
//	GET  /healthz, /readyz      probes (see package health)
//	GET  /metrics               Prometheus scrape endpoint
//
// Every route is wrapped in [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/bloomzen/internal/companion"
	"github.com/MrWong99/bloomzen/internal/health"
	"github.com/MrWong99/bloomzen/internal/observe"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
)

const (
	readHeaderTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown in [Server.Run].
	DefaultShutdownTimeout = 15 * time.Second

	// watchWriteTimeout bounds one snapshot write to a watcher.
	watchWriteTimeout = 5 * time.Second
)

// Controller is the part of [app.Manager] the control API drives.
type Controller interface {
	Start(ctx context.Context) (companion.Snapshot, error)
	Stop() companion.Snapshot
	Snapshot() companion.Snapshot
	History() []companion.Snapshot
	Watch(ctx context.Context) <-chan companion.Snapshot
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the instruments used by the request middleware.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCheckers registers readiness checks served on /readyz.
func WithCheckers(checks ...health.Checker) Option {
	return func(s *Server) { s.checks = append(s.checks, checks...) }
}

// WithVoices serves the result of fn on /v1/voices.
func WithVoices(fn func() []s2s.Voice) Option {
	return func(s *Server) { s.voices = fn }
}

// WithMetricsHandler replaces the /metrics handler. Default:
// [promhttp.Handler], which serves the default Prometheus registry the
// OpenTelemetry exporter writes to.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithTLS serves HTTPS using the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) { s.certFile, s.keyFile = certFile, keyFile }
}

// WithShutdownTimeout overrides [DefaultShutdownTimeout].
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// Server is the control API.
type Server struct {
	addr            string
	ctrl            Controller
	log             *slog.Logger
	metrics         *observe.Metrics
	checks          []health.Checker
	voices          func() []s2s.Voice
	metricsHandler  http.Handler
	certFile        string
	keyFile         string
	shutdownTimeout time.Duration

	handler http.Handler
}

// New creates a Server listening on addr once [Server.Run] is called.
func New(addr string, ctrl Controller, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		ctrl:            ctrl,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/companion", s.handleSnapshot)
	mux.HandleFunc("POST /v1/companion/start", s.handleStart)
	mux.HandleFunc("POST /v1/companion/stop", s.handleStop)
	mux.HandleFunc("GET /v1/companion/history", s.handleHistory)
	mux.HandleFunc("GET /v1/companion/watch", s.handleWatch)
	mux.HandleFunc("GET /v1/voices", s.handleVoices)
	health.New(s.checks...).Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the fully wrapped route table.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx ends, then shuts down gracefully. It returns nil
// after a clean shutdown and can be used directly as an errgroup function.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		if s.certFile != "" {
			errc <- srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			errc <- srv.Serve(ln)
		}
	}()
	s.log.Info("control api listening", "addr", ln.Addr().String(), "tls", s.certFile != "")

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	s.log.Info("control api stopped")
	return nil
}

// ── Handlers ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Error    string              `json:"error"`
	Kind     string              `json:"kind,omitempty"`
	Snapshot *companion.Snapshot `json:"snapshot,omitempty"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Start(r.Context())
	if err != nil {
		observe.EnrichLogger(r.Context(), s.log).Warn("start request failed", "err", err)
		body := errorBody{Error: err.Error(), Snapshot: &snap}
		if k := companion.KindOf(err); k != 0 {
			body.Kind = k.String()
		}
		writeJSON(w, startStatus(err), body)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// startStatus maps a Start failure onto an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, companion.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, companion.ErrPermissionDenied):
		return http.StatusServiceUnavailable
	case errors.Is(err, companion.ErrConnectionFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Stop())
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	h := s.ctrl.History()
	if h == nil {
		h = []companion.Snapshot{}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	type voice struct {
		ID          string `json:"id"`
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
	}
	out := []voice{}
	if s.voices != nil {
		for _, v := range s.voices() {
			out = append(out, voice{ID: v.ID, Name: v.Name, Description: v.Description})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWatch streams a snapshot on every state change until the client
// goes away. Messages from the client are ignored.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.EnrichLogger(r.Context(), s.log).Debug("watch: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	updates := s.ctrl.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snap, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				conn.Close(websocket.StatusInternalError, "encode failed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
