// Package server exposes the livesub HTTP surface: health and readiness
// probes, Prometheus metrics, a small pipeline control API, and the
// /subtitles WebSocket broadcast that overlay clients subscribe to.
//
// The broadcaster is itself a well-behaved bus consumer: it polls the
// subtitle bus on a fixed cadence, drains a bounded number of events per
// tick, and fans them out as JSON messages. A slow client loses messages
// rather than slowing everyone else down.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/otoscribe/livesub/internal/health"
	"github.com/otoscribe/livesub/internal/observe"
	"github.com/otoscribe/livesub/internal/pipeline"
	"github.com/otoscribe/livesub/internal/subtitle"
)

// shutdownTimeout bounds the graceful HTTP shutdown when Run's context ends.
const shutdownTimeout = 5 * time.Second

// Controller is the slice of the pipeline the control API needs.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	State() pipeline.State
}

// Config parameterizes the Server.
type Config struct {
	// ListenAddr is the TCP address to serve on (e.g., ":8080").
	ListenAddr string

	// Poll is the broadcast cadence (default 60ms).
	Poll time.Duration

	// MaxUpdatesPerTick caps events drained from the bus per poll
	// (default 20).
	MaxUpdatesPerTick int

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger overrides the logger (defaults to slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics overrides the metrics sink (defaults to observe.DefaultMetrics).
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCheckers adds readiness checkers evaluated by /readyz.
func WithCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// Server is the livesub HTTP server. Create with New, start with Run.
type Server struct {
	cfg      Config
	bus      *subtitle.Bus
	ctrl     Controller
	metrics  *observe.Metrics
	log      *slog.Logger
	checkers []health.Checker

	mu        sync.Mutex
	clients   map[*client]struct{}
	listener  net.Listener
	lastDepth int64
}

// client is one connected subtitle subscriber.
type client struct {
	ch chan []byte
}

// New creates a Server broadcasting events from bus. ctrl may be nil to
// disable the control API.
func New(cfg Config, bus *subtitle.Bus, ctrl Controller, opts ...Option) (*Server, error) {
	if bus == nil {
		return nil, errors.New("server: bus is required")
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("server: listen address is required")
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 60 * time.Millisecond
	}
	if cfg.MaxUpdatesPerTick <= 0 {
		cfg.MaxUpdatesPerTick = 20
	}
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		ctrl:    ctrl,
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Handler builds the route table wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(s.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /subtitles", s.handleSubtitles)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.ctrl != nil {
		mux.HandleFunc("POST /control/start", s.control("start", s.ctrl.Start))
		mux.HandleFunc("POST /control/stop", s.control("stop", s.ctrl.Stop))
		mux.HandleFunc("POST /control/pause", s.control("pause", s.ctrl.Pause))
		mux.HandleFunc("POST /control/resume", s.control("resume", s.ctrl.Resume))
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run serves HTTP and broadcasts subtitle events until ctx ends, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.broadcast(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	s.log.Info("http server listening", "addr", ln.Addr().String(), "tls", s.cfg.CertFile != "")
	return g.Wait()
}

// Addr reports the bound listen address once Run has started, useful when the
// config requested an ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// control wraps one pipeline control call in an HTTP handler.
func (s *Server) control(name string, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.log.Warn("control request failed", "op", name, "error", err)
			writeJSON(w, http.StatusConflict, map[string]string{
				"status": "error",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"state":  string(s.ctrl.State()),
		})
	}
}

// handleStatus reports the pipeline state and bus occupancy.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := ""
	if s.ctrl != nil {
		state = string(s.ctrl.State())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       state,
		"queue_len":   s.bus.Len(),
		"queue_drops": s.bus.Drops(),
		"clients":     s.clientCount(),
	})
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
