// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the agent's HTTP surface: Prometheus metrics and
// read-only JSON views of the data plane for debugging.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/dataplane"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/transport"
)

// DefaultListen is the metrics listener when unconfigured.
const DefaultListen = "127.0.0.1:9464"

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen            string
	ReadHeaderTimeout time.Duration // Slowloris prevention
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns the default listener and timeouts.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:            DefaultListen,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// State is the read side of the data plane the handlers render.
// *dataplane.Context implements it.
type State interface {
	Connections() []conntrack.Connection
	Rules() []offload.InstalledRule
	PortStats() []transport.Stats
	Counters() dataplane.Counters
	Running() bool
}

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Config   *ServerConfig
	State    State
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
}

// Server handles HTTP requests.
type Server struct {
	cfg       ServerConfig
	state     State
	gatherer  prometheus.Gatherer
	logger    *logging.Logger
	router    *mux.Router
	startTime time.Time
}

// NewServer builds the router. A nil Gatherer serves the default registry.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.State == nil {
		return nil, errors.New(errors.KindValidation, "api server requires data plane state")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:       *cfg,
		state:     opts.State,
		gatherer:  gatherer,
		logger:    logger.WithComponent("api"),
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: promLogger{s.logger},
	})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Registered on the root router: a method mismatch inside a subrouter
	// surfaces as 404 instead of 405.
	s.router.HandleFunc("/debug/conntrack", s.handleConntrack).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/conntrack/{id}", s.handleConnection).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/rules", s.handleRules).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/ports", s.handlePorts).Methods(http.MethodGet)

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on the configured address until ctx ends, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "listen on %s", s.cfg.Listen)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx ends.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("metrics server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, errors.KindUnavailable, "metrics server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.KindInternal, "metrics server shutdown")
	}
	s.logger.Info("metrics server stopped")
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// promLogger routes promhttp's error log into ours.
type promLogger struct{ l *logging.Logger }

func (p promLogger) Println(v ...any) { p.l.Error("metrics handler", "error", v) }
