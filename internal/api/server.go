// Package api implements the monitor HTTP server: health, build
// version, delivery statistics, Prometheus metrics, and a WebSocket
// stream of delivery events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/devicesim/internal/buildinfo"
	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/events"
	"github.com/nugget/devicesim/internal/metrics"
	"github.com/nugget/devicesim/internal/opstate"
	"github.com/nugget/devicesim/internal/publisher"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// StatsSource reports the counters of the current run.
type StatsSource interface {
	Stats() publisher.Stats
}

// Server is the monitor HTTP server.
type Server struct {
	address  string
	port     int
	deviceID string
	logger   *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	stopped  bool

	stats   StatsSource
	ledger  *opstate.Ledger
	metrics *metrics.Metrics
	bus     *events.Bus
	health  *connwatch.Manager
}

// NewServer creates a monitor server for deviceID.
func NewServer(address string, port int, deviceID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		deviceID: deviceID,
		logger:   logger,
	}
}

// SetStats configures the source for /v1/stats.
func (s *Server) SetStats(src StatsSource) {
	s.stats = src
}

// SetLedger adds cumulative ledger totals to /v1/stats.
func (s *Server) SetLedger(l *opstate.Ledger) {
	s.ledger = l
}

// SetMetrics configures the registry served on /metrics.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetEvents configures the bus streamed on /v1/events.
func (s *Server) SetEvents(bus *events.Bus) {
	s.bus = bus
}

// SetHealth configures the connection watchers reported on /health.
func (s *Server) SetHealth(m *connwatch.Manager) {
	s.health = m
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Listen binds the monitor address. Requests see ctx as their base
// context. After [Server.Shutdown] it returns [http.ErrServerClosed].
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return http.ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.address, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen on monitor address: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.logger.Info("monitor server listening", "address", ln.Addr().String())
	return nil
}

// Serve handles requests on the bound listener until Shutdown. It
// returns [http.ErrServerClosed] after a clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln, stopped := s.server, s.listener, s.stopped
	s.mu.Unlock()
	if stopped {
		return http.ErrServerClosed
	}
	if srv == nil {
		return errors.New("monitor server is not listening")
	}
	return srv.Serve(ln)
}

// Start is Listen followed by Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve()
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the server and releases the listener. A
// server shut down before it started never listens.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv, ln := s.server, s.listener
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	// Shutdown only closes listeners Serve has taken over.
	if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":      "devicesim",
		"version":   buildinfo.BuildInfo()["version"],
		"device_id": s.deviceID,
		"status":    "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status      string                             `json:"status"`
	Connections map[string]connwatch.ServiceStatus `json:"connections"`
}

// handleHealth reports "healthy" when every watched connection is
// ready. Any unready connection turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Connections: s.health.Status()}
	for _, st := range resp.Connections {
		if !st.Ready {
			resp.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

// StatsResponse is the body of /v1/stats.
type StatsResponse struct {
	DeviceID string           `json:"device_id"`
	Run      publisher.Stats  `json:"run"`
	Ledger   map[string]int64 `json:"ledger,omitempty"`
	// EventsDropped counts events lost to slow stream subscribers.
	EventsDropped int64 `json:"events_dropped"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "publisher not running")
		return
	}
	resp := StatsResponse{
		DeviceID:      s.deviceID,
		Run:           s.stats.Stats(),
		EventsDropped: s.bus.Dropped(),
	}
	if s.ledger != nil {
		totals, err := s.ledger.Totals()
		if err != nil {
			s.logger.Warn("failed to read delivery ledger", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "ledger unavailable")
			return
		}
		resp.Ledger = totals
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
