// Package http is the request/response surface of the hub: devices push
// telemetry and pick up queued commands, operators issue commands and read
// state, and the diagnostic routes expose history, devices, health, stats
// and Prometheus metrics.
package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/command"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/health"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/state"
)

// Submitter is the ingestion entry point.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) ingest.Result
}

// Dependencies are the components the routes read from and write to.
// Metrics, Health and Stats are optional.
type Dependencies struct {
	Pipeline        Submitter
	Store           *state.Store
	Dispatcher      *command.Dispatcher
	Health          *health.Monitor
	Metrics         *metric.MetricsRegistry
	Stats           func() any
	DefaultDeviceID string
	Logger          *slog.Logger
}

// getOrGenerateRequestID extracts the request ID from headers or generates
// a new one.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	// 16 hex characters
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Server owns the HTTP listener and routes.
type Server struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger
	mux    *http.ServeMux
	outbox *Outbox

	running atomic.Bool

	mu        sync.RWMutex
	srv       *http.Server
	addr      string
	startTime time.Time

	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsFailed  atomic.Uint64
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
}

// NewServer validates cfg and registers the routes.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "NewServer", "config validation")
	}
	if deps.Pipeline == nil || deps.Store == nil || deps.Dispatcher == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"pipeline, store and dispatcher are required")
	}
	if deps.DefaultDeviceID == "" {
		deps.DefaultDeviceID = ingest.DefaultDeviceID
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	outbox, err := NewOutbox(cfg.CommandTTL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "NewServer", "create command outbox")
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "http"),
		mux:    http.NewServeMux(),
		outbox: outbox,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.route("/telemetry", map[string]http.HandlerFunc{
		http.MethodGet:  s.handleGetTelemetry,
		http.MethodPost: s.handlePostTelemetry,
	})
	s.route("/command", map[string]http.HandlerFunc{http.MethodPost: s.handleCommand})
	s.route("/history", map[string]http.HandlerFunc{http.MethodGet: s.handleHistory})
	s.route("/devices", map[string]http.HandlerFunc{http.MethodGet: s.handleDevices})
	s.route("/health", map[string]http.HandlerFunc{http.MethodGet: s.handleHealth})
	s.route("/stats", map[string]http.HandlerFunc{http.MethodGet: s.handleStats})
	if s.deps.Metrics != nil {
		metrics := s.deps.Metrics.Handler()
		s.route("/metrics", map[string]http.HandlerFunc{http.MethodGet: metrics.ServeHTTP})
	}
}

// Handle mounts an extra handler, e.g. the socket endpoint.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the root handler, wrapped for h2c when enabled.
func (s *Server) Handler() http.Handler {
	if s.cfg.H2C {
		return h2c.NewHandler(s.mux, &http2.Server{})
	}
	return s.mux
}

// Outbox is the command publisher for polling devices.
func (s *Server) Outbox() *Outbox {
	return s.outbox
}

// route wraps the handlers for one path with request IDs, CORS, method
// dispatch and request accounting.
func (s *Server) route(path string, handlers map[string]http.HandlerFunc) {
	allowed := make([]string, 0, len(handlers))
	for m := range handlers {
		allowed = append(allowed, m)
	}

	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		s.requestsTotal.Add(1)

		if s.cfg.EnableCORS {
			s.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		h, ok := handlers[r.Method]
		if !ok {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			s.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		s.bytesSent.Add(uint64(rec.bytes))
		if rec.status >= 400 {
			s.requestsFailed.Add(1)
		} else {
			s.requestsSuccess.Add(1)
		}
		s.logger.Debug("request",
			"request_id", requestID,
			"method", r.Method,
			"path", path,
			"status", rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Flush keeps streaming handlers such as promhttp working.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	if s.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.cfg.Addr)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.startTime = time.Now()
	s.mu.Unlock()
	s.running.Store(true)

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
			s.running.Store(false)
		}
	}()
	s.logger.Info("http server listening", "addr", s.addr, "h2c", s.cfg.H2C)
	return nil
}

// Stop shuts the server down, waiting up to timeout for in-flight requests.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown")
	}
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Health reports the listener state.
func (s *Server) Health() health.Status {
	if !s.running.Load() {
		return health.NewUnhealthy("http", "server not running")
	}
	return health.NewHealthy("http", fmt.Sprintf("%d requests, %d failed", s.requestsTotal.Load(), s.requestsFailed.Load()))
}

// applyCORS applies CORS headers to the response
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, allowedOrigin := range s.cfg.CORSOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if allowed {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}

	if errors.IsInvalid(err) {
		return http.StatusBadRequest
	}
	if errors.IsFatal(err) {
		return http.StatusInternalServerError
	}
	if errors.IsTransient(err) {
		if strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a safe error message for clients whose error
// carries no reason of its own.
func sanitizeError(err error) string {
	if err == nil {
		return "internal server error"
	}
	if errors.IsInvalid(err) {
		return "invalid request"
	}
	if errors.IsFatal(err) {
		return "internal server error"
	}
	if errors.IsTransient(err) {
		if strings.Contains(err.Error(), "timeout") {
			return "request timeout"
		}
		return "service temporarily unavailable"
	}
	return "internal server error"
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": statusCode,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("response encoding failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}
