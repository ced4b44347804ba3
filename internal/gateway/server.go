// Package gateway exposes the chat coordinator over websocket plus a small
// HTTP surface for health, metrics, and device login.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/coordinator"
	"github.com/parley-im/parley/internal/observability"
	"github.com/parley-im/parley/internal/storage"
)

// Options wires the server's collaborators.
type Options struct {
	Config      *config.Config
	Auth        *auth.Service
	Coordinator *coordinator.Coordinator
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry
	Tracer      *observability.Tracer
}

// Server hosts the websocket control plane and the HTTP endpoints.
type Server struct {
	config   *config.Config
	auth     *auth.Service
	coord    *coordinator.Coordinator
	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry
	tracer   *observability.Tracer

	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer creates a gateway server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Server{
		config:   opts.Config,
		auth:     opts.Auth,
		coord:    opts.Coordinator,
		logger:   logger,
		metrics:  metrics,
		registry: opts.Registry,
		tracer:   opts.Tracer,
	}
}

// Handler builds the HTTP routing table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/login", s.handleLogin)
	mux.Handle("/ws", s.newWSHandler())
	return mux
}

// Start binds the listener and serves until the context is cancelled or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "gateway listening", "addr", addr)
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.httpListener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// handleLogin issues a device grant: a JWT bound to (user, device), with
// the device row rotated so any previously authorized device is revoked.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.DeviceID) == "" {
		http.Error(w, "user_id and device_id are required", http.StatusBadRequest)
		return
	}

	token, err := s.auth.Login(r.Context(), req.UserID, req.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "unknown user", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), "login failed", "user_id", req.UserID, "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(loginResponse{Token: token}) //nolint:errcheck
}
