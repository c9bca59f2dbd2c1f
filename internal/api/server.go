// Package api provides the feed probe's HTTP control surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/amillerrr/reelplayer/internal/auth"
	"github.com/amillerrr/reelplayer/internal/config"
	"github.com/amillerrr/reelplayer/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 30 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// RunScope is the token scope required to start probe runs.
const RunScope = "probe:run"

// Server represents the HTTP server for the probe API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	log        *slog.Logger
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Prober        Prober
	JWTService    *auth.JWTService
	HealthChecker *health.Checker
	Context       context.Context
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.JWTService == nil {
		return nil, errors.New("JWT service is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("prober is required")
	}

	handlers := NewHandlers(&HandlersConfig{
		Logger:  cfg.Logger,
		Prober:  cfg.Prober,
		Context: cfg.Context,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           newRouter(cfg, handlers),
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer: httpServer,
		handlers:   handlers,
		cfg:        cfg.Config,
		log:        cfg.Logger,
	}, nil
}

func newRouter(cfg *ServerConfig, handlers *Handlers) http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("/health", cfg.HealthChecker.Handler())
	mux.HandleFunc("/health/deep", cfg.HealthChecker.DeepHandler())

	// Protected endpoints
	mux.HandleFunc("/v1/probe/report", cfg.JWTService.Middleware("")(handlers.ReportHandler))
	mux.HandleFunc("/v1/probe/runs", cfg.JWTService.Middleware(RunScope)(handlers.RunHandler))

	// Metrics endpoint (internal only)
	mux.Handle("/metrics", internalOnlyMiddleware(promhttp.Handler()))

	handler := CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(mux)
	handler = RequestLogMiddleware(cfg.Logger)(handler)
	return otelhttp.NewHandler(handler, "feedprobe-api")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and waits for API-started runs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Requests through the load balancer carry X-Forwarded-For.
		if r.Header.Get("X-Forwarded-For") != "" || !isInternalRequest(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
