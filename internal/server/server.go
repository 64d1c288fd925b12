// Package server exposes the anomaly pipeline over HTTP and a gRPC health
// endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/middleware"
	"github.com/kubilitics/kubilitics-anomaly/internal/tracking"
)

// HealthService is the gRPC health service name reported alongside the
// server-wide "" entry.
const HealthService = "kubilitics.anomaly.v1.Detector"

const healthRefreshInterval = 10 * time.Second

// RunStore serves the persisted run and anomaly history.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]tracking.Run, error)
	GetRun(ctx context.Context, runID string) (*tracking.Run, error)
	QueryAnomalies(ctx context.Context, q tracking.AnomalyQuery) ([]anomaly.AnomalyRecord, error)
	AnomalySummary(ctx context.Context) (map[anomaly.Severity]int, error)
}

// Options configures a Server.
type Options struct {
	// Addr is the HTTP listen address, e.g. ":8090".
	Addr string
	// GRPCAddr is the gRPC health listen address. Empty disables gRPC.
	GRPCAddr string

	Pipeline *analytics.Pipeline
	// Stream serves /ws/stream when set.
	Stream http.Handler
	// Runs serves run and anomaly history when set. Without it anomaly
	// queries fall back to the pipeline's in-memory cache.
	Runs RunStore
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer

	// RateLimitPerMinute limits API requests per client. Zero disables it.
	RateLimitPerMinute int
	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration

	Version string
	Logger  *zap.Logger
}

// Server is the anomaly detection API server.
type Server struct {
	opts    Options
	logger  *zap.Logger
	handler http.Handler
	limiter *middleware.RateLimiter
	health  *health.Server

	httpServer *http.Server
	grpcServer *grpc.Server
	httpLn     net.Listener
	grpcLn     net.Listener
	startedAt  time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.Mutex
	running bool
}

// New creates a server. The pipeline is required.
func New(opts Options) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		opts:      opts,
		logger:    logger.Named("server"),
		health:    health.NewServer(),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	var h http.Handler = mux
	if opts.RateLimitPerMinute > 0 {
		s.limiter = middleware.NewRateLimiter(opts.RateLimitPerMinute)
		h = s.limiter.Middleware(h)
	}
	h = middleware.Logging(s.logger)(h)
	s.handler = middleware.Tracing(h)

	s.refreshHealth()
	return s, nil
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Health returns the gRPC health server.
func (s *Server) Health() *health.Server { return s.health }

// registerHandlers registers all HTTP routes.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /info", s.handleInfo)

	mux.HandleFunc("POST /api/v1/train", s.handleTrain)
	mux.HandleFunc("POST /api/v1/detect", s.handleDetect)
	mux.HandleFunc("POST /api/v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /api/v1/evaluation", s.handleEvaluation)

	mux.HandleFunc("GET /api/v1/models", s.handleListModels)
	mux.HandleFunc("GET /api/v1/models/{service}/{metric}", s.handleGetModel)

	mux.HandleFunc("GET /api/v1/runs/detection", s.handleDetectionRuns)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)

	mux.HandleFunc("GET /api/v1/anomalies", s.handleAnomalies)
	mux.HandleFunc("GET /api/v1/anomalies/summary", s.handleAnomalySummary)
	mux.HandleFunc("GET /api/v1/remediations", s.handleRemediations)

	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.opts.Stream != nil {
		mux.Handle("GET /ws/stream", s.opts.Stream)
	}
}

// Start binds the listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	httpLn, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.opts.Addr, err)
	}
	var grpcLn net.Listener
	if s.opts.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listen grpc %s: %w", s.opts.GRPCAddr, err)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.httpLn, s.grpcLn = httpLn, grpcLn
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Starting HTTP server", zap.String("addr", httpLn.Addr().String()))
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if grpcLn != nil {
		s.grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		reflection.Register(s.grpcServer)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("Starting gRPC health server", zap.String("addr", grpcLn.Addr().String()))
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	s.wg.Add(1)
	go s.healthLoop()

	s.running = true
	s.logger.Info("Anomaly server started",
		zap.String("version", s.opts.Version),
		zap.Int("models", s.opts.Pipeline.Engine().Registry().Len()))
	return nil
}

// Addr returns the bound HTTP address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn != nil {
		return s.httpLn.Addr().String()
	}
	return s.opts.Addr
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is disabled.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn != nil {
		return s.grpcLn.Addr().String()
	}
	return ""
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping anomaly server")
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	s.health.Shutdown()
	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("http shutdown: %w", err)
	}

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.cancel()
	s.wg.Wait()

	s.logger.Info("Anomaly server stopped")
	return shutdownErr
}

// healthLoop keeps the gRPC health status in step with scheduled retraining.
func (s *Server) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshHealth()
		case <-s.ctx.Done():
			return
		}
	}
}

// refreshHealth reports SERVING once any pair model is installed.
func (s *Server) refreshHealth() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.opts.Pipeline.Engine().Registry().Len() > 0 {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
}
