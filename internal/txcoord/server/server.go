// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package server assembles the coordinator, its event log, monitoring and
// the HTTP surface into one runnable service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/internal/txcoord/config"
	"github.com/innovationmech/txcoord/internal/txcoord/dispatch"
	"github.com/innovationmech/txcoord/internal/txcoord/handler"
	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/coordinator"
	"github.com/innovationmech/txcoord/pkg/saga/eventlog"
	"github.com/innovationmech/txcoord/pkg/saga/monitoring"
)

// Option customises New.
type Option func(*options)

type options struct {
	dispatcher saga.DomainDispatcher
	eventLog   saga.EventLog
	registry   *prometheus.Registry
}

// WithDispatcher replaces the HTTP domain dispatcher.
func WithDispatcher(d saga.DomainDispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithEventLog replaces the configured event log backend.
func WithEventLog(log saga.EventLog) Option {
	return func(o *options) { o.eventLog = log }
}

// WithPrometheusRegistry registers metrics on reg instead of a fresh registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Server is the txcoord service.
type Server struct {
	cfg *config.Config

	coordinator *coordinator.Coordinator
	monitor     *monitoring.Monitor
	prometheus  *monitoring.PrometheusSink
	sentry      *monitoring.SentrySink
	pusher      *monitoring.RealtimePusher
	health      *monitoring.HealthManager
	eventLog    saga.EventLog
	tracer      *sdktrace.TracerProvider
	router      *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
	address    string
	running    bool
}

// New wires every component from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{cfg: cfg}
	defer func() {
		if err != nil {
			s.release(context.Background())
		}
	}()

	if o.eventLog != nil {
		s.eventLog = o.eventLog
	} else if s.eventLog, err = newEventLog(ctx, cfg.EventLog); err != nil {
		return nil, err
	}

	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	promCfg := monitoring.DefaultPrometheusConfig()
	promCfg.Registry = registry
	if s.prometheus, err = monitoring.NewPrometheusSink(promCfg); err != nil {
		return nil, err
	}

	sinks := []saga.MetricsSink{s.prometheus, monitoring.LogSink{}}
	if cfg.Sentry.DSN != "" {
		if s.sentry, err = monitoring.NewSentrySink(cfg.Sentry); err != nil {
			return nil, err
		}
		sinks = append(sinks, s.sentry)
	}
	s.monitor = monitoring.NewMonitor(cfg.Monitor, saga.SystemClock{}, sinks...)

	dispatcher := o.dispatcher
	if dispatcher == nil {
		if dispatcher, err = newDispatcher(cfg.Dispatch); err != nil {
			return nil, err
		}
	}

	coordOpts := []coordinator.Option{
		coordinator.WithEventLog(s.eventLog),
		coordinator.WithObservers(s.monitor, s.prometheus),
		coordinator.WithMetricsSinks(sinks...),
	}
	if cfg.Tracing.Enabled {
		if s.tracer, err = newTracerProvider(ctx, cfg.Tracing); err != nil {
			return nil, err
		}
		coordOpts = append(coordOpts, coordinator.WithTracerProvider(s.tracer))
	}
	if s.coordinator, err = coordinator.NewCoordinator(cfg.Coordinator.CoordinatorOptions(), dispatcher, coordOpts...); err != nil {
		return nil, err
	}

	s.health = monitoring.NewHealthManager(&monitoring.HealthManagerConfig{
		CacheDuration: 2 * time.Second,
		CheckTimeout:  5 * time.Second,
	})
	if err = s.health.RegisterChecker(monitoring.NewCoordinatorHealthChecker(
		"coordinator", s.coordinator, cfg.Coordinator.MaxConcurrentTransactions)); err != nil {
		return nil, err
	}
	if probe, ok := s.eventLog.(interface{ HealthCheck(context.Context) error }); ok {
		if err = s.health.RegisterChecker(monitoring.NewFuncHealthChecker(
			"event_log", probe.HealthCheck, time.Second)); err != nil {
			return nil, err
		}
	}

	s.pusher = monitoring.NewRealtimePusher(s.monitor, nil)
	s.router = s.newRouter()

	logger.GetLogger().Info("txcoord server assembled",
		zap.String("event_log", cfg.EventLog.Backend),
		zap.Int("max_concurrent_transactions", cfg.Coordinator.MaxConcurrentTransactions),
		zap.Bool("tracing", cfg.Tracing.Enabled),
		zap.Bool("sentry", s.sentry != nil))
	return s, nil
}

func newEventLog(ctx context.Context, cfg config.EventLogConfig) (saga.EventLog, error) {
	var (
		inner saga.EventLog
		err   error
	)
	switch cfg.Backend {
	case config.BackendRedis:
		inner, err = eventlog.NewRedisEventLog(ctx, &cfg.Redis)
	case config.BackendPostgres:
		inner, err = eventlog.NewPostgresEventLog(ctx, &cfg.Postgres)
	default:
		inner = eventlog.NewMemoryEventLog(cfg.MaxPerStream)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s event log: %w", cfg.Backend, err)
	}

	var publishers []eventlog.Publisher
	if cfg.Publishers.NATS.Enabled {
		pub, err := eventlog.NewNATSPublisher(cfg.Publishers.NATS.NATSConfig)
		if err != nil {
			closeQuietly(inner)
			return nil, err
		}
		publishers = append(publishers, pub)
	}
	if cfg.Publishers.Kafka.Enabled {
		pub, err := eventlog.NewKafkaPublisher(cfg.Publishers.Kafka.KafkaConfig)
		if err != nil {
			for _, p := range publishers {
				_ = p.Close()
			}
			closeQuietly(inner)
			return nil, err
		}
		publishers = append(publishers, pub)
	}
	if cfg.Publishers.AMQP.Enabled {
		pub, err := eventlog.NewAMQPPublisher(cfg.Publishers.AMQP.AMQPConfig)
		if err != nil {
			for _, p := range publishers {
				_ = p.Close()
			}
			closeQuietly(inner)
			return nil, err
		}
		publishers = append(publishers, pub)
	}
	if len(publishers) == 0 {
		return inner, nil
	}
	return eventlog.NewPublishingEventLog(inner, publishers...), nil
}

func newDispatcher(cfg config.DispatchConfig) (saga.DomainDispatcher, error) {
	endpoints := make(map[string]dispatch.Endpoint, len(cfg.Domains))
	for domain, ep := range cfg.Domains {
		endpoints[domain] = dispatch.Endpoint{URL: ep.URL, Timeout: ep.Timeout, Headers: ep.Headers}
	}
	breaker := cfg.CircuitBreaker
	dc := dispatch.Config{
		Endpoints:      endpoints,
		Timeout:        cfg.Timeout,
		CircuitBreaker: &breaker,
	}
	if cfg.Discovery.Consul.Enabled {
		resolver, err := dispatch.NewConsulResolver(cfg.Discovery.Consul.ConsulConfig)
		if err != nil {
			return nil, err
		}
		dc.Resolver = resolver
	}
	return dispatch.NewHTTPDispatcher(dc)
}

func closeQuietly(v interface{}) {
	if c, ok := v.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			logger.GetLogger().Warn("close failed", zap.Error(err))
		}
	}
}

func (s *Server) newRouter() *gin.Engine {
	if s.cfg.Server.Mode != "" {
		gin.SetMode(s.cfg.Server.Mode)
	}
	router := gin.New()
	applyMiddleware(router, s.cfg.Server)

	router.GET("/metrics", gin.WrapH(s.prometheus.HTTPHandler()))
	router.GET("/health", s.handleHealth)
	router.GET("/health/ready", s.handleReady)
	router.GET("/health/live", s.handleLive)

	handler.NewRegistrar(s.coordinator, s.monitor, s.pusher.HandleSSE).
		RegisterRoutes(router.Group("/api/v1"))
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.CheckHealth(c.Request.Context())
	status := http.StatusOK
	if report.Status == monitoring.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleReady(c *gin.Context) {
	if ok, err := s.health.CheckReadiness(c.Request.Context()); !ok {
		msg := "not ready"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleLive(c *gin.Context) {
	if ok, _ := s.health.CheckLiveness(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dead"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Coordinator returns the transaction coordinator.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// Monitor returns the transaction monitor.
func (s *Server) Monitor() *monitoring.Monitor {
	return s.monitor
}

// Address returns the bound listen address once started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server is already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Address, err)
	}
	s.address = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.GetLogger().Error("HTTP server stopped unexpectedly", zap.Error(err))
			s.health.SetReady(false)
		}
	}(s.httpServer)

	s.pusher.Start()
	s.health.SetReady(true)
	s.running = true
	logger.GetLogger().Info("txcoord server started", zap.String("address", s.address))
	return nil
}

// Stop drains HTTP traffic, then closes the coordinator and every backend.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.health.SetReady(false)
	var errs []error
	if s.running {
		s.pusher.Stop()
		shutdownCtx := ctx
		if s.cfg.Server.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
			defer cancel()
		}
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		s.running = false
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	logger.GetLogger().Info("txcoord server stopped")
	return errors.Join(errs...)
}

// release closes the components New created, in reverse order.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.coordinator != nil {
		if err := s.coordinator.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.eventLog != nil {
		if c, ok := s.eventLog.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event log: %w", err))
			}
		}
	}
	if s.sentry != nil {
		s.sentry.Flush(2 * time.Second)
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
