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

// Package config defines the txcoord service configuration.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/innovationmech/txcoord/internal/txcoord/dispatch"
	cfg "github.com/innovationmech/txcoord/pkg/config"
	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/coordinator"
	"github.com/innovationmech/txcoord/pkg/saga/eventlog"
	"github.com/innovationmech/txcoord/pkg/saga/monitoring"
	"github.com/innovationmech/txcoord/pkg/saga/planner"
	"github.com/innovationmech/txcoord/pkg/saga/retry"
)

// Event log backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the txcoord service configuration.
type Config struct {
	Server      ServerConfig             `mapstructure:"server"`
	Logging     LoggingConfig            `mapstructure:"logging"`
	Coordinator CoordinatorConfig        `mapstructure:"coordinator"`
	EventLog    EventLogConfig           `mapstructure:"event_log"`
	Dispatch    DispatchConfig           `mapstructure:"dispatch"`
	Monitor     monitoring.MonitorConfig `mapstructure:"monitor"`
	Sentry      monitoring.SentryConfig  `mapstructure:"sentry"`
	Tracing     TracingConfig            `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Mode            string        `mapstructure:"mode" validate:"omitempty,oneof=debug release test"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig contains CORS middleware configuration.
type CORSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowOrigins     []string      `mapstructure:"allow_origins"`
	AllowMethods     []string      `mapstructure:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers"`
	ExposeHeaders    []string      `mapstructure:"expose_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error dpanic panic fatal"`
}

// RetryConfig is the default retry policy in configuration form.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1"`
	BackoffStrategy string        `mapstructure:"backoff_strategy" validate:"omitempty,oneof=FIXED LINEAR EXPONENTIAL"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Jitter          time.Duration `mapstructure:"jitter"`
	RetryableCodes  []string      `mapstructure:"retryable_codes"`
}

// Policy converts the configuration into a retry policy.
func (r RetryConfig) Policy() saga.RetryPolicy {
	return saga.RetryPolicy{
		MaxAttempts:         r.MaxAttempts,
		BackoffStrategy:     saga.BackoffStrategy(r.BackoffStrategy),
		BaseDelay:           r.BaseDelay,
		MaxDelay:            r.MaxDelay,
		Jitter:              r.Jitter,
		RetryableErrorCodes: r.RetryableCodes,
	}
}

// CoordinatorConfig configures the transaction coordinator and plan defaults.
type CoordinatorConfig struct {
	MaxConcurrentTransactions int           `mapstructure:"max_concurrent_transactions" validate:"min=1"`
	RetentionWindow           time.Duration `mapstructure:"retention_window"`
	SweepInterval             time.Duration `mapstructure:"sweep_interval"`
	CompensationTimeout       time.Duration `mapstructure:"compensation_timeout"`
	CompensationStrategy      string        `mapstructure:"compensation_strategy" validate:"omitempty,oneof=IMMEDIATE DEFERRED PARALLEL SEQUENTIAL"`
	Timeout                   time.Duration `mapstructure:"timeout"`
	MaxRetries                int           `mapstructure:"max_retries" validate:"min=0"`
	EventSourcing             bool          `mapstructure:"event_sourcing"`
	Retry                     RetryConfig   `mapstructure:"retry"`
}

// CoordinatorOptions converts the configuration into coordinator settings.
func (c CoordinatorConfig) CoordinatorOptions() coordinator.Config {
	return coordinator.Config{
		MaxConcurrentTransactions: c.MaxConcurrentTransactions,
		RetentionWindow:           c.RetentionWindow,
		SweepInterval:             c.SweepInterval,
		CompensationTimeout:       c.CompensationTimeout,
		DefaultRetryPolicy:        c.Retry.Policy(),
		PlanDefaults: planner.Defaults{
			CompensationStrategy: saga.CompensationStrategy(c.CompensationStrategy),
			Timeout:              c.Timeout,
			MaxRetries:           c.MaxRetries,
			EventSourcingEnabled: c.EventSourcing,
		},
	}
}

// PublisherConfig selects where appended events are relayed.
type PublisherConfig struct {
	NATS  NATSPublisherConfig  `mapstructure:"nats"`
	Kafka KafkaPublisherConfig `mapstructure:"kafka"`
	AMQP  AMQPPublisherConfig  `mapstructure:"amqp"`
}

// NATSPublisherConfig enables the NATS relay.
type NATSPublisherConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	eventlog.NATSConfig `mapstructure:",squash"`
}

// KafkaPublisherConfig enables the Kafka relay.
type KafkaPublisherConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	eventlog.KafkaConfig `mapstructure:",squash"`
}

// AMQPPublisherConfig enables the RabbitMQ relay.
type AMQPPublisherConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	eventlog.AMQPConfig `mapstructure:",squash"`
}

// EventLogConfig selects and configures the event log backend.
type EventLogConfig struct {
	Backend      string                  `mapstructure:"backend" validate:"oneof=memory redis postgres"`
	MaxPerStream int                     `mapstructure:"max_per_stream" validate:"min=0"`
	Redis        eventlog.RedisConfig    `mapstructure:"redis"`
	Postgres     eventlog.PostgresConfig `mapstructure:"postgres"`
	Publishers   PublisherConfig         `mapstructure:"publishers"`
}

// DomainEndpoint is the HTTP endpoint serving one business domain.
type DomainEndpoint struct {
	URL     string            `mapstructure:"url" validate:"required,url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// DispatchConfig configures the HTTP domain dispatcher.
type DispatchConfig struct {
	Domains        map[string]DomainEndpoint  `mapstructure:"domains" validate:"dive"`
	Timeout        time.Duration              `mapstructure:"timeout"`
	CircuitBreaker retry.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Discovery      DiscoveryConfig            `mapstructure:"discovery"`
}

// DiscoveryConfig resolves domains that have no configured endpoint.
type DiscoveryConfig struct {
	Consul ConsulDiscoveryConfig `mapstructure:"consul"`
}

// ConsulDiscoveryConfig enables Consul service lookup.
type ConsulDiscoveryConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	dispatch.ConsulConfig `mapstructure:",squash"`
}

// Tracing exporters.
const (
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp_http"
	ExporterOTLPGRPC = "otlp_grpc"
)

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter" validate:"omitempty,oneof=stdout otlp_http otlp_grpc"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"min=0,max=1"`
	PrettyPrint bool    `mapstructure:"pretty_print"`
}

// Default returns the built-in configuration.
func Default() *Config {
	coord := coordinator.DefaultConfig()
	defaults := planner.DefaultDefaults()
	policy := saga.DefaultRetryPolicy()
	breaker := retry.DefaultCircuitBreakerConfig()

	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			Mode:            "release",
			CORS: CORSConfig{
				Enabled:      true,
				AllowOrigins: []string{"*"},
				AllowMethods: []string{"GET", "POST", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
				MaxAge:       12 * time.Hour,
			},
		},
		Logging: LoggingConfig{Level: "info"},
		Coordinator: CoordinatorConfig{
			MaxConcurrentTransactions: coord.MaxConcurrentTransactions,
			RetentionWindow:           coord.RetentionWindow,
			SweepInterval:             coord.SweepInterval,
			CompensationTimeout:       coord.CompensationTimeout,
			CompensationStrategy:      string(defaults.CompensationStrategy),
			Timeout:                   defaults.Timeout,
			MaxRetries:                defaults.MaxRetries,
			EventSourcing:             defaults.EventSourcingEnabled,
			Retry: RetryConfig{
				MaxAttempts:     policy.MaxAttempts,
				BackoffStrategy: string(policy.BackoffStrategy),
				BaseDelay:       policy.BaseDelay,
				MaxDelay:        policy.MaxDelay,
			},
		},
		EventLog: EventLogConfig{
			Backend:      BackendMemory,
			MaxPerStream: 1000,
			Redis:        *eventlog.DefaultRedisConfig(),
			Postgres:     *eventlog.DefaultPostgresConfig(),
		},
		Dispatch: DispatchConfig{
			Domains:        map[string]DomainEndpoint{},
			Timeout:        30 * time.Second,
			CircuitBreaker: *breaker,
		},
		Monitor: monitoring.DefaultMonitorConfig(),
		Tracing: TracingConfig{
			ServiceName: "txcoord",
			Exporter:    ExporterStdout,
			SampleRatio: 1,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Coordinator.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("invalid coordinator.retry: %w", err)
	}
	switch c.EventLog.Backend {
	case BackendRedis:
		if len(c.EventLog.Redis.Addrs) == 0 {
			return fmt.Errorf("invalid configuration: event_log.redis.addrs is required")
		}
	case BackendPostgres:
		if err := c.EventLog.Postgres.Validate(); err != nil {
			return fmt.Errorf("invalid event_log.postgres: %w", err)
		}
	}
	if c.Tracing.Enabled && c.Tracing.Exporter != ExporterStdout && c.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid configuration: tracing.endpoint is required for %s", c.Tracing.Exporter)
	}
	if c.EventLog.Publishers.NATS.Enabled && c.EventLog.Publishers.NATS.URL == "" {
		return fmt.Errorf("invalid configuration: event_log.publishers.nats.url is required")
	}
	if c.EventLog.Publishers.Kafka.Enabled && (len(c.EventLog.Publishers.Kafka.Brokers) == 0 || c.EventLog.Publishers.Kafka.Topic == "") {
		return fmt.Errorf("invalid configuration: event_log.publishers.kafka needs brokers and topic")
	}
	if c.EventLog.Publishers.AMQP.Enabled && c.EventLog.Publishers.AMQP.URL == "" {
		return fmt.Errorf("invalid configuration: event_log.publishers.amqp.url is required")
	}
	return nil
}

// RegisterDefaults seeds manager with the scalar defaults so that
// environment variables can override them.
func RegisterDefaults(manager *cfg.Manager) {
	d := Default()
	manager.SetDefault("server.address", d.Server.Address)
	manager.SetDefault("server.mode", d.Server.Mode)
	manager.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	manager.SetDefault("logging.level", d.Logging.Level)
	manager.SetDefault("coordinator.max_concurrent_transactions", d.Coordinator.MaxConcurrentTransactions)
	manager.SetDefault("coordinator.retention_window", d.Coordinator.RetentionWindow)
	manager.SetDefault("coordinator.compensation_strategy", d.Coordinator.CompensationStrategy)
	manager.SetDefault("coordinator.timeout", d.Coordinator.Timeout)
	manager.SetDefault("coordinator.max_retries", d.Coordinator.MaxRetries)
	manager.SetDefault("coordinator.event_sourcing", d.Coordinator.EventSourcing)
	manager.SetDefault("event_log.backend", d.EventLog.Backend)
	manager.SetDefault("event_log.postgres.dsn", d.EventLog.Postgres.DSN)
	manager.SetDefault("dispatch.discovery.consul.enabled", d.Dispatch.Discovery.Consul.Enabled)
	manager.SetDefault("dispatch.discovery.consul.address", d.Dispatch.Discovery.Consul.Address)
	manager.SetDefault("sentry.dsn", d.Sentry.DSN)
	manager.SetDefault("tracing.enabled", d.Tracing.Enabled)
}

// Load reads the configuration through manager on top of the defaults.
func Load(manager *cfg.Manager) (*Config, error) {
	RegisterDefaults(manager)
	if err := manager.Load(); err != nil {
		return nil, err
	}
	return Decode(manager)
}

// Decode unmarshals the manager's current settings on top of the defaults.
func Decode(manager *cfg.Manager) (*Config, error) {
	c := Default()
	if err := manager.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
