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

package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// PrometheusConfig contains configuration options for PrometheusSink.
type PrometheusConfig struct {
	// Namespace for Prometheus metrics (default: "txcoord")
	Namespace string

	// Subsystem for Prometheus metrics (default: "coordinator")
	Subsystem string

	// Registry for Prometheus metrics. If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// DurationBuckets for the duration histogram (default: [0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60])
	DurationBuckets []float64
}

// DefaultPrometheusConfig returns a default configuration for PrometheusSink.
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Namespace:       "txcoord",
		Subsystem:       "coordinator",
		Registry:        prometheus.DefaultRegisterer,
		DurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
	}
}

// PrometheusSink exports transaction metrics, events and alerts to Prometheus.
// It is both a saga.MetricsSink and a saga.EventObserver.
type PrometheusSink struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	transactions  *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	compensations prometheus.Counter
	retries       prometheus.Counter
	events        *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	active        prometheus.Gauge
}

// NewPrometheusSink creates a PrometheusSink and registers its collectors.
//
// Parameters:
//   - config: Configuration for the sink. If nil, default config is used.
//
// Returns:
//   - A configured PrometheusSink.
//   - An error if metric registration fails.
func NewPrometheusSink(config *PrometheusConfig) (*PrometheusSink, error) {
	if config == nil {
		config = DefaultPrometheusConfig()
	}
	if config.Namespace == "" {
		config.Namespace = "txcoord"
	}
	if config.Subsystem == "" {
		config.Subsystem = "coordinator"
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	if config.DurationBuckets == nil {
		config.DurationBuckets = DefaultPrometheusConfig().DurationBuckets
	}

	s := &PrometheusSink{registry: config.Registry}
	if g, ok := config.Registry.(prometheus.Gatherer); ok {
		s.gatherer = g
	} else {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "transactions_total",
		Help:      "Total number of finished transactions by final state",
	}, []string{"state"})

	s.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "transaction_duration_seconds",
		Help:      "Duration of transaction execution in seconds",
		Buckets:   config.DurationBuckets,
	}, []string{"state"})

	s.compensations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "compensations_total",
		Help:      "Total number of compensations executed",
	})

	s.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "retries_total",
		Help:      "Total number of operation retries",
	})

	s.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "events_total",
		Help:      "Total number of emitted domain events by type",
	}, []string{"type"})

	s.alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "alerts_total",
		Help:      "Total number of raised alerts by rule and severity",
	}, []string{"rule", "severity"})

	s.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "active_transactions",
		Help:      "Current number of running transactions",
	})

	for _, c := range []prometheus.Collector{s.transactions, s.duration, s.compensations, s.retries, s.events, s.alerts, s.active} {
		if err := config.Registry.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RecordTransaction implements saga.MetricsSink.
func (s *PrometheusSink) RecordTransaction(transactionID string, state saga.TransactionState, metrics saga.TransactionMetrics) {
	label := state.String()
	s.transactions.WithLabelValues(label).Inc()
	s.duration.WithLabelValues(label).Observe(metrics.TotalDuration.Seconds())
	s.compensations.Add(float64(metrics.CompensationCount))
	s.retries.Add(float64(metrics.RetryCount))
}

// RecordAlert implements saga.MetricsSink.
func (s *PrometheusSink) RecordAlert(alert saga.Alert) {
	s.alerts.WithLabelValues(alert.Rule, string(alert.Severity)).Inc()
}

// OnEvent implements saga.EventObserver.
func (s *PrometheusSink) OnEvent(ctx context.Context, event saga.DomainEvent) {
	s.events.WithLabelValues(string(event.Type)).Inc()
	switch event.Type {
	case saga.EventTransactionStarted:
		s.active.Inc()
	case saga.EventTransactionCompleted, saga.EventTransactionFailed, saga.EventTransactionCancelled:
		s.active.Dec()
	}
}

// HTTPHandler returns an HTTP handler serving the sink's registry in
// Prometheus text format. It can be mounted with gin.WrapH.
func (s *PrometheusSink) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry returns the underlying Prometheus registerer.
func (s *PrometheusSink) Registry() prometheus.Registerer {
	return s.registry
}
