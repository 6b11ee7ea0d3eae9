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
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// SentryConfig configures the Sentry alert sink.
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn" json:"dsn"`
	Environment string  `mapstructure:"environment" json:"environment"`
	Release     string  `mapstructure:"release" json:"release"`
	SampleRate  float64 `mapstructure:"sample_rate" json:"sample_rate"`
	Debug       bool    `mapstructure:"debug" json:"debug"`
}

// SentrySink reports alerts to Sentry. Failed and cancelled transactions are
// kept as breadcrumbs so the next alert carries them as context.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink creates a sink with its own Sentry client.
func NewSentrySink(cfg SentryConfig) (*SentrySink, error) {
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  sampleRate,
		Debug:       cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return NewSentrySinkWithHub(sentry.NewHub(client, sentry.NewScope())), nil
}

// NewSentrySinkWithHub creates a sink reporting through hub.
func NewSentrySinkWithHub(hub *sentry.Hub) *SentrySink {
	return &SentrySink{hub: hub}
}

// RecordTransaction implements saga.MetricsSink.
func (s *SentrySink) RecordTransaction(transactionID string, state saga.TransactionState, metrics saga.TransactionMetrics) {
	if state != saga.StateFailed && state != saga.StateCancelled {
		return
	}
	s.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category: "transaction",
		Message:  fmt.Sprintf("transaction %s finished %s", transactionID, state),
		Level:    sentry.LevelWarning,
		Data: map[string]interface{}{
			"transaction_id":     transactionID,
			"duration_ms":        metrics.TotalDuration.Milliseconds(),
			"compensation_count": metrics.CompensationCount,
			"error_rate":         metrics.ErrorRate,
		},
		Timestamp: time.Now(),
	}, nil)
}

// RecordAlert implements saga.MetricsSink.
func (s *SentrySink) RecordAlert(alert saga.Alert) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(alert.Severity))
		scope.SetTag("alert_rule", alert.Rule)
		scope.SetTag("alert_severity", string(alert.Severity))
		if alert.TransactionID != "" {
			scope.SetTag("transaction_id", alert.TransactionID)
		}
		scope.SetContext("alert", sentry.Context{
			"id":        alert.ID,
			"value":     alert.Value,
			"threshold": alert.Threshold,
			"raised_at": alert.RaisedAt,
		})
		s.hub.CaptureMessage(alert.Message)
	})
}

// Flush waits up to timeout for buffered events to be sent.
func (s *SentrySink) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

func sentryLevel(severity saga.AlertSeverity) sentry.Level {
	switch severity {
	case saga.SeverityCritical:
		return sentry.LevelError
	case saga.SeverityWarning:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
