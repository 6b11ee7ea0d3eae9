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
	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
)

// LogSink writes transaction metrics and alerts to the global zap logger.
type LogSink struct{}

// RecordTransaction implements saga.MetricsSink.
func (LogSink) RecordTransaction(transactionID string, state saga.TransactionState, metrics saga.TransactionMetrics) {
	logger.GetLogger().Info("Transaction finished",
		zap.String("transaction_id", transactionID),
		zap.String("state", state.String()),
		zap.Duration("duration", metrics.TotalDuration),
		zap.Int("operations", metrics.OperationCount),
		zap.Int("retries", metrics.RetryCount),
		zap.Int("compensations", metrics.CompensationCount),
		zap.Float64("error_rate", metrics.ErrorRate))
}

// RecordAlert implements saga.MetricsSink.
func (LogSink) RecordAlert(alert saga.Alert) {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("rule", alert.Rule),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold),
	}
	if alert.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", alert.TransactionID))
	}
	if alert.Severity == saga.SeverityCritical {
		logger.GetLogger().Error(alert.Message, fields...)
		return
	}
	logger.GetLogger().Warn(alert.Message, fields...)
}

// MultiSink fans out to several sinks in order.
type MultiSink []saga.MetricsSink

// RecordTransaction implements saga.MetricsSink.
func (m MultiSink) RecordTransaction(transactionID string, state saga.TransactionState, metrics saga.TransactionMetrics) {
	for _, s := range m {
		s.RecordTransaction(transactionID, state, metrics)
	}
}

// RecordAlert implements saga.MetricsSink.
func (m MultiSink) RecordAlert(alert saga.Alert) {
	for _, s := range m {
		s.RecordAlert(alert)
	}
}
