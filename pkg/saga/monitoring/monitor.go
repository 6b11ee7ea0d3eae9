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

// Package monitoring observes the coordinator's event stream. It keeps
// real-time transaction metrics, raises threshold and anomaly alerts and
// forwards alerts and per-transaction metrics to pluggable sinks
// (Prometheus, Sentry, zap).
package monitoring

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
)

// Alert rule names.
const (
	RuleFailureRate             = "high_failure_rate"
	RuleCompensationFailureRate = "high_compensation_failure_rate"
	RuleAverageDuration         = "slow_transactions"
	RuleActiveTransactions      = "high_active_transactions"
	RuleDurationAnomaly         = "duration_anomaly"
)

// AlertThresholds configures the threshold rules. A zero value disables its rule.
type AlertThresholds struct {
	// FailureRate is failed over finished transactions.
	FailureRate float64 `mapstructure:"failure_rate" json:"failureRate"`

	// CompensationFailureRate is failed over executed compensations.
	CompensationFailureRate float64 `mapstructure:"compensation_failure_rate" json:"compensationFailureRate"`

	AverageDuration    time.Duration `mapstructure:"average_duration" json:"averageDuration"`
	ActiveTransactions int64         `mapstructure:"active_transactions" json:"activeTransactions"`

	// MinSamples is the number of finished transactions required before
	// rate and duration rules are evaluated.
	MinSamples int64 `mapstructure:"min_samples" json:"minSamples"`
}

// AnomalyConfig configures duration anomaly detection.
type AnomalyConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// Window is the number of recent durations forming the baseline.
	Window int `mapstructure:"window" json:"window"`

	// MinSamples is the baseline size required before detection starts.
	MinSamples int `mapstructure:"min_samples" json:"minSamples"`

	// StdDevFactor is k in mean + k*stddev.
	StdDevFactor float64 `mapstructure:"stddev_factor" json:"stdDevFactor"`
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	ThroughputWindow time.Duration   `mapstructure:"throughput_window"`
	AlertCooldown    time.Duration   `mapstructure:"alert_cooldown"`
	AlertHistory     int             `mapstructure:"alert_history"`
	Thresholds       AlertThresholds `mapstructure:"thresholds"`
	Anomaly          AnomalyConfig   `mapstructure:"anomaly"`
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ThroughputWindow: time.Minute,
		AlertCooldown:    5 * time.Minute,
		AlertHistory:     100,
		Thresholds: AlertThresholds{
			FailureRate:             0.1,
			CompensationFailureRate: 0.05,
			AverageDuration:         30 * time.Second,
			ActiveTransactions:      80,
			MinSamples:              10,
		},
		Anomaly: AnomalyConfig{
			Enabled:      true,
			Window:       100,
			MinSamples:   20,
			StdDevFactor: 3,
		},
	}
}

// RealtimeMetrics is a point-in-time view of the monitored transactions.
type RealtimeMetrics struct {
	Active    int64 `json:"active"`
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`

	OperationsStarted     int64 `json:"operationsStarted"`
	OperationsCompleted   int64 `json:"operationsCompleted"`
	OperationsFailed      int64 `json:"operationsFailed"`
	Retries               int64 `json:"retries"`
	CompensationsExecuted int64 `json:"compensationsExecuted"`
	CompensationsFailed   int64 `json:"compensationsFailed"`

	SuccessRate             float64       `json:"successRate"`
	FailureRate             float64       `json:"failureRate"`
	CompensationFailureRate float64       `json:"compensationFailureRate"`
	AverageDuration         time.Duration `json:"averageDuration"`

	// Throughput is finished transactions per second over the throughput window.
	Throughput float64   `json:"throughput"`
	Timestamp  time.Time `json:"timestamp"`
}

// Monitor is a saga.EventObserver computing metrics and alerts from events.
type Monitor struct {
	cfg   MonitorConfig
	clock saga.Clock
	sinks []saga.MetricsSink

	mu        sync.Mutex
	startedAt map[string]time.Time
	m         RealtimeMetrics
	total     time.Duration
	finished  []time.Time
	baseline  []float64
	lastFired map[string]time.Time
	alerts    []saga.Alert
}

// NewMonitor creates a Monitor forwarding alerts to sinks.
func NewMonitor(cfg MonitorConfig, clock saga.Clock, sinks ...saga.MetricsSink) *Monitor {
	if clock == nil {
		clock = saga.SystemClock{}
	}
	if cfg.ThroughputWindow <= 0 {
		cfg.ThroughputWindow = time.Minute
	}
	if cfg.AlertHistory <= 0 {
		cfg.AlertHistory = 100
	}
	if cfg.Anomaly.Window <= 0 {
		cfg.Anomaly.Window = 100
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clock,
		sinks:     sinks,
		startedAt: make(map[string]time.Time),
		lastFired: make(map[string]time.Time),
	}
}

// OnEvent implements saga.EventObserver.
func (m *Monitor) OnEvent(ctx context.Context, event saga.DomainEvent) {
	now := event.Metadata.Timestamp
	if now.IsZero() {
		now = m.clock.Now()
	}
	id := event.AggregateID

	m.mu.Lock()
	var raised []saga.Alert
	switch event.Type {
	case saga.EventTransactionStarted:
		if _, ok := m.startedAt[id]; !ok {
			m.startedAt[id] = now
			m.m.Started++
			m.m.Active++
		}
	case saga.EventTransactionCompleted:
		m.m.Completed++
		raised = m.finish(id, now)
	case saga.EventTransactionFailed:
		m.m.Failed++
		raised = m.finish(id, now)
	case saga.EventTransactionCancelled:
		m.m.Cancelled++
		raised = m.finish(id, now)
	case saga.EventOperationStarted:
		m.m.OperationsStarted++
	case saga.EventOperationCompleted:
		m.m.OperationsCompleted++
	case saga.EventOperationFailed:
		m.m.OperationsFailed++
	case saga.EventOperationRetried:
		m.m.Retries++
	case saga.EventCompensationExecuted:
		m.m.CompensationsExecuted++
	case saga.EventCompensationFailed:
		m.m.CompensationsExecuted++
		m.m.CompensationsFailed++
		raised = m.evaluateCompensations(now)
	}
	if event.Type == saga.EventTransactionStarted {
		raised = append(raised, m.evaluateActive(now)...)
	}
	m.mu.Unlock()

	for _, a := range raised {
		m.dispatch(a)
	}
}

// finish closes the transaction id and evaluates the rules that depend on
// finished transactions. Called with mu held.
func (m *Monitor) finish(id string, now time.Time) []saga.Alert {
	var raised []saga.Alert

	if start, ok := m.startedAt[id]; ok {
		delete(m.startedAt, id)
		m.m.Active--
		d := now.Sub(start)
		m.total += d
		if a, ok := m.detectAnomaly(id, d, now); ok {
			raised = append(raised, a)
		}
	}
	m.finished = append(m.finished, now)

	metrics := m.snapshot(now)
	t := m.cfg.Thresholds
	n := metrics.Completed + metrics.Failed + metrics.Cancelled
	if n < t.MinSamples {
		return raised
	}
	if t.FailureRate > 0 && metrics.FailureRate > t.FailureRate {
		if a, ok := m.fire(RuleFailureRate, saga.SeverityCritical, metrics.FailureRate, t.FailureRate, "", now,
			fmt.Sprintf("transaction failure rate %.2f%% exceeds %.2f%%", metrics.FailureRate*100, t.FailureRate*100)); ok {
			raised = append(raised, a)
		}
	}
	if t.AverageDuration > 0 && metrics.AverageDuration > t.AverageDuration {
		if a, ok := m.fire(RuleAverageDuration, saga.SeverityWarning,
			metrics.AverageDuration.Seconds(), t.AverageDuration.Seconds(), "", now,
			fmt.Sprintf("average transaction duration %v exceeds %v", metrics.AverageDuration, t.AverageDuration)); ok {
			raised = append(raised, a)
		}
	}
	return raised
}

func (m *Monitor) evaluateCompensations(now time.Time) []saga.Alert {
	t := m.cfg.Thresholds
	if t.CompensationFailureRate <= 0 || m.m.CompensationsExecuted == 0 {
		return nil
	}
	rate := float64(m.m.CompensationsFailed) / float64(m.m.CompensationsExecuted)
	if rate <= t.CompensationFailureRate {
		return nil
	}
	a, ok := m.fire(RuleCompensationFailureRate, saga.SeverityCritical, rate, t.CompensationFailureRate, "", now,
		fmt.Sprintf("compensation failure rate %.2f%% exceeds %.2f%%", rate*100, t.CompensationFailureRate*100))
	if !ok {
		return nil
	}
	return []saga.Alert{a}
}

func (m *Monitor) evaluateActive(now time.Time) []saga.Alert {
	t := m.cfg.Thresholds
	if t.ActiveTransactions <= 0 || m.m.Active <= t.ActiveTransactions {
		return nil
	}
	a, ok := m.fire(RuleActiveTransactions, saga.SeverityWarning,
		float64(m.m.Active), float64(t.ActiveTransactions), "", now,
		fmt.Sprintf("%d active transactions exceed %d", m.m.Active, t.ActiveTransactions))
	if !ok {
		return nil
	}
	return []saga.Alert{a}
}

// detectAnomaly compares d against the rolling baseline, then adds d to it.
func (m *Monitor) detectAnomaly(id string, d time.Duration, now time.Time) (saga.Alert, bool) {
	cfg := m.cfg.Anomaly
	if !cfg.Enabled {
		return saga.Alert{}, false
	}
	seconds := d.Seconds()
	defer func() {
		m.baseline = append(m.baseline, seconds)
		if len(m.baseline) > cfg.Window {
			m.baseline = m.baseline[len(m.baseline)-cfg.Window:]
		}
	}()

	if len(m.baseline) < cfg.MinSamples || len(m.baseline) == 0 {
		return saga.Alert{}, false
	}
	mean, stddev := meanStdDev(m.baseline)
	limit := mean + cfg.StdDevFactor*stddev
	if stddev == 0 || seconds <= limit {
		return saga.Alert{}, false
	}
	return m.fire(RuleDurationAnomaly, saga.SeverityWarning, seconds, limit, id, now,
		fmt.Sprintf("transaction %s took %v, baseline mean %.3fs stddev %.3fs", id, d, mean, stddev))
}

func meanStdDev(samples []float64) (float64, float64) {
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, s := range samples {
		sq += (s - mean) * (s - mean)
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}

// fire records an alert unless rule is cooling down. Called with mu held.
func (m *Monitor) fire(rule string, severity saga.AlertSeverity, value, threshold float64, txID string, now time.Time, msg string) (saga.Alert, bool) {
	if last, ok := m.lastFired[rule]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		return saga.Alert{}, false
	}
	m.lastFired[rule] = now

	a := saga.Alert{
		ID:            uuid.NewString(),
		Rule:          rule,
		Severity:      severity,
		Message:       msg,
		Value:         value,
		Threshold:     threshold,
		TransactionID: txID,
		RaisedAt:      now,
	}
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.cfg.AlertHistory {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.AlertHistory:]
	}
	return a, true
}

func (m *Monitor) dispatch(a saga.Alert) {
	logger.GetLogger().Warn("Alert raised",
		zap.String("rule", a.Rule),
		zap.String("severity", string(a.Severity)),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
		zap.String("message", a.Message))
	for _, s := range m.sinks {
		s.RecordAlert(a)
	}
}

// Metrics returns the current metrics.
func (m *Monitor) Metrics() RealtimeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(m.clock.Now())
}

// snapshot computes derived values. Called with mu held.
func (m *Monitor) snapshot(now time.Time) RealtimeMetrics {
	out := m.m
	out.Timestamp = now

	finished := m.m.Completed + m.m.Failed + m.m.Cancelled
	if finished > 0 {
		out.SuccessRate = float64(m.m.Completed) / float64(finished)
		out.FailureRate = float64(m.m.Failed) / float64(finished)
		out.AverageDuration = m.total / time.Duration(finished)
	}
	if m.m.CompensationsExecuted > 0 {
		out.CompensationFailureRate = float64(m.m.CompensationsFailed) / float64(m.m.CompensationsExecuted)
	}

	cutoff := now.Add(-m.cfg.ThroughputWindow)
	i := 0
	for i < len(m.finished) && m.finished[i].Before(cutoff) {
		i++
	}
	m.finished = m.finished[i:]
	out.Throughput = float64(len(m.finished)) / m.cfg.ThroughputWindow.Seconds()
	return out
}

// Alerts returns up to limit of the most recent alerts, newest last.
// A non-positive limit returns the whole history.
func (m *Monitor) Alerts(limit int) []saga.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.alerts) > limit {
		start = len(m.alerts) - limit
	}
	return append([]saga.Alert(nil), m.alerts[start:]...)
}

// Reset clears all collected state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = make(map[string]time.Time)
	m.lastFired = make(map[string]time.Time)
	m.m = RealtimeMetrics{}
	m.total = 0
	m.finished = nil
	m.baseline = nil
	m.alerts = nil
}
