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

package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/eventlog"
	"github.com/innovationmech/txcoord/pkg/saga/planner"
	"github.com/innovationmech/txcoord/pkg/saga/retry"
)

// Config holds the coordinator's limits and defaults.
type Config struct {
	// MaxConcurrentTransactions caps the number of running transactions.
	MaxConcurrentTransactions int

	// RetentionWindow is how long a finished execution stays queryable.
	RetentionWindow time.Duration

	// SweepInterval is the period of the background eviction sweep; 0 disables it.
	SweepInterval time.Duration

	// CompensationTimeout bounds the whole unwind pass.
	CompensationTimeout time.Duration

	// DefaultRetryPolicy applies to operations without their own policy.
	DefaultRetryPolicy saga.RetryPolicy

	// PlanDefaults are the plan-wide values used without overrides.
	PlanDefaults planner.Defaults
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTransactions: 100,
		RetentionWindow:           5 * time.Minute,
		SweepInterval:             30 * time.Second,
		CompensationTimeout:       30 * time.Second,
		DefaultRetryPolicy:        saga.DefaultRetryPolicy(),
		PlanDefaults:              planner.DefaultDefaults(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrentTransactions < 1 {
		return saga.NewValidationError("maxConcurrentTransactions must be at least 1")
	}
	if c.RetentionWindow < 0 || c.SweepInterval < 0 || c.CompensationTimeout < 0 {
		return saga.NewValidationError("durations must not be negative")
	}
	if err := c.DefaultRetryPolicy.Validate(); err != nil {
		return err
	}
	return nil
}

// engine is the runtime shared by every execution of one coordinator.
type engine struct {
	dispatcher          saga.DomainDispatcher
	compensator         saga.CompensationHandler
	eventLog            saga.EventLog
	observers           *eventlog.ObserverSet
	evaluator           *retry.Evaluator
	defaultPolicy       saga.RetryPolicy
	planDefaults        planner.Defaults
	compensationTimeout time.Duration
	tracer              *tracer
	clock               saga.Clock
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventLog sets the event log persisted events are appended to.
func WithEventLog(log saga.EventLog) Option {
	return func(c *Coordinator) { c.eng.eventLog = log }
}

// WithObservers registers synchronous event observers.
func WithObservers(observers ...saga.EventObserver) Option {
	return func(c *Coordinator) {
		for _, o := range observers {
			c.eng.observers.Add(o)
		}
	}
}

// WithCompensationHandler replaces the default CompensationRegistry.
func WithCompensationHandler(h saga.CompensationHandler) Option {
	return func(c *Coordinator) { c.eng.compensator = h }
}

// WithMetricsSinks forwards each finished transaction's metrics to sinks.
func WithMetricsSinks(sinks ...saga.MetricsSink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(c *Coordinator) { c.eng.tracer = newTracer(tp) }
}

// WithEvaluator sets the retry evaluator, e.g. with a seeded random source.
func WithEvaluator(ev *retry.Evaluator) Option {
	return func(c *Coordinator) { c.eng.evaluator = ev }
}

// WithClock sets the clock used for timestamps, durations and the sweep.
func WithClock(clock saga.Clock) Option {
	return func(c *Coordinator) { c.eng.clock = clock }
}

// TransactionSummary describes one registered execution.
type TransactionSummary struct {
	TransactionID string                `json:"transactionId"`
	State         saga.TransactionState `json:"state"`
	Initiator     string                `json:"initiator"`
	FinishedAt    *time.Time            `json:"finishedAt,omitempty"`
}

// Coordinator is the entry point for executing cross-domain transactions.
type Coordinator struct {
	cfg   Config
	eng   *engine
	sinks []saga.MetricsSink

	// mu guards the registry; active counts executions that have not settled.
	mu      sync.RWMutex
	entries map[string]*Execution
	active  int
	closed  bool

	compensations *CompensationRegistry

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator dispatching through dispatcher and
// starts the background sweep when cfg.SweepInterval is positive.
func NewCoordinator(cfg Config, dispatcher saga.DomainDispatcher, opts ...Option) (*Coordinator, error) {
	if dispatcher == nil {
		return nil, saga.NewValidationError("a domain dispatcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CompensationTimeout == 0 {
		cfg.CompensationTimeout = DefaultConfig().CompensationTimeout
	}

	compensations := NewCompensationRegistry(dispatcher)
	c := &Coordinator{
		cfg: cfg,
		eng: &engine{
			dispatcher:          dispatcher,
			compensator:         compensations,
			observers:           eventlog.NewObserverSet(),
			evaluator:           retry.NewEvaluator(nil),
			defaultPolicy:       cfg.DefaultRetryPolicy,
			planDefaults:        cfg.PlanDefaults,
			compensationTimeout: cfg.CompensationTimeout,
			tracer:              newTracer(nil),
			clock:               saga.SystemClock{},
		},
		entries:       make(map[string]*Execution),
		compensations: compensations,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	} else {
		close(c.sweepDone)
	}
	return c, nil
}

// Compensations returns the default compensation registry so callers can
// register explicit handlers. It is unused when WithCompensationHandler was given.
func (c *Coordinator) Compensations() *CompensationRegistry {
	return c.compensations
}

// ExecuteTransaction plans and runs ops as one saga and blocks until it settles.
// Admission failures (validation, quota, duplicate id, closed coordinator)
// return a nil result. Every admitted transaction returns its result; err is
// the result's representative error.
func (c *Coordinator) ExecuteTransaction(ctx context.Context, ops []saga.DomainOperation, tctx saga.TransactionContext, overrides *saga.PlanOverrides) (*saga.TransactionResult, error) {
	if err := tctx.Validate(); err != nil {
		return nil, err
	}
	if tctx.TransactionID == "" {
		tctx.TransactionID = uuid.NewString()
	}
	if tctx.CorrelationID == "" {
		tctx.CorrelationID = tctx.TransactionID
	}
	if tctx.Timeout > 0 {
		merged := saga.PlanOverrides{}
		if overrides != nil {
			merged = *overrides
		}
		if merged.Timeout == 0 {
			merged.Timeout = tctx.Timeout
		}
		overrides = &merged
	}

	x := newExecution(tctx.TransactionID, tctx, append([]saga.DomainOperation(nil), ops...), overrides, c.eng)
	if err := c.admit(x); err != nil {
		return nil, err
	}
	defer c.release()

	logger.GetLogger().Info("Transaction admitted",
		zap.String("transaction_id", x.id),
		zap.String("correlation_id", tctx.CorrelationID),
		zap.String("initiator", tctx.Initiator),
		zap.Int("operations", len(ops)))

	result := x.run(ctx)
	for _, sink := range c.sinks {
		sink.RecordTransaction(result.TransactionID, result.State, result.Metrics)
	}
	return result, result.Err
}

// admit registers x unless the coordinator is closed, full or already
// running a transaction with the same id. A rejected admission leaves the
// registry unchanged.
func (c *Coordinator) admit(x *Execution) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return saga.ErrCoordinatorClosed
	}
	if existing, ok := c.entries[x.id]; ok && existing.finishedAtTime().IsZero() {
		return saga.NewTransactionAlreadyExistsError(x.id)
	}
	if c.active >= c.cfg.MaxConcurrentTransactions {
		return saga.NewQuotaExceededError(c.cfg.MaxConcurrentTransactions)
	}
	c.entries[x.id] = x
	c.active++
	return nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
}

func (c *Coordinator) lookup(id string) (*Execution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	x, ok := c.entries[id]
	return x, ok
}

// CancelTransaction requests cooperative cancellation. Completed and failed
// transactions are immutable.
func (c *Coordinator) CancelTransaction(ctx context.Context, transactionID, reason string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	x, ok := c.lookup(transactionID)
	if !ok {
		return saga.NewTransactionNotFoundError(transactionID)
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	return x.requestCancel(reason)
}

// GetTransactionStatus returns the state of a registered transaction.
func (c *Coordinator) GetTransactionStatus(transactionID string) (saga.TransactionState, bool) {
	x, ok := c.lookup(transactionID)
	if !ok {
		return saga.StatePending, false
	}
	return x.State(), true
}

// GetTransactionMetrics returns a metrics snapshot of a registered transaction.
func (c *Coordinator) GetTransactionMetrics(transactionID string) (*saga.TransactionMetrics, bool) {
	x, ok := c.lookup(transactionID)
	if !ok {
		return nil, false
	}
	m := x.Metrics()
	return &m, true
}

// GetTransactionEvents reads a transaction's stream from the event log.
func (c *Coordinator) GetTransactionEvents(ctx context.Context, transactionID string, fromVersion int64) ([]saga.DomainEvent, error) {
	if c.eng.eventLog == nil {
		return nil, saga.NewError(saga.ErrCodeValidationError, "event log is not configured")
	}
	return c.eng.eventLog.GetStream(ctx, transactionID, fromVersion)
}

// ActiveCount returns the number of transactions that have not settled.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// ListTransactions returns every registered execution, ordered by id.
func (c *Coordinator) ListTransactions() []TransactionSummary {
	c.mu.RLock()
	executions := make([]*Execution, 0, len(c.entries))
	for _, x := range c.entries {
		executions = append(executions, x)
	}
	c.mu.RUnlock()

	out := make([]TransactionSummary, 0, len(executions))
	for _, x := range executions {
		s := TransactionSummary{TransactionID: x.id, State: x.State(), Initiator: x.tctx.Initiator}
		if f := x.finishedAtTime(); !f.IsZero() {
			s.FinishedAt = &f
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

// Sweep evicts executions that finished more than RetentionWindow before now
// and returns how many were removed.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, x := range c.entries {
		finished := x.finishedAtTime()
		if finished.IsZero() {
			continue
		}
		if !now.Before(finished.Add(c.cfg.RetentionWindow)) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *Coordinator) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(c.eng.clock.Now()); n > 0 {
				logger.GetLogger().Debug("Evicted finished transactions", zap.Int("count", n))
			}
		case <-c.stopSweep:
			return
		}
	}
}

// HealthCheck reports whether the coordinator and its event log are usable.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return saga.ErrCoordinatorClosed
	}
	if hc, ok := c.eng.eventLog.(interface{ HealthCheck(context.Context) error }); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("event log unhealthy: %w", err)
		}
	}
	return nil
}

// Close rejects new transactions and stops the sweep. Running transactions
// are left to settle.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stopSweep)
	})
	<-c.sweepDone
	return nil
}

// IsClosed reports whether Close was called.
func (c *Coordinator) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

var _ saga.DomainDispatcher = (*DispatcherRegistry)(nil)
var _ saga.CompensationHandler = (*CompensationRegistry)(nil)
