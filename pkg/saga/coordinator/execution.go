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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/planner"
)

// transitions lists the states reachable from each state.
var transitions = map[saga.TransactionState][]saga.TransactionState{
	saga.StatePending:       {saga.StateOrchestrating, saga.StateCancelled},
	saga.StateOrchestrating: {saga.StateExecuting, saga.StateFailed, saga.StateCancelled},
	saga.StateExecuting:     {saga.StateCompleted, saga.StateCompensating, saga.StateFailed, saga.StateCancelled},
	saga.StateCompensating:  {saga.StateFailed, saga.StateCancelled},
	saga.StateCancelled:     {saga.StateCompensating},
}

// canTransition reports whether from -> to is allowed. COMPENSATING settles
// in CANCELLED only for a cancelled execution, and in FAILED otherwise.
func canTransition(from, to saga.TransactionState, cancelled bool) bool {
	if from == saga.StateCompensating {
		return (to == saga.StateCancelled) == cancelled && (to == saga.StateCancelled || to == saga.StateFailed)
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Execution is the state of one transaction run.
type Execution struct {
	id            string
	tctx          saga.TransactionContext
	ops           []saga.DomainOperation
	overrides     *saga.PlanOverrides
	eng           *engine
	eventSourcing bool

	mu            sync.RWMutex
	state         saga.TransactionState
	cancelled     bool
	cancelReason  string
	plan          *saga.ExecutionPlan
	attempts      map[string]int
	retries       int
	compensations []saga.CompensationRecord
	events        []saga.DomainEvent
	phaseTimings  map[string]time.Duration
	startedAt     time.Time
	finishedAt    time.Time

	// emitMu serialises version assignment and appends to the event log.
	emitMu  sync.Mutex
	version int64

	results    *saga.OrderedResults
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func newExecution(id string, tctx saga.TransactionContext, ops []saga.DomainOperation, overrides *saga.PlanOverrides, eng *engine) *Execution {
	eventSourcing := eng.planDefaults.EventSourcingEnabled
	if overrides != nil && overrides.EventSourcingEnabled != nil {
		eventSourcing = *overrides.EventSourcingEnabled
	}
	return &Execution{
		id:            id,
		tctx:          tctx,
		ops:           ops,
		overrides:     overrides,
		eng:           eng,
		eventSourcing: eventSourcing,
		state:         saga.StatePending,
		attempts:      make(map[string]int),
		phaseTimings:  make(map[string]time.Duration),
		results:       saga.NewOrderedResults(),
		cancelCh:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// ID returns the transaction id.
func (x *Execution) ID() string { return x.id }

// State returns the current state.
func (x *Execution) State() saga.TransactionState {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state
}

// Done is closed when the run has settled.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Plan returns the execution plan, nil before planning finished.
func (x *Execution) Plan() *saga.ExecutionPlan {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.plan
}

// Metrics returns a snapshot of the execution's metrics.
func (x *Execution) Metrics() saga.TransactionMetrics {
	x.mu.RLock()
	defer x.mu.RUnlock()

	m := saga.TransactionMetrics{
		PhaseTimings:      make(map[string]time.Duration, len(x.phaseTimings)),
		OperationCount:    len(x.ops),
		CompensationCount: len(x.compensations),
		RetryCount:        x.retries,
		EventCount:        len(x.events),
	}
	for k, v := range x.phaseTimings {
		m.PhaseTimings[k] = v
	}
	if x.plan != nil {
		m.OperationCount = x.plan.OperationCount()
	}
	if !x.startedAt.IsZero() {
		end := x.finishedAt
		if end.IsZero() {
			end = x.eng.clock.Now()
		}
		m.TotalDuration = end.Sub(x.startedAt)
	}
	if len(x.compensations) > 0 {
		failed := 0
		for _, c := range x.compensations {
			if !c.Success {
				failed++
			}
		}
		m.ErrorRate = float64(failed) / float64(len(x.compensations))
	}
	return m
}

func (x *Execution) finishedAtTime() time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.finishedAt
}

// transition moves to state to when the table allows it.
func (x *Execution) transition(to saga.TransactionState) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	from := x.state
	if !canTransition(from, to, x.cancelled) {
		return false
	}
	x.state = to
	logger.GetSugaredLogger().Debugf("Transaction %s: %s -> %s", x.id, from, to)
	return true
}

// transitionUnlessCancelled is transition for the failure path; it loses
// against a concurrent cancel.
func (x *Execution) transitionUnlessCancelled(to saga.TransactionState) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancelled || !canTransition(x.state, to, false) {
		return false
	}
	from := x.state
	x.state = to
	logger.GetSugaredLogger().Debugf("Transaction %s: %s -> %s", x.id, from, to)
	return true
}

// requestCancel flips a running execution to CANCELLED and wakes its waits.
// Terminal executions are immutable; repeated cancels and cancels during a
// failure unwind are no-ops.
func (x *Execution) requestCancel(reason string) error {
	x.mu.Lock()
	switch {
	case x.state == saga.StateCompleted || x.state == saga.StateFailed:
		state := x.state
		x.mu.Unlock()
		return saga.NewImmutableStateError(x.id, state)
	case x.cancelled || x.state == saga.StateCompensating:
		x.mu.Unlock()
		return nil
	}
	from := x.state
	x.cancelled = true
	x.cancelReason = reason
	x.state = saga.StateCancelled
	x.mu.Unlock()

	x.cancelOnce.Do(func() { close(x.cancelCh) })
	logger.GetSugaredLogger().Infof("Transaction %s cancelled in state %s: %s", x.id, from, reason)
	return nil
}

func (x *Execution) cancelError() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return saga.NewTransactionCancelledError(x.id, x.cancelReason)
}

// interrupted returns the cancellation or timeout error once either happened.
// ctx carries only the plan deadline.
func (x *Execution) interrupted(ctx context.Context) error {
	select {
	case <-x.cancelCh:
		return x.cancelError()
	default:
	}
	if ctx.Err() != nil {
		return x.timeoutError()
	}
	return nil
}

func (x *Execution) timeoutError() error {
	var timeout time.Duration
	if plan := x.Plan(); plan != nil {
		timeout = plan.Timeout
	}
	return saga.NewTransactionTimeoutError(x.id, timeout)
}

// sleep waits d unless the execution is cancelled or the plan deadline passes first.
func (x *Execution) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return x.interrupted(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-x.cancelCh:
		return x.cancelError()
	case <-ctx.Done():
		return x.timeoutError()
	}
}

func (x *Execution) recordSuccess(opID string, result interface{}, attempts int) {
	x.results.Set(opID, result)
	x.mu.Lock()
	x.attempts[opID] = attempts
	x.mu.Unlock()
}

func (x *Execution) recordRetry() {
	x.mu.Lock()
	x.retries++
	x.mu.Unlock()
}

// emit builds an event and delivers it. Persisted events get the next
// aggregate version and are returned with the result once the event log
// accepted them. Observer-only events and events the log rejected carry version 0.
func (x *Execution) emit(ctx context.Context, eventType saga.EventType, data map[string]interface{}, persist bool) {
	event := saga.DomainEvent{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateID:   x.id,
		AggregateType: saga.AggregateTypeTransaction,
		Data:          data,
		Metadata: saga.EventMetadata{
			TransactionID: x.id,
			CorrelationID: x.tctx.CorrelationID,
			CausationID:   x.tctx.CausationID,
			Timestamp:     x.eng.clock.Now(),
			UserID:        x.tctx.Initiator,
		},
	}

	if persist && x.eventSourcing {
		x.emitMu.Lock()
		event.Version = x.version + 1
		if err := x.appendEvent(context.WithoutCancel(ctx), &event); err != nil {
			logger.GetSugaredLogger().Warnf("Failed to append %s event for transaction %s: %v", eventType, x.id, err)
			event.Version = 0
		} else {
			x.version = event.Version
			x.mu.Lock()
			x.events = append(x.events, event)
			x.mu.Unlock()
		}
		x.emitMu.Unlock()
	}

	if x.eng.observers != nil {
		x.eng.observers.OnEvent(ctx, event)
	}
}

// appendEvent stores event. On a version conflict the version is rebased on
// the log's last version and the append is tried once more. Callers hold emitMu.
func (x *Execution) appendEvent(ctx context.Context, event *saga.DomainEvent) error {
	if x.eng.eventLog == nil {
		return nil
	}
	err := x.eng.eventLog.Append(ctx, *event)
	if err == nil || !errors.Is(err, saga.ErrVersionConflict) {
		return err
	}
	last, verr := saga.LastVersion(ctx, x.eng.eventLog, x.id)
	if verr != nil {
		return errors.Join(err, verr)
	}
	event.Version = last + 1
	return x.eng.eventLog.Append(ctx, *event)
}

// seedVersion continues the aggregate's stream when the id has run before.
func (x *Execution) seedVersion(ctx context.Context) {
	if !x.eventSourcing || x.eng.eventLog == nil {
		return
	}
	last, err := saga.LastVersion(ctx, x.eng.eventLog, x.id)
	if err != nil {
		logger.GetSugaredLogger().Warnf("Failed to read last event version of transaction %s: %v", x.id, err)
		return
	}
	x.emitMu.Lock()
	x.version = last
	x.emitMu.Unlock()
}

// run drives the execution to a terminal state and returns its result.
func (x *Execution) run(parent context.Context) *saga.TransactionResult {
	defer close(x.done)

	x.mu.Lock()
	x.startedAt = x.eng.clock.Now()
	x.mu.Unlock()

	// Caller cancellation becomes a cooperative cancel; in-flight dispatches keep running.
	ctx := context.WithoutCancel(parent)
	stop := context.AfterFunc(parent, func() {
		_ = x.requestCancel("caller context cancelled")
	})
	defer stop()

	ctx, span := x.eng.tracer.startTransaction(ctx, x.id, x.tctx, len(x.ops))
	x.seedVersion(ctx)

	x.emit(ctx, saga.EventTransactionStarted, map[string]interface{}{
		"initiator":       x.tctx.Initiator,
		"operation_count": len(x.ops),
	}, true)

	rollback, err := x.safeExecute(ctx)
	err = x.settle(ctx, err, rollback)

	x.mu.Lock()
	x.finishedAt = x.eng.clock.Now()
	state := x.state
	x.mu.Unlock()

	metrics := x.Metrics()
	endSpan(span, err,
		attribute.String("txcoord.state", state.String()),
		attribute.Int("txcoord.retry_count", metrics.RetryCount),
		attribute.Int("txcoord.compensation_count", metrics.CompensationCount))

	if err != nil {
		logger.GetSugaredLogger().Warnf("Transaction %s finished %s in %v: %v", x.id, state, metrics.TotalDuration, err)
	} else {
		logger.GetSugaredLogger().Infof("Transaction %s completed in %v", x.id, metrics.TotalDuration)
	}
	return x.result(err)
}

func (x *Execution) result(err error) *saga.TransactionResult {
	metrics := x.Metrics()
	x.mu.RLock()
	defer x.mu.RUnlock()
	return &saga.TransactionResult{
		TransactionID: x.id,
		State:         x.state,
		Results:       x.results,
		Events:        append([]saga.DomainEvent(nil), x.events...),
		Compensations: append([]saga.CompensationRecord(nil), x.compensations...),
		Metrics:       metrics,
		Err:           err,
	}
}

// safeExecute runs execute and converts a panic into an error that triggers compensation.
func (x *Execution) safeExecute(ctx context.Context) (rollback bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetSugaredLogger().Errorf("Transaction %s panicked: %v", x.id, r)
			err = saga.NewError(saga.ErrCodeInternal, fmt.Sprintf("execution panicked: %v", r))
			rollback = true
		}
	}()
	return x.execute(ctx)
}

// execute plans and runs every phase. It reports whether completed
// operations must be compensated, and the representative error.
func (x *Execution) execute(ctx context.Context) (bool, error) {
	if !x.transition(saga.StateOrchestrating) {
		return true, x.cancelError()
	}

	plan, err := planner.BuildPlan(x.ops, x.eng.planDefaults, x.overrides)
	if err != nil {
		return false, err
	}
	x.mu.Lock()
	x.plan = plan
	x.mu.Unlock()

	if !x.transition(saga.StateExecuting) {
		return true, x.cancelError()
	}

	runCtx := ctx
	if plan.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, plan.Timeout)
		defer cancel()
	}

	for _, phase := range plan.Phases {
		if err := x.interrupted(runCtx); err != nil {
			return true, err
		}

		started := x.eng.clock.Now()
		outcome := x.executePhase(runCtx, phase)
		x.mu.Lock()
		x.phaseTimings[phase.Name] = x.eng.clock.Now().Sub(started)
		x.mu.Unlock()

		if outcome.interrupt != nil {
			return true, outcome.interrupt
		}
		if !outcome.success {
			if runCtx.Err() != nil {
				return true, x.timeoutError()
			}
			return phase.RollbackOnFailure, outcome.err
		}
	}
	return false, nil
}

// settle moves the execution into its terminal state, unwinding when required.
func (x *Execution) settle(ctx context.Context, err error, rollback bool) error {
	if err == nil {
		if x.transition(saga.StateCompleted) {
			x.emit(ctx, saga.EventTransactionCompleted, map[string]interface{}{
				"result_count": x.results.Len(),
			}, true)
			return nil
		}
	} else {
		// Nothing ran forward while orchestrating, so there is nothing to unwind.
		unwind := rollback && x.State() == saga.StateExecuting
		target := saga.StateFailed
		if unwind {
			target = saga.StateCompensating
		}
		if x.transitionUnlessCancelled(target) {
			if unwind {
				x.compensate(ctx)
				x.transition(saga.StateFailed)
			}
			x.emit(ctx, saga.EventTransactionFailed, map[string]interface{}{
				"error":      err.Error(),
				"error_code": saga.ErrorCode(err),
			}, true)
			return err
		}
	}

	// Cancelled: CANCELLED -> COMPENSATING -> CANCELLED.
	cancelErr := x.cancelError()
	x.transition(saga.StateCompensating)
	x.compensate(ctx)
	x.transition(saga.StateCancelled)

	x.mu.RLock()
	reason := x.cancelReason
	x.mu.RUnlock()
	x.emit(ctx, saga.EventTransactionCancelled, map[string]interface{}{"reason": reason}, true)
	return cancelErr
}
