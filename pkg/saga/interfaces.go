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

package saga

import (
	"context"
	"time"
)

// DomainDispatcher executes operations for business domains.
// The host application supplies the implementation.
type DomainDispatcher interface {
	Dispatch(ctx context.Context, domain, operation string, input interface{}) (interface{}, error)
}

// DomainDispatcherFunc adapts a function to DomainDispatcher.
type DomainDispatcherFunc func(ctx context.Context, domain, operation string, input interface{}) (interface{}, error)

// Dispatch calls f.
func (f DomainDispatcherFunc) Dispatch(ctx context.Context, domain, operation string, input interface{}) (interface{}, error) {
	return f(ctx, domain, operation, input)
}

// CompensationHandler semantically undoes a previously successful operation.
type CompensationHandler interface {
	Compensate(ctx context.Context, domain, operation string, priorResult interface{}) error
}

// CompensationHandlerFunc adapts a function to CompensationHandler.
type CompensationHandlerFunc func(ctx context.Context, domain, operation string, priorResult interface{}) error

// Compensate calls f.
func (f CompensationHandlerFunc) Compensate(ctx context.Context, domain, operation string, priorResult interface{}) error {
	return f(ctx, domain, operation, priorResult)
}

// EventLog is an append-only, per-aggregate versioned event stream.
type EventLog interface {
	// Append stores event. Its version must be greater than the last stored
	// version of the same aggregate, otherwise ErrVersionConflict is returned.
	Append(ctx context.Context, event DomainEvent) error

	// GetStream returns the aggregate's events with version >= fromVersion, ordered by version.
	GetStream(ctx context.Context, aggregateID string, fromVersion int64) ([]DomainEvent, error)
}

// VersionReader is implemented by event logs that can report an aggregate's
// last stored version without reading the stream. 0 means no events.
type VersionReader interface {
	LastVersion(ctx context.Context, aggregateID string) (int64, error)
}

// LastVersion returns the last stored version of aggregateID in log, using
// VersionReader when available and the tail of the stream otherwise.
func LastVersion(ctx context.Context, log EventLog, aggregateID string) (int64, error) {
	if r, ok := log.(VersionReader); ok {
		return r.LastVersion(ctx, aggregateID)
	}
	events, err := log.GetStream(ctx, aggregateID, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Version, nil
}

// EventObserver receives every event the coordinator emits, synchronously.
type EventObserver interface {
	OnEvent(ctx context.Context, event DomainEvent)
}

// EventObserverFunc adapts a function to EventObserver.
type EventObserverFunc func(ctx context.Context, event DomainEvent)

// OnEvent calls f.
func (f EventObserverFunc) OnEvent(ctx context.Context, event DomainEvent) {
	f(ctx, event)
}

// MetricsSink receives per-transaction metrics and alerts for external observability.
type MetricsSink interface {
	RecordTransaction(transactionID string, state TransactionState, metrics TransactionMetrics)
	RecordAlert(alert Alert)
}

// Clock abstracts time for components that schedule work.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
