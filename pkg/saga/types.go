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
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransactionState represents the lifecycle state of a transaction execution.
type TransactionState int

const (
	// StatePending indicates the execution is registered but not started.
	StatePending TransactionState = iota

	// StateOrchestrating indicates the execution plan is being built.
	StateOrchestrating

	// StateExecuting indicates phases are running.
	StateExecuting

	// StateCompensating indicates completed operations are being unwound.
	StateCompensating

	// StateCompleted indicates every phase succeeded.
	StateCompleted

	// StateFailed indicates the transaction failed; compensation, if any, has finished.
	StateFailed

	// StateCancelled indicates the transaction was cancelled by request.
	StateCancelled
)

var stateNames = map[TransactionState]string{
	StatePending:       "PENDING",
	StateOrchestrating: "ORCHESTRATING",
	StateExecuting:     "EXECUTING",
	StateCompensating:  "COMPENSATING",
	StateCompleted:     "COMPLETED",
	StateFailed:        "FAILED",
	StateCancelled:     "CANCELLED",
}

// String returns the string representation of the TransactionState.
func (s TransactionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal returns true for COMPLETED, FAILED and CANCELLED.
func (s TransactionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// MarshalText implements encoding.TextMarshaler.
func (s TransactionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TransactionState) UnmarshalText(text []byte) error {
	parsed, err := ParseTransactionState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseTransactionState parses a state name case-insensitively.
func ParseTransactionState(name string) (TransactionState, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for state, n := range stateNames {
		if n == upper {
			return state, nil
		}
	}
	return StatePending, fmt.Errorf("unknown transaction state %q", name)
}

// BackoffStrategy selects how the retry delay grows between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "FIXED"
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
)

// CompensationStrategy selects how the unwind pass dispatches compensation handlers.
type CompensationStrategy string

const (
	CompensationImmediate  CompensationStrategy = "IMMEDIATE"
	CompensationDeferred   CompensationStrategy = "DEFERRED"
	CompensationParallel   CompensationStrategy = "PARALLEL"
	CompensationSequential CompensationStrategy = "SEQUENTIAL"
)

// EventType is the type of a DomainEvent.
type EventType string

const (
	// Operation events
	EventOperationStarted   EventType = "OPERATION_STARTED"
	EventOperationCompleted EventType = "OPERATION_COMPLETED"
	EventOperationFailed    EventType = "OPERATION_FAILED"
	EventOperationRetried   EventType = "OPERATION_RETRIED"

	// Compensation events
	EventCompensationExecuted EventType = "COMPENSATION_EXECUTED"
	EventCompensationFailed   EventType = "COMPENSATION_FAILED"

	// Transaction lifecycle events
	EventTransactionStarted   EventType = "TRANSACTION_STARTED"
	EventTransactionCompleted EventType = "TRANSACTION_COMPLETED"
	EventTransactionFailed    EventType = "TRANSACTION_FAILED"
	EventTransactionCancelled EventType = "TRANSACTION_CANCELLED"
)

// AggregateTypeTransaction is the aggregate type of every event the coordinator emits.
const AggregateTypeTransaction = "transaction"

// RetryPolicy controls how a failed operation attempt is retried.
type RetryPolicy struct {
	// MaxAttempts counts the initial attempt. 1 disables retries.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts" validate:"min=1"`

	// BackoffStrategy defaults to EXPONENTIAL when empty.
	BackoffStrategy BackoffStrategy `json:"backoffStrategy" yaml:"backoffStrategy" validate:"omitempty,oneof=FIXED LINEAR EXPONENTIAL"`

	BaseDelay time.Duration `json:"baseDelay" yaml:"baseDelay" validate:"min=0"`

	// MaxDelay caps the pre-jitter delay. Zero means uncapped.
	MaxDelay time.Duration `json:"maxDelay" yaml:"maxDelay" validate:"min=0"`

	// Jitter is the full width of the random window; ±Jitter/2 is applied.
	Jitter time.Duration `json:"jitter,omitempty" yaml:"jitter,omitempty" validate:"min=0"`

	// RetryableErrorCodes replaces the default retryable set when non-empty.
	RetryableErrorCodes []string `json:"retryableErrorCodes,omitempty" yaml:"retryableErrorCodes,omitempty"`
}

// DefaultRetryPolicy returns the policy used for operations that do not carry one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BackoffStrategy: BackoffExponential,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
	}
}

// DomainOperation is a single unit of work dispatched to one business domain.
type DomainOperation struct {
	Domain         string        `json:"domain" yaml:"domain" validate:"required"`
	Operation      string        `json:"operation" yaml:"operation" validate:"required"`
	Input          interface{}   `json:"input,omitempty" yaml:"input,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty" yaml:"idempotencyKey,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"min=0"`
	RetryPolicy    *RetryPolicy  `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`

	// Dependencies lists operation ids ("domain:operation") that must complete first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// ID returns the operation identity, "domain:operation".
func (o DomainOperation) ID() string {
	return OperationID(o.Domain, o.Operation)
}

// OperationID builds an operation identity from its parts.
func OperationID(domain, operation string) string {
	return domain + ":" + operation
}

// SplitOperationID is the inverse of OperationID.
func SplitOperationID(id string) (domain, operation string, ok bool) {
	idx := strings.Index(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// ExecutionPhase is one topological layer of the plan.
type ExecutionPhase struct {
	Name                     string            `json:"name"`
	Operations               []DomainOperation `json:"operations"`
	Parallel                 bool              `json:"parallel"`
	ContinueOnPartialFailure bool              `json:"continueOnPartialFailure"`
	RollbackOnFailure        bool              `json:"rollbackOnFailure"`
}

// OperationIDs returns the ids of the phase's operations in order.
func (p ExecutionPhase) OperationIDs() []string {
	ids := make([]string, len(p.Operations))
	for i, op := range p.Operations {
		ids[i] = op.ID()
	}
	return ids
}

// ExecutionPlan is the ordered phase sequence plus transaction-wide policy.
type ExecutionPlan struct {
	Phases               []ExecutionPhase     `json:"phases"`
	CompensationStrategy CompensationStrategy `json:"compensationStrategy"`
	Timeout              time.Duration        `json:"timeout"`
	MaxRetries           int                  `json:"maxRetries"`
	EventSourcingEnabled bool                 `json:"eventSourcingEnabled"`
}

// OperationCount returns the number of operations across all phases.
func (p *ExecutionPlan) OperationCount() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Operations)
	}
	return n
}

// PhaseOverride overrides the planner's defaults for one phase, addressed by name.
type PhaseOverride struct {
	Parallel                 *bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	ContinueOnPartialFailure *bool `json:"continueOnPartialFailure,omitempty" yaml:"continueOnPartialFailure,omitempty"`
	RollbackOnFailure        *bool `json:"rollbackOnFailure,omitempty" yaml:"rollbackOnFailure,omitempty"`
}

// PlanOverrides lets callers change plan defaults. Nil fields keep the default.
type PlanOverrides struct {
	PhaseOverride `yaml:",inline"`

	// Phases holds per-phase overrides keyed by phase name; they win over the plan-wide fields.
	Phases map[string]PhaseOverride `json:"phases,omitempty" yaml:"phases,omitempty"`

	CompensationStrategy CompensationStrategy `json:"compensationStrategy,omitempty" yaml:"compensationStrategy,omitempty"`
	Timeout              time.Duration        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries           *int                 `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	EventSourcingEnabled *bool                `json:"eventSourcingEnabled,omitempty" yaml:"eventSourcingEnabled,omitempty"`
}

// EventMetadata correlates an event with its transaction.
type EventMetadata struct {
	TransactionID string    `json:"transactionId"`
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"userId,omitempty"`
}

// DomainEvent is an immutable entry of the event log.
type DomainEvent struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Version       int64                  `json:"version"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Metadata      EventMetadata          `json:"metadata"`
}

// CompensationRecord is the outcome of one compensation attempt.
type CompensationRecord struct {
	OperationID string    `json:"operationId"`
	Domain      string    `json:"domain"`
	Operation   string    `json:"operation"`
	ExecutedAt  time.Time `json:"executedAt"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`

	// RetryCount counts retries of the compensation itself. Compensations are
	// attempted once, so it is always 0.
	RetryCount int `json:"retryCount"`
}

// TransactionMetrics summarises one transaction execution.
type TransactionMetrics struct {
	TotalDuration     time.Duration            `json:"totalDuration"`
	PhaseTimings      map[string]time.Duration `json:"phaseTimings"`
	OperationCount    int                      `json:"operationCount"`
	CompensationCount int                      `json:"compensationCount"`
	RetryCount        int                      `json:"retryCount"`
	EventCount        int                      `json:"eventCount"`

	// ErrorRate is failed compensations over total compensations, 0 when none ran.
	ErrorRate float64 `json:"errorRate"`
}

// Clone returns a deep copy.
func (m TransactionMetrics) Clone() TransactionMetrics {
	out := m
	out.PhaseTimings = make(map[string]time.Duration, len(m.PhaseTimings))
	for k, v := range m.PhaseTimings {
		out.PhaseTimings[k] = v
	}
	return out
}

// TransactionContext carries caller identity and correlation for one transaction.
type TransactionContext struct {
	// TransactionID is generated when empty.
	TransactionID string        `json:"transactionId,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	CausationID   string        `json:"causationId,omitempty"`
	Initiator     string        `json:"initiator" validate:"required"`
	Timeout       time.Duration `json:"timeout,omitempty" validate:"min=0"`
}

// TransactionResult is returned by ExecuteTransaction for every admitted transaction.
type TransactionResult struct {
	TransactionID string               `json:"transactionId"`
	State         TransactionState     `json:"state"`
	Results       *OrderedResults      `json:"results"`
	Events        []DomainEvent        `json:"events"`
	Compensations []CompensationRecord `json:"compensations"`
	Metrics       TransactionMetrics   `json:"metrics"`

	// Err is the representative error of a failed or cancelled transaction.
	Err error `json:"-"`
}

// MarshalJSON adds the representative error as a string.
func (r *TransactionResult) MarshalJSON() ([]byte, error) {
	type alias TransactionResult
	out := struct {
		*alias
		Error string `json:"error,omitempty"`
	}{alias: (*alias)(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// AlertSeverity grades monitor alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is raised by the transaction monitor when a threshold is crossed or an anomaly is found.
type Alert struct {
	ID            string        `json:"id"`
	Rule          string        `json:"rule"`
	Severity      AlertSeverity `json:"severity"`
	Message       string        `json:"message"`
	Value         float64       `json:"value"`
	Threshold     float64       `json:"threshold"`
	TransactionID string        `json:"transactionId,omitempty"`
	RaisedAt      time.Time     `json:"raisedAt"`
}
