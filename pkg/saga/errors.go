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
	"errors"
	"fmt"
	"time"
)

// predefined error codes
const (
	ErrCodeCircularDependency       = "CIRCULAR_DEPENDENCY"
	ErrCodeQuotaExceeded            = "QUOTA_EXCEEDED"
	ErrCodeOperationFailed          = "OPERATION_FAILED"
	ErrCodeCompensationFailed       = "COMPENSATION_FAILED"
	ErrCodeImmutableState           = "IMMUTABLE_STATE"
	ErrCodeTransactionTimeout       = "TRANSACTION_TIMEOUT"
	ErrCodeTransactionCancelled     = "TRANSACTION_CANCELLED"
	ErrCodeTransactionNotFound      = "TRANSACTION_NOT_FOUND"
	ErrCodeTransactionAlreadyExists = "TRANSACTION_ALREADY_EXISTS"
	ErrCodeDuplicateOperation       = "DUPLICATE_OPERATION"
	ErrCodeUnknownDependency        = "UNKNOWN_DEPENDENCY"
	ErrCodeDomainNotRegistered      = "DOMAIN_NOT_REGISTERED"
	ErrCodeValidationError          = "VALIDATION_ERROR"
	ErrCodeCoordinatorClosed        = "COORDINATOR_CLOSED"
	ErrCodeVersionConflict          = "VERSION_CONFLICT"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// Codes dispatchers use to signal transient failures.
const (
	ErrCodeNetworkError       = "NETWORK_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// DefaultRetryableCodes is the retryable set used when a policy lists none.
var DefaultRetryableCodes = []string{ErrCodeNetworkError, ErrCodeTimeout, ErrCodeServiceUnavailable}

// Sentinels for errors.Is; matching is by code.
var (
	ErrCircularDependency       = &Error{Code: ErrCodeCircularDependency, Message: "circular dependency"}
	ErrQuotaExceeded            = &Error{Code: ErrCodeQuotaExceeded, Message: "maximum concurrent transactions reached"}
	ErrOperationFailed          = &Error{Code: ErrCodeOperationFailed, Message: "operation failed"}
	ErrCompensationFailed       = &Error{Code: ErrCodeCompensationFailed, Message: "compensation failed"}
	ErrImmutableState           = &Error{Code: ErrCodeImmutableState, Message: "transaction is in a terminal state"}
	ErrTransactionTimeout       = &Error{Code: ErrCodeTransactionTimeout, Message: "transaction timed out"}
	ErrTransactionCancelled     = &Error{Code: ErrCodeTransactionCancelled, Message: "transaction cancelled"}
	ErrTransactionNotFound      = &Error{Code: ErrCodeTransactionNotFound, Message: "transaction not found"}
	ErrTransactionAlreadyExists = &Error{Code: ErrCodeTransactionAlreadyExists, Message: "transaction already exists"}
	ErrDuplicateOperation       = &Error{Code: ErrCodeDuplicateOperation, Message: "duplicate operation"}
	ErrUnknownDependency        = &Error{Code: ErrCodeUnknownDependency, Message: "unknown dependency"}
	ErrDomainNotRegistered      = &Error{Code: ErrCodeDomainNotRegistered, Message: "domain not registered"}
	ErrValidation               = &Error{Code: ErrCodeValidationError, Message: "validation failed"}
	ErrCoordinatorClosed        = &Error{Code: ErrCodeCoordinatorClosed, Message: "coordinator is closed"}
	ErrVersionConflict          = &Error{Code: ErrCodeVersionConflict, Message: "event version conflict"}
)

// Error is the coordinator's structured error.
type Error struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps err into an Error. Returns nil if err is nil.
func WrapError(err error, code, message string) *Error {
	if err == nil {
		return nil
	}
	e := NewError(code, message)
	e.Cause = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithDetail adds a detail to the Error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewCircularDependencyError reports the operations that could not be placed.
func NewCircularDependencyError(unplaced []string) *Error {
	return NewError(ErrCodeCircularDependency,
		fmt.Sprintf("circular dependency among operations %v", unplaced)).
		WithDetail("operations", unplaced)
}

// NewQuotaExceededError reports the configured cap.
func NewQuotaExceededError(max int) *Error {
	return NewError(ErrCodeQuotaExceeded,
		fmt.Sprintf("maximum concurrent transactions (%d) reached", max)).
		WithDetail("max_concurrent_transactions", max)
}

// NewImmutableStateError reports an attempt to mutate a terminal transaction.
func NewImmutableStateError(transactionID string, state TransactionState) *Error {
	return NewError(ErrCodeImmutableState,
		fmt.Sprintf("transaction %s is %s and cannot be changed", transactionID, state)).
		WithDetail("transaction_id", transactionID).
		WithDetail("state", state.String())
}

// NewTransactionTimeoutError reports a plan-level deadline overrun.
func NewTransactionTimeoutError(transactionID string, timeout time.Duration) *Error {
	return NewError(ErrCodeTransactionTimeout,
		fmt.Sprintf("transaction %s exceeded timeout %s", transactionID, timeout)).
		WithDetail("transaction_id", transactionID).
		WithDetail("timeout", timeout.String())
}

// NewTransactionCancelledError reports a cooperative cancellation.
func NewTransactionCancelledError(transactionID, reason string) *Error {
	msg := fmt.Sprintf("transaction %s cancelled", transactionID)
	if reason != "" {
		msg += ": " + reason
	}
	return NewError(ErrCodeTransactionCancelled, msg).
		WithDetail("transaction_id", transactionID).
		WithDetail("reason", reason)
}

// NewTransactionNotFoundError reports an unknown transaction id.
func NewTransactionNotFoundError(transactionID string) *Error {
	return NewError(ErrCodeTransactionNotFound,
		fmt.Sprintf("transaction %s not found", transactionID)).
		WithDetail("transaction_id", transactionID)
}

// NewTransactionAlreadyExistsError reports a duplicate active transaction id.
func NewTransactionAlreadyExistsError(transactionID string) *Error {
	return NewError(ErrCodeTransactionAlreadyExists,
		fmt.Sprintf("transaction %s is already registered", transactionID)).
		WithDetail("transaction_id", transactionID)
}

// NewVersionConflictError reports a non-increasing event version.
func NewVersionConflictError(aggregateID string, version, current int64) *Error {
	return NewError(ErrCodeVersionConflict,
		fmt.Sprintf("aggregate %s: version %d does not follow %d", aggregateID, version, current)).
		WithDetail("aggregate_id", aggregateID).
		WithDetail("version", version).
		WithDetail("current_version", current)
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return NewError(ErrCodeValidationError, message)
}

// NewCompensationFailedError wraps a compensation handler failure.
func NewCompensationFailedError(operationID string, cause error) *Error {
	e := WrapError(cause, ErrCodeCompensationFailed, fmt.Sprintf("compensation of %s failed", operationID))
	return e.WithDetail("operation_id", operationID)
}

// OperationFailure is the terminal failure of one operation after its retries were exhausted.
type OperationFailure struct {
	OperationID string
	Domain      string
	Operation   string
	Attempts    int
	Cause       error
}

// Error implements the error interface.
func (f *OperationFailure) Error() string {
	return fmt.Sprintf("%s: operation %s failed after %d attempt(s): %v",
		ErrCodeOperationFailed, f.OperationID, f.Attempts, f.Cause)
}

// Unwrap returns the last attempt's error.
func (f *OperationFailure) Unwrap() error {
	return f.Cause
}

// Is matches ErrOperationFailed.
func (f *OperationFailure) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == ErrCodeOperationFailed
	}
	return false
}

// DomainError is returned by domain dispatchers to drive retry eligibility.
type DomainError struct {
	Code        string
	Message     string
	Recoverable bool
	Cause       error
}

// NewDomainError creates a DomainError.
func NewDomainError(code, message string, recoverable bool) *DomainError {
	return &DomainError{Code: code, Message: message, Recoverable: recoverable}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// ErrorCode extracts the most specific code from err.
// Deadline overruns map to TIMEOUT.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var of *OperationFailure
	if errors.As(err, &of) {
		return ErrCodeOperationFailed
	}
	return ""
}

// IsRecoverable reports whether err is marked recoverable by its dispatcher.
func IsRecoverable(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Recoverable
	}
	return false
}
