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

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/retry"
)

// runOperation executes op against the domain dispatcher, retrying per its
// effective policy. It returns the result and the number of attempts made.
// A cancellation or plan timeout observed between attempts is returned as is;
// exhausting retries yields *saga.OperationFailure.
func (x *Execution) runOperation(ctx context.Context, op saga.DomainOperation) (interface{}, int, error) {
	opID := op.ID()
	policy := retry.EffectivePolicy(op, x.eng.defaultPolicy, x.Plan().MaxRetries)

	if err := x.interrupted(ctx); err != nil {
		return nil, 0, err
	}

	x.emit(ctx, saga.EventOperationStarted, map[string]interface{}{
		"operation_id":    opID,
		"domain":          op.Domain,
		"operation":       op.Operation,
		"idempotency_key": op.IdempotencyKey,
	}, true)

	for attempt := 1; ; attempt++ {
		result, err := x.dispatchOnce(ctx, op)
		if err == nil {
			x.emit(ctx, saga.EventOperationCompleted, map[string]interface{}{
				"operation_id": opID,
				"domain":       op.Domain,
				"operation":    op.Operation,
				"attempts":     attempt,
			}, true)
			return result, attempt, nil
		}

		if !x.eng.evaluator.ShouldRetry(policy, attempt, err) {
			logger.GetSugaredLogger().Warnf("Operation %s of transaction %s failed after %d attempt(s): %v",
				opID, x.id, attempt, err)
			x.emit(ctx, saga.EventOperationFailed, map[string]interface{}{
				"operation_id": opID,
				"attempts":     attempt,
				"error":        err.Error(),
				"error_code":   saga.ErrorCode(err),
			}, false)
			return nil, attempt, &saga.OperationFailure{
				OperationID: opID,
				Domain:      op.Domain,
				Operation:   op.Operation,
				Attempts:    attempt,
				Cause:       err,
			}
		}

		delay := x.eng.evaluator.Delay(policy, attempt)
		x.recordRetry()
		logger.GetSugaredLogger().Infof("Retrying operation %s of transaction %s after %v (attempt %d/%d): %v",
			opID, x.id, delay, attempt+1, policy.MaxAttempts, err)
		x.emit(ctx, saga.EventOperationRetried, map[string]interface{}{
			"operation_id": opID,
			"attempt":      attempt,
			"delay_ms":     delay.Milliseconds(),
			"error_code":   saga.ErrorCode(err),
		}, false)

		if err := x.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

// dispatchOnce runs one attempt under the operation timeout. A panicking
// dispatcher is reported as a non-recoverable failure.
func (x *Execution) dispatchOnce(ctx context.Context, op saga.DomainOperation) (result interface{}, err error) {
	if op.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = saga.NewDomainError(saga.ErrCodeInternal,
				fmt.Sprintf("dispatcher for %s panicked: %v", op.ID(), r), false)
		}
	}()

	return x.eng.dispatcher.Dispatch(ctx, op.Domain, op.Operation, op.Input)
}
