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

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
)

// compensate replays the successful operations in reverse completion order.
// Every attempt is recorded; a failed compensation is logged and the pass
// continues. PARALLEL dispatches all handlers at once, every other strategy
// runs them one by one.
func (x *Execution) compensate(ctx context.Context) {
	entries := x.results.Reversed()
	if len(entries) == 0 {
		return
	}

	strategy := saga.CompensationSequential
	if plan := x.Plan(); plan != nil && plan.CompensationStrategy != "" {
		strategy = plan.CompensationStrategy
	}

	ctx, span := x.eng.tracer.startCompensation(ctx, strategy, len(entries))
	// The plan deadline may already have passed; compensation gets its own budget.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.eng.compensationTimeout)
	defer cancel()

	logger.GetSugaredLogger().Infof("Compensating %d operation(s) of transaction %s (%s)", len(entries), x.id, strategy)

	records := make([]saga.CompensationRecord, len(entries))
	if strategy == saga.CompensationParallel {
		var g errgroup.Group
		for i, entry := range entries {
			i, entry := i, entry
			g.Go(func() error {
				records[i] = x.compensateOne(cctx, entry)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, entry := range entries {
			records[i] = x.compensateOne(cctx, entry)
		}
	}

	failed := 0
	for _, r := range records {
		if !r.Success {
			failed++
		}
	}

	x.mu.Lock()
	x.compensations = append(x.compensations, records...)
	x.mu.Unlock()

	var spanErr error
	if failed > 0 {
		spanErr = saga.NewError(saga.ErrCodeCompensationFailed,
			fmt.Sprintf("%d of %d compensations failed", failed, len(records)))
	}
	endSpan(span, spanErr, attribute.Int("txcoord.failed", failed))
}

// compensateOne runs one handler and records its outcome.
func (x *Execution) compensateOne(ctx context.Context, entry saga.ResultEntry) saga.CompensationRecord {
	domain, operation, _ := saga.SplitOperationID(entry.ID)
	record := saga.CompensationRecord{
		OperationID: entry.ID,
		Domain:      domain,
		Operation:   operation,
		ExecutedAt:  x.eng.clock.Now(),
	}

	err := x.safeCompensate(ctx, domain, operation, entry.Value)
	if err == nil {
		record.Success = true
		x.emit(ctx, saga.EventCompensationExecuted, map[string]interface{}{
			"operation_id": entry.ID,
			"domain":       domain,
			"operation":    operation,
		}, true)
		return record
	}

	record.Error = err.Error()
	logger.GetSugaredLogger().Errorf("Compensation of %s for transaction %s failed: %v", entry.ID, x.id, err)
	x.emit(ctx, saga.EventCompensationFailed, map[string]interface{}{
		"operation_id": entry.ID,
		"domain":       domain,
		"operation":    operation,
		"error":        err.Error(),
	}, true)
	return record
}

func (x *Execution) safeCompensate(ctx context.Context, domain, operation string, prior interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = saga.NewCompensationFailedError(saga.OperationID(domain, operation),
				fmt.Errorf("compensation handler panicked: %v", r))
		}
	}()
	if x.eng.compensator == nil {
		return saga.NewError(saga.ErrCodeCompensationFailed, "no compensation handler configured")
	}
	return x.eng.compensator.Compensate(ctx, domain, operation, prior)
}
