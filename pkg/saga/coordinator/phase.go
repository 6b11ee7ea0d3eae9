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
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// phaseOutcome is the settled result of one phase.
type phaseOutcome struct {
	success   bool
	succeeded int
	failed    int

	// err is the representative operation failure: the first to complete
	// in a parallel phase, the earliest in order in a sequential one.
	err error

	// interrupt is set when cancellation or the plan deadline stopped the phase.
	interrupt error
}

// executePhase runs one phase and records successes into the ordered results.
func (x *Execution) executePhase(ctx context.Context, phase saga.ExecutionPhase) phaseOutcome {
	ctx, span := x.eng.tracer.startPhase(ctx, phase)

	var out phaseOutcome
	if phase.Parallel {
		out = x.executeParallel(ctx, phase)
	} else {
		out = x.executeSequential(ctx, phase)
	}

	switch {
	case out.interrupt != nil:
		out.success = false
	case out.failed == 0:
		out.success = true
	default:
		out.success = phase.ContinueOnPartialFailure && out.succeeded > 0
	}

	spanErr := out.interrupt
	if spanErr == nil && !out.success {
		spanErr = out.err
	}
	endSpan(span, spanErr,
		attribute.Int("txcoord.succeeded", out.succeeded),
		attribute.Int("txcoord.failed", out.failed))
	return out
}

// executeSequential runs operations one at a time, stopping at the first
// failure unless the phase tolerates partial failure.
func (x *Execution) executeSequential(ctx context.Context, phase saga.ExecutionPhase) phaseOutcome {
	var out phaseOutcome
	for _, op := range phase.Operations {
		result, attempts, err := x.runOperation(ctx, op)
		if err == nil {
			x.recordSuccess(op.ID(), result, attempts)
			out.succeeded++
			continue
		}
		if isInterrupt(err) {
			out.interrupt = err
			return out
		}
		out.failed++
		if out.err == nil {
			out.err = err
		}
		if !phase.ContinueOnPartialFailure {
			return out
		}
	}
	return out
}

// executeParallel runs every operation concurrently and waits for all of
// them; a failure never cancels its siblings.
func (x *Execution) executeParallel(ctx context.Context, phase saga.ExecutionPhase) phaseOutcome {
	var (
		out phaseOutcome
		mu  sync.Mutex
		g   errgroup.Group
	)

	for _, op := range phase.Operations {
		op := op
		g.Go(func() error {
			result, attempts, err := x.runOperation(ctx, op)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				// recorded under mu so insertion order is completion order
				x.recordSuccess(op.ID(), result, attempts)
				out.succeeded++
			case isInterrupt(err):
				if out.interrupt == nil {
					out.interrupt = err
				}
			default:
				out.failed++
				if out.err == nil {
					out.err = err
				}
			}
			return err
		})
	}
	_ = g.Wait()
	return out
}

func isInterrupt(err error) bool {
	return errors.Is(err, saga.ErrTransactionCancelled) || errors.Is(err, saga.ErrTransactionTimeout)
}
