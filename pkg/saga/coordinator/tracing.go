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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/innovationmech/txcoord/pkg/saga"
)

const tracerName = "github.com/innovationmech/txcoord/pkg/saga/coordinator"

// tracer wraps the OpenTelemetry tracer with the span shapes the coordinator emits.
type tracer struct {
	t oteltrace.Tracer
}

func newTracer(tp oteltrace.TracerProvider) *tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracer{t: tp.Tracer(tracerName)}
}

// startTransaction starts the top-level span of one transaction.
func (tr *tracer) startTransaction(ctx context.Context, transactionID string, tctx saga.TransactionContext, operations int) (context.Context, oteltrace.Span) {
	return tr.t.Start(ctx, "txcoord.transaction",
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("txcoord.transaction_id", transactionID),
			attribute.String("txcoord.correlation_id", tctx.CorrelationID),
			attribute.String("txcoord.initiator", tctx.Initiator),
			attribute.Int("txcoord.operation_count", operations),
		))
}

// startPhase starts a child span for one execution phase.
func (tr *tracer) startPhase(ctx context.Context, phase saga.ExecutionPhase) (context.Context, oteltrace.Span) {
	return tr.t.Start(ctx, "txcoord.phase",
		oteltrace.WithAttributes(
			attribute.String("txcoord.phase", phase.Name),
			attribute.Bool("txcoord.parallel", phase.Parallel),
			attribute.StringSlice("txcoord.operations", phase.OperationIDs()),
		))
}

// startCompensation starts a child span for the unwind pass.
func (tr *tracer) startCompensation(ctx context.Context, strategy saga.CompensationStrategy, operations int) (context.Context, oteltrace.Span) {
	return tr.t.Start(ctx, "txcoord.compensation",
		oteltrace.WithAttributes(
			attribute.String("txcoord.compensation_strategy", string(strategy)),
			attribute.Int("txcoord.operation_count", operations),
		))
}

// endSpan records err, if any, and ends span.
func endSpan(span oteltrace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
