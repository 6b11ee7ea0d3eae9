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

/*
Package retry evaluates per-operation retry policies and guards remote domains
with circuit breakers.

# Retry eligibility

An attempt may be retried when attempt < MaxAttempts and the error is either
marked recoverable by its dispatcher (saga.DomainError.Recoverable), or its
code is in the policy's RetryableErrorCodes. When a policy lists no codes, the
default set NETWORK_ERROR, TIMEOUT and SERVICE_UNAVAILABLE applies.

# Backoff

The pre-jitter delay for attempt n (1-based) is:

	FIXED        baseDelay
	LINEAR       baseDelay * n
	EXPONENTIAL  baseDelay * 2^(n-1)

It is capped at MaxDelay, shifted by a uniform random offset in
[-Jitter/2, +Jitter/2] and finally clamped to [0, MaxDelay].

	ev := retry.NewEvaluator(nil)
	if ev.ShouldRetry(policy, attempt, err) {
		wait := ev.Delay(policy, attempt)
		...
	}

# Circuit breaker

CircuitBreaker fails fast once a domain has produced MaxFailures consecutive
failures, and lets a limited number of probe requests through after
ResetTimeout. The HTTP dispatcher keeps one breaker per domain.
*/
package retry
