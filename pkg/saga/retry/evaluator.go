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

package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// Evaluator computes retry eligibility and backoff delays.
// It is safe for concurrent use.
type Evaluator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEvaluator creates an Evaluator drawing jitter from src.
// A nil src seeds from the current time.
func NewEvaluator(src rand.Source) *Evaluator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Evaluator{rnd: rand.New(src)}
}

var defaultEvaluator = NewEvaluator(nil)

// ShouldRetry reports whether attempt (1-based, the one that just failed with err) may be retried.
func ShouldRetry(policy saga.RetryPolicy, attempt int, err error) bool {
	return defaultEvaluator.ShouldRetry(policy, attempt, err)
}

// Delay returns the wait before the attempt following attempt.
func Delay(policy saga.RetryPolicy, attempt int) time.Duration {
	return defaultEvaluator.Delay(policy, attempt)
}

// ShouldRetry reports whether attempt may be retried.
func (e *Evaluator) ShouldRetry(policy saga.RetryPolicy, attempt int, err error) bool {
	if err == nil || attempt >= policy.MaxAttempts {
		return false
	}
	if saga.IsRecoverable(err) {
		return true
	}
	return IsRetryableCode(policy, saga.ErrorCode(err))
}

// IsRetryableCode reports whether code is in the policy's retryable set.
func IsRetryableCode(policy saga.RetryPolicy, code string) bool {
	if code == "" {
		return false
	}
	codes := policy.RetryableErrorCodes
	if len(codes) == 0 {
		codes = saga.DefaultRetryableCodes
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// Delay returns the jittered delay for attempt.
func (e *Evaluator) Delay(policy saga.RetryPolicy, attempt int) time.Duration {
	delay := BaseDelay(policy, attempt)
	if policy.Jitter > 0 {
		e.mu.Lock()
		offset := (e.rnd.Float64() - 0.5) * float64(policy.Jitter)
		e.mu.Unlock()
		delay += time.Duration(offset)
	}
	if delay < 0 {
		delay = 0
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// BaseDelay returns the pre-jitter delay for attempt, capped at MaxDelay.
func BaseDelay(policy saga.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(policy.BaseDelay)

	var delay float64
	switch policy.BackoffStrategy {
	case saga.BackoffFixed:
		delay = base
	case saga.BackoffLinear:
		delay = base * float64(attempt)
	default:
		delay = base * math.Pow(2, float64(attempt-1))
	}

	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	// Guard against float overflow for very large attempts.
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// EffectivePolicy returns the operation's policy, or fallback with its
// MaxAttempts replaced by the plan's maxRetries when positive.
func EffectivePolicy(op saga.DomainOperation, fallback saga.RetryPolicy, maxRetries int) saga.RetryPolicy {
	if op.RetryPolicy != nil {
		p := *op.RetryPolicy
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		return p
	}
	p := fallback
	if maxRetries > 0 {
		p.MaxAttempts = maxRetries
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}
