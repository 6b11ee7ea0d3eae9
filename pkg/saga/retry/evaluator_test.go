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
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/innovationmech/txcoord/pkg/saga"
)

func TestBaseDelay(t *testing.T) {
	tests := []struct {
		name     string
		policy   saga.RetryPolicy
		attempt  int
		expected time.Duration
	}{
		{"fixed", saga.RetryPolicy{BackoffStrategy: saga.BackoffFixed, BaseDelay: time.Second}, 5, time.Second},
		{"linear", saga.RetryPolicy{BackoffStrategy: saga.BackoffLinear, BaseDelay: time.Second}, 3, 3 * time.Second},
		{"exponential attempt 1", saga.RetryPolicy{BackoffStrategy: saga.BackoffExponential, BaseDelay: time.Second}, 1, time.Second},
		{"exponential attempt 3", saga.RetryPolicy{BackoffStrategy: saga.BackoffExponential, BaseDelay: 1000 * time.Millisecond}, 3, 4000 * time.Millisecond},
		{"empty strategy is exponential", saga.RetryPolicy{BaseDelay: 10 * time.Millisecond}, 4, 80 * time.Millisecond},
		{"capped", saga.RetryPolicy{BackoffStrategy: saga.BackoffExponential, BaseDelay: time.Second, MaxDelay: 3 * time.Second}, 5, 3 * time.Second},
		{"attempt zero treated as one", saga.RetryPolicy{BackoffStrategy: saga.BackoffLinear, BaseDelay: time.Second}, 0, time.Second},
		{"huge attempt", saga.RetryPolicy{BackoffStrategy: saga.BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute}, 500, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BaseDelay(tt.policy, tt.attempt))
		})
	}
}

func TestDelay_NeverExceedsMaxDelay(t *testing.T) {
	ev := NewEvaluator(rand.NewSource(42))
	policy := saga.RetryPolicy{
		MaxAttempts:     10,
		BackoffStrategy: saga.BackoffExponential,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Second,
		Jitter:          500 * time.Millisecond,
	}
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 100; i++ {
			d := ev.Delay(policy, attempt)
			assert.LessOrEqual(t, d, policy.MaxDelay)
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
	}
}

func TestDelay_JitterWindow(t *testing.T) {
	ev := NewEvaluator(rand.NewSource(7))
	policy := saga.RetryPolicy{
		BackoffStrategy: saga.BackoffFixed,
		BaseDelay:       time.Second,
		Jitter:          200 * time.Millisecond,
	}
	sawBelow, sawAbove := false, false
	for i := 0; i < 500; i++ {
		d := ev.Delay(policy, 1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
		sawBelow = sawBelow || d < time.Second
		sawAbove = sawAbove || d > time.Second
	}
	assert.True(t, sawBelow)
	assert.True(t, sawAbove)
}

func TestDelay_ClampedAtZero(t *testing.T) {
	ev := NewEvaluator(rand.NewSource(1))
	policy := saga.RetryPolicy{BackoffStrategy: saga.BackoffFixed, BaseDelay: time.Millisecond, Jitter: time.Second}
	for i := 0; i < 200; i++ {
		assert.GreaterOrEqual(t, ev.Delay(policy, 1), time.Duration(0))
	}
}

func TestDelay_Deterministic(t *testing.T) {
	policy := saga.RetryPolicy{BackoffStrategy: saga.BackoffFixed, BaseDelay: time.Second, Jitter: time.Second}
	a := NewEvaluator(rand.NewSource(99))
	b := NewEvaluator(rand.NewSource(99))
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Delay(policy, 1), b.Delay(policy, 1))
	}
}

func TestShouldRetry(t *testing.T) {
	policy := saga.RetryPolicy{MaxAttempts: 3}
	custom := saga.RetryPolicy{MaxAttempts: 3, RetryableErrorCodes: []string{"RATE_LIMITED"}}

	network := saga.NewDomainError(saga.ErrCodeNetworkError, "reset", false)
	conflict := saga.NewDomainError("CONFLICT", "exists", false)
	recoverable := saga.NewDomainError("CONFLICT", "exists", true)
	rateLimited := saga.NewDomainError("RATE_LIMITED", "slow down", false)

	tests := []struct {
		name    string
		policy  saga.RetryPolicy
		attempt int
		err     error
		want    bool
	}{
		{"nil error", policy, 1, nil, false},
		{"default code", policy, 1, network, true},
		{"default code wrapped", policy, 2, fmt.Errorf("call: %w", network), true},
		{"attempts exhausted", policy, 3, network, false},
		{"non retryable code", policy, 1, conflict, false},
		{"recoverable flag", policy, 1, recoverable, true},
		{"plain error", policy, 1, errors.New("x"), false},
		{"explicit list replaces defaults", custom, 1, network, false},
		{"explicit list", custom, 1, rateLimited, true},
		{"recoverable with explicit list", custom, 1, recoverable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.policy, tt.attempt, tt.err))
		})
	}
}

func TestEffectivePolicy(t *testing.T) {
	fallback := saga.DefaultRetryPolicy()

	op := saga.DomainOperation{Domain: "a", Operation: "b"}
	assert.Equal(t, 5, EffectivePolicy(op, fallback, 5).MaxAttempts)
	assert.Equal(t, fallback.MaxAttempts, EffectivePolicy(op, fallback, 0).MaxAttempts)

	op.RetryPolicy = &saga.RetryPolicy{MaxAttempts: 0, BackoffStrategy: saga.BackoffFixed}
	p := EffectivePolicy(op, fallback, 5)
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, saga.BackoffFixed, p.BackoffStrategy)
}
