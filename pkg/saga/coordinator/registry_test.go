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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/txcoord/pkg/saga"
)

func TestCompensatingAction(t *testing.T) {
	tests := []struct {
		operation string
		want      string
	}{
		{"create_user", "delete_user"},
		{"reserve-seat", "release-seat"},
		{"Lock.account", "unlock.account"},
		{"grant", "revoke"},
		{"charge_card", "undo_charge_card"},
		{"_create", "undo__create"},
	}
	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			assert.Equal(t, tt.want, CompensatingAction(tt.operation))
		})
	}
}

func TestDispatcherRegistry(t *testing.T) {
	r := NewDispatcherRegistry()
	r.Register("users", saga.DomainDispatcherFunc(func(ctx context.Context, domain, operation string, input interface{}) (interface{}, error) {
		return domain + "/" + operation, nil
	}))

	out, err := r.Dispatch(context.Background(), "users", "create", nil)
	require.NoError(t, err)
	assert.Equal(t, "users/create", out)

	_, err = r.Dispatch(context.Background(), "billing", "charge", nil)
	require.Error(t, err)
	assert.Equal(t, saga.ErrCodeDomainNotRegistered, saga.ErrorCode(err))
	assert.False(t, saga.IsRecoverable(err))

	r.SetFallback(saga.DomainDispatcherFunc(func(ctx context.Context, domain, operation string, input interface{}) (interface{}, error) {
		return "fallback", nil
	}))
	out, err = r.Dispatch(context.Background(), "billing", "charge", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
	assert.Equal(t, []string{"users"}, r.Domains())
}

func TestCompensationRegistry_WithoutDispatcher(t *testing.T) {
	r := NewCompensationRegistry(nil)
	err := r.Compensate(context.Background(), "users", "create", nil)
	assert.Equal(t, saga.ErrCodeDomainNotRegistered, saga.ErrorCode(err))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(saga.StatePending, saga.StateOrchestrating, false))
	assert.True(t, canTransition(saga.StateExecuting, saga.StateCompensating, false))
	assert.True(t, canTransition(saga.StateCancelled, saga.StateCompensating, true))
	assert.True(t, canTransition(saga.StateCompensating, saga.StateFailed, false))
	assert.True(t, canTransition(saga.StateCompensating, saga.StateCancelled, true))

	assert.False(t, canTransition(saga.StateCompensating, saga.StateFailed, true))
	assert.False(t, canTransition(saga.StateCompensating, saga.StateCancelled, false))
	assert.False(t, canTransition(saga.StateCompleted, saga.StateCompensating, false))
	assert.False(t, canTransition(saga.StateFailed, saga.StateCancelled, false))
	assert.False(t, canTransition(saga.StateExecuting, saga.StatePending, false))
}
