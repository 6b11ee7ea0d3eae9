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

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/coordinator"
	"github.com/innovationmech/txcoord/pkg/saga/eventlog"
	"github.com/innovationmech/txcoord/pkg/saga/monitoring"
)

type MockTransactionService struct {
	mock.Mock
}

func (m *MockTransactionService) ExecuteTransaction(ctx context.Context, ops []saga.DomainOperation, tctx saga.TransactionContext, overrides *saga.PlanOverrides) (*saga.TransactionResult, error) {
	args := m.Called(ctx, ops, tctx, overrides)
	result, _ := args.Get(0).(*saga.TransactionResult)
	return result, args.Error(1)
}

func (m *MockTransactionService) CancelTransaction(ctx context.Context, transactionID, reason string) error {
	return m.Called(ctx, transactionID, reason).Error(0)
}

func (m *MockTransactionService) GetTransactionStatus(transactionID string) (saga.TransactionState, bool) {
	args := m.Called(transactionID)
	return args.Get(0).(saga.TransactionState), args.Bool(1)
}

func (m *MockTransactionService) GetTransactionMetrics(transactionID string) (*saga.TransactionMetrics, bool) {
	args := m.Called(transactionID)
	metrics, _ := args.Get(0).(*saga.TransactionMetrics)
	return metrics, args.Bool(1)
}

func (m *MockTransactionService) GetTransactionEvents(ctx context.Context, transactionID string, fromVersion int64) ([]saga.DomainEvent, error) {
	args := m.Called(ctx, transactionID, fromVersion)
	events, _ := args.Get(0).([]saga.DomainEvent)
	return events, args.Error(1)
}

func (m *MockTransactionService) ListTransactions() []coordinator.TransactionSummary {
	summaries, _ := m.Called().Get(0).([]coordinator.TransactionSummary)
	return summaries
}

type stubMonitor struct {
	metrics monitoring.RealtimeMetrics
	alerts  []saga.Alert
	limit   int
}

func (s *stubMonitor) Metrics() monitoring.RealtimeMetrics { return s.metrics }

func (s *stubMonitor) Alerts(limit int) []saga.Alert {
	s.limit = limit
	return s.alerts
}

func newRouter(service TransactionService, monitor MonitorService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewRegistrar(service, monitor, nil).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func perform(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func executeBody() ExecuteRequest {
	return ExecuteRequest{
		Context:    saga.TransactionContext{Initiator: "tester"},
		Operations: []saga.DomainOperation{{Domain: "inventory", Operation: "reserve_stock"}},
	}
}

func TestExecute_StatusMapping(t *testing.T) {
	tests := []struct {
		name           string
		result         *saga.TransactionResult
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "completed",
			result:         &saga.TransactionResult{TransactionID: "tx-1", State: saga.StateCompleted},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "failed",
			result:         &saga.TransactionResult{TransactionID: "tx-1", State: saga.StateFailed},
			err:            saga.NewError(saga.ErrCodeOperationFailed, "boom"),
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "cancelled",
			result:         &saga.TransactionResult{TransactionID: "tx-1", State: saga.StateCancelled},
			err:            saga.NewTransactionCancelledError("tx-1", "stop"),
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "planning rejected",
			result:         &saga.TransactionResult{TransactionID: "tx-1", State: saga.StateFailed},
			err:            saga.NewCircularDependencyError([]string{"a:x", "b:y"}),
			expectedStatus: http.StatusUnprocessableEntity,
		},
		{
			name:           "quota exceeded",
			err:            saga.NewQuotaExceededError(1),
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   saga.ErrCodeQuotaExceeded,
		},
		{
			name:           "duplicate id",
			err:            saga.NewTransactionAlreadyExistsError("tx-1"),
			expectedStatus: http.StatusConflict,
			expectedCode:   saga.ErrCodeTransactionAlreadyExists,
		},
		{
			name:           "invalid context",
			err:            saga.NewValidationError("initiator is required"),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   saga.ErrCodeValidationError,
		},
		{
			name:           "closed",
			err:            saga.ErrCoordinatorClosed,
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   saga.ErrCodeCoordinatorClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockTransactionService{}
			svc.On("ExecuteTransaction", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(tt.result, tt.err)

			w := perform(newRouter(svc, nil), http.MethodPost, "/api/v1/transactions", executeBody())
			assert.Equal(t, tt.expectedStatus, w.Code)

			body := decode(t, w)
			if tt.result != nil {
				assert.Equal(t, tt.result.State.String(), body["state"])
			} else {
				assert.Equal(t, tt.expectedCode, body["code"])
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestExecute_OutlivesClientDisconnect(t *testing.T) {
	service := new(MockTransactionService)
	detached := mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil && ctx.Done() == nil
	})
	service.On("ExecuteTransaction", detached, mock.Anything, mock.Anything, mock.Anything).
		Return(&saga.TransactionResult{TransactionID: "tx-1", State: saga.StateCompleted, Results: saga.NewOrderedResults()}, nil)
	router := newRouter(service, &stubMonitor{})

	raw, err := json.Marshal(executeBody())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader(raw)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	service.AssertExpectations(t)
}

func TestExecute_BadBody(t *testing.T) {
	svc := &MockTransactionService{}
	router := newRouter(svc, nil)

	w := perform(router, http.MethodPost, "/api/v1/transactions", map[string]interface{}{"operations": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.AssertNotCalled(t, "ExecuteTransaction", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		reason         string
		err            error
		expectedStatus int
	}{
		{"accepted", CancelRequest{Reason: "operator"}, "operator", nil, http.StatusAccepted},
		{"no body", nil, "", nil, http.StatusAccepted},
		{"unknown", nil, "", saga.NewTransactionNotFoundError("tx-1"), http.StatusNotFound},
		{"terminal", nil, "", saga.NewImmutableStateError("tx-1", saga.StateCompleted), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockTransactionService{}
			svc.On("CancelTransaction", mock.Anything, "tx-1", tt.reason).Return(tt.err)

			w := perform(newRouter(svc, nil), http.MethodPost, "/api/v1/transactions/tx-1/cancel", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestStatusAndMetrics(t *testing.T) {
	svc := &MockTransactionService{}
	svc.On("GetTransactionStatus", "tx-1").Return(saga.StateExecuting, true)
	svc.On("GetTransactionStatus", "missing").Return(saga.StatePending, false)
	svc.On("GetTransactionMetrics", "tx-1").Return(&saga.TransactionMetrics{OperationCount: 3}, true)
	svc.On("GetTransactionMetrics", "missing").Return(nil, false)
	router := newRouter(svc, nil)

	w := perform(router, http.MethodGet, "/api/v1/transactions/tx-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EXECUTING", decode(t, w)["state"])

	w = perform(router, http.MethodGet, "/api/v1/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, saga.ErrCodeTransactionNotFound, decode(t, w)["code"])

	w = perform(router, http.MethodGet, "/api/v1/transactions/tx-1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["operationCount"])

	w = perform(router, http.MethodGet, "/api/v1/transactions/missing/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvents(t *testing.T) {
	svc := &MockTransactionService{}
	svc.On("GetTransactionEvents", mock.Anything, "tx-1", int64(2)).
		Return([]saga.DomainEvent{{ID: "e2", Version: 2}, {ID: "e3", Version: 3}}, nil)
	svc.On("GetTransactionEvents", mock.Anything, "gone", int64(0)).Return(nil, nil)
	svc.On("GetTransactionStatus", "gone").Return(saga.StatePending, false)
	router := newRouter(svc, nil)

	w := perform(router, http.MethodGet, "/api/v1/transactions/tx-1/events?fromVersion=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["events"], 2)

	w = perform(router, http.MethodGet, "/api/v1/transactions/tx-1/events?fromVersion=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(router, http.MethodGet, "/api/v1/transactions/gone/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestList(t *testing.T) {
	svc := &MockTransactionService{}
	svc.On("ListTransactions").Return([]coordinator.TransactionSummary{
		{TransactionID: "a", State: saga.StateCompleted},
		{TransactionID: "b", State: saga.StateExecuting},
	})
	router := newRouter(svc, nil)

	w := perform(router, http.MethodGet, "/api/v1/transactions?state=executing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = perform(router, http.MethodGet, "/api/v1/transactions?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMonitorRoutes(t *testing.T) {
	mon := &stubMonitor{
		metrics: monitoring.RealtimeMetrics{Started: 4, Completed: 3},
		alerts:  []saga.Alert{{ID: "a1", Rule: monitoring.RuleFailureRate, Severity: saga.SeverityWarning}},
	}
	router := newRouter(&MockTransactionService{}, mon)

	w := perform(router, http.MethodGet, "/api/v1/monitor/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, decode(t, w)["started"])

	w = perform(router, http.MethodGet, "/api/v1/monitor/alerts?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
	assert.Equal(t, 5, mon.limit)

	w = perform(router, http.MethodGet, "/api/v1/monitor/alerts?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEndToEnd_WithCoordinator(t *testing.T) {
	dispatcher := saga.DomainDispatcherFunc(func(ctx context.Context, domain, operation string, input interface{}) (interface{}, error) {
		if domain == "billing" {
			return nil, saga.NewDomainError("CARD_DECLINED", "declined", false)
		}
		return map[string]string{"ok": operation}, nil
	})
	cfg := coordinator.DefaultConfig()
	cfg.SweepInterval = 0
	coord, err := coordinator.NewCoordinator(cfg, dispatcher,
		coordinator.WithEventLog(eventlog.NewMemoryEventLog(0)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	router := newRouter(coord, nil)

	ok := executeBody()
	ok.Context.TransactionID = "tx-ok"
	w := perform(router, http.MethodPost, "/api/v1/transactions", ok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", decode(t, w)["state"])

	w = perform(router, http.MethodGet, "/api/v1/transactions/tx-ok/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["events"])

	failing := ExecuteRequest{
		Context: saga.TransactionContext{TransactionID: "tx-bad", Initiator: "tester", Timeout: 5 * time.Second},
		Operations: []saga.DomainOperation{
			{Domain: "inventory", Operation: "reserve_stock"},
			{Domain: "billing", Operation: "charge", Dependencies: []string{"inventory:reserve_stock"}},
		},
	}
	w = perform(router, http.MethodPost, "/api/v1/transactions", failing)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "FAILED", body["state"])
	assert.Len(t, body["compensations"], 1)

	w = perform(router, http.MethodPost, "/api/v1/transactions/tx-bad/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	cyclic := ExecuteRequest{
		Context: saga.TransactionContext{Initiator: "tester"},
		Operations: []saga.DomainOperation{
			{Domain: "a", Operation: "x", Dependencies: []string{"b:y"}},
			{Domain: "b", Operation: "y", Dependencies: []string{"a:x"}},
		},
	}
	w = perform(router, http.MethodPost, "/api/v1/transactions", cyclic)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}
