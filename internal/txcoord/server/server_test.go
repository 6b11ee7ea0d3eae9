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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/txcoord/internal/txcoord/config"
	"github.com/innovationmech/txcoord/internal/txcoord/handler"
	"github.com/innovationmech/txcoord/pkg/saga"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.Mode = gin.TestMode
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Coordinator.SweepInterval = 0
	return cfg
}

func echoDispatcher() saga.DomainDispatcher {
	return saga.DomainDispatcherFunc(func(ctx context.Context, domain, operation string, input interface{}) (interface{}, error) {
		return domain + ":" + operation, nil
	})
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(context.Background(), cfg,
		WithDispatcher(echoDispatcher()),
		WithPrometheusRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	return s
}

func postTransaction(t *testing.T, h http.Handler, id string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(handler.ExecuteRequest{
		Context: saga.TransactionContext{TransactionID: id, Initiator: "server-test"},
		Operations: []saga.DomainOperation{
			{Domain: "inventory", Operation: "reserve_stock"},
			{Domain: "billing", Operation: "charge", Dependencies: []string{"inventory:reserve_stock"}},
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_ExecuteAndObserve(t *testing.T) {
	s := newTestServer(t, testConfig())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	h := s.Handler()

	w := postTransaction(t, h, "tx-server-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	state, ok := s.Coordinator().GetTransactionStatus("tx-server-1")
	require.True(t, ok)
	assert.Equal(t, saga.StateCompleted, state)
	assert.EqualValues(t, 1, s.Monitor().Metrics().Completed)

	metrics := httptest.NewRecorder()
	h.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `txcoord_coordinator_transactions_total{state="COMPLETED"} 1`)

	mon := httptest.NewRecorder()
	h.ServeHTTP(mon, httptest.NewRequest(http.MethodGet, "/api/v1/monitor/metrics", nil))
	require.Equal(t, http.StatusOK, mon.Code)
	assert.Contains(t, mon.Body.String(), `"completed":1`)
}

func TestServer_HealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"coordinator"`)
	assert.Contains(t, w.Body.String(), `"event_log"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Start")

	require.NoError(t, s.Start(context.Background()))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, s.Coordinator().IsClosed())
}

func TestServer_StartServesOverTCP(t *testing.T) {
	s := newTestServer(t, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop(context.Background())) }()

	assert.Error(t, s.Start(context.Background()), "second start must fail")

	resp, err := http.Get("http://" + s.Address() + "/api/v1/transactions")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"count":0`)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.EventLog.Backend = "mongo"
	_, err := New(context.Background(), cfg, WithDispatcher(echoDispatcher()))
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	cfg := config.Default().Server
	applyMiddleware(router, cfg)
	router.GET("/boom", func(c *gin.Context) { panic("kaboom") })
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	t.Run("recovers panics", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "kaboom")
	})

	t.Run("echoes request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	})

	t.Run("answers CORS preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/ok", nil)
		req.Header.Set("Origin", "http://dashboard.local")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSanitizeForLog(t *testing.T) {
	assert.Equal(t, "ab", sanitizeForLog("a\r\nb"))
	long := sanitizeForLog(strings.Repeat("x", 600))
	assert.True(t, strings.HasSuffix(long, "[truncated]"))
}

func TestNewDispatcher_ConsulDiscovery(t *testing.T) {
	lookups := make(chan string, 4)
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lookups <- r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		_, _ = io.WriteString(w, "[]")
	}))
	defer agent.Close()

	static, err := newDispatcher(config.Default().Dispatch)
	require.NoError(t, err)
	_, err = static.Dispatch(context.Background(), "payments", "charge", nil)
	assert.Equal(t, saga.ErrCodeDomainNotRegistered, saga.ErrorCode(err))

	cfg := config.Default().Dispatch
	cfg.Discovery.Consul.Enabled = true
	cfg.Discovery.Consul.Address = strings.TrimPrefix(agent.URL, "http://")
	cfg.Discovery.Consul.ServicePrefix = "txcoord-"
	discovered, err := newDispatcher(cfg)
	require.NoError(t, err)
	_, err = discovered.Dispatch(context.Background(), "payments", "charge", nil)
	assert.Equal(t, saga.ErrCodeServiceUnavailable, saga.ErrorCode(err))
	require.Len(t, lookups, 1)
	assert.Equal(t, "/v1/health/service/txcoord-payments", <-lookups)
}
