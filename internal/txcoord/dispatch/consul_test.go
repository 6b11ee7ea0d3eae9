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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/txcoord/pkg/saga"
)

type consulInstance struct {
	Address string
	Port    int
}

// newConsulAgent serves /v1/health/service/{name} from instances.
func newConsulAgent(t *testing.T, instances map[string][]consulInstance) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasPrefix(r.URL.Path, "/v1/health/service/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		entries := make([]map[string]interface{}, 0)
		for _, inst := range instances[name] {
			entries = append(entries, map[string]interface{}{
				"Node":    map[string]interface{}{"Node": "node-1", "Address": "10.0.0.1"},
				"Service": map[string]interface{}{"Service": name, "Address": inst.Address, "Port": inst.Port},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		_ = json.NewEncoder(w).Encode(entries)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostPort(t *testing.T, rawURL string) consulInstance {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return consulInstance{Address: host, Port: p}
}

func TestConsulResolver_RoundRobin(t *testing.T) {
	agent := newConsulAgent(t, map[string][]consulInstance{
		"txcoord-payments": {{Address: "10.0.0.5", Port: 8080}, {Address: "10.0.0.6", Port: 8080}},
		"ledger-svc":       {{Address: "", Port: 9000}},
	})
	r, err := NewConsulResolver(ConsulConfig{
		Address:       strings.TrimPrefix(agent.URL, "http://"),
		ServicePrefix: "txcoord-",
		Services:      map[string]string{"ledger": "ledger-svc"},
	})
	require.NoError(t, err)

	assert.Equal(t, "txcoord-payments", r.ServiceName("payments"))
	assert.Equal(t, "ledger-svc", r.ServiceName("ledger"))

	var got []string
	for i := 0; i < 3; i++ {
		base, err := r.Resolve(context.Background(), "payments")
		require.NoError(t, err)
		got = append(got, base)
	}
	assert.Equal(t, []string{"http://10.0.0.5:8080", "http://10.0.0.6:8080", "http://10.0.0.5:8080"}, got)

	// Instances without a service address fall back to the node address.
	base, err := r.Resolve(context.Background(), "ledger")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:9000", base)

	_, err = r.Resolve(context.Background(), "shipping")
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestHTTPDispatcher_ResolvesUnconfiguredDomains(t *testing.T) {
	domain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/operations/charge", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"charged":true}`)
	}))
	defer domain.Close()

	agent := newConsulAgent(t, map[string][]consulInstance{
		"payments": {hostPort(t, domain.URL)},
	})
	r, err := NewConsulResolver(ConsulConfig{Address: strings.TrimPrefix(agent.URL, "http://")})
	require.NoError(t, err)

	d, err := NewHTTPDispatcher(Config{Timeout: time.Second, Resolver: r})
	require.NoError(t, err)
	assert.Empty(t, d.Domains())

	result, err := d.Dispatch(context.Background(), "payments", "charge", map[string]int{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"charged": true}, result)

	_, err = d.Dispatch(context.Background(), "shipping", "ship", nil)
	de := domainErr(t, err)
	assert.Equal(t, saga.ErrCodeServiceUnavailable, de.Code)
	assert.True(t, de.Recoverable)
	assert.ErrorIs(t, err, ErrNoInstance)
}
