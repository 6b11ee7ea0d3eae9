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

// Package dispatch forwards domain operations to remote domain services over HTTP.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/retry"
)

// ErrCodeDomainRejected is reported when a domain refuses an operation without a code of its own.
const ErrCodeDomainRejected = "DOMAIN_REJECTED"

const (
	maxResponseBody = 1 << 20
	maxErrorBody    = 64 << 10
)

// Endpoint locates one domain service.
type Endpoint struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Config configures an HTTPDispatcher.
type Config struct {
	Endpoints      map[string]Endpoint
	Timeout        time.Duration
	CircuitBreaker *retry.CircuitBreakerConfig
	Client         *http.Client
	// Resolver locates domains without a configured endpoint.
	Resolver Resolver
}

// HTTPDispatcher posts each operation to {endpoint}/operations/{operation}
// with the input as JSON body and decodes the JSON reply as the result.
// Configured endpoints win over the resolver.
type HTTPDispatcher struct {
	endpoints map[string]Endpoint
	resolver  Resolver
	timeout   time.Duration
	client    *http.Client
	breakers  *retry.CircuitBreakerSet
}

// errorBody is the optional error document a domain may reply with.
type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable *bool  `json:"recoverable,omitempty"`
}

// NewHTTPDispatcher validates endpoints and creates a dispatcher.
func NewHTTPDispatcher(config Config) (*HTTPDispatcher, error) {
	endpoints := make(map[string]Endpoint, len(config.Endpoints))
	for domain, ep := range config.Endpoints {
		u, err := url.Parse(ep.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid endpoint for domain %s: %q", domain, ep.URL)
		}
		ep.URL = strings.TrimRight(ep.URL, "/")
		endpoints[domain] = ep
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	breaker := config.CircuitBreaker
	if breaker == nil {
		breaker = retry.DefaultCircuitBreakerConfig()
	}
	if breaker.OnStateChange == nil {
		cfg := *breaker
		cfg.OnStateChange = func(name string, from, to retry.CircuitState) {
			logger.GetLogger().Warn("domain circuit changed state",
				zap.String("domain", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
		breaker = &cfg
	}

	return &HTTPDispatcher{
		endpoints: endpoints,
		resolver:  config.Resolver,
		timeout:   config.Timeout,
		client:    client,
		breakers:  retry.NewCircuitBreakerSet(breaker),
	}, nil
}

// Domains returns the statically configured domain names, sorted.
func (d *HTTPDispatcher) Domains() []string {
	out := make([]string, 0, len(d.endpoints))
	for domain := range d.endpoints {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// CircuitStates returns the state of every domain circuit used so far.
func (d *HTTPDispatcher) CircuitStates() map[string]retry.CircuitState {
	return d.breakers.States()
}

// Dispatch implements saga.DomainDispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, domain, operation string, input interface{}) (interface{}, error) {
	ep, ok := d.endpoints[domain]
	if !ok && d.resolver == nil {
		return nil, saga.NewDomainError(saga.ErrCodeDomainNotRegistered,
			fmt.Sprintf("no endpoint configured for domain %q", domain), false)
	}

	cb := d.breakers.Get(domain)
	if err := cb.Allow(); err != nil {
		return nil, err
	}

	if !ok {
		base, err := d.resolver.Resolve(ctx, domain)
		if err != nil {
			err = &saga.DomainError{Code: saga.ErrCodeServiceUnavailable,
				Message: fmt.Sprintf("cannot locate domain %q", domain), Recoverable: true, Cause: err}
			cb.Record(err)
			return nil, err
		}
		ep = Endpoint{URL: strings.TrimRight(base, "/")}
	}

	result, err := d.do(ctx, ep, operation, input)
	if isInfrastructureFailure(err) {
		cb.Record(err)
	} else {
		cb.Record(nil)
	}
	return result, err
}

func (d *HTTPDispatcher) do(ctx context.Context, ep Endpoint, operation string, input interface{}) (interface{}, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, saga.NewDomainError(saga.ErrCodeValidationError,
			fmt.Sprintf("failed to marshal input for %s: %v", operation, err), false)
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := ep.URL + "/operations/" + url.PathEscape(operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &saga.DomainError{Code: saga.ErrCodeTimeout,
				Message: fmt.Sprintf("%s did not answer in time", target), Recoverable: true, Cause: err}
		}
		return nil, &saga.DomainError{Code: saga.ErrCodeNetworkError,
			Message: fmt.Sprintf("request to %s failed", target), Recoverable: true, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &saga.DomainError{Code: saga.ErrCodeNetworkError,
			Message: "failed to read response body", Recoverable: true, Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil
		}
		var result interface{}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, saga.NewDomainError(ErrCodeDomainRejected,
				fmt.Sprintf("invalid JSON reply from %s: %v", target, err), false)
		}
		return result, nil
	}
	return nil, statusError(resp.StatusCode, raw)
}

// statusError maps a non-2xx reply to a DomainError. Gateway and throttling
// statuses are recoverable; an error document in the body overrides the
// code, message and recoverability.
func statusError(status int, raw []byte) error {
	de := &saga.DomainError{Message: http.StatusText(status)}
	switch status {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		de.Code, de.Recoverable = saga.ErrCodeTimeout, true
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		de.Code, de.Recoverable = saga.ErrCodeServiceUnavailable, true
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		de.Code = saga.ErrCodeValidationError
	default:
		de.Code = ErrCodeDomainRejected
	}

	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		if eb.Code != "" {
			de.Code = eb.Code
		}
		if eb.Message != "" {
			de.Message = eb.Message
		}
		if eb.Recoverable != nil {
			de.Recoverable = *eb.Recoverable
		}
	}
	de.Message = fmt.Sprintf("status %d: %s", status, de.Message)
	return de
}

// isInfrastructureFailure reports whether err should count against the domain's circuit.
// Business rejections do not.
func isInfrastructureFailure(err error) bool {
	if err == nil {
		return false
	}
	var de *saga.DomainError
	if !errors.As(err, &de) {
		return true
	}
	switch de.Code {
	case saga.ErrCodeNetworkError, saga.ErrCodeTimeout, saga.ErrCodeServiceUnavailable:
		return true
	}
	return false
}

var _ saga.DomainDispatcher = (*HTTPDispatcher)(nil)
