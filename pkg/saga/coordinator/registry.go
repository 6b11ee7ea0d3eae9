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

// Package coordinator executes cross-domain transactions as sagas: it plans
// dependency-ordered phases, runs each operation with retries, unwinds
// completed operations in reverse order on failure and tracks every
// execution in a registry with a bounded retention window.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// DispatcherRegistry routes operations to the dispatcher registered for their domain.
type DispatcherRegistry struct {
	mu          sync.RWMutex
	dispatchers map[string]saga.DomainDispatcher
	fallback    saga.DomainDispatcher
}

// NewDispatcherRegistry creates an empty registry.
func NewDispatcherRegistry() *DispatcherRegistry {
	return &DispatcherRegistry{dispatchers: make(map[string]saga.DomainDispatcher)}
}

// Register sets the dispatcher for domain.
func (r *DispatcherRegistry) Register(domain string, d saga.DomainDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[domain] = d
}

// SetFallback sets the dispatcher used for domains without their own.
func (r *DispatcherRegistry) SetFallback(d saga.DomainDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = d
}

// Lookup returns the dispatcher for domain.
func (r *DispatcherRegistry) Lookup(domain string) (saga.DomainDispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.dispatchers[domain]; ok {
		return d, true
	}
	return r.fallback, r.fallback != nil
}

// Domains returns the explicitly registered domains.
func (r *DispatcherRegistry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dispatchers))
	for d := range r.dispatchers {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Dispatch implements saga.DomainDispatcher.
func (r *DispatcherRegistry) Dispatch(ctx context.Context, domain, operation string, input interface{}) (interface{}, error) {
	d, ok := r.Lookup(domain)
	if !ok {
		return nil, saga.NewDomainError(saga.ErrCodeDomainNotRegistered,
			fmt.Sprintf("no dispatcher registered for domain %q", domain), false)
	}
	return d.Dispatch(ctx, domain, operation, input)
}

// compensatingVerbs maps a forward verb to the verb that undoes it.
var compensatingVerbs = map[string]string{
	"create":    "delete",
	"add":       "remove",
	"insert":    "delete",
	"reserve":   "release",
	"lock":      "unlock",
	"grant":     "revoke",
	"enable":    "disable",
	"start":     "stop",
	"assign":    "unassign",
	"submit":    "withdraw",
	"cast":      "retract",
	"update":    "revert",
	"publish":   "unpublish",
	"approve":   "revoke_approval",
	"subscribe": "unsubscribe",
}

// CompensatingAction derives the name of the operation that undoes operation.
// The leading verb is swapped ("create_user" becomes "delete_user"); unknown
// verbs yield "undo_<operation>".
func CompensatingAction(operation string) string {
	verb, rest := operation, ""
	if i := strings.IndexAny(operation, "_-."); i > 0 {
		verb, rest = operation[:i], operation[i:]
	}
	if inverse, ok := compensatingVerbs[strings.ToLower(verb)]; ok {
		return inverse + rest
	}
	return "undo_" + operation
}

// CompensationRegistry resolves the compensation for a domain:operation pair.
// Explicit handlers win; otherwise the derived compensating action is sent
// through the domain dispatcher with the prior result as input.
type CompensationRegistry struct {
	mu         sync.RWMutex
	handlers   map[string]saga.CompensationHandler
	dispatcher saga.DomainDispatcher
}

// NewCompensationRegistry creates a registry falling back to dispatcher. A nil
// dispatcher disables the fallback.
func NewCompensationRegistry(dispatcher saga.DomainDispatcher) *CompensationRegistry {
	return &CompensationRegistry{
		handlers:   make(map[string]saga.CompensationHandler),
		dispatcher: dispatcher,
	}
}

// Register sets the handler for domain:operation.
func (r *CompensationRegistry) Register(domain, operation string, h saga.CompensationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[saga.OperationID(domain, operation)] = h
}

// Compensate implements saga.CompensationHandler.
func (r *CompensationRegistry) Compensate(ctx context.Context, domain, operation string, priorResult interface{}) error {
	r.mu.RLock()
	h, ok := r.handlers[saga.OperationID(domain, operation)]
	r.mu.RUnlock()
	if ok {
		return h.Compensate(ctx, domain, operation, priorResult)
	}
	if r.dispatcher == nil {
		return saga.NewDomainError(saga.ErrCodeDomainNotRegistered,
			fmt.Sprintf("no compensation for %s", saga.OperationID(domain, operation)), false)
	}
	_, err := r.dispatcher.Dispatch(ctx, domain, CompensatingAction(operation), priorResult)
	return err
}
