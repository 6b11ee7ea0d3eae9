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

package eventlog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
)

// ObserverSet fans events out to registered observers synchronously,
// in registration order. A panicking observer is logged and skipped.
type ObserverSet struct {
	mu        sync.RWMutex
	observers []saga.EventObserver
}

// NewObserverSet creates a set holding observers.
func NewObserverSet(observers ...saga.EventObserver) *ObserverSet {
	s := &ObserverSet{}
	for _, o := range observers {
		s.Add(o)
	}
	return s
}

// Add registers an observer. Nil observers are ignored.
func (s *ObserverSet) Add(o saga.EventObserver) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Len returns the number of registered observers.
func (s *ObserverSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

// OnEvent implements saga.EventObserver.
func (s *ObserverSet) OnEvent(ctx context.Context, event saga.DomainEvent) {
	s.mu.RLock()
	observers := make([]saga.EventObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	for _, o := range observers {
		notify(ctx, o, event)
	}
}

func notify(ctx context.Context, o saga.EventObserver, event saga.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Error("event observer panicked",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	o.OnEvent(ctx, event)
}
