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
	"sort"
	"sync"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// MemoryEventLog keeps event streams in process memory.
// It is the default backend and is safe for concurrent use.
type MemoryEventLog struct {
	mu      sync.RWMutex
	streams map[string][]saga.DomainEvent

	// maxEventsPerStream drops the oldest events beyond the cap; 0 means unbounded.
	maxEventsPerStream int

	// lastVersion survives trimming so versions keep increasing.
	lastVersion map[string]int64

	closed bool
}

// NewMemoryEventLog creates an empty in-memory log.
func NewMemoryEventLog(maxEventsPerStream int) *MemoryEventLog {
	if maxEventsPerStream < 0 {
		maxEventsPerStream = 0
	}
	return &MemoryEventLog{
		streams:            make(map[string][]saga.DomainEvent),
		lastVersion:        make(map[string]int64),
		maxEventsPerStream: maxEventsPerStream,
	}
}

// Append implements saga.EventLog.
func (m *MemoryEventLog) Append(ctx context.Context, event saga.DomainEvent) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := validateEvent(event); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLogClosed
	}

	current := m.lastVersion[event.AggregateID]
	if event.Version <= current {
		return saga.NewVersionConflictError(event.AggregateID, event.Version, current)
	}

	stream := append(m.streams[event.AggregateID], cloneEvent(event))
	if m.maxEventsPerStream > 0 && len(stream) > m.maxEventsPerStream {
		stream = append([]saga.DomainEvent(nil), stream[len(stream)-m.maxEventsPerStream:]...)
	}
	m.streams[event.AggregateID] = stream
	m.lastVersion[event.AggregateID] = event.Version
	return nil
}

// GetStream implements saga.EventLog.
func (m *MemoryEventLog) GetStream(ctx context.Context, aggregateID string, fromVersion int64) ([]saga.DomainEvent, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrLogClosed
	}

	stream := m.streams[aggregateID]
	start := sort.Search(len(stream), func(i int) bool { return stream[i].Version >= fromVersion })

	out := make([]saga.DomainEvent, 0, len(stream)-start)
	for _, e := range stream[start:] {
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

// LastVersion implements saga.VersionReader. It survives trimming.
func (m *MemoryEventLog) LastVersion(ctx context.Context, aggregateID string) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrLogClosed
	}
	return m.lastVersion[aggregateID], nil
}

// Aggregates returns the ids of every stored aggregate.
func (m *MemoryEventLog) Aggregates() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete removes an aggregate's stream.
func (m *MemoryEventLog) Delete(aggregateID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, aggregateID)
	delete(m.lastVersion, aggregateID)
}

// HealthCheck reports whether the log is usable.
func (m *MemoryEventLog) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrLogClosed
	}
	return ctx.Err()
}

// Close releases the streams. Further calls fail with ErrLogClosed.
func (m *MemoryEventLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.streams = make(map[string][]saga.DomainEvent)
	return nil
}

// cloneEvent copies the Data map so stored events stay immutable.
func cloneEvent(e saga.DomainEvent) saga.DomainEvent {
	if e.Data != nil {
		data := make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		e.Data = data
	}
	return e
}
