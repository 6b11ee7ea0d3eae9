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

// Package eventlog provides saga.EventLog backends (memory, Redis, PostgreSQL),
// a relay that republishes appended events to NATS or Kafka, and a
// synchronous observer fan-out.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/innovationmech/txcoord/pkg/saga"
)

var (
	// ErrLogClosed is returned when using a closed event log.
	ErrLogClosed = errors.New("event log is closed")

	// ErrInvalidEvent is returned for events missing an id, aggregate id or positive version.
	ErrInvalidEvent = errors.New("invalid event")
)

// validateEvent checks the fields every backend indexes on.
func validateEvent(event saga.DomainEvent) error {
	switch {
	case event.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	case event.AggregateID == "":
		return fmt.Errorf("%w: missing aggregate id", ErrInvalidEvent)
	case event.Version < 1:
		return fmt.Errorf("%w: version must be positive, got %d", ErrInvalidEvent, event.Version)
	}
	return nil
}

// MarshalEvent encodes event as JSON.
func MarshalEvent(event saga.DomainEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	return data, nil
}

// UnmarshalEvent decodes an event produced by MarshalEvent.
func UnmarshalEvent(data []byte) (saga.DomainEvent, error) {
	var event saga.DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return saga.DomainEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}
