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
	"errors"

	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/pkg/logger"
	"github.com/innovationmech/txcoord/pkg/saga"
)

// Publisher relays appended events to a message broker.
type Publisher interface {
	Publish(ctx context.Context, event saga.DomainEvent) error
	Close() error
}

// PublishingEventLog appends to an inner log and then relays each stored
// event to its publishers. Relay failures are logged, never returned.
type PublishingEventLog struct {
	inner      saga.EventLog
	publishers []Publisher
}

// NewPublishingEventLog decorates inner with publishers.
func NewPublishingEventLog(inner saga.EventLog, publishers ...Publisher) *PublishingEventLog {
	return &PublishingEventLog{inner: inner, publishers: publishers}
}

// Append implements saga.EventLog.
func (p *PublishingEventLog) Append(ctx context.Context, event saga.DomainEvent) error {
	if err := p.inner.Append(ctx, event); err != nil {
		return err
	}
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			logger.GetLogger().Warn("failed to relay event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.String("aggregate_id", event.AggregateID),
				zap.Error(err))
		}
	}
	return nil
}

// GetStream implements saga.EventLog.
func (p *PublishingEventLog) GetStream(ctx context.Context, aggregateID string, fromVersion int64) ([]saga.DomainEvent, error) {
	return p.inner.GetStream(ctx, aggregateID, fromVersion)
}

// LastVersion implements saga.VersionReader over the inner log.
func (p *PublishingEventLog) LastVersion(ctx context.Context, aggregateID string) (int64, error) {
	return saga.LastVersion(ctx, p.inner, aggregateID)
}

// HealthCheck forwards to the inner log when it can be probed.
func (p *PublishingEventLog) HealthCheck(ctx context.Context) error {
	if h, ok := p.inner.(interface{ HealthCheck(context.Context) error }); ok {
		return h.HealthCheck(ctx)
	}
	return nil
}

// Close closes every publisher and the inner log if it can be closed.
func (p *PublishingEventLog) Close() error {
	var errs []error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := p.inner.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
