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
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// NATSConfig configures the NATS relay.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// publishConn is the subset of *nats.Conn the relay uses.
type publishConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events on <prefix>.<aggregateType>.<eventType>.
type NATSPublisher struct {
	conn   publishConn
	prefix string
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
	url := config.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{nats.Name("txcoord-event-relay")}
	if config.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(config.MaxReconnects))
	}
	if config.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(config.ReconnectWait))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return NewNATSPublisherWithConn(conn, config.SubjectPrefix), nil
}

// NewNATSPublisherWithConn wraps an existing connection.
func NewNATSPublisherWithConn(conn publishConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "txcoord.events"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject event is published on.
func (p *NATSPublisher) Subject(event saga.DomainEvent) string {
	aggregateType := event.AggregateType
	if aggregateType == "" {
		aggregateType = "unknown"
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, aggregateType, strings.ToLower(string(event.Type)))
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, event saga.DomainEvent) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	data, err := MarshalEvent(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(event), data)
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
