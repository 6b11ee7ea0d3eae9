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
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// AMQPConfig configures the RabbitMQ relay.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	// ExchangeType is declared when the relay starts; "topic" by default.
	ExchangeType string `mapstructure:"exchange_type"`
	// RoutingKeyPrefix prefixes <aggregateType>.<eventType>.
	RoutingKeyPrefix string `mapstructure:"routing_key_prefix"`
}

// amqpChannel is the subset of *amqp.Channel the relay uses.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages to a topic exchange.
// Channels are not safe for concurrent use, so publishes are serialised.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	prefix   string
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(config AMQPConfig) (*AMQPPublisher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("amqp publisher requires a url")
	}
	exchange := config.Exchange
	if exchange == "" {
		exchange = "txcoord.events"
	}
	kind := config.ExchangeType
	if kind == "" {
		kind = amqp.ExchangeTopic
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := NewAMQPPublisherWithChannel(ch, exchange, config.RoutingKeyPrefix)
	p.conn = conn
	return p, nil
}

// NewAMQPPublisherWithChannel wraps an open channel.
func NewAMQPPublisherWithChannel(ch amqpChannel, exchange, prefix string) *AMQPPublisher {
	if exchange == "" {
		exchange = "txcoord.events"
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, prefix: prefix}
}

// RoutingKey returns the routing key event is published with.
func (p *AMQPPublisher) RoutingKey(event saga.DomainEvent) string {
	aggregateType := event.AggregateType
	if aggregateType == "" {
		aggregateType = "unknown"
	}
	key := aggregateType + "." + strings.ToLower(string(event.Type))
	if p.prefix != "" {
		key = p.prefix + "." + key
	}
	return key
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, event saga.DomainEvent) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	body, err := MarshalEvent(event)
	if err != nil {
		return err
	}
	ts := event.Metadata.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.ID,
		Type:          string(event.Type),
		CorrelationId: event.Metadata.CorrelationID,
		Timestamp:     ts.UTC(),
		Headers: amqp.Table{
			"aggregate_id":   event.AggregateID,
			"transaction_id": event.Metadata.TransactionID,
			"version":        event.Version,
		},
		Body: body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Publish(p.exchange, p.RoutingKey(event), false, false, msg); err != nil {
		return fmt.Errorf("amqp publish of %s failed: %w", event.ID, err)
	}
	return nil
}

// Close closes the channel and the connection when it was dialled here.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
