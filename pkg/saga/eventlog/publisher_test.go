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
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/txcoord/pkg/saga"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []saga.DomainEvent
	err       error
	closed    bool
}

func (p *recordingPublisher) Publish(_ context.Context, event saga.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestPublishingEventLog_RelaysStoredEvents(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryEventLog(0)
	ok := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("broker down")}
	log := NewPublishingEventLog(inner, failing, ok)

	require.NoError(t, log.Append(ctx, testEvent("tx-1", 1, saga.EventOperationStarted)))
	// rejected appends are not relayed
	require.ErrorIs(t, log.Append(ctx, testEvent("tx-1", 1, saga.EventOperationStarted)), saga.ErrVersionConflict)

	assert.Len(t, ok.published, 1)

	events, err := log.GetStream(ctx, "tx-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, log.Close())
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
	assert.ErrorIs(t, inner.HealthCheck(ctx), ErrLogClosed)
}

type fakeNATSConn struct {
	subjects []string
	payloads [][]byte
	drained  bool
}

func (c *fakeNATSConn) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeNATSConn) Drain() error {
	c.drained = true
	return nil
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeNATSConn{}
	pub := NewNATSPublisherWithConn(conn, "")

	e := testEvent("tx-1", 1, saga.EventCompensationExecuted)
	require.NoError(t, pub.Publish(context.Background(), e))
	require.Equal(t, []string{"txcoord.events.transaction.compensation_executed"}, conn.subjects)

	decoded, err := UnmarshalEvent(conn.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)

	e.AggregateType = ""
	assert.Equal(t, "txcoord.events.unknown.compensation_executed", pub.Subject(e))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, e), context.Canceled)

	require.NoError(t, pub.Close())
	assert.True(t, conn.drained)
}

type fakeKafkaWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	writer := &fakeKafkaWriter{}
	pub := &KafkaPublisher{writer: writer}

	e := testEvent("tx-9", 4, saga.EventOperationCompleted)
	require.NoError(t, pub.Publish(context.Background(), e))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, []byte("tx-9"), msg.Key)
	assert.Equal(t, e.Metadata.Timestamp, msg.Time)
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "OPERATION_COMPLETED", headers["event_type"])
	assert.Equal(t, "tx-9", headers["transaction_id"])

	require.NoError(t, pub.Close())
	assert.True(t, writer.closed)

	_, err := NewKafkaPublisher(KafkaConfig{})
	assert.Error(t, err)
	kp, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.Equal(t, "txcoord.events", kp.writer.(*kafka.Writer).Topic)
}

type fakeAMQPChannel struct {
	exchanges []string
	keys      []string
	messages  []amqp.Publishing
	err       error
	closed    bool
}

func (c *fakeAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.exchanges = append(c.exchanges, exchange)
	c.keys = append(c.keys, key)
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeAMQPChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeAMQPChannel{}
	pub := NewAMQPPublisherWithChannel(ch, "", "saga")

	e := testEvent("tx-3", 2, saga.EventOperationCompleted)
	require.NoError(t, pub.Publish(context.Background(), e))
	require.Len(t, ch.messages, 1)
	assert.Equal(t, []string{"txcoord.events"}, ch.exchanges)
	assert.Equal(t, []string{"saga.transaction.operation_completed"}, ch.keys)

	msg := ch.messages[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, e.ID, msg.MessageId)
	assert.Equal(t, "corr-1", msg.CorrelationId)
	assert.Equal(t, "tx-3", msg.Headers["aggregate_id"])
	assert.Equal(t, int64(2), msg.Headers["version"])
	decoded, err := UnmarshalEvent(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)

	e.AggregateType = ""
	assert.Equal(t, "saga.unknown.operation_completed", pub.RoutingKey(e))

	ch.err = errors.New("channel closed")
	assert.ErrorContains(t, pub.Publish(context.Background(), e), "channel closed")

	require.NoError(t, pub.Close())
	assert.True(t, ch.closed)

	_, err = NewAMQPPublisher(AMQPConfig{})
	assert.Error(t, err)
}

func TestObserverSet(t *testing.T) {
	var got []string
	set := NewObserverSet(
		saga.EventObserverFunc(func(_ context.Context, e saga.DomainEvent) { got = append(got, "first:"+e.ID) }),
		nil,
		saga.EventObserverFunc(func(context.Context, saga.DomainEvent) { panic("observer bug") }),
		saga.EventObserverFunc(func(_ context.Context, e saga.DomainEvent) { got = append(got, "last:"+e.ID) }),
	)
	assert.Equal(t, 3, set.Len())

	set.OnEvent(context.Background(), testEvent("tx-1", 1, saga.EventTransactionStarted))
	assert.Equal(t, []string{"first:tx-1-1", "last:tx-1-1"}, got)
}
