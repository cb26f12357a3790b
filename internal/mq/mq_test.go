package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	published []publishedMessage
	err       error
	closed    bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublisher_PublishEvent(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "water-portal.billing.events.exchange", zap.NewNop())

	occurred := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	err := p.PublishEvent(context.Background(), RoutingKeyBillGenerated, BillingEvent{
		CustomerID: "c-1",
		BillID:     "b-1",
		Amount:     "25000.05",
		Currency:   "IDR",
		Status:     "unpaid",
		OccurredAt: occurred,
	})
	require.NoError(t, err)
	require.Len(t, ch.published, 1)

	got := ch.published[0]
	assert.Equal(t, "water-portal.billing.events.exchange", got.exchange)
	assert.Equal(t, RoutingKeyBillGenerated, got.key)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "application/json", got.msg.ContentType)

	var decoded BillingEvent
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, RoutingKeyBillGenerated, decoded.Type)
	assert.Equal(t, "25000.05", decoded.Amount)
	assert.True(t, decoded.OccurredAt.Equal(occurred))
}

func TestPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{err: amqp.ErrClosed}
	p := newPublisher(ch, "events", zap.NewNop())

	err := p.PublishEvent(context.Background(), RoutingKeyBillPaid, BillingEvent{CustomerID: "c-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, amqp.ErrClosed)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

type fakeAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error { f.acked++; return nil }

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func TestConsumer_HandleDelivery(t *testing.T) {
	var outcomes []bool
	handlerErr := errors.New("regressive reading")

	c := &Consumer{
		logger: zap.NewNop(),
		handler: func(_ context.Context, body []byte) error {
			if string(body) == "bad" {
				return handlerErr
			}
			return nil
		},
		onOutcome: func(acked bool) { outcomes = append(outcomes, acked) },
	}

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("good")})
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("bad")})

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue, "failed messages are dead-lettered, not requeued")
	assert.Equal(t, []bool{true, false}, outcomes)
}
