package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys of billing events.
const (
	RoutingKeyReadingAccepted = "meter.reading.accepted"
	RoutingKeyBillGenerated   = "bill.generated"
	RoutingKeyBillPaid        = "bill.paid"
)

// BillingEvent is published after a billing transaction commits
type BillingEvent struct {
	Type       string    `json:"type"`
	CustomerID string    `json:"customer_id"`
	MeterID    string    `json:"meter_id,omitempty"`
	ReadingID  string    `json:"reading_id,omitempty"`
	BillID     string    `json:"bill_id,omitempty"`
	Usage      string    `json:"usage,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	Status     string    `json:"status,omitempty"`
	Anomaly    string    `json:"anomaly,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// publishChannel is the subset of *amqp.Channel used for publishing
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes billing events to a topic exchange
type Publisher struct {
	mu       sync.Mutex
	channel  publishChannel
	exchange string
	logger   *zap.Logger
}

// NewPublisher opens a channel and declares the events exchange
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return newPublisher(ch, exchange, logger), nil
}

func newPublisher(ch publishChannel, exchange string, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}
}

// PublishEvent publishes event as persistent JSON under routingKey
func (p *Publisher) PublishEvent(ctx context.Context, routingKey string, event BillingEvent) error {
	if event.Type == "" {
		event.Type = routingKey
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
			Type:         event.Type,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", routingKey, err)
	}

	p.logger.Debug("published billing event",
		zap.String("routing_key", routingKey),
		zap.String("customer_id", event.CustomerID),
		zap.String("bill_id", event.BillID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
