// Package events publishes order lifecycle events to Kafka for the
// notification services (email, WhatsApp) to consume. Publishing is
// best-effort by contract: a broker outage is logged by the caller and never
// blocks or rolls back an order transition.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/meridianshop/checkout/internal/domain/order"
)

// Envelope is the wire format of a published order event.
type Envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Status      string          `json:"status"`
	Total       decimal.Decimal `json:"total"`
}

var _ order.Notifier = (*Publisher)(nil)

// Publisher writes order events to a Kafka topic, keyed by order ID so all
// events of one order land on the same partition in order.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Publish writes one lifecycle event.
func (p *Publisher) Publish(ctx context.Context, event string, o *order.Order) error {
	env := Envelope{
		EventID:     uuid.NewString(),
		EventType:   event,
		OccurredAt:  time.Now().UTC(),
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Status:      string(o.Status),
		Total:       o.Total,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(o.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(event)},
		},
	})
	if err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
