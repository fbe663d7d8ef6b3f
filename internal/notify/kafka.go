package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer the dispatcher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the JSON message published for every notification.
type Envelope struct {
	EventID           string         `json:"eventId"`
	Type              string         `json:"type"`
	OrderID           string         `json:"orderId"`
	CheckoutRequestID string         `json:"checkoutRequestId"`
	OccurredAt        time.Time      `json:"occurredAt"`
	Payload           map[string]any `json:"payload"`
}

// KafkaDispatcher publishes confirmations to a Kafka topic keyed by order
// id, so all messages for one order land on one partition.
type KafkaDispatcher struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewKafkaWriter builds a writer for the notification topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaDispatcher constructs a KafkaDispatcher.
func NewKafkaDispatcher(writer MessageWriter, logger *zap.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{writer: writer, logger: logger}
}

// Dispatch publishes one order.confirmed envelope.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, c Confirmation) error {
	eventID := c.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	env := Envelope{
		EventID:           eventID,
		Type:              TypeOrderConfirmed,
		OrderID:           c.Order.ID,
		CheckoutRequestID: c.Transaction.CheckoutRequestID,
		OccurredAt:        c.ConfirmedAt.UTC(),
		Payload: map[string]any{
			"userId":        c.Order.UserID,
			"items":         c.Order.Items,
			"totalAmount":   c.Order.TotalAmount,
			"amountPaid":    c.Transaction.Amount,
			"receiptNumber": c.Transaction.ReceiptNumber,
			"phoneNumber":   c.Transaction.PhoneNumber,
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	msg := kafka.Message{Key: []byte(c.Order.ID), Value: data, Time: env.OccurredAt}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	d.logger.Info("published order confirmation",
		zap.String("order_id", c.Order.ID),
		zap.String("event_id", env.EventID),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
