package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/order-service/internal/core/domain"
)

const (
	eventTypeHeader  = "event-type"
	itemAddedType    = "order.item_added"
	defaultBatchWait = 10 * time.Millisecond
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher writes to topic, keyed by order id so events for one
// order land on the same partition.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           defaultBatchWait,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

type itemAddedPayload struct {
	OrderID       int64     `json:"order_id"`
	ClientID      int64     `json:"client_id"`
	CatalogItemID int64     `json:"catalog_item_id"`
	Quantity      int       `json:"quantity"`
	UnitPrice     string    `json:"unit_price"`
	OrderTotal    string    `json:"order_total"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (p *KafkaPublisher) PublishItemAdded(ctx context.Context, event domain.ItemAddedEvent) error {
	payload, err := json.Marshal(itemAddedPayload{
		OrderID:       event.OrderID,
		ClientID:      event.ClientID,
		CatalogItemID: event.CatalogItemID,
		Quantity:      event.Quantity,
		UnitPrice:     event.UnitPrice.StringFixed(2),
		OrderTotal:    event.OrderTotal.StringFixed(2),
		OccurredAt:    event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal item added event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.OrderID, 10)),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: eventTypeHeader, Value: []byte(itemAddedType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write item added event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
