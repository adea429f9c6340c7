package postback

import (
	"context"
	"fmt"

	pkgkafka "github.com/kostush/purchase-gateway-sub005/pkg/kafka"
)

const (
	EventPostbackRequested = "postback.requested"
	AggregateTypePurchase  = "purchase_session"
	Source                 = "purchase-gateway"
)

// RequestedData is the payload of a postback.requested event.
type RequestedData struct {
	DestinationURL string        `json:"destination_url"`
	Postback       SignedPayload `json:"postback"`
}

// KafkaQueue publishes postback requests for the delivery worker.
type KafkaQueue struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaQueue(producer *pkgkafka.Producer, topic string) *KafkaQueue {
	return &KafkaQueue{producer: producer, topic: topic}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, destinationURL string, sp SignedPayload) error {
	event, err := pkgkafka.NewEvent(EventPostbackRequested, sp.Payload.SessionID, AggregateTypePurchase, Source,
		RequestedData{DestinationURL: destinationURL, Postback: sp})
	if err != nil {
		return fmt.Errorf("create postback.requested event: %w", err)
	}
	return q.producer.Publish(ctx, q.topic, event)
}
