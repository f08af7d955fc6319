package events

import (
	"context"

	"dispatch-service/pkg/kafka"
)

// KafkaPublisher writes transitions to the transitions topic keyed by
// request id, so one request's events stay on one partition.
type KafkaPublisher struct {
	client *kafka.Client
}

// NewKafkaPublisher wraps a Kafka client.
func NewKafkaPublisher(c *kafka.Client) *KafkaPublisher {
	return &KafkaPublisher{client: c}
}

func (p *KafkaPublisher) Publish(ctx context.Context, t Transition) error {
	return p.client.Publish(ctx, kafka.TopicTransitions, t.RequestID, t)
}
