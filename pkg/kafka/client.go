package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Well-known topic names.
const (
	TopicRequestCreated = "request.created"
	TopicTransitions    = "dispatch.transitions"
)

// Client wraps Kafka operations.
type Client struct {
	brokers []string
	log     *zap.Logger

	mu      sync.Mutex
	writers map[string]*kafkago.Writer
}

// NewClient returns a Client connected to the given brokers.
func NewClient(brokers []string, log *zap.Logger) *Client {
	return &Client{
		brokers: brokers,
		log:     log.Named("kafka"),
		writers: make(map[string]*kafkago.Writer),
	}
}

// EnsureTopics creates topics if they don't already exist (with retry).
func (c *Client) EnsureTopics(ctx context.Context, topics ...string) error {
	for attempt := 1; attempt <= 20; attempt++ {
		conn, err := kafkago.DialContext(ctx, "tcp", c.brokers[0])
		if err != nil {
			c.log.Info("kafka not ready, retrying", zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		configs := make([]kafkago.TopicConfig, len(topics))
		for i, t := range topics {
			configs[i] = kafkago.TopicConfig{
				Topic:             t,
				NumPartitions:     3,
				ReplicationFactor: 1,
			}
		}

		err = conn.CreateTopics(configs...)
		conn.Close()
		if err != nil {
			c.log.Info("topic creation returned (may already exist)", zap.Error(err))
		}
		c.log.Info("kafka topics ensured", zap.Strings("topics", topics))
		return nil
	}
	return fmt.Errorf("kafka: could not connect after 20 attempts")
}

func (c *Client) writer(topic string) *kafkago.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.writers[topic]
	if !ok {
		w = &kafkago.Writer{
			Addr:         kafkago.TCP(c.brokers...),
			Topic:        topic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
		}
		c.writers[topic] = w
	}
	return w
}

// Publish sends a JSON-serialised message to a topic. Messages with the same
// key land on the same partition.
func (c *Client) Publish(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.writer(topic).WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: data,
	})
}

// Subscribe starts a background goroutine that reads from a topic until ctx
// is cancelled.
func (c *Client) Subscribe(ctx context.Context, topic, groupID string, handler func(context.Context, []byte) error) {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	log := c.log.With(zap.String("topic", topic), zap.String("group", groupID))
	go func() {
		defer r.Close()
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("read error", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if err := handler(ctx, msg.Value); err != nil {
				log.Error("handler error", zap.Error(err))
			}
		}
	}()
}

// Close flushes and closes every writer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for topic, w := range c.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.writers, topic)
	}
	return first
}
