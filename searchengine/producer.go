package searchengine

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// Producer publishes SyncEvents to the Kafka topic a Store consumes
// from. Any backend that owns resource writes (the row-store, the
// object-store) can hold a Producer and call Publish after its own
// write commits.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer builds a Producer writing to topic across brokers, using
// the resource's (tenant, type, id) as the partition key so a
// consumer group never processes two versions of one resource
// out of order.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
	}
}

// Publish sends ev, blocking until the broker acknowledges it.
func (p *Producer) Publish(ctx context.Context, ev SyncEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.messageKey()),
		Value: body,
	})
}

// Close flushes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
