package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer used by publishers.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func publish(ctx context.Context, w MessageWriter, name, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal message: %w", name, err)
	}
	record := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := w.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("%s: write message: %w", name, err)
	}
	return nil
}

// StatusPublisher publishes normalized webhook statuses keyed by vendor call id.
type StatusPublisher struct {
	writer MessageWriter
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// NewStatusPublisherWithWriter wraps an existing writer.
func NewStatusPublisherWithWriter(w MessageWriter) *StatusPublisher {
	return &StatusPublisher{writer: w}
}

// PublishStatus emits a status message.
func (p *StatusPublisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	return publish(ctx, p.writer, "status publisher", msg.VendorCallID, msg)
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}

// DeadLetterPublisher publishes jobs that exhausted their attempts.
type DeadLetterPublisher struct {
	writer MessageWriter
}

// NewDeadLetterPublisher constructs a dead-letter publisher for the given topic.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// NewDeadLetterPublisherWithWriter wraps an existing writer.
func NewDeadLetterPublisherWithWriter(w MessageWriter) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: w}
}

// PublishDeadLetter emits a dead-letter message keyed by job id.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, msg DeadLetterMessage) error {
	return publish(ctx, p.writer, "dead letter publisher", msg.JobID, msg)
}

// Close closes the publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
