package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-dialer/internal/config"
)

// deadLetterRetention keeps failed dispatches around long enough for an
// operator to replay them.
const deadLetterRetention = 14 * 24 * time.Hour

// Kafka builds the producers and consumers for the status and dead-letter topics.
type Kafka struct {
	cfg config.KafkaConfig
}

// NewKafka validates broker settings.
func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.StatusTopic == "" {
		return nil, fmt.Errorf("kafka: status topic is required")
	}
	return &Kafka{cfg: cfg}, nil
}

// NewWriter creates a synchronous writer. Messages with the same key land on
// the same partition so statuses of one call stay ordered.
func (k *Kafka) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
		Transport:    &kafka.Transport{ClientID: k.cfg.ClientID},
	}
}

// NewReader creates a consumer-group reader with explicit commits.
func (k *Kafka) NewReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: k.cfg.CommitInterval,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
	})
}

func (k *Kafka) topicConfigs(replicationFactor int) []kafka.TopicConfig {
	partitions := k.cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	topics := []kafka.TopicConfig{{
		Topic:             k.cfg.StatusTopic,
		NumPartitions:     partitions,
		ReplicationFactor: replicationFactor,
	}}
	if k.cfg.DeadLetterTopic != "" {
		topics = append(topics, kafka.TopicConfig{
			Topic:             k.cfg.DeadLetterTopic,
			NumPartitions:     1,
			ReplicationFactor: replicationFactor,
			ConfigEntries: []kafka.ConfigEntry{{
				ConfigName:  "retention.ms",
				ConfigValue: strconv.FormatInt(deadLetterRetention.Milliseconds(), 10),
			}},
		})
	}
	return topics
}

// EnsureTopics creates the status and dead-letter topics when missing.
func (k *Kafka) EnsureTopics(ctx context.Context, replicationFactor int) error {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, ClientID: k.cfg.ClientID}
	conn, err := dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	existing, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: read partitions: %w", err)
	}
	exists := make(map[string]bool, len(existing))
	for _, p := range existing {
		exists[p.Topic] = true
	}

	var missing []kafka.TopicConfig
	for _, tc := range k.topicConfigs(replicationFactor) {
		if !exists[tc.Topic] {
			missing = append(missing, tc)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := conn.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	return nil
}
