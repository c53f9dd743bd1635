package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// KafkaOptions configures a [Kafka] notifier.
type KafkaOptions struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Kafka publishes each summary as JSON keyed by video id.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// ProducerConfig returns the sarama settings the notifier relies on:
// an idempotent producer acknowledged by every in-sync replica.
func ProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// NewKafka connects a synchronous producer to opts.Brokers.
func NewKafka(opts KafkaOptions, logger *slog.Logger) (*Kafka, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "tubedigest"
	}
	p, err := sarama.NewSyncProducer(opts.Brokers, ProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newKafka(p, opts.Topic, logger), nil
}

func newKafka(p sarama.SyncProducer, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{producer: p, topic: topic, logger: logger}
}

// Name identifies the notifier in errors and logs.
func (k *Kafka) Name() string { return "kafka" }

// Send produces m and waits for the broker acknowledgement. The
// sarama producer has no context support, so ctx is checked only
// before sending.
func (k *Kafka) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return deliveryError(k.Name(), err)
	}
	payload, err := m.JSON()
	if err != nil {
		return deliveryError(k.Name(), fmt.Errorf("marshal payload: %w", err))
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(m.Video.ID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	})
	if err != nil {
		return deliveryError(k.Name(), fmt.Errorf("produce to %s: %w", k.topic, err))
	}

	k.logger.Debug("kafka delivered",
		"video_id", m.Video.ID,
		"topic", k.topic,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
