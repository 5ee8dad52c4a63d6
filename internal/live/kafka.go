package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
)

// KafkaBroker shares live updates between processes through one Kafka topic.
// Every process consumes with its own group so each one receives every message.
type KafkaBroker struct {
	producer *kafka.Producer
	brokers  string
	topic    string
	groupID  string
	logger   *slog.Logger
}

var _ Broker = (*KafkaBroker)(nil)

// NewKafkaBroker creates the producer. Consumers are created per Subscribe call.
func NewKafkaBroker(brokers, topic, groupPrefix string, logger *slog.Logger) (*KafkaBroker, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"retries":           3,
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaBroker{
		producer: producer,
		brokers:  brokers,
		topic:    topic,
		groupID:  fmt.Sprintf("%s-%s", groupPrefix, uuid.NewString()),
		logger:   logger,
	}, nil
}

func (k *KafkaBroker) Publish(ctx context.Context, data []byte) error {
	deliveryChan := make(chan kafka.Event, 1)

	err := k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Value: data,
	}, deliveryChan)
	if err != nil {
		return fmt.Errorf("failed to produce live update: %w", err)
	}

	select {
	case e := <-deliveryChan:
		if msg, ok := e.(*kafka.Message); ok && msg.TopicPartition.Error != nil {
			return fmt.Errorf("live update not delivered: %w", msg.TopicPartition.Error)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (k *KafkaBroker) Subscribe(ctx context.Context, ready chan<- struct{}, handler func([]byte)) error {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.brokers,
		"group.id":           k.groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	defer consumer.Close()

	if err := consumer.Subscribe(k.topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", k.topic, err)
	}

	// Metadata proves the cluster is reachable before the subscription is reported live.
	if _, err := consumer.GetMetadata(&k.topic, false, 5000); err != nil {
		return fmt.Errorf("kafka unreachable: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := consumer.ReadMessage(100 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if !kerr.IsFatal() && !kerr.IsRetriable() {
					k.logger.Warn("Kafka consumer error", slog.Any("error", err))
					continue
				}
			}
			return fmt.Errorf("kafka subscription lost: %w", err)
		}
		handler(msg.Value)
	}
}

func (k *KafkaBroker) Close() error {
	k.producer.Flush(1000)
	k.producer.Close()
	return nil
}
