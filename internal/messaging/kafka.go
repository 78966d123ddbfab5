// Package messaging provides Kafka-based transmission for the GOCM miner.
// It publishes mined constructs and the run status stream, and tails that
// stream for operators.
package messaging

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gocm/pkg/circuit"
	"github.com/bardlex/gocm/pkg/errors"
	"github.com/bardlex/gocm/pkg/log"
	"github.com/bardlex/gocm/pkg/retry"
)

// KafkaClient owns one writer per topic and one reader per topic and group.
// Writer and reader settings follow the topic's profile.
type KafkaClient struct {
	brokers []string
	logger  *log.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers map[readerKey]*kafka.Reader

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

type readerKey struct {
	topic string
	group string
}

// NewKafkaClient creates a client for brokers. Connections are opened lazily.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	return &KafkaClient{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]*kafka.Writer),
		readers: make(map[readerKey]*kafka.Reader),
		circuitBreaker: circuit.New(&circuit.Config{
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.PublishConfig(),
	}
}

// GetProducer returns the writer for topic. Messages with the same key land
// on the same partition, so one run's statuses and one author's constructs
// stay ordered.
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if writer, ok := k.writers[topic]; ok {
		return writer
	}

	profile := profileFor(topic)
	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: profile.acks,
		Async:        profile.async,
		BatchSize:    profile.batchSize,
		BatchTimeout: profile.batchTimeout,
		Compression:  profile.compression,
	}
	if profile.async {
		writer.Completion = func(messages []kafka.Message, err error) {
			if err != nil {
				k.logger.WithError(err).Warn("dropped messages", "topic", topic, "count", len(messages))
			}
		}
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic, "async", profile.async)
	return writer
}

// GetConsumer returns the reader for topic within groupID
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := readerKey{topic: topic, group: groupID}

	k.mu.Lock()
	defer k.mu.Unlock()

	if reader, ok := k.readers[key]; ok {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: profileFor(topic).startOffset,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     500 * time.Millisecond,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishProto publishes a protobuf message
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data)
}

// PublishJSON encodes v as JSON and publishes it
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data)
}

// publish writes one message. Async topics return once the message is
// queued; their delivery failures surface through the writer's Completion.
func (k *KafkaClient) publish(ctx context.Context, topic, key string, data []byte) error {
	writer := k.GetProducer(topic)
	msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now()}

	if writer.Async {
		return k.wrapPublish(writer.WriteMessages(ctx, msg), topic, key, len(data))
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			if err := writer.WriteMessages(ctx, msg); err != nil {
				return k.wrapPublish(err, topic, key, len(data))
			}
			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

func (k *KafkaClient) wrapPublish(err error, topic, key string, size int) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
		"failed to publish message to Kafka").
		WithContext("topic", topic).
		WithContext("key", key).
		WithContext("message_size", size)
}

// ConsumeProto reads the next message from reader into msg and returns its key
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (string, error) {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}
			if err := proto.Unmarshal(m.Value, msg); err != nil {
				serviceErr := errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
					"failed to unmarshal protobuf message").
					WithContext("topic", m.Topic).
					WithContext("offset", m.Offset)
				serviceErr.Retryable = false
				return "", serviceErr
			}
			return string(m.Key), nil
		})
	})
}

// MessageHandler handles one consumed message
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, msg proto.Message) error
}

// StartConsumer feeds every message of topic to handler until ctx is done.
// Undecodable messages and handler errors are logged and skipped.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	logger := k.logger.WithFields("topic", topic, "group_id", groupID)
	logger.Info("starting consumer")

	for ctx.Err() == nil {
		msg := msgFactory()
		key, err := k.ConsumeProto(ctx, reader, msg)
		switch {
		case ctx.Err() != nil:
		case errors.IsType(err, errors.ErrorTypeValidation):
			logger.WithError(err).Warn("skipping undecodable message")
		case err != nil:
			logger.WithError(err).Error("failed to consume message")
		default:
			if err := handler.HandleMessage(ctx, key, msg); err != nil {
				logger.WithError(err).Error("failed to handle message", "key", key)
			}
		}
	}

	logger.Info("consumer stopping")
	return ctx.Err()
}

// Close flushes and closes every writer and reader
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeKafka, "close_producer", "failed to close producer").
				WithContext("topic", topic))
		}
	}
	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeKafka, "close_consumer", "failed to close consumer").
				WithContext("topic", key.topic).
				WithContext("group_id", key.group))
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[readerKey]*kafka.Reader)
	return stderrors.Join(errs...)
}
