package messaging

import (
	"context"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gocm/internal/miner"
	"github.com/bardlex/gocm/pkg/errors"
	"github.com/bardlex/gocm/pkg/log"
)

type producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// Publisher forwards coordinator output to Kafka. Constructs go to
// TopicConstructs keyed by pubkey, statuses to TopicStatus keyed by run id.
type Publisher struct {
	producer producer
	logger   *log.Logger
}

// NewPublisher creates a publisher writing through client
func NewPublisher(client *KafkaClient, logger *log.Logger) *Publisher {
	return newPublisher(client, logger)
}

func newPublisher(p producer, logger *log.Logger) *Publisher {
	return &Publisher{producer: p, logger: logger.WithComponent("publisher")}
}

// HandleResult publishes a mined construct
func (p *Publisher) HandleResult(ctx context.Context, c *miner.Construct) error {
	msg := NewConstructMessage(c)
	if err := p.producer.PublishJSON(ctx, TopicConstructs, c.Record.Pubkey, msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeKafka, "publish_construct",
			"failed to publish construct").
			WithContext("construct_id", c.ID)
	}
	return nil
}

// HandleStatus publishes a status event. Failures are logged and dropped.
func (p *Publisher) HandleStatus(ctx context.Context, e miner.Event) {
	msg, err := StatusToProto(e)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("failed to encode status", "kind", e.Kind)
		return
	}
	if err := p.producer.PublishProto(ctx, TopicStatus, e.RunID, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("failed to publish status", "kind", e.Kind)
	}
}
