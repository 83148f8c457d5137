package journal

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"

	"prism-board/domain"
)

// KafkaPublisher writes changes to a topic keyed by account id, so each
// account's changes stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, changes []domain.Change) error {
	msgs, err := kafkaMessages(changes)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func kafkaMessages(changes []domain.Change) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		value, err := sonic.Marshal(c)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(c.AccountID),
			Value:   value,
			Time:    c.Time,
			Headers: []kafka.Header{{Key: "event", Value: []byte(c.Event)}},
		})
	}
	return msgs, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
