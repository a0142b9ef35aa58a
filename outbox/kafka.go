//go:generate mockgen -source=kafka.go -destination=mock/mock_outbox.go

package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 10 * time.Second

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a hash balanced writer for topic.
func NewKafkaWriter(brokers []string, topic string) IKafkaWriter {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
}
