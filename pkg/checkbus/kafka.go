package checkbus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Reader tuning. Checkpoint submissions are small JSON envelopes, so the
// consumer favors delivery latency over batch size.
const (
	maxFetchBytes  = 10 << 20
	maxFetchWait   = 500 * time.Millisecond
	commitInterval = time.Second
)

var errConsumerClosed = errors.New("checkbus: kafka consumer not initialized")

// KafkaConsumer adapts a kafka-go reader to the Consumer interface.
type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig selects the ingest topic. Broker entries are trimmed and
// blanks dropped before the reader is built.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers := cleanBrokers(cfg.Brokers)
	switch {
	case len(brokers) == 0:
		return nil, errors.New("checkbus: kafka brokers required")
	case strings.TrimSpace(cfg.Topic) == "":
		return nil, errors.New("checkbus: kafka topic required")
	case strings.TrimSpace(cfg.GroupID) == "":
		return nil, errors.New("checkbus: kafka group id required")
	}
	return &KafkaConsumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       maxFetchBytes,
		MaxWait:        maxFetchWait,
		CommitInterval: commitInterval,
	})}, nil
}

func cleanBrokers(raw []string) []string {
	brokers := make([]string, 0, len(raw))
	for _, b := range raw {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errConsumerClosed
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: msg.Key, Value: msg.Value}, nil
}

// Close is safe on a nil or never-started consumer.
func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
