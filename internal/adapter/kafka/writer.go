package kafka

import (
	"context"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/festival-events-etl/internal/config"
	"github.com/couchcryptid/festival-events-etl/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes inserted and updated records to a Kafka topic, keyed by
// identity key so every version of an event lands on the same partition.
// It implements pipeline.ChangePublisher.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured change topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchSize:              cfg.BatchSize,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishChanges writes all changes in a single WriteMessages call.
func (w *Writer) PublishChanges(ctx context.Context, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(changes))
	for i := range changes {
		msg, err := serializeToMessage(changes[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d change messages: %w", len(msgs), err)
	}
	w.logger.Debug("changes published", "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage encodes a change as a message whose value is the
// record exactly as it was persisted.
func serializeToMessage(c domain.Change) (kafkago.Message, error) {
	data, err := c.Record.Marshal()
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize change %s: %w", c.Key, err)
	}
	return kafkago.Message{
		Key:   []byte(c.Key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "change", Value: []byte(c.Action)},
			{Key: "partition", Value: []byte(c.Partition)},
			{Key: "run_id", Value: []byte(c.RunID)},
		},
	}, nil
}
