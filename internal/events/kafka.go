package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type streamRecord struct {
	Event     string    `json:"event"`
	Rooms     []string  `json:"rooms"`
	Data      any       `json:"data"`
	EmittedAt time.Time `json:"emittedAt"`
}

// KafkaPublisher mirrors lifecycle events onto a topic for downstream
// consumers. Writes are asynchronous; failures are logged by the writer.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
	now    func() time.Time
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	logger := slog.Default().With("component", "kafka-events")
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error("kafka writer", slog.Any("detail", append([]any{msg}, args...)))
		}),
	})
	return &KafkaPublisher{writer: w, logger: logger, now: time.Now}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) {
	b, err := json.Marshal(streamRecord{Event: e.Name, Rooms: e.Rooms, Data: e.Payload, EmittedAt: k.now().UTC()})
	if err != nil {
		k.logger.ErrorContext(ctx, "encode event", slog.String("event", e.Name), slog.String("error", err.Error()))
		return
	}
	if err := k.writer.WriteMessages(context.WithoutCancel(ctx), kafka.Message{Key: []byte(e.Key), Value: b}); err != nil {
		k.logger.WarnContext(ctx, "publish event", slog.String("event", e.Name), slog.String("error", err.Error()))
	}
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
