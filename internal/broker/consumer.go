package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/otcheredev/imaging-gateway/internal/config"
)

// MessageHandler processes one consumed message. Returning an error leaves
// the offset uncommitted so the broker redelivers.
type MessageHandler func(ctx context.Context, key, value []byte) error

// Subscriber consumes one topic within a consumer group.
type Subscriber interface {
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

// KafkaSubscriber implements Subscriber over a kafka-go reader.
type KafkaSubscriber struct {
	reader *kafka.Reader
	topic  string
}

// NewKafkaSubscriber creates a consumer-group reader for topic.
func NewKafkaSubscriber(cfg config.KafkaConfig, topic string) *KafkaSubscriber {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // commit only after the handler succeeds
	})
	return &KafkaSubscriber{reader: reader, topic: topic}
}

// Consume fetches messages until ctx is cancelled, committing each offset
// only after the handler reports success.
func (s *KafkaSubscriber) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", s.topic, err)
		}

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			// Leave uncommitted so the broker redelivers the message.
			log.Warn().Err(err).
				Str("topic", s.topic).
				Int64("offset", msg.Offset).
				Msg("Handler failed, message will be redelivered")
			continue
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error().Err(err).Str("topic", s.topic).Msg("Failed to commit offset")
		}
	}
}

// Close closes the underlying reader.
func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}
