package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/topup-engine/pkg/logger"
)

// MessageHandler обрабатывает одно сообщение.
// В ctx уже лежат trace_id, correlation_id и номер заказа из заголовков.
type MessageHandler func(ctx context.Context, msg *Message) error

// messageReader — часть kafka.Reader, которой пользуется Consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// dlqSender — получатель сообщений, которые не удалось обработать.
type dlqSender interface {
	SendToDLQ(ctx context.Context, original *Message, processingErr error) error
}

// Consumer читает топик в составе consumer group.
// Offset коммитится после обработки: сбой между обработкой и коммитом
// даёт повторную доставку, поэтому обработчик обязан быть идемпотентным.
type Consumer struct {
	reader messageReader
	dlq    dlqSender
	topic  string

	// retryBase — задержка перед первым повтором, дальше удваивается.
	retryBase time.Duration
}

// NewConsumer создаёт Consumer для топика. Все экземпляры сервиса с одним
// groupID делят партиции между собой.
func NewConsumer(cfg Config, topic string, groupID string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}
	if topic == "" {
		return nil, fmt.Errorf("не указан топик")
	}
	if groupID == "" {
		return nil, fmt.Errorf("не указан group ID")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  100 * time.Millisecond,
		// Новая группа читает топик с начала: запрос на пополнение,
		// записанный до первого старта диспетчера, не должен потеряться.
		StartOffset: kafka.FirstOffset,
	})

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Создан Kafka Consumer")

	return newConsumer(reader, topic), nil
}

func newConsumer(r messageReader, topic string) *Consumer {
	return &Consumer{reader: r, topic: topic, retryBase: 100 * time.Millisecond}
}

// SetDLQProducer включает перекладку необработанных сообщений в DLQ.
func (c *Consumer) SetDLQProducer(p *Producer) {
	c.dlq = p
}

// Consume читает сообщения до отмены ctx.
// Ошибка обработчика не останавливает чтение: сообщение уходит в DLQ
// (если он настроен) и offset коммитится.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	logger.Info().Str("topic", c.topic).Msg("Запуск чтения сообщений из Kafka")

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.Info().Str("topic", c.topic).Msg("Чтение Kafka остановлено")
				return ctx.Err()
			}
			logger.Error().Err(err).Str("topic", c.topic).Msg("Ошибка чтения сообщения из Kafka")
			continue
		}

		msg := fromKafkaMessage(km)
		msgCtx := contextFromHeaders(ctx, msg.Headers)
		log := logger.FromContext(msgCtx).With().
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Logger()

		if err := handler(msgCtx, msg); err != nil {
			log.Error().Err(err).Msg("Ошибка обработки сообщения")
			if c.dlq != nil {
				if dlqErr := c.dlq.SendToDLQ(msgCtx, msg, err); dlqErr != nil {
					log.Error().Err(dlqErr).Msg("Ошибка отправки в DLQ")
				}
			}
		}

		if err := c.reader.CommitMessages(ctx, km); err != nil {
			log.Error().Err(err).Msg("Ошибка коммита offset")
		}
	}
}

// ConsumeWithRetry повторяет обработку сообщения до maxRetries раз
// с экспоненциальной задержкой и только потом считает его ошибочным.
func (c *Consumer) ConsumeWithRetry(ctx context.Context, handler MessageHandler, maxRetries int) error {
	return c.Consume(ctx, withRetry(handler, maxRetries, c.retryBase))
}

func withRetry(handler MessageHandler, maxRetries int, base time.Duration) MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		var lastErr error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				delay := base << (attempt - 1)
				logger.Ctx(ctx).Warn().
					Int("attempt", attempt).
					Dur("delay", delay).
					Msg("Повторная попытка обработки сообщения")

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}

			if lastErr = handler(ctx, msg); lastErr == nil {
				return nil
			}
		}
		return fmt.Errorf("исчерпаны попытки обработки: %w", lastErr)
	}
}

// Close выходит из consumer group.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия consumer: %w", err)
	}
	logger.Info().Str("topic", c.topic).Msg("Kafka Consumer закрыт")
	return nil
}
