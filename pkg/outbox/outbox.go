// Package outbox — transactional outbox для событий заказов пополнения.
// Запись outbox фиксируется в одной транзакции со сменой состояния заказа:
// запрос на отправку после оплаты, итог пополнения, ежедневный отчёт.
// OutboxWorker публикует записи в Kafka (at-least-once).
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/topup-engine/pkg/kafka"
	"example.com/topup-engine/pkg/logger"
)

// Типы агрегатов.
const (
	AggregateOrder  = "recharge_order" // AggregateID — номер заказа
	AggregateReport = "report"         // AggregateID — дата отчёта YYYY-MM-DD
)

// Outbox — событие, ожидающее публикации.
type Outbox struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	MessageKey    string
	Payload       []byte
	Headers       map[string]string
	CreatedAt     time.Time
	ProcessedAt   *time.Time // nil — ещё не опубликовано
	RetryCount    int
	LastError     *string
}

// NewEvent сериализует payload в запись outbox.
// Ключ сообщения равен aggregateID, поэтому все события заказа идут в одну партицию.
// Идентификаторы запроса берутся из ctx и сохраняются в заголовках:
// диспетчер, читающий очередь, продолжит тот же trace.
func NewEvent(ctx context.Context, aggregateType, aggregateID, eventType, topic string, payload any) (*Outbox, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события %s: %w", eventType, err)
	}

	headers := map[string]string{kafka.HeaderEventType: eventType}
	if traceID := logger.TraceIDFromContext(ctx); traceID != "" {
		headers[kafka.HeaderTraceID] = traceID
	}
	if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
		headers[kafka.HeaderCorrelationID] = correlationID
	}
	if aggregateType == AggregateOrder {
		headers[kafka.HeaderOrderNumber] = aggregateID
	}

	return &Outbox{
		ID:            uuid.New().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         topic,
		MessageKey:    aggregateID,
		Payload:       data,
		Headers:       headers,
		CreatedAt:     time.Now(),
	}, nil
}

// message собирает сообщение Kafka. Заголовки копируются:
// producer дописывает в них timestamp, а запись outbox меняться не должна.
func (o *Outbox) message() *kafka.Message {
	headers := make(map[string]string, len(o.Headers))
	for k, v := range o.Headers {
		headers[k] = v
	}
	return &kafka.Message{
		Topic:   o.Topic,
		Key:     []byte(o.MessageKey),
		Value:   o.Payload,
		Headers: headers,
	}
}
