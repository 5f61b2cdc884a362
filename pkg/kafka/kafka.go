// Package kafka — обёртка над kafka-go для очереди отправки пополнений и событий заказов.
// Ключ сообщения всегда номер заказа (или дата отчёта): события одного заказа
// попадают в одну партицию и читаются по порядку.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/topup-engine/pkg/logger"
)

// Топики сервиса пополнений.
const (
	// TopicRechargeDispatch — запросы на отправку пополнения оператору.
	// Пишет outbox после оплаты, читает пул диспетчеров.
	TopicRechargeDispatch = "recharge.dispatch"

	// TopicOrderEvents — события жизненного цикла заказа (создан, итог пополнения).
	TopicOrderEvents = "order.events"

	// TopicReports — ежедневные отчёты планировщика.
	TopicReports = "recharge.reports"

	// TopicDLQ — сообщения, которые не удалось обработать после всех повторов.
	TopicDLQ = "dlq.recharge"
)

// Заголовки сообщений.
const (
	HeaderTraceID       = "trace_id"
	HeaderCorrelationID = "correlation_id"
	HeaderOrderNumber   = "order_number"
	HeaderTimestamp     = "timestamp"

	// HeaderEventType — тип события (recharge.dispatch_requested, recharge.success и т.д.).
	HeaderEventType = "event_type"

	// Заголовки DLQ.
	HeaderDLQError         = "dlq_error"
	HeaderDLQOriginalTopic = "dlq_original_topic"
	HeaderDLQTimestamp     = "dlq_timestamp"
)

// Config содержит настройки подключения к Kafka.
type Config struct {
	Brokers []string
}

// Message — сообщение Kafka с заголовками в виде map.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Headers   map[string]string
	Time      time.Time
}

// OrderNumber возвращает номер заказа из заголовка или ключа сообщения.
func (m *Message) OrderNumber() string {
	if n := m.Headers[HeaderOrderNumber]; n != "" {
		return n
	}
	return string(m.Key)
}

func fromKafkaMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Time:      m.Time,
	}
}

func (m *Message) toKafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   m.Topic,
		Headers: headers,
		Time:    m.Time,
	}
}

// fillHeaders дописывает в headers идентификаторы из контекста и время отправки.
// Уже заданные значения не перезаписываются: outbox хранит trace_id запроса,
// в котором событие было создано, а не воркера.
func fillHeaders(ctx context.Context, headers map[string]string, now time.Time) {
	setIfEmpty := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := headers[key]; !ok {
			headers[key] = value
		}
	}

	setIfEmpty(HeaderTraceID, logger.TraceIDFromContext(ctx))
	setIfEmpty(HeaderCorrelationID, logger.CorrelationIDFromContext(ctx))
	setIfEmpty(HeaderOrderNumber, logger.OrderNumberFromContext(ctx))
	setIfEmpty(HeaderTimestamp, now.UTC().Format(time.RFC3339Nano))
}

// contextFromHeaders переносит идентификаторы из заголовков в контекст обработчика,
// чтобы логи диспетчера связывались с исходным HTTP запросом.
func contextFromHeaders(ctx context.Context, headers map[string]string) context.Context {
	if traceID := headers[HeaderTraceID]; traceID != "" {
		ctx = logger.WithTraceID(ctx, traceID)
	}
	if correlationID := headers[HeaderCorrelationID]; correlationID != "" {
		ctx = logger.WithCorrelationID(ctx, correlationID)
	}
	if orderNumber := headers[HeaderOrderNumber]; orderNumber != "" {
		ctx = logger.WithOrderNumber(ctx, orderNumber)
	}
	return ctx
}
