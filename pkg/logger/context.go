package logger

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	// traceIDKey — идентификатор HTTP запроса, пришедшего в сервис.
	traceIDKey ctxKey = "trace_id"

	// correlationIDKey связывает цепочку: HTTP запрос, outbox, Kafka, отправка оператору.
	correlationIDKey ctxKey = "correlation_id"

	// orderNumberKey — номер заказа. По нему ищется вся история заказа в логах.
	orderNumberKey ctxKey = "order_number"

	loggerKey ctxKey = "logger"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// WithOrderNumber привязывает контекст к заказу.
//
//	ctx = logger.WithOrderNumber(ctx, "ORD1794128371938123776")
func WithOrderNumber(ctx context.Context, orderNumber string) context.Context {
	return context.WithValue(ctx, orderNumberKey, orderNumber)
}

func OrderNumberFromContext(ctx context.Context) string {
	v, _ := ctx.Value(orderNumberKey).(string)
	return v
}

// NewContextWithIDs добавляет trace_id и correlation_id, пропуская пустые.
func NewContextWithIDs(ctx context.Context, traceID, correlationID string) context.Context {
	if traceID != "" {
		ctx = WithTraceID(ctx, traceID)
	}
	if correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}
	return ctx
}

// WithLogger кладёт в контекст настроенный логгер.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext возвращает логгер из контекста (или глобальный) с полями
// trace_id, correlation_id и order_number, если они есть в контексте.
// Основной способ получить логгер в обработчиках, сервисах и воркерах.
func FromContext(ctx context.Context) zerolog.Logger {
	l, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		l = log
	}

	fields := l.With()
	if v := TraceIDFromContext(ctx); v != "" {
		fields = fields.Str("trace_id", v)
	}
	if v := CorrelationIDFromContext(ctx); v != "" {
		fields = fields.Str("correlation_id", v)
	}
	if v := OrderNumberFromContext(ctx); v != "" {
		fields = fields.Str("order_number", v)
	}
	return fields.Logger()
}

// Ctx — указатель на логгер из FromContext, в стиле zerolog.Ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := FromContext(ctx)
	return &l
}
