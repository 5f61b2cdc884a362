package outbox

import "time"

// OutboxModel — строка таблицы outbox.
// Индекс idx_outbox_pending покрывает выборку воркера:
// processed_at IS NULL ORDER BY retry_count, created_at.
type OutboxModel struct {
	ID            string            `gorm:"column:id;type:varchar(36);primaryKey"`
	AggregateType string            `gorm:"column:aggregate_type;type:varchar(50);not null;index:idx_outbox_aggregate"`
	AggregateID   string            `gorm:"column:aggregate_id;type:varchar(64);not null;index:idx_outbox_aggregate"`
	EventType     string            `gorm:"column:event_type;type:varchar(100);not null"`
	Topic         string            `gorm:"column:topic;type:varchar(100);not null"`
	MessageKey    string            `gorm:"column:message_key;type:varchar(100);not null"`
	Payload       []byte            `gorm:"column:payload;type:json;not null"`
	Headers       map[string]string `gorm:"column:headers;type:json;serializer:json"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime;index:idx_outbox_pending,priority:3"`
	ProcessedAt   *time.Time        `gorm:"column:processed_at;index:idx_outbox_pending,priority:1"`
	RetryCount    int               `gorm:"column:retry_count;not null;default:0;index:idx_outbox_pending,priority:2"`
	LastError     *string           `gorm:"column:last_error;type:text"`
	NextAttemptAt *time.Time        `gorm:"column:next_attempt_at"` // nil — публиковать сразу
}

func (OutboxModel) TableName() string {
	return "outbox"
}

func (m *OutboxModel) toRecord() *Outbox {
	return &Outbox{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Topic:         m.Topic,
		MessageKey:    m.MessageKey,
		Payload:       m.Payload,
		Headers:       m.Headers,
		CreatedAt:     m.CreatedAt,
		ProcessedAt:   m.ProcessedAt,
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
	}
}

func newModel(o *Outbox) *OutboxModel {
	return &OutboxModel{
		ID:            o.ID,
		AggregateType: o.AggregateType,
		AggregateID:   o.AggregateID,
		EventType:     o.EventType,
		Topic:         o.Topic,
		MessageKey:    o.MessageKey,
		Payload:       o.Payload,
		Headers:       o.Headers,
		CreatedAt:     o.CreatedAt,
		ProcessedAt:   o.ProcessedAt,
		RetryCount:    o.RetryCount,
		LastError:     o.LastError,
	}
}
