package outbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrOutboxNotFound — запись outbox не найдена.
var ErrOutboxNotFound = errors.New("запись outbox не найдена")

// OutboxRepository — хранилище записей outbox.
type OutboxRepository interface {
	Create(ctx context.Context, record *Outbox) error

	// GetUnprocessed возвращает неопубликованные записи, время повтора которых наступило.
	GetUnprocessed(ctx context.Context, limit int) ([]*Outbox, error)

	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed увеличивает счётчик попыток и откладывает следующую.
	MarkFailed(ctx context.Context, id string, err error) error

	// DeleteProcessedBefore удаляет пачку опубликованных записей старше before.
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Задержка повтора публикации: 1s, 2s, 4s и так далее, но не больше минуты.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = time.Minute
)

// deleteBatch ограничивает DELETE, чтобы не держать долгие блокировки.
const deleteBatch = 1000

type outboxRepository struct {
	db             *gorm.DB
	aggregateTypes []string
	now            func() time.Time
}

// NewOutboxRepository создаёт репозиторий. aggregateTypes ограничивает записи,
// которые видит воркер; пустой список означает все типы.
func NewOutboxRepository(db *gorm.DB, aggregateTypes ...string) OutboxRepository {
	return &outboxRepository{db: db, aggregateTypes: aggregateTypes, now: time.Now}
}

func (r *outboxRepository) Create(ctx context.Context, record *Outbox) error {
	return Insert(r.db.WithContext(ctx), record)
}

// Insert пишет запись через переданный *gorm.DB. Репозиторий заказов
// вызывает его внутри своей транзакции, вместе со сменой состояния заказа.
func Insert(tx *gorm.DB, record *Outbox) error {
	model := newModel(record)
	if err := tx.Create(model).Error; err != nil {
		return err
	}
	record.CreatedAt = model.CreatedAt
	return nil
}

func (r *outboxRepository) scoped(ctx context.Context) *gorm.DB {
	q := r.db.WithContext(ctx)
	if len(r.aggregateTypes) > 0 {
		q = q.Where("aggregate_type IN ?", r.aggregateTypes)
	}
	return q
}

func (r *outboxRepository) GetUnprocessed(ctx context.Context, limit int) ([]*Outbox, error) {
	var models []OutboxModel
	err := r.scoped(ctx).
		Where("processed_at IS NULL").
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", r.now()).
		Order("retry_count ASC, created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]*Outbox, len(models))
	for i := range models {
		records[i] = models[i].toRecord()
	}
	return records, nil
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&OutboxModel{}).
		Where("id = ?", id).
		Update("processed_at", r.now())
	return rowsOrNotFound(res)
}

// MarkFailed откладывает повтор: задержка удваивается с каждой попыткой.
// Задержка считается в SQL, чтобы не читать запись перед обновлением.
func (r *outboxRepository) MarkFailed(ctx context.Context, id string, cause error) error {
	res := r.db.WithContext(ctx).Model(&OutboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  cause.Error(),
			"next_attempt_at": gorm.Expr(
				"DATE_ADD(?, INTERVAL LEAST(? * POW(2, retry_count), ?) SECOND)",
				r.now(), int(retryBaseDelay.Seconds()), int(retryMaxDelay.Seconds()),
			),
		})
	return rowsOrNotFound(res)
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.scoped(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", before).
		Limit(deleteBatch).
		Delete(&OutboxModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func rowsOrNotFound(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOutboxNotFound
	}
	return nil
}
