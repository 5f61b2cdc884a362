package outbox

import (
	"context"
	"time"

	"example.com/topup-engine/pkg/kafka"
	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/pkg/metrics"
)

// KafkaProducer — публикация сообщения в Kafka.
type KafkaProducer interface {
	SendMessage(ctx context.Context, msg *kafka.Message) error
}

// WorkerConfig — настройки OutboxWorker.
type WorkerConfig struct {
	// PollInterval — пауза между выборками. Это же задержка между оплатой
	// и появлением запроса на отправку в очереди.
	PollInterval time.Duration

	BatchSize int

	// MaxRetries — после стольких неудачных публикаций запись снимается с очереди.
	MaxRetries int

	CleanupInterval time.Duration
	// Retention — сколько хранить опубликованные записи.
	Retention time.Duration
}

// DefaultWorkerConfig возвращает настройки по умолчанию.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:    500 * time.Millisecond,
		BatchSize:       100,
		MaxRetries:      5,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// Статусы публикации для метрики recharge_outbox_published_total.
const (
	publishOK      = "ok"
	publishFailed  = "failed"
	publishDead    = "dead"
	publishSkipped = "skipped"
)

// OutboxWorker публикует записи outbox в Kafka.
type OutboxWorker struct {
	repo     OutboxRepository
	producer KafkaProducer
	cfg      WorkerConfig
	name     string
}

// NewOutboxWorker создаёт воркер. name попадает в логи.
// Без producer (Kafka не настроена) записи не публикуются, а сразу
// помечаются обработанными, чтобы очистка не давала таблице расти.
func NewOutboxWorker(repo OutboxRepository, producer KafkaProducer, cfg WorkerConfig, name string) *OutboxWorker {
	def := DefaultWorkerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &OutboxWorker{repo: repo, producer: producer, cfg: cfg, name: name}
}

// Run публикует outbox до отмены ctx.
func (w *OutboxWorker) Run(ctx context.Context) {
	log := logger.FromContext(ctx).With().Str("worker", w.name).Logger()
	log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Msg("Запуск Outbox Worker")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(w.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Outbox Worker")
			return
		case <-ticker.C:
			w.processOutbox(ctx)
		case <-cleanupTicker.C:
			w.cleanupProcessed(ctx)
		}
	}
}

func (w *OutboxWorker) cleanupProcessed(ctx context.Context) {
	log := logger.FromContext(ctx).With().Str("worker", w.name).Logger()

	deleted, err := w.repo.DeleteProcessedBefore(ctx, time.Now().Add(-w.cfg.Retention))
	if err != nil {
		log.Error().Err(err).Msg("Ошибка очистки outbox")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Очистка опубликованных записей outbox")
	}
}

// processOutbox публикует одну пачку.
func (w *OutboxWorker) processOutbox(ctx context.Context) {
	log := logger.FromContext(ctx).With().Str("worker", w.name).Logger()

	records, err := w.repo.GetUnprocessed(ctx, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка чтения outbox")
		return
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return
		}

		if w.cfg.MaxRetries > 0 && record.RetryCount >= w.cfg.MaxRetries {
			w.dropDeadLetter(ctx, record)
			continue
		}

		_ = w.publish(ctx, record)
	}
}

// dropDeadLetter снимает запись с очереди. Потерянный запрос на отправку
// не теряет заказ: оплаченный заказ без итога подберёт планировщик.
func (w *OutboxWorker) dropDeadLetter(ctx context.Context, record *Outbox) {
	log := logger.FromContext(ctx).With().
		Str("worker", w.name).
		Str("outbox_id", record.ID).
		Str("event_type", record.EventType).
		Str("aggregate_id", record.AggregateID).
		Int("retry_count", record.RetryCount).
		Logger()

	metrics.RecordOutboxPublish(record.Topic, publishDead)
	log.Warn().Msg("Превышен лимит попыток публикации, запись снята с очереди")

	if err := w.repo.MarkProcessed(ctx, record.ID); err != nil {
		log.Error().Err(err).Msg("Ошибка снятия записи outbox с очереди")
	}
}

// publish отправляет запись и отмечает результат в outbox.
func (w *OutboxWorker) publish(ctx context.Context, record *Outbox) error {
	log := logger.FromContext(ctx).With().
		Str("worker", w.name).
		Str("outbox_id", record.ID).
		Str("topic", record.Topic).
		Logger()

	if w.producer == nil {
		metrics.RecordOutboxPublish(record.Topic, publishSkipped)
		if err := w.repo.MarkProcessed(ctx, record.ID); err != nil {
			log.Error().Err(err).Msg("Ошибка пометки записи outbox обработанной")
			return err
		}
		return nil
	}

	if err := w.producer.SendMessage(ctx, record.message()); err != nil {
		metrics.RecordOutboxPublish(record.Topic, publishFailed)
		log.Error().Err(err).Msg("Ошибка публикации записи outbox")
		if markErr := w.repo.MarkFailed(ctx, record.ID, err); markErr != nil {
			log.Error().Err(markErr).Msg("Ошибка записи неудачной попытки outbox")
		}
		return err
	}

	metrics.RecordOutboxPublish(record.Topic, publishOK)

	// Повторная публикация при ошибке здесь допустима: потребители идемпотентны.
	if err := w.repo.MarkProcessed(ctx, record.ID); err != nil {
		log.Error().Err(err).Msg("Ошибка пометки записи outbox опубликованной")
		return err
	}

	log.Debug().Str("event_type", record.EventType).Msg("Запись outbox опубликована")
	return nil
}
