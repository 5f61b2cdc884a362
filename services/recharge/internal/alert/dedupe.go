package alert

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/topup-engine/pkg/logger"
)

const dedupeKeyPrefix = "alert:"

// DedupeNotifier пропускает повторные алерты заказа по той же причине в пределах суток.
// Несколько инстансов планировщика делят ключи в Redis.
type DedupeNotifier struct {
	next  Notifier
	redis *redis.Client
	ttl   time.Duration
}

// NewDedupeNotifier оборачивает next дедупликацией. ttl — время жизни ключа.
func NewDedupeNotifier(next Notifier, rdb *redis.Client, ttl time.Duration) *DedupeNotifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DedupeNotifier{next: next, redis: rdb, ttl: ttl}
}

// dedupeKey — alert:<reason>:<order_number>:<YYYYMMDD>.
func dedupeKey(a Alert) string {
	return dedupeKeyPrefix + a.Reason + ":" + a.OrderNumber + ":" + a.RaisedAt.Format("20060102")
}

// Notify отправляет алерт, если сегодня он ещё не отправлялся.
// При недоступном Redis алерт отправляется: дубль лучше пропуска.
func (d *DedupeNotifier) Notify(ctx context.Context, a Alert) error {
	key := dedupeKey(a)

	ok, err := d.redis.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Ошибка дедупликации алерта в Redis")
		return d.next.Notify(ctx, a)
	}
	if !ok {
		logger.Ctx(ctx).Debug().Str("key", key).Msg("Алерт уже отправлялся сегодня")
		return nil
	}

	if err := d.next.Notify(ctx, a); err != nil {
		// Снимаем ключ, чтобы следующий запуск повторил отправку.
		if delErr := d.redis.Del(ctx, key).Err(); delErr != nil {
			logger.Ctx(ctx).Warn().Err(delErr).Str("key", key).Msg("Не удалось снять ключ дедупликации")
		}
		return err
	}
	return nil
}
