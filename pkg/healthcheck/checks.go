// Package healthcheck собирает проверку готовности /readyz из проверок
// зависимостей сервиса.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Check — проверка одной зависимости.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// MySQL пингует пул соединений GORM.
func MySQL(db *gorm.DB) Check {
	return Check{Name: "mysql", Fn: func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}}
}

func Redis(rdb *redis.Client) Check {
	return Check{Name: "redis", Fn: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
}

// Kafka считает зависимость живой, если хотя бы один брокер принимает
// соединение. Без Kafka заказы оплачиваются, но отправка пополнений
// ждёт sweep планировщика.
func Kafka(brokers []string) Check {
	return Check{Name: "kafka", Fn: func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("не указаны брокеры")
		}
		var errs []error
		for _, broker := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", broker)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			_ = conn.Close()
			return nil
		}
		return errors.Join(errs...)
	}}
}

// Composite запускает проверки параллельно, каждую со своим таймаутом,
// и возвращает все ошибки сразу: по ответу /readyz видно, что именно лежит.
func Composite(timeout time.Duration, checks ...Check) func(context.Context) error {
	return func(ctx context.Context) error {
		errs := make([]error, len(checks))

		var g errgroup.Group
		for i, c := range checks {
			g.Go(func() error {
				cctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := c.Fn(cctx); err != nil {
					errs[i] = fmt.Errorf("%s: %w", c.Name, err)
				}
				return nil
			})
		}
		_ = g.Wait()

		return errors.Join(errs...)
	}
}
