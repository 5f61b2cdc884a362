// Package exchangerate отдаёт текущий курс валютной пары с кешем в Redis.
package exchangerate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/repository"
)

const cacheKeyPrefix = "exchange_rate:"

// Service — источник курса валют.
type Service interface {
	// Current возвращает текущий курс пары.
	// domain.ErrRateUnavailable — курс не настроен.
	Current(ctx context.Context, pair string) (decimal.Decimal, error)

	// Set сохраняет новый курс и сбрасывает кеш.
	Set(ctx context.Context, pair string, rate decimal.Decimal) error
}

type service struct {
	repo  repository.ExchangeRateRepository
	cache *redis.Client
	ttl   time.Duration
}

// NewService создаёт источник курса. cache может быть nil.
func NewService(repo repository.ExchangeRateRepository, cache *redis.Client, ttl time.Duration) Service {
	return &service{repo: repo, cache: cache, ttl: ttl}
}

// Current возвращает курс из кеша или из БД.
// Недоступный Redis не ломает создание заказов: читаем из БД.
func (s *service) Current(ctx context.Context, pair string) (decimal.Decimal, error) {
	log := logger.FromContext(ctx)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKeyPrefix+pair).Result()
		switch {
		case err == nil:
			if rate, parseErr := decimal.NewFromString(cached); parseErr == nil && rate.IsPositive() {
				return rate, nil
			}
		case !errors.Is(err, redis.Nil):
			log.Warn().Err(err).Str("pair", pair).Msg("Ошибка чтения курса из Redis")
		}
	}

	rate, err := s.repo.GetActive(ctx, pair)
	if err != nil {
		if errors.Is(err, domain.ErrRateUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("ошибка чтения курса %s: %w", pair, err)
	}
	if !rate.Rate.IsPositive() {
		return decimal.Zero, domain.ErrRateUnavailable
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKeyPrefix+pair, rate.Rate.String(), s.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("pair", pair).Msg("Ошибка записи курса в Redis")
		}
	}

	return rate.Rate, nil
}

// Set сохраняет курс.
func (s *service) Set(ctx context.Context, pair string, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("курс должен быть больше нуля: %w", domain.ErrRateUnavailable)
	}

	if _, err := s.repo.Upsert(ctx, pair, rate); err != nil {
		return fmt.Errorf("ошибка сохранения курса %s: %w", pair, err)
	}

	if s.cache != nil {
		if err := s.cache.Del(ctx, cacheKeyPrefix+pair).Err(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("pair", pair).Msg("Ошибка сброса кеша курса")
		}
	}

	logger.Ctx(ctx).Info().
		Str("pair", pair).
		Str("rate", rate.String()).
		Msg("Курс валют обновлён")
	return nil
}
