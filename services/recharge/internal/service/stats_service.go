package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/repository"
)

// StatsService — сводная статистика для администратора.
type StatsService interface {
	// Statistics собирает пользователей, заказы и выручку за [from, to).
	Statistics(ctx context.Context, from, to time.Time) (*domain.Statistics, error)
}

type statsService struct {
	orders repository.OrderRepository
	users  repository.UserRepository
}

// NewStatsService создаёт сервис статистики.
func NewStatsService(orders repository.OrderRepository, users repository.UserRepository) StatsService {
	return &statsService{orders: orders, users: users}
}

// Statistics выполняет три агрегата параллельно.
// Заказы считаются по created_at, выручка по paid_at.
func (s *statsService) Statistics(ctx context.Context, from, to time.Time) (*domain.Statistics, error) {
	if !from.Before(to) {
		return nil, domain.ErrInvalidPeriod
	}

	var (
		users   domain.UserStats
		counts  []domain.OrderCount
		revenue []domain.DailyStat
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		total, created, err := s.users.CountUsers(gctx, from, to)
		if err != nil {
			return fmt.Errorf("ошибка подсчёта пользователей: %w", err)
		}
		users = domain.UserStats{Total: total, New: created}
		return nil
	})
	g.Go(func() error {
		var err error
		if counts, err = s.orders.CountCreated(gctx, from, to); err != nil {
			return fmt.Errorf("ошибка подсчёта заказов: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if revenue, err = s.orders.DailyStats(gctx, from, to); err != nil {
			return fmt.Errorf("ошибка подсчёта выручки: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Time("from", from).
			Time("to", to).
			Msg("Ошибка сбора статистики")
		return nil, err
	}

	return &domain.Statistics{
		From:    from,
		To:      to,
		Users:   users,
		Orders:  domain.SummarizeOrders(counts),
		Revenue: domain.SummarizeRevenue(revenue),
	}, nil
}
