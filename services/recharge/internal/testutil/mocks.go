// Package testutil содержит общие моки и утилиты для тестирования.
// Моки вынесены сюда, чтобы не дублировать их в service, scheduler и handler.
package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"example.com/topup-engine/services/recharge/internal/domain"
)

// =============================================================================
// MockAdapter — мок для operator.Adapter, operator.BillQuerier и operator.Catalog
// =============================================================================

type MockAdapter struct {
	mock.Mock
	OperatorName domain.Operator
}

func (m *MockAdapter) Name() domain.Operator {
	if m.OperatorName == "" {
		return domain.OperatorUnitel
	}
	return m.OperatorName
}

func (m *MockAdapter) ValidateAndPriceProduct(ctx context.Context, productCode, phoneNumber string, rechargeType domain.RechargeType) (*domain.ProductInfo, error) {
	args := m.Called(ctx, productCode, phoneNumber, rechargeType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProductInfo), args.Error(1)
}

func (m *MockAdapter) DispatchRecharge(ctx context.Context, order *domain.Order) (*domain.RechargeOutcome, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RechargeOutcome), args.Error(1)
}

func (m *MockAdapter) QueryDispatchResult(ctx context.Context, sequenceID string) (*domain.DispatchResult, error) {
	args := m.Called(ctx, sequenceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DispatchResult), args.Error(1)
}

func (m *MockAdapter) QueryOutstandingBill(ctx context.Context, phoneNumber string) (*domain.BillInfo, error) {
	args := m.Called(ctx, phoneNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BillInfo), args.Error(1)
}

func (m *MockAdapter) ListProducts(ctx context.Context, phoneNumber string, rechargeType domain.RechargeType) ([]domain.ProductInfo, error) {
	args := m.Called(ctx, phoneNumber, rechargeType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ProductInfo), args.Error(1)
}

// =============================================================================
// MockUserRepository — мок для repository.UserRepository
// =============================================================================

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Exists(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockUserRepository) CountUsers(ctx context.Context, from, to time.Time) (int64, int64, error) {
	args := m.Called(ctx, from, to)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

// =============================================================================
// MockRateService — мок для exchangerate.Service
// =============================================================================

type MockRateService struct {
	mock.Mock
}

func (m *MockRateService) Current(ctx context.Context, pair string) (decimal.Decimal, error) {
	args := m.Called(ctx, pair)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockRateService) Set(ctx context.Context, pair string, rate decimal.Decimal) error {
	return m.Called(ctx, pair, rate).Error(0)
}

// =============================================================================
// SequenceNumbers — предсказуемые номера заказов
// =============================================================================

// SequenceNumbers выдаёт ORD1, ORD2, ...
type SequenceNumbers struct {
	n atomic.Int64
}

func (s *SequenceNumbers) NewOrderNumber() string {
	return fmt.Sprintf("%s%d", domain.OrderNumberPrefix, s.n.Add(1))
}
