package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/topup-engine/pkg/metrics"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/operator"
	"example.com/topup-engine/services/recharge/internal/testutil"
)

const ratePair = "MNT_TO_CNY"

type fixture struct {
	svc     *orderService
	repo    *testutil.MemoryOrderRepository
	users   *testutil.MockUserRepository
	rates   *testutil.MockRateService
	adapter *testutil.MockAdapter
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:    testutil.NewMemoryOrderRepository(),
		users:   new(testutil.MockUserRepository),
		rates:   new(testutil.MockRateService),
		adapter: new(testutil.MockAdapter),
		now:     time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
	}

	svc := NewOrderService(f.repo, f.users, operator.NewRegistry(f.adapter), f.rates, &testutil.SequenceNumbers{}, Config{
		RatePair:        ratePair,
		RecoveryWindow:  10 * time.Minute,
		OperatorTimeout: time.Second,
	})
	f.svc = svc.(*orderService)
	f.svc.now = func() time.Time { return f.now }

	return f
}

func voiceProduct() *domain.ProductInfo {
	return &domain.ProductInfo{
		Operator:     domain.OperatorUnitel,
		RechargeType: domain.RechargeVoice,
		Code:         "SD1500",
		Name:         "Карт 1500",
		Price:        decimal.NewFromInt(1500),
	}
}

// paidOrder кладёт в репозиторий оплаченный заказ ORD1 на 3.33 CNY.
func (f *fixture) paidOrder(mutate func(o *domain.Order)) *domain.Order {
	paidAt := f.now.Add(-time.Minute)
	o := &domain.Order{
		OrderNumber:     "ORD1",
		OwnerID:         "user-1",
		Product:         *voiceProduct(),
		PhoneNumber:     "88001122",
		PriceSettlement: decimal.RequireFromString("3.33"),
		ExchangeRate:    decimal.NewFromInt(450),
		PaymentStatus:   domain.PaymentPaid,
		PaidAt:          &paidAt,
		RechargeStatus:  domain.RechargePending,
		CreatedAt:       f.now.Add(-time.Hour),
	}
	if mutate != nil {
		mutate(o)
	}
	f.repo.Put(o)
	return o
}

func strPtr(s string) *string { return &s }

// =====================================
// CreateOrder
// =====================================

func TestOrderService_CreateOrder(t *testing.T) {
	f := newFixture(t)
	f.users.On("Exists", mock.Anything, "user-1").Return(true, nil)
	f.adapter.On("ValidateAndPriceProduct", mock.Anything, "SD1500", "88001122", domain.RechargeVoice).Return(voiceProduct(), nil)
	f.rates.On("Current", mock.Anything, ratePair).Return(decimal.NewFromInt(450), nil)

	order, err := f.svc.CreateOrder(context.Background(), "user-1", CreateOrderRequest{
		Operator:     domain.OperatorUnitel,
		RechargeType: domain.RechargeVoice,
		ProductCode:  "SD1500",
		PhoneNumber:  " 88001122 ",
	})

	require.NoError(t, err)
	assert.Equal(t, "ORD1", order.OrderNumber)
	assert.Equal(t, "88001122", order.PhoneNumber)
	assert.Equal(t, "3.33", order.PriceSettlement.StringFixed(2))
	assert.Equal(t, int64(333), order.AmountMinor())
	assert.Equal(t, domain.PaymentUnpaid, order.PaymentStatus)
	assert.Equal(t, domain.RechargePending, order.RechargeStatus)

	stored := f.repo.Get("ORD1")
	require.NotNil(t, stored)
	assert.True(t, decimal.NewFromInt(450).Equal(stored.ExchangeRate))

	events := f.repo.EventsOfType(EventOrderCreated)
	require.Len(t, events, 1)
	assert.Equal(t, "ORD1", events[0].MessageKey)
	assert.Contains(t, string(events[0].Payload), `"price_settlement":"3.33"`)
}

func TestOrderService_CreateOrder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateOrderRequest
		setup   func(f *fixture)
		wantErr error
	}{
		{
			name:    "пустой номер телефона",
			req:     CreateOrderRequest{Operator: domain.OperatorUnitel, RechargeType: domain.RechargeVoice, ProductCode: "SD1500", PhoneNumber: "  "},
			setup:   func(f *fixture) {},
			wantErr: domain.ErrInvalidPhoneNumber,
		},
		{
			name:    "неизвестный тип пополнения",
			req:     CreateOrderRequest{Operator: domain.OperatorUnitel, RechargeType: "sms", ProductCode: "SD1500", PhoneNumber: "88001122"},
			setup:   func(f *fixture) {},
			wantErr: domain.ErrInvalidRechargeType,
		},
		{
			name: "владелец не найден",
			req:  CreateOrderRequest{Operator: domain.OperatorUnitel, RechargeType: domain.RechargeVoice, ProductCode: "SD1500", PhoneNumber: "88001122"},
			setup: func(f *fixture) {
				f.users.On("Exists", mock.Anything, "user-1").Return(false, nil)
			},
			wantErr: domain.ErrOwnerNotFound,
		},
		{
			name: "оператор не поддерживается",
			req:  CreateOrderRequest{Operator: "skytel", RechargeType: domain.RechargeVoice, ProductCode: "SD1500", PhoneNumber: "88001122"},
			setup: func(f *fixture) {
				f.users.On("Exists", mock.Anything, "user-1").Return(true, nil)
			},
			wantErr: domain.ErrUnsupportedOperator,
		},
		{
			name: "товара нет в каталоге",
			req:  CreateOrderRequest{Operator: domain.OperatorUnitel, RechargeType: domain.RechargeVoice, ProductCode: "NOPE", PhoneNumber: "88001122"},
			setup: func(f *fixture) {
				f.users.On("Exists", mock.Anything, "user-1").Return(true, nil)
				f.adapter.On("ValidateAndPriceProduct", mock.Anything, "NOPE", "88001122", domain.RechargeVoice).
					Return(nil, operator.ErrProductNotFound)
			},
			wantErr: domain.ErrInvalidProduct,
		},
		{
			name: "счёт уже оплачен",
			req:  CreateOrderRequest{Operator: domain.OperatorUnitel, RechargeType: domain.RechargePostpaid, PhoneNumber: "88001122"},
			setup: func(f *fixture) {
				f.users.On("Exists", mock.Anything, "user-1").Return(true, nil)
				f.adapter.On("ValidateAndPriceProduct", mock.Anything, "", "88001122", domain.RechargePostpaid).
					Return(nil, domain.ErrBillAlreadyPaid)
			},
			wantErr: domain.ErrBillAlreadyPaid,
		},
		{
			name: "курс не настроен",
			req:  CreateOrderRequest{Operator: domain.OperatorUnitel, RechargeType: domain.RechargeVoice, ProductCode: "SD1500", PhoneNumber: "88001122"},
			setup: func(f *fixture) {
				f.users.On("Exists", mock.Anything, "user-1").Return(true, nil)
				f.adapter.On("ValidateAndPriceProduct", mock.Anything, "SD1500", "88001122", domain.RechargeVoice).Return(voiceProduct(), nil)
				f.rates.On("Current", mock.Anything, ratePair).Return(decimal.Zero, domain.ErrRateUnavailable)
			},
			wantErr: domain.ErrRateUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			order, err := f.svc.CreateOrder(context.Background(), "user-1", tt.req)

			assert.Nil(t, order)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.repo.Events(), "при ошибке события не пишутся")
		})
	}
}

func TestOrderService_CreateOrder_OperatorUnavailable(t *testing.T) {
	f := newFixture(t)
	f.users.On("Exists", mock.Anything, "user-1").Return(true, nil)
	f.adapter.On("ValidateAndPriceProduct", mock.Anything, "SD1500", "88001122", domain.RechargeVoice).
		Return(nil, errors.New("connection refused"))

	_, err := f.svc.CreateOrder(context.Background(), "user-1", CreateOrderRequest{
		Operator: domain.OperatorUnitel, RechargeType: domain.RechargeVoice, ProductCode: "SD1500", PhoneNumber: "88001122",
	})

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidProduct)
}

// =====================================
// GetOrder / ListMyOrders
// =====================================

func TestOrderService_GetOrder(t *testing.T) {
	f := newFixture(t)
	f.paidOrder(nil)

	order, err := f.svc.GetOrder(context.Background(), "ORD1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD1", order.OrderNumber)

	_, err = f.svc.GetOrder(context.Background(), "ORD1", "user-2")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound, "чужой заказ не отличается от несуществующего")

	_, err = f.svc.GetOrder(context.Background(), "ORD404", "user-1")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderService_ListMyOrders(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.repo.Put(&domain.Order{
			OrderNumber:    fmt.Sprintf("ORD%d", i),
			OwnerID:        "user-1",
			PaymentStatus:  domain.PaymentUnpaid,
			RechargeStatus: domain.RechargePending,
			CreatedAt:      f.now.Add(time.Duration(i) * time.Minute),
		})
	}
	f.repo.Put(&domain.Order{OrderNumber: "ORD99", OwnerID: "user-2", CreatedAt: f.now})

	orders, total, err := f.svc.ListMyOrders(context.Background(), "user-1", ListFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, orders, 2)
	assert.Equal(t, "ORD3", orders[0].OrderNumber)
	assert.Equal(t, "ORD2", orders[1].OrderNumber)

	paid := domain.PaymentPaid
	orders, total, err = f.svc.ListMyOrders(context.Background(), "user-1", ListFilter{PaymentStatus: &paid})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, orders)
}

func TestNormalizePagination(t *testing.T) {
	assert.Equal(t, 1, normalizePage(0))
	assert.Equal(t, 3, normalizePage(3))
	assert.Equal(t, defaultPageSize, normalizePageSize(0))
	assert.Equal(t, maxPageSize, normalizePageSize(1000))
	assert.Equal(t, 7, normalizePageSize(7))
}

// =====================================
// HandlePaymentCallback
// =====================================

func unpaidOrder(f *fixture) {
	f.paidOrder(func(o *domain.Order) {
		o.PaymentStatus = domain.PaymentUnpaid
		o.PaidAt = nil
	})
}

func TestOrderService_HandlePaymentCallback(t *testing.T) {
	t.Run("оплата принята", func(t *testing.T) {
		f := newFixture(t)
		unpaidOrder(f)
		before := promtest.ToFloat64(metrics.PaymentCallbacks.WithLabelValues(string(CallbackAccepted)))

		result, err := f.svc.HandlePaymentCallback(context.Background(), PaymentCallback{OrderNumber: "ORD1", AmountMinor: 333, TransactionID: "wx-1"})

		require.NoError(t, err)
		assert.Equal(t, CallbackAccepted, result)

		stored := f.repo.Get("ORD1")
		assert.Equal(t, domain.PaymentPaid, stored.PaymentStatus)
		assert.Equal(t, domain.RechargePending, stored.RechargeStatus)
		assert.Equal(t, "wx-1", *stored.PaymentTransactionID)
		assert.Nil(t, stored.RechargeClaimedAt, "callback не отправляет пополнение сам")

		events := f.repo.EventsOfType(EventDispatchRequested)
		require.Len(t, events, 1)
		req, err := DecodeDispatchRequest(events[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, "ORD1", req.OrderNumber)

		assert.Equal(t, before+1, promtest.ToFloat64(metrics.PaymentCallbacks.WithLabelValues(string(CallbackAccepted))))
	})

	t.Run("повторный callback", func(t *testing.T) {
		f := newFixture(t)
		f.paidOrder(nil)

		result, err := f.svc.HandlePaymentCallback(context.Background(), PaymentCallback{OrderNumber: "ORD1", AmountMinor: 333})
		require.NoError(t, err)
		assert.Equal(t, CallbackDuplicate, result)
		assert.Empty(t, f.repo.Events())
	})

	t.Run("заказ не найден", func(t *testing.T) {
		f := newFixture(t)

		result, err := f.svc.HandlePaymentCallback(context.Background(), PaymentCallback{OrderNumber: "ORD404", AmountMinor: 333})
		require.NoError(t, err)
		assert.Equal(t, CallbackOrderNotFound, result)
	})

	t.Run("сумма не совпадает", func(t *testing.T) {
		f := newFixture(t)
		unpaidOrder(f)

		result, err := f.svc.HandlePaymentCallback(context.Background(), PaymentCallback{OrderNumber: "ORD1", AmountMinor: 300, TransactionID: "wx-2"})
		require.NoError(t, err)
		assert.Equal(t, CallbackAmountMismatch, result)

		stored := f.repo.Get("ORD1")
		assert.Equal(t, domain.PaymentUnpaid, stored.PaymentStatus, "заказ не отмечается оплаченным")
		require.NotNil(t, stored.AnomalyReason)
		assert.Equal(t, domain.AnomalyAmountMismatch, *stored.AnomalyReason)
		assert.Contains(t, *stored.AnomalyDetails, "ожидалось 333, получено 300")
		assert.Empty(t, f.repo.EventsOfType(EventDispatchRequested))
	})
}

func TestOrderService_HandlePaymentCallback_Concurrent(t *testing.T) {
	f := newFixture(t)
	unpaidOrder(f)

	const n = 20
	results := make(chan CallbackResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.svc.HandlePaymentCallback(context.Background(), PaymentCallback{
				OrderNumber: "ORD1", AmountMinor: 333, TransactionID: fmt.Sprintf("wx-%d", i),
			})
			assert.NoError(t, err)
			results <- r
		}(i)
	}
	wg.Wait()
	close(results)

	counts := map[CallbackResult]int{}
	for r := range results {
		counts[r]++
	}
	assert.Equal(t, 1, counts[CallbackAccepted])
	assert.Equal(t, n-1, counts[CallbackDuplicate]+counts[CallbackLostRace])
	assert.Len(t, f.repo.EventsOfType(EventDispatchRequested), 1, "ровно один запрос на отправку")
}

// =====================================
// DispatchRecharge
// =====================================

func TestOrderService_DispatchRecharge_Success(t *testing.T) {
	f := newFixture(t)
	f.paidOrder(nil)
	f.adapter.On("DispatchRecharge", mock.Anything, mock.MatchedBy(func(o *domain.Order) bool {
		return o.OrderNumber == "ORD1" && o.RechargeClaimedAt != nil
	})).Return(&domain.RechargeOutcome{Result: domain.ResultSuccess, Code: "0", SequenceID: "S1"}, nil).Once()

	status, err := f.svc.DispatchRecharge(context.Background(), "ORD1")
	require.NoError(t, err)
	assert.Equal(t, DispatchSuccess, status)

	stored := f.repo.Get("ORD1")
	assert.Equal(t, domain.RechargeSuccess, stored.RechargeStatus)
	assert.Equal(t, "S1", *stored.OperatorSequenceID)
	assert.NotNil(t, stored.RechargeFinishedAt)
	assert.Len(t, f.repo.EventsOfType(RechargeEventType(domain.RechargeSuccess)), 1)

	// Повторный вызов оператора не трогает.
	status, err = f.svc.DispatchRecharge(context.Background(), "ORD1")
	require.NoError(t, err)
	assert.Equal(t, DispatchAlreadySuccess, status)
	f.adapter.AssertNumberOfCalls(t, "DispatchRecharge", 1)
}

func TestOrderService_DispatchRecharge_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		outcome     *domain.RechargeOutcome
		err         error
		wantStatus  DispatchStatus
		wantSeq     *string
		wantAnomaly string
	}{
		{
			name:        "отказ без sequence id",
			outcome:     &domain.RechargeOutcome{Result: domain.ResultFailed, Code: "E01", Message: "invalid card"},
			wantStatus:  DispatchFailed,
			wantAnomaly: domain.AnomalyFailedWithoutSequence,
		},
		{
			name:       "отказ с sequence id сохраняет sequence id",
			outcome:    &domain.RechargeOutcome{Result: domain.ResultFailed, Code: "E02", SequenceID: "S2"},
			wantStatus: DispatchFailed,
			wantSeq:    strPtr("S2"),
		},
		{
			name:       "pending оставляет заказ на сверку",
			outcome:    &domain.RechargeOutcome{Result: domain.ResultPending, SequenceID: "S3"},
			wantStatus: DispatchPending,
			wantSeq:    strPtr("S3"),
		},
		{
			name:        "таймаут соединения",
			err:         fmt.Errorf("dial tcp 10.0.0.1:443: %w", context.DeadlineExceeded),
			wantStatus:  DispatchTimeout,
			wantAnomaly: domain.AnomalyDispatchTimeout,
		},
		{
			name:       "запрос не отправлен",
			err:        operator.NotSent(errors.New("нет токена")),
			wantStatus: DispatchFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.paidOrder(nil)
			if tt.err != nil {
				f.adapter.On("DispatchRecharge", mock.Anything, mock.Anything).Return(nil, tt.err).Once()
			} else {
				f.adapter.On("DispatchRecharge", mock.Anything, mock.Anything).Return(tt.outcome, nil).Once()
			}

			status, err := f.svc.DispatchRecharge(context.Background(), "ORD1")
			require.NoError(t, err, "ошибки оператора не возвращаются")
			assert.Equal(t, tt.wantStatus, status)

			stored := f.repo.Get("ORD1")
			assert.Equal(t, domain.RechargeStatus(tt.wantStatus), stored.RechargeStatus)
			assert.Equal(t, tt.wantSeq, stored.OperatorSequenceID)
			if tt.wantAnomaly != "" {
				require.NotNil(t, stored.AnomalyReason)
				assert.Equal(t, tt.wantAnomaly, *stored.AnomalyReason)
			} else {
				assert.Nil(t, stored.AnomalyReason)
			}
		})
	}
}

func TestOrderService_DispatchRecharge_NotClaimable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *domain.Order, now time.Time)
	}{
		{name: "заказ не оплачен", mutate: func(o *domain.Order, _ time.Time) {
			o.PaymentStatus = domain.PaymentUnpaid
			o.PaidAt = nil
		}},
		{name: "свежий захват", mutate: func(o *domain.Order, now time.Time) {
			claimed := now.Add(-time.Minute)
			o.RechargeClaimedAt = &claimed
		}},
		{name: "устаревший захват с sequence id", mutate: func(o *domain.Order, now time.Time) {
			claimed := now.Add(-time.Hour)
			o.RechargeClaimedAt = &claimed
			o.OperatorSequenceID = strPtr("S1")
		}},
		{name: "timeout на ручной проверке", mutate: func(o *domain.Order, now time.Time) {
			claimed := now.Add(-time.Hour)
			o.RechargeClaimedAt = &claimed
			o.RechargeStatus = domain.RechargeTimeout
		}},
		{name: "failed без sequence id", mutate: func(o *domain.Order, now time.Time) {
			claimed := now.Add(-time.Hour)
			o.RechargeClaimedAt = &claimed
			o.RechargeStatus = domain.RechargeFailed
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.paidOrder(func(o *domain.Order) { tt.mutate(o, f.now) })

			status, err := f.svc.DispatchRecharge(context.Background(), "ORD1")
			require.NoError(t, err)
			assert.Equal(t, DispatchAlreadyProcessing, status)
			f.adapter.AssertNotCalled(t, "DispatchRecharge", mock.Anything, mock.Anything)
		})
	}
}

func TestOrderService_DispatchRecharge_StaleClaimRecovered(t *testing.T) {
	f := newFixture(t)
	f.paidOrder(func(o *domain.Order) {
		claimed := f.now.Add(-11 * time.Minute)
		o.RechargeClaimedAt = &claimed
	})
	f.adapter.On("DispatchRecharge", mock.Anything, mock.Anything).
		Return(&domain.RechargeOutcome{Result: domain.ResultSuccess, SequenceID: "S1"}, nil).Once()

	status, err := f.svc.DispatchRecharge(context.Background(), "ORD1")
	require.NoError(t, err)
	assert.Equal(t, DispatchSuccess, status)
	assert.Equal(t, f.now, *f.repo.Get("ORD1").RechargeClaimedAt)
}

func TestOrderService_DispatchRecharge_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.paidOrder(nil)
	f.adapter.On("DispatchRecharge", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(&domain.RechargeOutcome{Result: domain.ResultSuccess, SequenceID: "S1"}, nil)

	const n = 10
	statuses := make(chan DispatchStatus, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.svc.DispatchRecharge(context.Background(), "ORD1")
			assert.NoError(t, err)
			statuses <- s
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[DispatchStatus]int{}
	for s := range statuses {
		counts[s]++
	}
	assert.Equal(t, 1, counts[DispatchSuccess])
	assert.Equal(t, n-1, counts[DispatchAlreadyProcessing]+counts[DispatchAlreadySuccess])
	f.adapter.AssertNumberOfCalls(t, "DispatchRecharge", 1)
}

func TestOrderService_DispatchRecharge_SuccessNotOverwritten(t *testing.T) {
	f := newFixture(t)
	f.paidOrder(nil)

	// Пока запрос был у оператора, сверка уже зафиксировала success.
	f.adapter.On("DispatchRecharge", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, f.repo.FinalizeDispatch(context.Background(), "ORD1",
				domain.Finalization{Status: domain.RechargeSuccess, SequenceID: "S1"}, f.now))
		}).
		Return(&domain.RechargeOutcome{Result: domain.ResultFailed, Code: "E09", SequenceID: "S1"}, nil).Once()

	status, err := f.svc.DispatchRecharge(context.Background(), "ORD1")
	require.NoError(t, err)
	assert.Equal(t, DispatchAlreadyProcessing, status)
	assert.Equal(t, domain.RechargeSuccess, f.repo.Get("ORD1").RechargeStatus)
}

func TestOrderService_DispatchRecharge_CallerCancelled(t *testing.T) {
	f := newFixture(t)
	f.paidOrder(nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.adapter.On("DispatchRecharge", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			cancel()
			callCtx := args.Get(0).(context.Context)
			assert.NoError(t, callCtx.Err(), "отмена вызывающего не прерывает запрос к оператору")
			_, hasDeadline := callCtx.Deadline()
			assert.True(t, hasDeadline, "запрос ограничен таймаутом оператора")
		}).
		Return(&domain.RechargeOutcome{Result: domain.ResultSuccess, SequenceID: "S1"}, nil).Once()

	status, err := f.svc.DispatchRecharge(ctx, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, DispatchSuccess, status)
	assert.Equal(t, domain.RechargeSuccess, f.repo.Get("ORD1").RechargeStatus)
}

func TestOrderService_DispatchRecharge_OrderNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DispatchRecharge(context.Background(), "ORD404")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

// Сценарий: создание по курсу 450, двойной callback, успешное пополнение.
func TestOrderService_Scenario_PaidAndRecharged(t *testing.T) {
	f := newFixture(t)
	f.users.On("Exists", mock.Anything, "user-1").Return(true, nil)
	f.adapter.On("ValidateAndPriceProduct", mock.Anything, "SD1500", "88001122", domain.RechargeVoice).Return(voiceProduct(), nil)
	f.rates.On("Current", mock.Anything, ratePair).Return(decimal.NewFromInt(450), nil)
	f.adapter.On("DispatchRecharge", mock.Anything, mock.Anything).
		Return(&domain.RechargeOutcome{Result: domain.ResultSuccess, SequenceID: "S1"}, nil).Once()

	order, err := f.svc.CreateOrder(context.Background(), "user-1", CreateOrderRequest{
		Operator: domain.OperatorUnitel, RechargeType: domain.RechargeVoice, ProductCode: "SD1500", PhoneNumber: "88001122",
	})
	require.NoError(t, err)
	assert.Equal(t, "3.33", order.PriceSettlement.StringFixed(2))

	cb := PaymentCallback{OrderNumber: order.OrderNumber, AmountMinor: 333, TransactionID: "wx-1"}
	r1, err := f.svc.HandlePaymentCallback(context.Background(), cb)
	require.NoError(t, err)
	r2, err := f.svc.HandlePaymentCallback(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, CallbackAccepted, r1)
	assert.Equal(t, CallbackDuplicate, r2)

	status, err := f.svc.DispatchRecharge(context.Background(), order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, DispatchSuccess, status)

	stored := f.repo.Get(order.OrderNumber)
	assert.Equal(t, domain.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, domain.RechargeSuccess, stored.RechargeStatus)
	assert.Equal(t, "S1", *stored.OperatorSequenceID)
}

// =====================================
// ReconcileDispatch
// =====================================

func TestOrderService_ReconcileDispatch(t *testing.T) {
	tests := []struct {
		name       string
		result     domain.OperatorResult
		wantStatus DispatchStatus
		wantStored domain.RechargeStatus
	}{
		{name: "подтверждён успех", result: domain.ResultSuccess, wantStatus: DispatchSuccess, wantStored: domain.RechargeSuccess},
		{name: "подтверждён отказ", result: domain.ResultFailed, wantStatus: DispatchFailed, wantStored: domain.RechargeFailed},
		{name: "ещё в обработке", result: domain.ResultPending, wantStatus: DispatchPending, wantStored: domain.RechargePending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			order := f.paidOrder(func(o *domain.Order) {
				claimed := f.now.Add(-time.Hour)
				o.RechargeClaimedAt = &claimed
				o.OperatorSequenceID = strPtr("S7")
			})
			f.adapter.On("QueryDispatchResult", mock.Anything, "S7").
				Return(&domain.DispatchResult{Result: tt.result, Code: "0"}, nil).Once()

			status, err := f.svc.ReconcileDispatch(context.Background(), order)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantStored, f.repo.Get("ORD1").RechargeStatus)
			f.adapter.AssertNotCalled(t, "DispatchRecharge", mock.Anything, mock.Anything)
		})
	}
}

func TestOrderService_ReconcileDispatch_Errors(t *testing.T) {
	t.Run("без sequence id", func(t *testing.T) {
		f := newFixture(t)
		order := f.paidOrder(nil)

		_, err := f.svc.ReconcileDispatch(context.Background(), order)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("оператор недоступен", func(t *testing.T) {
		f := newFixture(t)
		order := f.paidOrder(func(o *domain.Order) { o.OperatorSequenceID = strPtr("S7") })
		f.adapter.On("QueryDispatchResult", mock.Anything, "S7").Return(nil, errors.New("connection reset")).Once()

		_, err := f.svc.ReconcileDispatch(context.Background(), order)
		assert.Error(t, err)
		assert.Equal(t, domain.RechargePending, f.repo.Get("ORD1").RechargeStatus)
	})
}
