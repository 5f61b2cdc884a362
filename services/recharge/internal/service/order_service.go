// Package service содержит бизнес-логику сервиса пополнений:
// создание заказов, обработку оплаты и единственную отправку пополнения оператору.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/pkg/metrics"
	"example.com/topup-engine/pkg/tracing"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/exchangerate"
	"example.com/topup-engine/services/recharge/internal/operator"
	"example.com/topup-engine/services/recharge/internal/repository"
)

// Константы для валидации пагинации.
const (
	defaultPage     = 1
	defaultPageSize = 20
	maxPageSize     = 100
	minPageSize     = 1
)

// CallbackResult — итог обработки платёжного callback.
type CallbackResult string

const (
	CallbackAccepted       CallbackResult = "accepted"
	CallbackDuplicate      CallbackResult = "duplicate"
	CallbackLostRace       CallbackResult = "lost_race"
	CallbackAmountMismatch CallbackResult = "amount_mismatch"
	CallbackOrderNotFound  CallbackResult = "not_found"
)

// DispatchStatus — итог вызова DispatchRecharge.
type DispatchStatus string

const (
	DispatchAlreadySuccess    DispatchStatus = "already_success"
	DispatchAlreadyProcessing DispatchStatus = "already_processing"
	DispatchSuccess           DispatchStatus = "success"
	DispatchFailed            DispatchStatus = "failed"
	DispatchTimeout           DispatchStatus = "timeout"
	DispatchPending           DispatchStatus = "pending"
)

// CreateOrderRequest — параметры нового заказа.
type CreateOrderRequest struct {
	Operator     domain.Operator
	RechargeType domain.RechargeType
	ProductCode  string
	PhoneNumber  string
}

// ListFilter — фильтр и пагинация списка заказов пользователя.
type ListFilter struct {
	PaymentStatus  *domain.PaymentStatus
	RechargeStatus *domain.RechargeStatus
	From           *time.Time
	To             *time.Time
	Page           int
	PageSize       int
}

// PaymentCallback — подтверждение оплаты от кошелька.
type PaymentCallback struct {
	OrderNumber   string
	AmountMinor   int64 // Сумма в фэнях
	TransactionID string
}

// OrderNumberSource выдаёт номера новых заказов.
type OrderNumberSource interface {
	NewOrderNumber() string
}

// Config — настройки сервиса заказов.
type Config struct {
	// RatePair — валютная пара курса (MNT_TO_CNY).
	RatePair string

	// RecoveryWindow — через сколько захват без sequence id можно перезахватить.
	RecoveryWindow time.Duration

	// OperatorTimeout ограничивает один вызов оператора.
	OperatorTimeout time.Duration
}

// OrderService определяет интерфейс бизнес-логики заказов пополнения.
type OrderService interface {
	// CreateOrder проверяет товар у оператора, фиксирует цену и курс и создаёт неоплаченный заказ.
	CreateOrder(ctx context.Context, ownerID string, req CreateOrderRequest) (*domain.Order, error)

	// GetOrder возвращает заказ владельца. Чужой заказ — ErrOrderNotFound.
	GetOrder(ctx context.Context, orderNumber, ownerID string) (*domain.Order, error)

	// ListMyOrders возвращает заказы владельца с фильтром и пагинацией.
	ListMyOrders(ctx context.Context, ownerID string, filter ListFilter) ([]*domain.Order, int64, error)

	// HandlePaymentCallback применяет подтверждение оплаты. Идемпотентен.
	// Ошибка возвращается только при сбое хранилища.
	HandlePaymentCallback(ctx context.Context, cb PaymentCallback) (CallbackResult, error)

	// DispatchRecharge отправляет пополнение не более одного раза на заказ.
	// Ошибки оператора сохраняются в заказе и не возвращаются.
	DispatchRecharge(ctx context.Context, orderNumber string) (DispatchStatus, error)

	// ReconcileDispatch запрашивает у оператора итог отправленного запроса
	// и фиксирует success или failed. Повторно не отправляет.
	ReconcileDispatch(ctx context.Context, order *domain.Order) (DispatchStatus, error)
}

// orderService — реализация OrderService.
type orderService struct {
	orders    repository.OrderRepository
	users     repository.UserRepository
	operators *operator.Registry
	rates     exchangerate.Service
	numbers   OrderNumberSource
	cfg       Config
	now       func() time.Time
}

// NewOrderService создаёт новый сервис заказов.
func NewOrderService(
	orders repository.OrderRepository,
	users repository.UserRepository,
	operators *operator.Registry,
	rates exchangerate.Service,
	numbers OrderNumberSource,
	cfg Config,
) OrderService {
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 10 * time.Minute
	}
	if cfg.OperatorTimeout <= 0 {
		cfg.OperatorTimeout = 30 * time.Second
	}
	return &orderService{
		orders:    orders,
		users:     users,
		operators: operators,
		rates:     rates,
		numbers:   numbers,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CreateOrder создаёт заказ в состоянии (unpaid, pending).
func (s *orderService) CreateOrder(ctx context.Context, ownerID string, req CreateOrderRequest) (*domain.Order, error) {
	log := logger.FromContext(ctx).With().
		Str("owner_id", ownerID).
		Str("operator", string(req.Operator)).
		Logger()

	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		return nil, domain.ErrInvalidPhoneNumber
	}
	rechargeType, err := domain.ParseRechargeType(string(req.RechargeType))
	if err != nil {
		return nil, err
	}

	exists, err := s.users.Exists(ctx, ownerID)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка проверки владельца заказа")
		return nil, fmt.Errorf("ошибка проверки пользователя: %w", err)
	}
	if !exists {
		return nil, domain.ErrOwnerNotFound
	}

	adapter, err := s.operators.Get(req.Operator)
	if err != nil {
		return nil, err
	}

	// Цену берём только из каталога оператора.
	product, err := adapter.ValidateAndPriceProduct(ctx, req.ProductCode, phone, rechargeType)
	if err != nil {
		switch {
		case errors.Is(err, operator.ErrProductNotFound):
			log.Warn().Err(err).Str("product_code", req.ProductCode).Msg("Товар не найден у оператора")
			return nil, domain.ErrInvalidProduct
		case errors.Is(err, domain.ErrBillAlreadyPaid),
			errors.Is(err, domain.ErrNoOutstandingBill),
			errors.Is(err, domain.ErrInvalidRechargeType):
			return nil, err
		}
		log.Error().Err(err).Str("product_code", req.ProductCode).Msg("Ошибка проверки товара у оператора")
		return nil, fmt.Errorf("ошибка проверки товара: %w", err)
	}

	rate, err := s.rates.Current(ctx, s.cfg.RatePair)
	if err != nil {
		if errors.Is(err, domain.ErrRateUnavailable) {
			log.Error().Str("pair", s.cfg.RatePair).Msg("Курс валют не настроен")
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения курса: %w", err)
	}

	order, err := domain.NewOrder(s.numbers.NewOrderNumber(), ownerID, phone, *product, rate)
	if err != nil {
		return nil, err
	}
	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now

	event, err := newOrderCreatedEvent(ctx, order, now)
	if err != nil {
		return nil, err
	}

	if err := s.orders.Create(ctx, order, event); err != nil {
		log.Error().Err(err).Str("order_number", order.OrderNumber).Msg("Ошибка создания заказа")
		if errors.Is(err, domain.ErrDuplicateOrder) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка создания заказа: %w", err)
	}

	metrics.OrdersCreated.WithLabelValues(string(order.Product.Operator), string(order.Product.RechargeType)).Inc()

	log.Info().
		Str("order_number", order.OrderNumber).
		Str("phone", logger.MaskPhone(order.PhoneNumber)).
		Str("product_code", order.Product.Code).
		Str("price_source", order.Product.Price.String()).
		Str("price_settlement", order.PriceSettlement.StringFixed(2)).
		Str("exchange_rate", rate.String()).
		Msg("Заказ пополнения создан")

	return order, nil
}

// GetOrder возвращает заказ, если он принадлежит ownerID.
func (s *orderService) GetOrder(ctx context.Context, orderNumber, ownerID string) (*domain.Order, error) {
	order, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, err
		}
		logger.Ctx(ctx).Error().Err(err).Str("order_number", orderNumber).Msg("Ошибка получения заказа")
		return nil, fmt.Errorf("ошибка получения заказа: %w", err)
	}

	// Чужой заказ неотличим от несуществующего.
	if order.OwnerID != ownerID {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListMyOrders возвращает заказы владельца, новые первыми.
func (s *orderService) ListMyOrders(ctx context.Context, ownerID string, filter ListFilter) ([]*domain.Order, int64, error) {
	page := normalizePage(filter.Page)
	pageSize := normalizePageSize(filter.PageSize)

	orders, total, err := s.orders.ListByOwner(ctx, ownerID, repository.OrderFilter{
		PaymentStatus:  filter.PaymentStatus,
		RechargeStatus: filter.RechargeStatus,
		From:           filter.From,
		To:             filter.To,
		Offset:         (page - 1) * pageSize,
		Limit:          pageSize,
	})
	if err != nil {
		logger.Ctx(ctx).Error().
			Err(err).
			Str("owner_id", ownerID).
			Int("page", page).
			Int("page_size", pageSize).
			Msg("Ошибка получения списка заказов")
		return nil, 0, fmt.Errorf("ошибка получения списка заказов: %w", err)
	}

	return orders, total, nil
}

// HandlePaymentCallback переводит заказ в paid и ставит отправку в очередь.
// Запрос на отправку пишется в outbox той же транзакцией, что и оплата.
func (s *orderService) HandlePaymentCallback(ctx context.Context, cb PaymentCallback) (CallbackResult, error) {
	ctx = logger.WithOrderNumber(ctx, cb.OrderNumber)
	log := logger.FromContext(ctx).With().Str("transaction_id", cb.TransactionID).Logger()

	result, err := s.handlePaymentCallback(ctx, cb)
	if err != nil {
		metrics.PaymentCallbacks.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("Ошибка обработки платёжного callback")
		return "", err
	}

	metrics.PaymentCallbacks.WithLabelValues(string(result)).Inc()
	log.Info().Str("result", string(result)).Msg("Платёжный callback обработан")
	return result, nil
}

func (s *orderService) handlePaymentCallback(ctx context.Context, cb PaymentCallback) (CallbackResult, error) {
	order, err := s.orders.GetByNumber(ctx, cb.OrderNumber)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return CallbackOrderNotFound, nil
		}
		return "", fmt.Errorf("ошибка получения заказа: %w", err)
	}

	if order.IsPaid() {
		return CallbackDuplicate, nil
	}

	if expected := order.AmountMinor(); cb.AmountMinor != expected {
		details := fmt.Sprintf("ожидалось %d, получено %d, transaction_id=%s", expected, cb.AmountMinor, cb.TransactionID)
		if err := s.orders.FlagAnomaly(ctx, cb.OrderNumber, domain.AnomalyAmountMismatch, details); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Не удалось записать аномалию суммы")
		}
		logger.Ctx(ctx).Warn().
			Int64("expected", expected).
			Int64("received", cb.AmountMinor).
			Msg("Сумма оплаты не совпадает с заказом")
		return CallbackAmountMismatch, nil
	}

	now := s.now()
	event, err := newDispatchRequestedEvent(ctx, cb.OrderNumber, cb.TransactionID, now)
	if err != nil {
		return "", err
	}

	if err := s.orders.MarkPaid(ctx, cb.OrderNumber, cb.TransactionID, now, event); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			return CallbackLostRace, nil
		}
		return "", fmt.Errorf("ошибка отметки оплаты: %w", err)
	}

	return CallbackAccepted, nil
}

// DispatchRecharge захватывает заказ и отправляет ровно один запрос оператору.
func (s *orderService) DispatchRecharge(ctx context.Context, orderNumber string) (DispatchStatus, error) {
	ctx, span := tracing.StartOrderSpan(ctx, "recharge.dispatch", orderNumber)
	defer span.End()

	status, err := s.dispatchRecharge(logger.WithOrderNumber(ctx, orderNumber), orderNumber)
	if err != nil {
		tracing.Fail(span, err)
		return "", err
	}
	tracing.SetRechargeStatus(span, string(status))
	return status, nil
}

func (s *orderService) dispatchRecharge(ctx context.Context, orderNumber string) (DispatchStatus, error) {
	log := logger.FromContext(ctx)

	order, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return "", err
		}
		return "", fmt.Errorf("ошибка получения заказа: %w", err)
	}
	op := string(order.Product.Operator)

	if order.RechargeStatus == domain.RechargeSuccess {
		metrics.RecordDispatch(op, string(DispatchAlreadySuccess))
		return DispatchAlreadySuccess, nil
	}

	now := s.now()
	if err := s.orders.ClaimDispatch(ctx, orderNumber, now, s.cfg.RecoveryWindow); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			log.Debug().Str("recharge_status", string(order.RechargeStatus)).Msg("Заказ уже захвачен или не ожидает отправки")
			metrics.RecordDispatch(op, string(DispatchAlreadyProcessing))
			return DispatchAlreadyProcessing, nil
		}
		return "", fmt.Errorf("ошибка захвата заказа: %w", err)
	}
	order.RechargeClaimedAt = &now

	// Отправленный запрос не отменяем вместе с вызывающим: ждём ответа до таймаута оператора
	// и сохраняем итог даже после отмены ctx.
	detached := context.WithoutCancel(ctx)
	f := s.callOperator(detached, order)

	if err := s.finalize(detached, order, f); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			log.Warn().Str("recharge_status", string(f.Status)).Msg("Итог пополнения уже зафиксирован другим процессом")
			metrics.RecordDispatch(op, string(DispatchAlreadyProcessing))
			return DispatchAlreadyProcessing, nil
		}
		log.Error().Err(err).Str("recharge_status", string(f.Status)).Msg("Ошибка сохранения итога пополнения")
		return "", fmt.Errorf("ошибка сохранения итога пополнения: %w", err)
	}

	status := DispatchStatus(f.Status)
	metrics.RecordDispatch(op, string(status))
	return status, nil
}

// callOperator выполняет единственный вызов адаптера и строит итог попытки.
func (s *orderService) callOperator(ctx context.Context, order *domain.Order) domain.Finalization {
	log := logger.FromContext(ctx).With().Str("operator", string(order.Product.Operator)).Logger()

	adapter, err := s.operators.Get(order.Product.Operator)
	if err != nil {
		log.Error().Err(err).Msg("Нет адаптера оператора для заказа")
		return domain.Finalization{Status: domain.RechargeFailed, Message: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.OperatorTimeout)
	defer cancel()

	outcome, err := adapter.DispatchRecharge(callCtx, order)
	if err != nil {
		status := operator.Classify(err)
		f := domain.Finalization{Status: status, Message: err.Error()}
		if status == domain.RechargeTimeout {
			f.AnomalyReason = domain.AnomalyDispatchTimeout
			f.AnomalyDetails = "исход запроса неизвестен: " + err.Error()
			log.Error().Err(err).Msg("Таймаут отправки пополнения, заказ передан на ручную проверку")
		} else {
			log.Warn().Err(err).Msg("Отправка пополнения не удалась")
		}
		return f
	}

	f := domain.FinalizationFromOutcome(outcome)
	if f.AnomalyReason != "" {
		log.Warn().Str("code", f.Code).Str("reason", f.AnomalyReason).Msg("Оператор отклонил пополнение без sequence id")
	}
	return f
}

// ReconcileDispatch фиксирует итог ранее отправленного запроса.
func (s *orderService) ReconcileDispatch(ctx context.Context, order *domain.Order) (DispatchStatus, error) {
	ctx = logger.WithOrderNumber(ctx, order.OrderNumber)
	if !order.HasSequence() {
		return "", fmt.Errorf("сверка без sequence id: %w", domain.ErrInvalidState)
	}

	adapter, err := s.operators.Get(order.Product.Operator)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.OperatorTimeout)
	defer cancel()

	res, err := adapter.QueryDispatchResult(callCtx, *order.OperatorSequenceID)
	if err != nil {
		return "", fmt.Errorf("ошибка сверки с оператором: %w", err)
	}

	status := domain.StatusForResult(res.Result)
	if status == domain.RechargePending {
		return DispatchPending, nil
	}

	f := domain.Finalization{
		Status:     status,
		SequenceID: *order.OperatorSequenceID,
		Code:       res.Code,
		Message:    res.Message,
	}
	if err := s.finalize(ctx, order, f); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			return DispatchAlreadyProcessing, nil
		}
		return "", fmt.Errorf("ошибка сохранения итога сверки: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("recharge_status", string(status)).
		Str("sequence_id", f.SequenceID).
		Msg("Итог пополнения подтверждён сверкой")

	metrics.RecordDispatch(string(order.Product.Operator), string(status))
	return DispatchStatus(status), nil
}

// finalize сохраняет итог попытки вместе с событием recharge.<status>.
func (s *orderService) finalize(ctx context.Context, order *domain.Order, f domain.Finalization) error {
	now := s.now()
	event, err := newRechargeFinishedEvent(ctx, order, f, now)
	if err != nil {
		return err
	}
	if err := s.orders.FinalizeDispatch(ctx, order.OrderNumber, f, now, event); err != nil {
		return err
	}

	logger.Ctx(ctx).Info().
		Str("recharge_status", string(f.Status)).
		Str("sequence_id", f.SequenceID).
		Str("code", f.Code).
		Msg("Итог пополнения сохранён")
	return nil
}

// normalizePage нормализует номер страницы.
func normalizePage(page int) int {
	if page < defaultPage {
		return defaultPage
	}
	return page
}

// normalizePageSize нормализует размер страницы.
func normalizePageSize(pageSize int) int {
	if pageSize < minPageSize {
		return defaultPageSize
	}
	if pageSize > maxPageSize {
		return maxPageSize
	}
	return pageSize
}
