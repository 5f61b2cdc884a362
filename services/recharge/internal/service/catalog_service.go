package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/exchangerate"
	"example.com/topup-engine/services/recharge/internal/operator"
)

// ProductQuote — позиция каталога с ценой к оплате по текущему курсу.
// Цена в заказе всё равно фиксируется заново при CreateOrder.
type ProductQuote struct {
	Product         domain.ProductInfo
	PriceSettlement decimal.Decimal
}

// CatalogService — публичное чтение каталога и счетов оператора.
type CatalogService interface {
	// ListProducts возвращает товары оператора, доступные номеру, с ценой в CNY.
	ListProducts(ctx context.Context, op domain.Operator, phoneNumber string, rechargeType domain.RechargeType) ([]ProductQuote, error)

	// QueryBill возвращает задолженность постоплатного номера.
	QueryBill(ctx context.Context, op domain.Operator, phoneNumber string) (*domain.BillInfo, error)
}

type catalogService struct {
	operators *operator.Registry
	rates     exchangerate.Service
	ratePair  string
}

// NewCatalogService создаёт сервис каталога.
func NewCatalogService(operators *operator.Registry, rates exchangerate.Service, ratePair string) CatalogService {
	return &catalogService{operators: operators, rates: rates, ratePair: ratePair}
}

// ListProducts запрашивает каталог у адаптера и пересчитывает цены по курсу.
// Позиции, для которых цена не считается, пропускаются.
func (c *catalogService) ListProducts(ctx context.Context, op domain.Operator, phoneNumber string, rechargeType domain.RechargeType) ([]ProductQuote, error) {
	phone := strings.TrimSpace(phoneNumber)
	if phone == "" {
		return nil, domain.ErrInvalidPhoneNumber
	}
	rechargeType, err := domain.ParseRechargeType(string(rechargeType))
	if err != nil {
		return nil, err
	}

	adapter, err := c.operators.Get(op)
	if err != nil {
		return nil, err
	}
	catalog, ok := adapter.(operator.Catalog)
	if !ok {
		return nil, domain.ErrUnsupportedOperator
	}

	products, err := catalog.ListProducts(ctx, phone, rechargeType)
	if err != nil {
		switch {
		case errors.Is(err, operator.ErrProductNotFound):
			return nil, domain.ErrInvalidProduct
		case errors.Is(err, domain.ErrInvalidRechargeType):
			return nil, err
		}
		logger.Ctx(ctx).Error().Err(err).
			Str("operator", string(op)).
			Str("phone", logger.MaskPhone(phone)).
			Msg("Ошибка получения каталога оператора")
		return nil, fmt.Errorf("ошибка получения каталога: %w", err)
	}

	rate, err := c.rates.Current(ctx, c.ratePair)
	if err != nil {
		if errors.Is(err, domain.ErrRateUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения курса: %w", err)
	}

	quotes := make([]ProductQuote, 0, len(products))
	for _, p := range products {
		price, err := domain.SettlementPrice(p.Price, rate)
		if err != nil {
			continue
		}
		quotes = append(quotes, ProductQuote{Product: p, PriceSettlement: price})
	}
	return quotes, nil
}

// QueryBill запрашивает счёт. Оператор без постоплаты — ErrUnsupportedOperator.
func (c *catalogService) QueryBill(ctx context.Context, op domain.Operator, phoneNumber string) (*domain.BillInfo, error) {
	phone := strings.TrimSpace(phoneNumber)
	if phone == "" {
		return nil, domain.ErrInvalidPhoneNumber
	}

	adapter, err := c.operators.Get(op)
	if err != nil {
		return nil, err
	}
	bills, ok := adapter.(operator.BillQuerier)
	if !ok {
		return nil, domain.ErrUnsupportedOperator
	}

	bill, err := bills.QueryOutstandingBill(ctx, phone)
	if err != nil {
		if errors.Is(err, domain.ErrNoOutstandingBill) {
			return nil, err
		}
		logger.Ctx(ctx).Error().Err(err).
			Str("operator", string(op)).
			Str("phone", logger.MaskPhone(phone)).
			Msg("Ошибка запроса счёта у оператора")
		return nil, fmt.Errorf("ошибка запроса счёта: %w", err)
	}
	return bill, nil
}
