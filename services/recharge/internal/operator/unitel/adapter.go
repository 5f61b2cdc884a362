package unitel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/operator"
)

const (
	operatorName = domain.OperatorUnitel

	// PostpaidProductCode — условный товар оплаты постоплатного счёта.
	PostpaidProductCode = "POSTPAID_BILL"
	postpaidProductName = "Postpaid Bill Payment"

	// journalPrefix помечает sequence id, построенный из номера заказа.
	// Такие запросы сверяются по journal_id.
	journalPrefix = "journal:"

	vatFlag = "1"
)

// Описания транзакций по типу пополнения.
var descriptions = map[domain.RechargeType]string{
	domain.RechargeVoice:    "Recharge",
	domain.RechargeData:     "Data Package",
	domain.RechargePostpaid: "Bill Payment",
}

// Adapter — адаптер оператора Unitel.
type Adapter struct {
	client *Client
}

var (
	_ operator.Adapter     = (*Adapter)(nil)
	_ operator.BillQuerier = (*Adapter)(nil)
	_ operator.Catalog     = (*Adapter)(nil)
)

// NewAdapter создаёт адаптер поверх клиента.
func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

// Name возвращает идентификатор оператора.
func (a *Adapter) Name() domain.Operator {
	return operatorName
}

// ValidateAndPriceProduct ищет товар в каталоге номера.
// Для постоплаты товар один: задолженность по счёту.
func (a *Adapter) ValidateAndPriceProduct(ctx context.Context, productCode, phoneNumber string, rechargeType domain.RechargeType) (*domain.ProductInfo, error) {
	if rechargeType == domain.RechargePostpaid {
		return a.pricePostpaid(ctx, phoneNumber)
	}

	items, err := a.catalog(ctx, phoneNumber, rechargeType)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if item.code() != productCode {
			continue
		}
		if !item.price().IsPositive() {
			return nil, fmt.Errorf("%w: некорректная цена %q", operator.ErrProductNotFound, cast.ToString(item.Price))
		}
		product := toProduct(item, rechargeType)
		return &product, nil
	}

	return nil, operator.ErrProductNotFound
}

// ListProducts возвращает карты или пакеты, доступные номеру.
// Позиции без корректной цены пропускаются: купить их всё равно нельзя.
func (a *Adapter) ListProducts(ctx context.Context, phoneNumber string, rechargeType domain.RechargeType) ([]domain.ProductInfo, error) {
	items, err := a.catalog(ctx, phoneNumber, rechargeType)
	if err != nil {
		return nil, err
	}

	products := make([]domain.ProductInfo, 0, len(items))
	for _, item := range items {
		if item.code() == "" || !item.price().IsPositive() {
			continue
		}
		products = append(products, toProduct(item, rechargeType))
	}
	return products, nil
}

// catalog запрашивает servicetype и выбирает раздел по типу пополнения.
func (a *Adapter) catalog(ctx context.Context, phoneNumber string, rechargeType domain.RechargeType) ([]catalogItem, error) {
	if rechargeType != domain.RechargeVoice && rechargeType != domain.RechargeData {
		return nil, domain.ErrInvalidRechargeType
	}

	var resp serviceTypeResponse
	if err := a.client.call(ctx, "servicetype", pathServiceType, serviceTypeRequest{MSISDN: phoneNumber, Info: "1"}, &resp); err != nil {
		return nil, fmt.Errorf("ошибка получения каталога Unitel: %w", err)
	}
	if domain.NormalizeResult(resp.Result) == domain.ResultFailed {
		return nil, fmt.Errorf("%w: %s", operator.ErrProductNotFound, resp.Msg)
	}

	if rechargeType == domain.RechargeData {
		return resp.dataPackages(), nil
	}
	return resp.cards(), nil
}

func toProduct(item catalogItem, rechargeType domain.RechargeType) domain.ProductInfo {
	name := cast.ToString(item.Name)
	if name == "" {
		name = cast.ToString(item.EngName)
	}
	return domain.ProductInfo{
		Operator:     operatorName,
		RechargeType: rechargeType,
		Code:         item.code(),
		Name:         name,
		Price:        item.price(),
		Unit:         cast.ToString(item.Unit),
		Data:         cast.ToString(item.Data),
		Days:         cast.ToString(item.Days),
	}
}

func (a *Adapter) pricePostpaid(ctx context.Context, phoneNumber string) (*domain.ProductInfo, error) {
	bill, err := a.QueryOutstandingBill(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	if bill.Paid {
		return nil, domain.ErrBillAlreadyPaid
	}
	if !bill.TotalUnpaid.IsPositive() {
		return nil, domain.ErrNoOutstandingBill
	}
	return &domain.ProductInfo{
		Operator:     operatorName,
		RechargeType: domain.RechargePostpaid,
		Code:         PostpaidProductCode,
		Name:         postpaidProductName,
		Price:        bill.TotalUnpaid,
	}, nil
}

// QueryOutstandingBill запрашивает задолженность постоплатного номера.
func (a *Adapter) QueryOutstandingBill(ctx context.Context, phoneNumber string) (*domain.BillInfo, error) {
	var resp postpaidBillResponse
	if err := a.client.call(ctx, "postpaid_bill", pathPostpaidBill, postpaidBillRequest{Owner: phoneNumber, MSISDN: phoneNumber}, &resp); err != nil {
		return nil, fmt.Errorf("ошибка запроса счёта Unitel: %w", err)
	}
	if domain.NormalizeResult(resp.Result) == domain.ResultFailed {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoOutstandingBill, resp.Msg)
	}

	total, err := decimal.NewFromString(cast.ToString(resp.TotalUnpaid))
	if err != nil {
		total = decimal.Zero
	}
	return &domain.BillInfo{
		PhoneNumber: phoneNumber,
		TotalUnpaid: total,
		Paid:        strings.EqualFold(resp.InvoiceStatus, "paid"),
	}, nil
}

// DispatchRecharge отправляет один запрос на пополнение.
// journal_id = номер заказа.
func (a *Adapter) DispatchRecharge(ctx context.Context, order *domain.Order) (*domain.RechargeOutcome, error) {
	tx := []transaction{{
		JournalID:   order.OrderNumber,
		Amount:      order.Product.Price.String(),
		Description: descriptions[order.Product.RechargeType],
	}}

	var (
		call string
		path string
		req  any
	)
	switch order.Product.RechargeType {
	case domain.RechargeVoice:
		call, path = "recharge", pathRecharge
		req = rechargeRequest{MSISDN: order.PhoneNumber, Card: order.Product.Code, VATFlag: vatFlag, Transactions: tx}
	case domain.RechargeData:
		call, path = "datapackage", pathDataPackage
		req = dataPackageRequest{MSISDN: order.PhoneNumber, Package: order.Product.Code, VATFlag: vatFlag, Transactions: tx}
	case domain.RechargePostpaid:
		call, path = "postpaid_payment", pathPostpaidPayment
		req = postpaidPaymentRequest{
			MSISDN:       order.PhoneNumber,
			Amount:       order.Product.Price.String(),
			Remark:       "Bill Payment",
			VATFlag:      vatFlag,
			Transactions: tx,
		}
	default:
		return nil, operator.NotSent(domain.ErrInvalidRechargeType)
	}

	log := logger.Ctx(ctx).With().
		Str("recharge_type", string(order.Product.RechargeType)).
		Logger()

	var resp dispatchResponse
	err := a.client.call(ctx, call, path, req, &resp)
	if err != nil {
		var se *HTTPStatusError
		switch {
		case errors.As(err, &se) && se.StatusCode >= http.StatusInternalServerError:
			// Запрос дошёл, исход неизвестен: ждём сверки по journal_id.
			log.Warn().Int("http_status", se.StatusCode).Msg("Unitel ответил 5xx на пополнение")
			return &domain.RechargeOutcome{
				Result:     domain.ResultPending,
				Code:       strconv.Itoa(se.StatusCode),
				Message:    se.Body,
				SequenceID: journalSequence(order.OrderNumber),
			}, nil
		case errors.As(err, &se):
			log.Warn().Int("http_status", se.StatusCode).Msg("Unitel отклонил пополнение")
			return &domain.RechargeOutcome{
				Result:  domain.ResultFailed,
				Code:    strconv.Itoa(se.StatusCode),
				Message: se.Body,
			}, nil
		case errors.Is(err, ErrInvalidResponse):
			log.Warn().Err(err).Msg("Не удалось разобрать ответ Unitel на пополнение")
			return &domain.RechargeOutcome{
				Result:     domain.ResultPending,
				Message:    err.Error(),
				SequenceID: journalSequence(order.OrderNumber),
			}, nil
		}
		return nil, err
	}

	outcome := &domain.RechargeOutcome{
		Result:     domain.NormalizeResult(resp.Result),
		Code:       cast.ToString(resp.Code),
		Message:    resp.Msg,
		SequenceID: resp.sequenceID(),
	}
	// Оператор принял запрос, но не вернул seq: сверяем по journal_id.
	if outcome.SequenceID == "" && outcome.Result != domain.ResultFailed {
		outcome.SequenceID = journalSequence(order.OrderNumber)
	}

	log.Info().
		Str("result", string(outcome.Result)).
		Str("code", outcome.Code).
		Str("sequence_id", outcome.SequenceID).
		Msg("Ответ Unitel на пополнение")

	return outcome, nil
}

// QueryDispatchResult сверяет ранее отправленный запрос по seq_id или journal_id.
func (a *Adapter) QueryDispatchResult(ctx context.Context, sequenceID string) (*domain.DispatchResult, error) {
	req := checkTransactionRequest{SeqID: sequenceID}
	if journalID, ok := strings.CutPrefix(sequenceID, journalPrefix); ok {
		req = checkTransactionRequest{JournalID: journalID}
	}

	var resp checkTransactionResponse
	if err := a.client.call(ctx, "checktransaction", pathCheckTransaction, req, &resp); err != nil {
		return nil, fmt.Errorf("ошибка сверки транзакции %s: %w", sequenceID, err)
	}

	raw := resp.Status
	if raw == "" {
		raw = resp.Result
	}
	return &domain.DispatchResult{
		Result:  domain.NormalizeResult(raw),
		Code:    cast.ToString(resp.Code),
		Message: resp.Msg,
	}, nil
}

func journalSequence(orderNumber string) string {
	return journalPrefix + orderNumber
}
