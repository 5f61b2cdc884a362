package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus — статус оплаты заказа.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// RechargeStatus — статус пополнения у оператора.
type RechargeStatus string

const (
	// RechargePending — пополнение ещё не отправлено или результат не подтверждён.
	RechargePending RechargeStatus = "pending"

	// RechargeSuccess — оператор подтвердил пополнение. Терминальный статус.
	RechargeSuccess RechargeStatus = "success"

	// RechargeFailed — оператор отклонил запрос или запрос не был отправлен.
	RechargeFailed RechargeStatus = "failed"

	// RechargeTimeout — исход неизвестен: запрос мог дойти до оператора.
	// Только ручная проверка, автоматически не повторяется.
	RechargeTimeout RechargeStatus = "timeout"
)

// Valid возвращает true для известных статусов пополнения.
func (s RechargeStatus) Valid() bool {
	switch s {
	case RechargePending, RechargeSuccess, RechargeFailed, RechargeTimeout:
		return true
	}
	return false
}

// Operator — идентификатор оператора связи.
type Operator string

const (
	OperatorUnitel Operator = "unitel"
)

// RechargeType — тип услуги.
type RechargeType string

const (
	RechargeVoice    RechargeType = "voice"    // Карта пополнения баланса
	RechargeData     RechargeType = "data"     // Пакет интернета
	RechargePostpaid RechargeType = "postpaid" // Оплата счёта постоплатного номера
)

// ParseRechargeType проверяет тип пополнения.
func ParseRechargeType(s string) (RechargeType, error) {
	switch t := RechargeType(strings.ToLower(strings.TrimSpace(s))); t {
	case RechargeVoice, RechargeData, RechargePostpaid:
		return t, nil
	}
	return "", ErrInvalidRechargeType
}

// Причины аномалий, требующих ручной проверки.
const (
	AnomalyAmountMismatch        = "amount_mismatch"
	AnomalyFailedWithoutSequence = "failed_without_sequence"
	AnomalyDispatchTimeout       = "dispatch_timeout"
)

// ProductInfo — позиция каталога оператора с ценой в валюте оператора.
// Копируется в заказ при создании и больше не пересчитывается.
type ProductInfo struct {
	Operator     Operator
	RechargeType RechargeType
	Code         string
	Name         string
	Price        decimal.Decimal // Цена в валюте оператора (MNT)
	Unit         string
	Data         string
	Days         string
}

// BillInfo — задолженность постоплатного номера.
type BillInfo struct {
	PhoneNumber string
	TotalUnpaid decimal.Decimal
	Paid        bool
}

// Order — заказ пополнения.
type Order struct {
	OrderNumber string // Неизменяемый номер заказа ("ORD" + snowflake)
	OwnerID     string
	Product     ProductInfo
	PhoneNumber string

	PriceSettlement decimal.Decimal // Цена к оплате (CNY), 2 знака
	ExchangeRate    decimal.Decimal // Курс на момент создания

	PaymentStatus        PaymentStatus
	PaidAt               *time.Time
	PaymentTransactionID *string

	RechargeStatus     RechargeStatus
	RechargeClaimedAt  *time.Time // nil — отправка ни разу не захватывалась
	OperatorSequenceID *string    // Задан, только если оператор получил запрос
	RechargeCode       *string
	RechargeMessage    *string
	RechargeFinishedAt *time.Time

	Version int64

	AnomalyReason  *string
	AnomalyDetails *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder собирает новый заказ в состоянии (unpaid, pending).
func NewOrder(orderNumber, ownerID, phoneNumber string, product ProductInfo, rate decimal.Decimal) (*Order, error) {
	if strings.TrimSpace(phoneNumber) == "" {
		return nil, ErrInvalidPhoneNumber
	}

	price, err := SettlementPrice(product.Price, rate)
	if err != nil {
		return nil, err
	}

	return &Order{
		OrderNumber:     orderNumber,
		OwnerID:         ownerID,
		Product:         product,
		PhoneNumber:     phoneNumber,
		PriceSettlement: price,
		ExchangeRate:    rate,
		PaymentStatus:   PaymentUnpaid,
		RechargeStatus:  RechargePending,
	}, nil
}

// IsPaid возвращает true после подтверждения оплаты.
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentPaid
}

// IsTerminal возвращает true для success и timeout.
// failed терминален для попытки, но не для заказа: его видит аудит.
func (o *Order) IsTerminal() bool {
	return o.RechargeStatus == RechargeSuccess || o.RechargeStatus == RechargeTimeout
}

// HasSequence возвращает true, если оператор получил запрос на пополнение.
func (o *Order) HasSequence() bool {
	return o.OperatorSequenceID != nil && *o.OperatorSequenceID != ""
}

// CanClaim повторяет предикат захвата отправки:
// оплачен, ожидает пополнения и либо ни разу не захватывался,
// либо захват старше окна восстановления и оператор запрос не получал.
func (o *Order) CanClaim(now time.Time, window time.Duration) bool {
	if !o.IsPaid() || o.RechargeStatus != RechargePending {
		return false
	}
	if o.RechargeClaimedAt == nil {
		return true
	}
	return o.RechargeClaimedAt.Before(now.Add(-window)) && !o.HasSequence()
}

// CanTransitionRecharge проверяет переход статуса пополнения.
// Менять статус можно только у оплаченного заказа в pending.
func (o *Order) CanTransitionRecharge(to RechargeStatus) bool {
	if !o.IsPaid() || o.RechargeStatus != RechargePending {
		return false
	}
	switch to {
	case RechargeSuccess, RechargeFailed, RechargeTimeout:
		return true
	}
	return false
}

// AmountMinor возвращает цену к оплате в минимальных единицах (фэнь).
func (o *Order) AmountMinor() int64 {
	return ToMinor(o.PriceSettlement)
}

// SettlementPrice переводит цену оператора в валюту оплаты:
// source / rate с округлением half-up до 2 знаков (1500 / 450 = 3.33).
func SettlementPrice(source, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrRateUnavailable
	}
	if !source.IsPositive() {
		return decimal.Zero, ErrInvalidProduct
	}
	return source.Div(rate).Round(2), nil
}

// ToMinor переводит сумму в минимальные единицы с округлением.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// OperatorResult — нормализованный ответ оператора на отправку.
type OperatorResult string

const (
	ResultSuccess OperatorResult = "success"
	ResultFailed  OperatorResult = "failed"
	ResultPending OperatorResult = "pending"
)

// NormalizeResult приводит сырой ответ оператора к OperatorResult.
// Пустой и нераспознанный ответ — pending: исход подтверждается сверкой.
func NormalizeResult(raw string) OperatorResult {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "ok":
		return ResultSuccess
	case "failed", "fail", "failure", "error":
		return ResultFailed
	default:
		return ResultPending
	}
}

// RechargeOutcome — результат одного запроса на пополнение.
type RechargeOutcome struct {
	Result     OperatorResult
	Code       string
	Message    string
	SequenceID string // Пусто — оператор запрос не подтвердил
}

// StatusForResult отображает ответ оператора на статус пополнения.
func StatusForResult(r OperatorResult) RechargeStatus {
	switch r {
	case ResultSuccess:
		return RechargeSuccess
	case ResultFailed:
		return RechargeFailed
	default:
		return RechargePending
	}
}

// DispatchResult — результат сверки ранее отправленного запроса.
type DispatchResult struct {
	Result  OperatorResult
	Code    string
	Message string
}

// Finalization — итог попытки пополнения для условного обновления заказа.
type Finalization struct {
	Status         RechargeStatus
	SequenceID     string
	Code           string
	Message        string
	AnomalyReason  string
	AnomalyDetails string
}

// FinalizationFromOutcome строит итог по ответу оператора.
// failed без sequence id сверить нельзя: помечаем для ручной проверки.
func FinalizationFromOutcome(outcome *RechargeOutcome) Finalization {
	f := Finalization{
		Status:     StatusForResult(outcome.Result),
		SequenceID: outcome.SequenceID,
		Code:       outcome.Code,
		Message:    outcome.Message,
	}
	if f.Status == RechargeFailed && f.SequenceID == "" {
		f.AnomalyReason = AnomalyFailedWithoutSequence
		f.AnomalyDetails = "оператор отклонил запрос без sequence id: code=" + outcome.Code + " msg=" + outcome.Message
	}
	return f
}
