package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/topup-engine/pkg/kafka"
	"example.com/topup-engine/pkg/outbox"
	"example.com/topup-engine/services/recharge/internal/domain"
)

// Типы событий outbox.
const (
	EventOrderCreated      = "order.created"
	EventDispatchRequested = "recharge.dispatch_requested"
	EventDailyReport       = "report.daily"
)

// RechargeEventType возвращает тип события итога пополнения: recharge.<status>.
func RechargeEventType(status domain.RechargeStatus) string {
	return "recharge." + string(status)
}

// OrderEvent — payload событий жизненного цикла заказа.
type OrderEvent struct {
	OrderNumber     string    `json:"order_number"`
	OwnerID         string    `json:"owner_id"`
	Operator        string    `json:"operator"`
	RechargeType    string    `json:"recharge_type"`
	ProductCode     string    `json:"product_code"`
	PhoneNumber     string    `json:"phone_number"`
	PriceSource     string    `json:"price_source"`
	PriceSettlement string    `json:"price_settlement"`
	PaymentStatus   string    `json:"payment_status"`
	RechargeStatus  string    `json:"recharge_status"`
	SequenceID      string    `json:"sequence_id,omitempty"`
	Code            string    `json:"code,omitempty"`
	Message         string    `json:"message,omitempty"`
	AnomalyReason   string    `json:"anomaly_reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// DispatchRequest — сообщение очереди отправки пополнений.
type DispatchRequest struct {
	OrderNumber   string    `json:"order_number"`
	TransactionID string    `json:"transaction_id,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// DecodeDispatchRequest разбирает сообщение очереди отправки.
func DecodeDispatchRequest(data []byte) (*DispatchRequest, error) {
	var req DispatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("ошибка разбора запроса на отправку: %w", err)
	}
	if req.OrderNumber == "" {
		return nil, fmt.Errorf("в запросе на отправку нет order_number")
	}
	return &req, nil
}

func orderEvent(order *domain.Order, at time.Time) OrderEvent {
	return OrderEvent{
		OrderNumber:     order.OrderNumber,
		OwnerID:         order.OwnerID,
		Operator:        string(order.Product.Operator),
		RechargeType:    string(order.Product.RechargeType),
		ProductCode:     order.Product.Code,
		PhoneNumber:     order.PhoneNumber,
		PriceSource:     order.Product.Price.String(),
		PriceSettlement: order.PriceSettlement.StringFixed(2),
		PaymentStatus:   string(order.PaymentStatus),
		RechargeStatus:  string(order.RechargeStatus),
		OccurredAt:      at,
	}
}

func newOrderCreatedEvent(ctx context.Context, order *domain.Order, at time.Time) (*outbox.Outbox, error) {
	return outbox.NewEvent(ctx, outbox.AggregateOrder, order.OrderNumber,
		EventOrderCreated, kafka.TopicOrderEvents, orderEvent(order, at))
}

func newDispatchRequestedEvent(ctx context.Context, orderNumber, transactionID string, at time.Time) (*outbox.Outbox, error) {
	return outbox.NewEvent(ctx, outbox.AggregateOrder, orderNumber,
		EventDispatchRequested, kafka.TopicRechargeDispatch, DispatchRequest{
			OrderNumber:   orderNumber,
			TransactionID: transactionID,
			RequestedAt:   at,
		})
}

// newRechargeFinishedEvent строит событие итога попытки по состоянию после финализации.
func newRechargeFinishedEvent(ctx context.Context, order *domain.Order, f domain.Finalization, at time.Time) (*outbox.Outbox, error) {
	ev := orderEvent(order, at)
	ev.RechargeStatus = string(f.Status)
	ev.SequenceID = f.SequenceID
	ev.Code = f.Code
	ev.Message = f.Message
	ev.AnomalyReason = f.AnomalyReason

	return outbox.NewEvent(ctx, outbox.AggregateOrder, order.OrderNumber,
		RechargeEventType(f.Status), kafka.TopicOrderEvents, ev)
}
