// Package alert эскалирует заказы на ручную проверку: timeout, failed, аномалии.
// Алерт одного заказа по одной причине отправляется не чаще раза в сутки.
package alert

import (
	"context"
	"time"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
)

// Причины алертов.
const (
	ReasonTimeoutQuarantine = "timeout_quarantine"
	ReasonFailedAudit       = "failed_audit"
)

// Alert — заказ, требующий ручной проверки.
type Alert struct {
	Reason         string     `json:"reason"`
	OrderNumber    string     `json:"order_number"`
	Operator       string     `json:"operator"`
	PhoneNumber    string     `json:"phone_number"`
	RechargeStatus string     `json:"recharge_status"`
	SequenceID     string     `json:"sequence_id,omitempty"`
	Code           string     `json:"code,omitempty"`
	Message        string     `json:"message,omitempty"`
	AnomalyReason  string     `json:"anomaly_reason,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	RaisedAt       time.Time  `json:"raised_at"`
}

// FromOrder собирает алерт по заказу.
func FromOrder(reason string, o *domain.Order, at time.Time) Alert {
	a := Alert{
		Reason:         reason,
		OrderNumber:    o.OrderNumber,
		Operator:       string(o.Product.Operator),
		PhoneNumber:    o.PhoneNumber,
		RechargeStatus: string(o.RechargeStatus),
		PaidAt:         o.PaidAt,
		RaisedAt:       at,
	}
	if o.OperatorSequenceID != nil {
		a.SequenceID = *o.OperatorSequenceID
	}
	if o.RechargeCode != nil {
		a.Code = *o.RechargeCode
	}
	if o.RechargeMessage != nil {
		a.Message = *o.RechargeMessage
	}
	if o.AnomalyReason != nil {
		a.AnomalyReason = *o.AnomalyReason
	}
	return a
}

// Notifier доставляет алерт дежурным.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier пишет алерты в лог. Используется, когда очередь алертов не настроена.
type LogNotifier struct{}

// Notify пишет алерт уровнем warn.
func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	logger.Ctx(ctx).Warn().
		Str("reason", a.Reason).
		Str("order_number", a.OrderNumber).
		Str("recharge_status", a.RechargeStatus).
		Str("sequence_id", a.SequenceID).
		Str("code", a.Code).
		Str("anomaly_reason", a.AnomalyReason).
		Msg("Заказ требует ручной проверки")
	return nil
}
