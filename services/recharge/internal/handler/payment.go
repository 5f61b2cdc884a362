package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/service"
)

// callbackSuccess — значение returnCode/resultCode успешной оплаты.
const callbackSuccess = "SUCCESS"

// PaymentCallbackRequest — уведомление кошелька об оплате.
type PaymentCallbackRequest struct {
	ReturnCode    string `json:"returnCode"`
	ReturnMsg     string `json:"returnMsg"`
	ResultCode    string `json:"resultCode"`
	ErrCode       string `json:"errCode"`
	ErrCodeDes    string `json:"errCodeDes"`
	TotalFee      int64  `json:"totalFee"` // Сумма в фэнях
	FeeType       string `json:"feeType"`
	TransactionID string `json:"transactionId"`
	OutTradeNo    string `json:"outTradeNo"`
}

// CallbackAck — ответ кошельку. Любой другой ответ кошелёк повторяет.
type CallbackAck struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

var ack = CallbackAck{ErrCode: 0, ErrMsg: "ok"}

// PaymentHandler принимает платёжные уведомления.
type PaymentHandler struct {
	orders service.OrderService
}

// NewPaymentHandler создаёт обработчик платёжных уведомлений.
func NewPaymentHandler(orders service.OrderService) *PaymentHandler {
	return &PaymentHandler{orders: orders}
}

// Callback обрабатывает уведомление об оплате.
// Всегда отвечает {"errcode":0,"errmsg":"ok"}: необработанные случаи
// подбирает планировщик и разбирают по логам.
// POST /api/v1/payments/callback/:order_number
func (h *PaymentHandler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	orderNumber := c.Param("order_number")
	ctx = logger.WithOrderNumber(ctx, orderNumber)
	log := logger.FromContext(ctx)

	var req PaymentCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("Невалидное тело платёжного уведомления")
		c.JSON(http.StatusOK, ack)
		return
	}

	log.Info().
		Str("return_code", req.ReturnCode).
		Str("result_code", req.ResultCode).
		Str("transaction_id", req.TransactionID).
		Int64("total_fee", req.TotalFee).
		Msg("Получено платёжное уведомление")

	if req.ReturnCode != callbackSuccess || req.ResultCode != callbackSuccess {
		log.Warn().
			Str("err_code", req.ErrCode).
			Str("err_code_des", req.ErrCodeDes).
			Str("return_msg", req.ReturnMsg).
			Msg("Платёжное уведомление с неуспешным статусом")
		c.JSON(http.StatusOK, ack)
		return
	}

	if _, err := h.orders.HandlePaymentCallback(ctx, service.PaymentCallback{
		OrderNumber:   orderNumber,
		AmountMinor:   req.TotalFee,
		TransactionID: req.TransactionID,
	}); err != nil {
		log.Error().Err(err).Msg("Платёжное уведомление не обработано")
	}

	c.JSON(http.StatusOK, ack)
}
