// Package handler содержит HTTP обработчики REST API сервиса пополнений.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/topup-engine/pkg/circuitbreaker"
	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/operator"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorMapping — HTTP статус и код ошибки для доменной ошибки.
type errorMapping struct {
	target error
	status int
	code   string
}

// serviceErrors сопоставляет доменные ошибки с ответами API. Порядок важен:
// первая совпавшая по errors.Is выигрывает.
var serviceErrors = []errorMapping{
	{domain.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{domain.ErrOwnerNotFound, http.StatusNotFound, "user_not_found"},
	{domain.ErrInvalidProduct, http.StatusBadRequest, "invalid_product"},
	{domain.ErrInvalidRechargeType, http.StatusBadRequest, "invalid_recharge_type"},
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "invalid_phone_number"},
	{domain.ErrUnsupportedOperator, http.StatusBadRequest, "unsupported_operator"},
	{domain.ErrInvalidPeriod, http.StatusBadRequest, "invalid_period"},
	{domain.ErrBillAlreadyPaid, http.StatusConflict, "bill_already_paid"},
	{domain.ErrNoOutstandingBill, http.StatusConflict, "no_outstanding_bill"},
	{domain.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{domain.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{domain.ErrDuplicateOrder, http.StatusConflict, "duplicate_order"},
	{domain.ErrRateUnavailable, http.StatusServiceUnavailable, "rate_unavailable"},
	{circuitbreaker.ErrOpen, http.StatusServiceUnavailable, "operator_unavailable"},
	{operator.ErrNotSent, http.StatusServiceUnavailable, "operator_unavailable"},
}

// handleServiceError преобразует ошибку сервиса в HTTP ответ.
// Неизвестные ошибки логируются и отдаются как 500 без деталей.
func handleServiceError(c *gin.Context, err error, method string) {
	log := logger.FromContext(c.Request.Context())

	if err == nil {
		log.Error().Str("method", method).Msg("handleServiceError вызван с nil ошибкой")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Внутренняя ошибка сервера", Code: "internal_error"})
		return
	}

	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			c.JSON(m.status, ErrorResponse{Error: m.target.Error(), Code: m.code})
			return
		}
	}

	log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Внутренняя ошибка сервера", Code: "internal_error"})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: message, Code: "invalid_request"})
}
