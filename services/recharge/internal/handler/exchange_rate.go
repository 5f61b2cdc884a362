package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/exchangerate"
	"example.com/topup-engine/services/recharge/internal/middleware"
)

// ExchangeRateHandler отдаёт и меняет курс валютной пары.
type ExchangeRateHandler struct {
	rates exchangerate.Service
	pair  string
}

// NewExchangeRateHandler создаёт обработчик курса пары pair.
func NewExchangeRateHandler(rates exchangerate.Service, pair string) *ExchangeRateHandler {
	return &ExchangeRateHandler{rates: rates, pair: pair}
}

// ExchangeRateResponse — текущий курс.
type ExchangeRateResponse struct {
	Pair string `json:"pair"`
	Rate string `json:"rate"`
}

// SetExchangeRateRequest — новый курс. Строка, чтобы не терять точность.
type SetExchangeRateRequest struct {
	Rate string `json:"rate" binding:"required"`
}

// Current возвращает текущий курс.
// GET /api/v1/exchange-rate/current
func (h *ExchangeRateHandler) Current(c *gin.Context) {
	rate, err := h.rates.Current(c.Request.Context(), h.pair)
	if err != nil {
		handleServiceError(c, err, "CurrentExchangeRate")
		return
	}

	c.JSON(http.StatusOK, ExchangeRateResponse{Pair: h.pair, Rate: rate.String()})
}

// Set сохраняет новый курс. Уже созданные заказы не пересчитываются.
// PUT /api/v1/internal/exchange-rate
func (h *ExchangeRateHandler) Set(c *gin.Context) {
	ctx := c.Request.Context()

	var req SetExchangeRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Невалидные данные запроса")
		return
	}

	rate, err := decimal.NewFromString(req.Rate)
	if err != nil || !rate.IsPositive() {
		badRequest(c, "Курс должен быть положительным числом")
		return
	}

	if err := h.rates.Set(ctx, h.pair, rate); err != nil {
		handleServiceError(c, err, "SetExchangeRate")
		return
	}

	operatorID, _ := middleware.OwnerID(c)
	logger.Ctx(ctx).Info().
		Str("pair", h.pair).
		Str("rate", rate.String()).
		Str("changed_by", operatorID).
		Msg("Курс валют изменён")

	c.JSON(http.StatusOK, ExchangeRateResponse{Pair: h.pair, Rate: rate.String()})
}
