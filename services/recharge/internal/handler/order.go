package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/middleware"
	"example.com/topup-engine/services/recharge/internal/service"
)

// OrderHandler — обработчик заказов владельца.
type OrderHandler struct {
	orders service.OrderService
}

// NewOrderHandler создаёт новый обработчик заказов.
func NewOrderHandler(orders service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// === Request/Response DTOs ===

// CreateOrderRequest — запрос на создание заказа.
type CreateOrderRequest struct {
	Operator     string `json:"operator" binding:"required"`
	RechargeType string `json:"recharge_type" binding:"required"`
	ProductCode  string `json:"product_code"`
	PhoneNumber  string `json:"phone_number" binding:"required"`
}

// OrderResponse — заказ в ответе API.
type OrderResponse struct {
	OrderNumber     string     `json:"order_number"`
	Operator        string     `json:"operator"`
	RechargeType    string     `json:"recharge_type"`
	ProductCode     string     `json:"product_code"`
	ProductName     string     `json:"product_name,omitempty"`
	PhoneNumber     string     `json:"phone_number"`
	PriceSource     string     `json:"price_source"`
	PriceSettlement string     `json:"price_settlement"`
	ExchangeRate    string     `json:"exchange_rate"`
	PaymentStatus   string     `json:"payment_status"`
	RechargeStatus  string     `json:"recharge_status"`
	SequenceID      *string    `json:"sequence_id,omitempty"`
	RechargeMessage *string    `json:"recharge_message,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ListOrdersResponse — страница заказов.
type ListOrdersResponse struct {
	Orders     []OrderResponse    `json:"orders"`
	Pagination PaginationResponse `json:"pagination"`
}

// PaginationResponse — информация о пагинации.
type PaginationResponse struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
}

func toOrderResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		OrderNumber:     o.OrderNumber,
		Operator:        string(o.Product.Operator),
		RechargeType:    string(o.Product.RechargeType),
		ProductCode:     o.Product.Code,
		ProductName:     o.Product.Name,
		PhoneNumber:     o.PhoneNumber,
		PriceSource:     o.Product.Price.String(),
		PriceSettlement: o.PriceSettlement.StringFixed(2),
		ExchangeRate:    o.ExchangeRate.String(),
		PaymentStatus:   string(o.PaymentStatus),
		RechargeStatus:  string(o.RechargeStatus),
		SequenceID:      o.OperatorSequenceID,
		RechargeMessage: o.RechargeMessage,
		PaidAt:          o.PaidAt,
		FinishedAt:      o.RechargeFinishedAt,
		CreatedAt:       o.CreatedAt,
	}
}

// === Handlers ===

// CreateOrder создаёт заказ пополнения.
// POST /api/v1/orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx := c.Request.Context()

	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("Невалидный запрос на создание заказа")
		badRequest(c, "Невалидные данные запроса")
		return
	}
	// Для постоплаты код товара не нужен: сумму даёт счёт оператора.
	if req.ProductCode == "" && domain.RechargeType(req.RechargeType) != domain.RechargePostpaid {
		badRequest(c, "Не указан код товара")
		return
	}

	order, err := h.orders.CreateOrder(ctx, ownerID, service.CreateOrderRequest{
		Operator:     domain.Operator(req.Operator),
		RechargeType: domain.RechargeType(req.RechargeType),
		ProductCode:  req.ProductCode,
		PhoneNumber:  req.PhoneNumber,
	})
	if err != nil {
		handleServiceError(c, err, "CreateOrder")
		return
	}

	c.JSON(http.StatusCreated, toOrderResponse(order))
}

// GetOrder возвращает заказ владельца.
// GET /api/v1/orders/:order_number
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("order_number"), ownerID)
	if err != nil {
		handleServiceError(c, err, "GetOrder")
		return
	}

	c.JSON(http.StatusOK, toOrderResponse(order))
}

// ListOrders возвращает заказы текущего пользователя.
// GET /api/v1/orders?page=1&page_size=20&payment_status=paid&recharge_status=success&from=2024-05-01&to=2024-05-31
func (h *OrderHandler) ListOrders(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}

	filter, err := parseListFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	orders, total, err := h.orders.ListMyOrders(c.Request.Context(), ownerID, filter)
	if err != nil {
		handleServiceError(c, err, "ListOrders")
		return
	}

	resp := ListOrdersResponse{
		Orders: make([]OrderResponse, 0, len(orders)),
		Pagination: PaginationResponse{
			CurrentPage: filter.Page,
			PageSize:    filter.PageSize,
			TotalItems:  total,
			TotalPages:  int((total + int64(filter.PageSize) - 1) / int64(filter.PageSize)),
		},
	}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(o))
	}

	c.JSON(http.StatusOK, resp)
}

// queryError — ошибка разбора query параметров.
type queryError string

func (e queryError) Error() string { return string(e) }

// parseListFilter разбирает фильтр и пагинацию. Некорректная пагинация
// заменяется значениями по умолчанию, некорректный статус или дата — ошибка.
func parseListFilter(c *gin.Context) (service.ListFilter, error) {
	filter := service.ListFilter{Page: 1, PageSize: 20}

	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if ps, err := strconv.Atoi(c.Query("page_size")); err == nil && ps > 0 && ps <= 100 {
		filter.PageSize = ps
	}

	if v := c.Query("payment_status"); v != "" {
		status := domain.PaymentStatus(v)
		if status != domain.PaymentPaid && status != domain.PaymentUnpaid {
			return filter, queryError("Некорректный payment_status")
		}
		filter.PaymentStatus = &status
	}

	if v := c.Query("recharge_status"); v != "" {
		status := domain.RechargeStatus(v)
		if !status.Valid() {
			return filter, queryError("Некорректный recharge_status")
		}
		filter.RechargeStatus = &status
	}

	var err error
	if filter.From, err = parseDateParam(c.Query("from"), false); err != nil {
		return filter, queryError("Некорректная дата from")
	}
	if filter.To, err = parseDateParam(c.Query("to"), true); err != nil {
		return filter, queryError("Некорректная дата to")
	}

	return filter, nil
}

// parseDateParam принимает RFC3339 или YYYY-MM-DD. Для даты без времени
// верхняя граница сдвигается на конец суток.
func parseDateParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, time.Local)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

// requireOwner достаёт владельца из контекста auth middleware.
func requireOwner(c *gin.Context) (string, bool) {
	ownerID, ok := middleware.OwnerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Требуется авторизация", Code: "unauthorized"})
		return "", false
	}
	return ownerID, true
}
