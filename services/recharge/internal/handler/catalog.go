package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/service"
)

// CatalogHandler — публичные ручки каталога и счетов оператора.
type CatalogHandler struct {
	catalog service.CatalogService
}

// NewCatalogHandler создаёт обработчик каталога.
func NewCatalogHandler(catalog service.CatalogService) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

// ListProductsRequest — запрос каталога для номера.
type ListProductsRequest struct {
	PhoneNumber  string `json:"phone_number" binding:"required"`
	RechargeType string `json:"recharge_type" binding:"required"`
}

// ProductResponse — позиция каталога в ответе API.
type ProductResponse struct {
	Code            string `json:"code"`
	Name            string `json:"name"`
	RechargeType    string `json:"recharge_type"`
	PriceSource     string `json:"price_source"`
	PriceSettlement string `json:"price_settlement"`
	Unit            string `json:"unit,omitempty"`
	Data            string `json:"data,omitempty"`
	Days            string `json:"days,omitempty"`
}

// ListProductsResponse — каталог оператора для номера.
type ListProductsResponse struct {
	Operator string            `json:"operator"`
	Products []ProductResponse `json:"products"`
}

// QueryBillRequest — запрос счёта постоплатного номера.
type QueryBillRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// BillResponse — задолженность постоплатного номера.
type BillResponse struct {
	Operator    string `json:"operator"`
	PhoneNumber string `json:"phone_number"`
	TotalUnpaid string `json:"total_unpaid"`
	Paid        bool   `json:"paid"`
}

// ListProducts возвращает карты или пакеты, доступные номеру.
// POST /api/v1/operators/:operator/products
func (h *CatalogHandler) ListProducts(c *gin.Context) {
	ctx := c.Request.Context()
	op := domain.Operator(c.Param("operator"))

	var req ListProductsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("Невалидный запрос каталога")
		badRequest(c, "Невалидные данные запроса")
		return
	}

	quotes, err := h.catalog.ListProducts(ctx, op, req.PhoneNumber, domain.RechargeType(req.RechargeType))
	if err != nil {
		handleServiceError(c, err, "ListProducts")
		return
	}

	resp := ListProductsResponse{Operator: string(op), Products: make([]ProductResponse, 0, len(quotes))}
	for _, q := range quotes {
		resp.Products = append(resp.Products, ProductResponse{
			Code:            q.Product.Code,
			Name:            q.Product.Name,
			RechargeType:    string(q.Product.RechargeType),
			PriceSource:     q.Product.Price.String(),
			PriceSettlement: q.PriceSettlement.StringFixed(2),
			Unit:            q.Product.Unit,
			Data:            q.Product.Data,
			Days:            q.Product.Days,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// QueryBill возвращает задолженность постоплатного номера.
// POST /api/v1/operators/:operator/postpaid-bill
func (h *CatalogHandler) QueryBill(c *gin.Context) {
	ctx := c.Request.Context()
	op := domain.Operator(c.Param("operator"))

	var req QueryBillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Не указан номер телефона")
		return
	}

	bill, err := h.catalog.QueryBill(ctx, op, req.PhoneNumber)
	if err != nil {
		handleServiceError(c, err, "QueryBill")
		return
	}

	c.JSON(http.StatusOK, BillResponse{
		Operator:    string(op),
		PhoneNumber: bill.PhoneNumber,
		TotalUnpaid: bill.TotalUnpaid.StringFixed(2),
		Paid:        bill.Paid,
	})
}
