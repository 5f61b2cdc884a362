package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/middleware"
	"example.com/topup-engine/services/recharge/internal/service"
)

// defaultStatsDays — период статистики, если даты не заданы.
const defaultStatsDays = 30

// AdminHandler — служебные ручки для дежурных.
type AdminHandler struct {
	orders service.OrderService
	stats  service.StatsService
	now    func() time.Time
}

// NewAdminHandler создаёт обработчик служебных ручек.
func NewAdminHandler(orders service.OrderService, stats service.StatsService) *AdminHandler {
	return &AdminHandler{orders: orders, stats: stats, now: time.Now}
}

// DispatchResponse — итог ручной отправки пополнения.
type DispatchResponse struct {
	OrderNumber string `json:"order_number"`
	Result      string `json:"result"`
}

// Dispatch синхронно запускает отправку пополнения. Повторно отправить
// заказ с итогом или с живым захватом нельзя: сервис ответит already_*.
// POST /api/v1/internal/orders/:order_number/dispatch
func (h *AdminHandler) Dispatch(c *gin.Context) {
	ctx := c.Request.Context()
	orderNumber := c.Param("order_number")

	status, err := h.orders.DispatchRecharge(ctx, orderNumber)
	if err != nil {
		handleServiceError(c, err, "Dispatch")
		return
	}

	adminID, _ := middleware.OwnerID(c)
	logger.Ctx(ctx).Info().
		Str("result", string(status)).
		Str("triggered_by", adminID).
		Msg("Ручная отправка пополнения")

	c.JSON(http.StatusOK, DispatchResponse{OrderNumber: orderNumber, Result: string(status)})
}

// StatisticsResponse — сводка за период. Суммы строками, как в заказах.
type StatisticsResponse struct {
	From    time.Time            `json:"from"`
	To      time.Time            `json:"to"`
	Users   UserStatsResponse    `json:"users"`
	Orders  OrderStatsResponse   `json:"orders"`
	Revenue RevenueStatsResponse `json:"revenue"`
}

// UserStatsResponse — пользователи: всего и новые за период.
type UserStatsResponse struct {
	Total int64 `json:"total"`
	New   int64 `json:"new"`
}

// OrderStatsResponse — заказы, созданные за период.
type OrderStatsResponse struct {
	Total            int64            `json:"total"`
	Unpaid           int64            `json:"unpaid"`
	Paid             int64            `json:"paid"`
	ByRechargeStatus map[string]int64 `json:"by_recharge_status"`
	ByOperator       map[string]int64 `json:"by_operator"`
	ByRechargeType   map[string]int64 `json:"by_recharge_type"`
}

// RevenueStatsResponse — выручка по оплаченным за период заказам.
type RevenueStatsResponse struct {
	PaidOrders        int64                 `json:"paid_orders"`
	SumSource         string                `json:"sum_source"`
	SumSettlement     string                `json:"sum_settlement"`
	SuccessSettlement string                `json:"success_settlement"`
	ByStatus          []RevenueByStatusItem `json:"by_status"`
}

// RevenueByStatusItem — выручка по статусу пополнения.
type RevenueByStatusItem struct {
	Status        string `json:"status"`
	Count         int64  `json:"count"`
	SumSource     string `json:"sum_source"`
	SumSettlement string `json:"sum_settlement"`
}

// Statistics возвращает пользователей, заказы и выручку за период.
// Даты включительно; без дат — последние 30 дней.
// GET /api/v1/internal/statistics?start_date=2024-05-01&end_date=2024-05-31
func (h *AdminHandler) Statistics(c *gin.Context) {
	from, to, err := h.statsPeriod(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	stats, err := h.stats.Statistics(c.Request.Context(), from, to)
	if err != nil {
		handleServiceError(c, err, "Statistics")
		return
	}

	c.JSON(http.StatusOK, toStatisticsResponse(stats))
}

// statsPeriod разбирает start_date/end_date в полуинтервал [from, to).
func (h *AdminHandler) statsPeriod(c *gin.Context) (time.Time, time.Time, error) {
	now := h.now().In(time.Local)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)

	to := today.AddDate(0, 0, 1)
	if v := c.Query("end_date"); v != "" {
		end, err := time.ParseInLocation(time.DateOnly, v, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, queryError("Некорректная дата end_date")
		}
		to = end.AddDate(0, 0, 1)
	}

	from := to.AddDate(0, 0, -defaultStatsDays)
	if v := c.Query("start_date"); v != "" {
		start, err := time.ParseInLocation(time.DateOnly, v, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, queryError("Некорректная дата start_date")
		}
		from = start
	}
	return from, to, nil
}

func toStatisticsResponse(s *domain.Statistics) StatisticsResponse {
	resp := StatisticsResponse{
		From:  s.From,
		To:    s.To,
		Users: UserStatsResponse{Total: s.Users.Total, New: s.Users.New},
		Orders: OrderStatsResponse{
			Total:            s.Orders.Total,
			Unpaid:           s.Orders.Unpaid,
			Paid:             s.Orders.Paid,
			ByRechargeStatus: stringKeys(s.Orders.ByRechargeStatus),
			ByOperator:       stringKeys(s.Orders.ByOperator),
			ByRechargeType:   stringKeys(s.Orders.ByRechargeType),
		},
		Revenue: RevenueStatsResponse{
			PaidOrders:        s.Revenue.PaidOrders,
			SumSource:         s.Revenue.SumSource.StringFixed(2),
			SumSettlement:     s.Revenue.SumSettlement.StringFixed(2),
			SuccessSettlement: s.Revenue.SuccessSettlement.StringFixed(2),
			ByStatus:          make([]RevenueByStatusItem, 0, len(s.Revenue.ByStatus)),
		},
	}
	for _, st := range s.Revenue.ByStatus {
		resp.Revenue.ByStatus = append(resp.Revenue.ByStatus, RevenueByStatusItem{
			Status:        string(st.Status),
			Count:         st.Count,
			SumSource:     st.SumSource.StringFixed(2),
			SumSettlement: st.SumSettlement.StringFixed(2),
		})
	}
	return resp
}

func stringKeys[K ~string](m map[K]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
