package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/topup-engine/pkg/jwt"
	"example.com/topup-engine/pkg/metrics"
	"example.com/topup-engine/services/recharge/internal/exchangerate"
	"example.com/topup-engine/services/recharge/internal/middleware"
	"example.com/topup-engine/services/recharge/internal/service"
)

// serviceName — имя сервиса в трейсах и HTTP метриках.
const serviceName = "recharge"

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Orders         service.OrderService
	Catalog        service.CatalogService
	Stats          service.StatsService
	Rates          exchangerate.Service
	RatePair       string
	AuthMW         *middleware.AuthMiddleware
	RateLimitMW    *middleware.RateLimitMiddleware // nil — без ограничения
	CORSOrigins    []string
	ReadinessCheck ReadinessChecker // nil — сервис всегда готов
	Debug          bool             // Режим отладки Gin
}

// Router — HTTP роутер сервиса пополнений.
type Router struct {
	engine *gin.Engine
	cfg    RouterConfig
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.CORSOrigins))
	engine.Use(middleware.SecurityHeaders())
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(metrics.GinMetricsMiddleware(serviceName))

	r := &Router{engine: engine, cfg: cfg}
	r.setupRoutes()
	return r
}

// setupRoutes настраивает все маршруты API.
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)
	r.engine.GET("/ready", r.readinessCheckHandler)

	v1 := r.engine.Group("/api/v1")
	v1.Use(middleware.RequestContext())

	orderHandler := NewOrderHandler(r.cfg.Orders)
	paymentHandler := NewPaymentHandler(r.cfg.Orders)
	adminHandler := NewAdminHandler(r.cfg.Orders, r.cfg.Stats)
	catalogHandler := NewCatalogHandler(r.cfg.Catalog)
	rateHandler := NewExchangeRateHandler(r.cfg.Rates, r.cfg.RatePair)

	// Уведомления кошелька: без авторизации и без лимита.
	v1.POST("/payments/callback/:order_number", paymentHandler.Callback)

	public := v1.Group("")
	if r.cfg.RateLimitMW != nil {
		public.Use(r.cfg.RateLimitMW.Handle())
	}
	public.GET("/exchange-rate/current", rateHandler.Current)
	public.POST("/operators/:operator/products", catalogHandler.ListProducts)
	public.POST("/operators/:operator/postpaid-bill", catalogHandler.QueryBill)

	// Лимит после auth: считаем по владельцу.
	orders := v1.Group("/orders")
	orders.Use(r.cfg.AuthMW.Handle())
	if r.cfg.RateLimitMW != nil {
		orders.Use(r.cfg.RateLimitMW.Handle())
	}
	{
		orders.POST("", orderHandler.CreateOrder)
		orders.GET("", orderHandler.ListOrders)
		orders.GET("/:order_number", orderHandler.GetOrder)
	}

	internal := v1.Group("/internal")
	internal.Use(r.cfg.AuthMW.Handle(), r.cfg.AuthMW.RequireRole(jwt.RoleAdmin))
	{
		internal.POST("/orders/:order_number/dispatch", adminHandler.Dispatch)
		internal.PUT("/exchange-rate", rateHandler.Set)
		internal.GET("/statistics", adminHandler.Statistics)
	}
}

// Engine возвращает Gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// healthCheck — liveness: процесс отвечает.
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
}

// readinessCheckHandler — readiness: зависимости доступны.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.cfg.ReadinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.cfg.ReadinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
