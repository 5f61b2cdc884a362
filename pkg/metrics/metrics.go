// Package metrics предоставляет Prometheus метрики сервиса пополнений.
// Содержит HTTP метрики, метрики жизненного цикла заказа и HTTP server для /metrics endpoint.
//
// Типы метрик в Prometheus:
//   - Counter: только растёт (запросы, ошибки) — "сколько всего произошло"
//   - Histogram: распределение значений (latency) — "как быстро работает"
//   - Gauge: текущее значение (активные соединения) — "сколько сейчас"
//
// Использование:
//
//	srv := metrics.NewServer(":9090", "recharge-service", metrics.WithReadinessCheck(check))
//	go srv.Start()
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/topup-engine/pkg/logger"
)

// =============================================================================
// Метрики — определяем что будем собирать
// =============================================================================

var (
	// RequestsTotal — счётчик всех запросов.
	// Labels позволяют фильтровать: requests_total{service="recharge", method="/api/v1/orders", status="success"}
	// PromQL пример: rate(requests_total{service="recharge"}[5m]) — RPS за 5 минут
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"}, // Labels для фильтрации
	)

	// RequestDuration — гистограмма latency запросов.
	// Buckets: границы интервалов в секундах (5ms, 10ms, 25ms, ..., 10s)
	// PromQL пример: histogram_quantile(0.95, rate(request_duration_seconds_bucket[5m])) — p95 latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "request_duration_seconds",
			Help: "Время выполнения запроса в секундах",
			// Buckets оптимизированы для типичных API: от 5ms до 10s
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)

	// OrdersCreated — созданные заказы по оператору и типу пополнения.
	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recharge_orders_created_total",
			Help: "Количество созданных заказов пополнения",
		},
		[]string{"operator", "recharge_type"},
	)

	// PaymentCallbacks — результаты обработки платёжных callback.
	// result: accepted, duplicate, lost_race, amount_mismatch, not_found, rejected, error
	PaymentCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recharge_payment_callbacks_total",
			Help: "Количество платёжных callback по результату обработки",
		},
		[]string{"result"},
	)

	// DispatchTotal — попытки отправки пополнения оператору.
	// status: success, failed, timeout, pending, already_success, already_processing
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recharge_dispatch_total",
			Help: "Количество попыток отправки пополнения по итоговому статусу",
		},
		[]string{"operator", "status"},
	)

	// OperatorCallDuration — latency вызовов API оператора.
	// Buckets до 30s: таймаут оператора по умолчанию.
	OperatorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recharge_operator_call_duration_seconds",
			Help:    "Время вызова API оператора в секундах",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"operator", "call"},
	)

	// SchedulerRuns — запуски заданий компенсационного планировщика.
	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recharge_scheduler_runs_total",
			Help: "Количество запусков заданий планировщика по статусу",
		},
		[]string{"job", "status"},
	)

	// SchedulerOrders — количество заказов, найденных заданием в последнем запуске.
	SchedulerOrders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recharge_scheduler_orders",
			Help: "Количество заказов, найденных заданием планировщика в последнем запуске",
		},
		[]string{"job"},
	)

	// OutboxPublished — публикации записей outbox. status: ok, failed, dead, skipped
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recharge_outbox_published_total",
			Help: "Количество публикаций записей outbox по топику и результату",
		},
		[]string{"topic", "status"},
	)

	// BreakerState — состояние circuit breaker клиента оператора:
	// 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recharge_operator_breaker_state",
			Help: "Состояние circuit breaker API оператора",
		},
		[]string{"breaker"},
	)

	// DispatchQueueDepth — задачи, ожидающие свободного воркера отправки.
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recharge_dispatch_queue_depth",
			Help: "Количество заказов в очереди пула отправки",
		},
	)
)

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker — функция проверки готовности сервиса.
// Возвращает nil если сервис готов принимать трафик, иначе — ошибку.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
}

// Option — функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz endpoint.
// Если checker возвращает ошибку — /readyz вернёт 503 Service Unavailable.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт новый metrics server.
// addr — адрес для прослушивания (например ":9090")
// service — имя сервиса для логирования
// opts — опциональные настройки (например WithReadinessCheck)
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{
		service: service,
	}

	// Применяем опции
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	// /metrics — endpoint для Prometheus (он сам приходит сюда и забирает метрики)
	mux.Handle("/metrics", promhttp.Handler())

	// /health — простой health check (полезно для отладки, оставляем для совместимости)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// /healthz — liveness probe для Kubernetes
	// Возвращает 200 OK если процесс жив (сервер отвечает = процесс работает)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	// /readyz — readiness probe для Kubernetes
	// Возвращает 200 OK если сервис готов принимать трафик (все зависимости доступны)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		// Если ReadinessChecker не установлен — считаем сервис готовым
		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		// Проверяем готовность с таймаутом 5 секунд
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			// Не выводим детали ошибки наружу (безопасность)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", service).Msg("Readiness check failed")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start запускает HTTP сервер для метрик.
// Блокирующий вызов — запускать в горутине.
func (s *Server) Start() error {
	log := logger.With().Str("service", s.service).Logger()
	log.Info().Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Вспомогательные функции для записи метрик
// =============================================================================

// RecordRequest записывает метрики запроса (вызывать в конце обработки).
// duration — время выполнения запроса
// method — имя метода или маршрут (например "/api/v1/orders")
// status — результат: "success" или "error"
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordDispatch записывает итог попытки отправки пополнения.
func RecordDispatch(operator, status string) {
	DispatchTotal.WithLabelValues(operator, status).Inc()
}

// ObserveOperatorCall записывает latency вызова API оператора.
func ObserveOperatorCall(operator, call string, duration time.Duration) {
	OperatorCallDuration.WithLabelValues(operator, call).Observe(duration.Seconds())
}

// RecordSchedulerRun записывает запуск задания планировщика и число найденных заказов.
func RecordSchedulerRun(job, status string, found int) {
	SchedulerRuns.WithLabelValues(job, status).Inc()
	SchedulerOrders.WithLabelValues(job).Set(float64(found))
}

func SetBreakerState(breaker string, state int) {
	BreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordOutboxPublish записывает результат публикации записи outbox.
func RecordOutboxPublish(topic, status string) {
	OutboxPublished.WithLabelValues(topic, status).Inc()
}

// =============================================================================
// Gin Middleware для HTTP метрик
// =============================================================================

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
// Записывает requests_total, request_duration_seconds для каждого запроса.
func GinMetricsMiddleware(service string) func(c *gin.Context) {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next() // Обрабатываем запрос

		// Определяем статус
		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		// Неизвестные маршруты схлопываем в один label, иначе сканеры раздувают кардинальность
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		RecordRequest(service, path, status, time.Since(start))
	}
}
