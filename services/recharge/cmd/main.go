// Recharge Service — сервис пополнения мобильной связи.
// Принимает заказы и платёжные уведомления по HTTP, отправляет пополнения
// оператору через очередь Kafka и компенсирует сбои планировщиком.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/topup-engine/pkg/config"
	dbpkg "example.com/topup-engine/pkg/db"
	"example.com/topup-engine/pkg/healthcheck"
	"example.com/topup-engine/pkg/jwt"
	"example.com/topup-engine/pkg/kafka"
	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/pkg/metrics"
	"example.com/topup-engine/pkg/outbox"
	"example.com/topup-engine/pkg/tracing"
	"example.com/topup-engine/services/recharge/internal/alert"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/exchangerate"
	"example.com/topup-engine/services/recharge/internal/handler"
	"example.com/topup-engine/services/recharge/internal/middleware"
	"example.com/topup-engine/services/recharge/internal/operator"
	"example.com/topup-engine/services/recharge/internal/operator/unitel"
	"example.com/topup-engine/services/recharge/internal/report"
	"example.com/topup-engine/services/recharge/internal/repository"
	"example.com/topup-engine/services/recharge/internal/scheduler"
	"example.com/topup-engine/services/recharge/internal/service"
)

const (
	serviceName      = "recharge-service"
	readinessTimeout = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:   cfg.App.LogLevel,
		Pretty:  cfg.App.LogPretty,
		Service: serviceName,
	})
	log := logger.With().Str("component", "main").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Str("addr", cfg.HTTP.Addr()).
		Msg("Запуск Recharge Service")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    serviceName,
		Environment:    cfg.App.Env,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
		SampleRatio:    cfg.Jaeger.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	if cfg.MySQL.AutoMigrate {
		if err := dbpkg.Migrate(db,
			&repository.OrderModel{},
			&repository.UserModel{},
			&repository.ExchangeRateModel{},
			&outbox.OutboxModel{},
		); err != nil {
			log.Fatal().Err(err).Msg("Ошибка миграции схемы")
		}
	}

	rdb, err := dbpkg.ConnectRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	log.Info().Msg("Подключение к Redis установлено")

	readinessCheck := healthcheck.Composite(readinessTimeout,
		healthcheck.MySQL(db),
		healthcheck.Redis(rdb),
		healthcheck.Kafka(cfg.Kafka.Brokers),
	)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), serviceName, metrics.WithReadinessCheck(readinessCheck))
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Инициализация бизнес-логики ===

	jwtManager, err := jwt.NewManager(jwt.Config{PublicKeyPath: cfg.JWT.PublicKeyPath, Issuer: cfg.JWT.Issuer})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации JWT")
	}
	jwtManager.SetBlacklist(jwt.NewBlacklist(rdb))

	numbers, err := domain.NewOrderNumberGenerator(cfg.App.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания генератора номеров заказов")
	}

	unitelClient := unitel.NewClient(unitel.Config{
		BaseURL:        cfg.Operator.UnitelAPIURL,
		Username:       cfg.Operator.UnitelUsername,
		Password:       cfg.Operator.UnitelPassword,
		Timeout:        cfg.Operator.RequestTimeout,
		TokenTTL:       cfg.Operator.TokenTTL,
		AuthRetries:    cfg.Operator.AuthRetries,
		AuthRetryDelay: cfg.Operator.AuthRetryDelay,
	})
	operators := operator.NewRegistry(unitel.NewAdapter(unitelClient))

	orderRepo := repository.NewOrderRepository(db)
	userRepo := repository.NewUserRepository(db)
	rates := exchangerate.NewService(repository.NewExchangeRateRepository(db), rdb, cfg.ExchangeRate.CacheTTL)

	orderService := service.NewOrderService(
		orderRepo,
		userRepo,
		operators,
		rates,
		numbers,
		service.Config{
			RatePair:        cfg.ExchangeRate.Pair,
			RecoveryWindow:  cfg.Dispatch.RecoveryWindow,
			OperatorTimeout: cfg.Operator.RequestTimeout,
		},
	)

	outboxRepo := outbox.NewOutboxRepository(db, outbox.AggregateOrder, outbox.AggregateReport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === Фоновые воркеры ===

	var workersWg sync.WaitGroup
	goWorker := func(name string, run func(ctx context.Context)) {
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("worker", name).Msg("Паника в фоновом воркере")
				}
			}()
			run(ctx)
		}()
	}

	pool := service.NewDispatchPool(orderService, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)

	kafkaProducer, kafkaConsumer := startKafka(cfg, outboxRepo, pool, goWorker)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(
			orderRepo,
			orderService,
			buildNotifier(ctx, cfg.Alert, rdb),
			report.NewWriter(cfg.Report.Dir),
			outboxRepo,
			schedulerConfig(cfg),
		)
		goWorker("scheduler", sched.Run)
	} else {
		log.Warn().Msg("Планировщик отключён")
	}

	// === HTTP сервер ===

	router := handler.NewRouter(handler.RouterConfig{
		Orders:         orderService,
		Catalog:        service.NewCatalogService(operators, rates, cfg.ExchangeRate.Pair),
		Stats:          service.NewStatsService(orderRepo, userRepo),
		Rates:          rates,
		RatePair:       cfg.ExchangeRate.Pair,
		AuthMW:         middleware.NewAuthMiddleware(jwtManager),
		RateLimitMW:    rateLimiter(cfg.RateLimit, rdb),
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		ReadinessCheck: handler.ReadinessChecker(readinessCheck),
		Debug:          cfg.IsDevelopment(),
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr()).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Graceful Shutdown ===

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	// Порядок: HTTP, затем чтение очереди и планировщик, затем пул дожидается
	// уже отправленных оператору запросов.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Operator.RequestTimeout+15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка при остановке HTTP сервера")
	}

	cancel()
	workersWg.Wait()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Не все отправки пополнений завершились до остановки")
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Consumer")
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}

	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Redis")
	}
	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Recharge Service остановлен")
}

// startKafka запускает outbox worker и чтение очереди отправки.
// Без брокеров заказы всё равно отправит планировщик: зависшие оплаченные
// заказы он подбирает через минуту.
func startKafka(
	cfg *config.Config,
	outboxRepo outbox.OutboxRepository,
	pool *service.DispatchPool,
	goWorker func(name string, run func(ctx context.Context)),
) (*kafka.Producer, *kafka.Consumer) {
	log := logger.With().Str("component", "kafka").Logger()

	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn().Msg("Kafka не настроена, отправка только через планировщик")
		// События не публикуются, но воркер снимает их с очереди и чистит таблицу.
		goWorker("outbox", outbox.NewOutboxWorker(outboxRepo, nil, outbox.DefaultWorkerConfig(), "recharge").Run)
		return nil, nil
	}

	log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Инициализация Kafka")

	if err := kafka.EnsureTopics(cfg.Kafka.Brokers, kafka.DefaultTopics()); err != nil {
		log.Warn().Err(err).Msg("Не удалось создать топики (возможно Kafka недоступна)")
	}

	producer, err := kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
	}

	consumer, err := kafka.NewConsumer(kafka.Config{Brokers: cfg.Kafka.Brokers}, kafka.TopicRechargeDispatch, cfg.Kafka.ConsumerGroup)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka Consumer")
	}
	consumer.SetDLQProducer(producer)

	outboxWorker := outbox.NewOutboxWorker(outboxRepo, producer, outbox.DefaultWorkerConfig(), "recharge")
	goWorker("outbox", outboxWorker.Run)

	dispatchConsumer := service.NewDispatchConsumer(consumer, pool, cfg.Kafka.MaxRetries)
	goWorker("dispatch-consumer", func(ctx context.Context) {
		if err := dispatchConsumer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Ошибка чтения очереди отправки")
		}
	})

	return producer, consumer
}

// buildNotifier выбирает доставку алертов: SQS, если очередь задана, иначе лог.
// Повторы одного алерта за сутки отсекаются в Redis.
func buildNotifier(ctx context.Context, cfg config.AlertConfig, rdb *redis.Client) alert.Notifier {
	var notifier alert.Notifier = alert.LogNotifier{}

	if cfg.SQSQueueURL != "" {
		sqsNotifier, err := alert.NewSQSNotifier(ctx, alert.SQSConfig{
			QueueURL:        cfg.SQSQueueURL,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretKey,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Ошибка инициализации SQS, алерты пишутся в лог")
		} else {
			notifier = sqsNotifier
		}
	}

	return alert.NewDedupeNotifier(notifier, rdb, cfg.DedupeTTL)
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		StuckInterval:     cfg.Scheduler.StuckInterval,
		StuckGrace:        cfg.Scheduler.StuckGrace,
		RecoveryWindow:    cfg.Dispatch.RecoveryWindow,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
		ReconcileMinAge:   cfg.Scheduler.ReconcileMinAge,
		ReconcileLookback: cfg.Scheduler.ReconcileLookback,
		AuditInterval:     cfg.Scheduler.AuditInterval,
		AuditLookback:     cfg.Scheduler.AuditLookback,
		BatchSize:         cfg.Scheduler.BatchSize,
		AlertBatchSize:    cfg.Scheduler.AlertBatchSize,
		DailyReportHour:   cfg.Scheduler.DailyReportHour,
		DailyReport:       !cfg.Scheduler.DailyReportDisabled,
		Location:          time.Local,
	}
}

func rateLimiter(cfg config.RateLimitConfig, rdb *redis.Client) *middleware.RateLimitMiddleware {
	if !cfg.Enabled {
		return nil
	}
	return middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
		Redis:  rdb,
		Limit:  cfg.RequestsLimit,
		Window: cfg.Window,
	})
}
