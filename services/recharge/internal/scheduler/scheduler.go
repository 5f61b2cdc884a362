// Package scheduler — компенсационный планировщик пополнений.
//
// Планировщик не хранит состояния между запусками: корректность обеспечивают
// условные обновления заказа в репозитории, поэтому несколько экземпляров
// могут работать одновременно.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/topup-engine/pkg/kafka"
	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/pkg/metrics"
	"example.com/topup-engine/pkg/outbox"
	"example.com/topup-engine/services/recharge/internal/alert"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/repository"
	"example.com/topup-engine/services/recharge/internal/service"
)

// Имена заданий (метка job в метриках).
const (
	JobStuckPending = "stuck_pending"
	JobReconcile    = "reconcile"
	JobQuarantine   = "timeout_quarantine"
	JobAudit        = "failure_audit"
	JobDailyReport  = "daily_report"
)

// ReportWriter сохраняет суточный отчёт и возвращает путь к файлу.
type ReportWriter interface {
	Write(r *domain.DailyReport) (string, error)
}

// EventWriter пишет запись outbox для публикации в Kafka.
type EventWriter interface {
	Create(ctx context.Context, record *outbox.Outbox) error
}

// Config — интервалы и окна заданий.
type Config struct {
	StuckInterval     time.Duration
	StuckGrace        time.Duration // Оплачен, но не захвачен дольше этого — подхватываем
	RecoveryWindow    time.Duration // Захват без sequence id старше окна считается брошенным
	ReconcileInterval time.Duration
	ReconcileMinAge   time.Duration
	ReconcileLookback time.Duration
	AuditInterval     time.Duration
	AuditLookback     time.Duration
	BatchSize         int
	AlertBatchSize    int
	DailyReportHour   int
	DailyReport       bool
	Location          *time.Location
}

// DefaultConfig возвращает расписание по умолчанию.
func DefaultConfig() Config {
	return Config{
		StuckInterval:     time.Minute,
		StuckGrace:        time.Minute,
		RecoveryWindow:    10 * time.Minute,
		ReconcileInterval: 5 * time.Minute,
		ReconcileMinAge:   5 * time.Minute,
		ReconcileLookback: 12 * time.Hour,
		AuditInterval:     5 * time.Minute,
		AuditLookback:     24 * time.Hour,
		BatchSize:         10,
		AlertBatchSize:    100,
		DailyReportHour:   2,
		DailyReport:       true,
		Location:          time.Local,
	}
}

// Scheduler запускает компенсационные задания по своим таймерам.
type Scheduler struct {
	orders   repository.OrderRepository
	svc      service.OrderService
	notifier alert.Notifier
	reports  ReportWriter
	events   EventWriter
	cfg      Config
	now      func() time.Time
}

// New создаёт планировщик. reports и events могут быть nil:
// тогда отчёт только пишется в лог.
func New(
	orders repository.OrderRepository,
	svc service.OrderService,
	notifier alert.Notifier,
	reports ReportWriter,
	events EventWriter,
	cfg Config,
) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if notifier == nil {
		notifier = alert.LogNotifier{}
	}
	return &Scheduler{
		orders:   orders,
		svc:      svc,
		notifier: notifier,
		reports:  reports,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run запускает все задания. Блокирует выполнение до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("stuck_interval", s.cfg.StuckInterval).
		Dur("reconcile_interval", s.cfg.ReconcileInterval).
		Dur("audit_interval", s.cfg.AuditInterval).
		Bool("daily_report", s.cfg.DailyReport).
		Msg("Запуск планировщика")

	stuckTicker := time.NewTicker(s.cfg.StuckInterval)
	defer stuckTicker.Stop()

	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	auditTicker := time.NewTicker(s.cfg.AuditInterval)
	defer auditTicker.Stop()

	// Без отчёта таймер никогда не срабатывает.
	var reportC <-chan time.Time
	var reportTimer *time.Timer
	if s.cfg.DailyReport {
		reportTimer = time.NewTimer(s.untilNextReport(s.now()))
		defer reportTimer.Stop()
		reportC = reportTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка планировщика")
			return
		case <-stuckTicker.C:
			_ = s.SweepStuckPending(ctx)
		case <-reconcileTicker.C:
			_ = s.ReconcileResults(ctx)
		case <-auditTicker.C:
			_ = s.QuarantineTimeouts(ctx)
			_ = s.AuditFailures(ctx)
		case <-reportC:
			now := s.now().In(s.cfg.Location)
			_, _ = s.DailyReport(ctx, now.AddDate(0, 0, -1))
			reportTimer.Reset(s.untilNextReport(s.now()))
		}
	}
}

// untilNextReport возвращает задержку до ближайшего DailyReportHour:00.
func (s *Scheduler) untilNextReport(now time.Time) time.Duration {
	now = now.In(s.cfg.Location)
	next := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.DailyReportHour, 0, 0, 0, s.cfg.Location)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// SweepStuckPending повторно отправляет оплаченные заказы, которые никто
// не захватил, и захваты без sequence id старше окна восстановления.
func (s *Scheduler) SweepStuckPending(ctx context.Context) error {
	log := logger.FromContext(ctx)
	now := s.now()

	orders, err := s.orders.FindStuckPending(ctx, now.Add(-s.cfg.StuckGrace), now.Add(-s.cfg.RecoveryWindow), s.cfg.BatchSize)
	if err != nil {
		metrics.RecordSchedulerRun(JobStuckPending, "error", 0)
		log.Error().Err(err).Msg("Ошибка поиска зависших заказов")
		return fmt.Errorf("поиск зависших заказов: %w", err)
	}
	metrics.RecordSchedulerRun(JobStuckPending, "ok", len(orders))
	if len(orders) == 0 {
		return nil
	}

	log.Info().Int("count", len(orders)).Msg("Найдены зависшие оплаченные заказы")

	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		orderCtx := logger.WithOrderNumber(ctx, order.OrderNumber)
		status, err := s.svc.DispatchRecharge(orderCtx, order.OrderNumber)
		if err != nil {
			logger.Ctx(orderCtx).Error().Err(err).Msg("Ошибка повторной отправки пополнения")
			continue
		}
		logger.Ctx(orderCtx).Info().Str("result", string(status)).Msg("Зависший заказ обработан")
	}
	return nil
}

// ReconcileResults сверяет с оператором заказы, у которых есть sequence id,
// но нет итога. Повторно заказы не отправляет.
func (s *Scheduler) ReconcileResults(ctx context.Context) error {
	log := logger.FromContext(ctx)
	now := s.now()

	orders, err := s.orders.FindAwaitingReconciliation(ctx, now.Add(-s.cfg.ReconcileLookback), now.Add(-s.cfg.ReconcileMinAge), s.cfg.BatchSize)
	if err != nil {
		metrics.RecordSchedulerRun(JobReconcile, "error", 0)
		log.Error().Err(err).Msg("Ошибка поиска заказов для сверки")
		return fmt.Errorf("поиск заказов для сверки: %w", err)
	}
	metrics.RecordSchedulerRun(JobReconcile, "ok", len(orders))

	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		orderCtx := logger.WithOrderNumber(ctx, order.OrderNumber)
		orderLog := logger.FromContext(orderCtx)

		status, err := s.svc.ReconcileDispatch(orderCtx, order)
		switch {
		case err == nil:
			orderLog.Info().Str("result", string(status)).Msg("Сверка с оператором выполнена")
		case errors.Is(err, domain.ErrConcurrentUpdate):
			orderLog.Debug().Msg("Заказ уже финализирован другим процессом")
		default:
			orderLog.Warn().Err(err).Msg("Ошибка сверки с оператором")
		}
	}
	return nil
}

// QuarantineTimeouts эскалирует заказы с итогом timeout. Такие заказы
// никогда не отправляются повторно автоматически.
func (s *Scheduler) QuarantineTimeouts(ctx context.Context) error {
	return s.raiseAlerts(ctx, JobQuarantine, domain.RechargeTimeout, alert.ReasonTimeoutQuarantine)
}

// AuditFailures эскалирует заказы, отклонённые оператором. Только чтение.
func (s *Scheduler) AuditFailures(ctx context.Context) error {
	return s.raiseAlerts(ctx, JobAudit, domain.RechargeFailed, alert.ReasonFailedAudit)
}

func (s *Scheduler) raiseAlerts(ctx context.Context, job string, status domain.RechargeStatus, reason string) error {
	log := logger.FromContext(ctx)
	now := s.now()

	orders, err := s.orders.FindByRechargeStatusSince(ctx, status, now.Add(-s.cfg.AuditLookback), s.cfg.AlertBatchSize)
	if err != nil {
		metrics.RecordSchedulerRun(job, "error", 0)
		log.Error().Err(err).Str("recharge_status", string(status)).Msg("Ошибка поиска заказов для проверки")
		return fmt.Errorf("поиск заказов %s: %w", status, err)
	}
	metrics.RecordSchedulerRun(job, "ok", len(orders))

	var failed int
	for _, order := range orders {
		orderCtx := logger.WithOrderNumber(ctx, order.OrderNumber)
		if err := s.notifier.Notify(orderCtx, alert.FromOrder(reason, order, now)); err != nil {
			failed++
			logger.Ctx(orderCtx).Error().Err(err).Str("reason", reason).Msg("Ошибка отправки алерта")
		}
	}

	if failed > 0 {
		return fmt.Errorf("не отправлено алертов: %d из %d", failed, len(orders))
	}
	return nil
}

// ReportStat — строка суточного отчёта в событии report.daily.
type ReportStat struct {
	Status        string `json:"status"`
	Count         int64  `json:"count"`
	SumSource     string `json:"sum_source"`
	SumSettlement string `json:"sum_settlement"`
}

// ReportEvent — payload события report.daily.
type ReportEvent struct {
	Date        string       `json:"date"`
	From        time.Time    `json:"from"`
	To          time.Time    `json:"to"`
	TotalCount  int64        `json:"total_count"`
	TotalSource string       `json:"total_source"`
	Stats       []ReportStat `json:"stats"`
	File        string       `json:"file,omitempty"`
}

// DailyReport строит отчёт по оплаченным заказам за сутки day в часовом
// поясе планировщика: пишет его в лог, в XLSX и публикует через outbox.
// Ошибки файла и публикации не отменяют отчёт: он уже в логе.
func (s *Scheduler) DailyReport(ctx context.Context, day time.Time) (*domain.DailyReport, error) {
	log := logger.FromContext(ctx)

	day = day.In(s.cfg.Location)
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.cfg.Location)
	to := from.AddDate(0, 0, 1)

	stats, err := s.orders.DailyStats(ctx, from, to)
	if err != nil {
		metrics.RecordSchedulerRun(JobDailyReport, "error", 0)
		log.Error().Err(err).Time("from", from).Msg("Ошибка построения суточного отчёта")
		return nil, fmt.Errorf("суточная статистика: %w", err)
	}

	report := &domain.DailyReport{From: from, To: to, Stats: stats}
	total, totalSource := report.Total()
	metrics.RecordSchedulerRun(JobDailyReport, "ok", int(total))

	for _, st := range stats {
		log.Info().
			Str("date", from.Format(time.DateOnly)).
			Str("recharge_status", string(st.Status)).
			Int64("count", st.Count).
			Str("sum_source", st.SumSource.String()).
			Msg("Суточный отчёт: статус")
	}
	log.Info().
		Str("date", from.Format(time.DateOnly)).
		Int64("total_count", total).
		Str("total_source", totalSource.String()).
		Msg("Суточный отчёт построен")

	var file string
	if s.reports != nil {
		file, err = s.reports.Write(report)
		if err != nil {
			log.Error().Err(err).Msg("Ошибка записи файла отчёта")
		} else {
			log.Info().Str("file", file).Msg("Файл отчёта сохранён")
		}
	}

	if s.events != nil {
		if err := s.publishReport(ctx, report, file); err != nil {
			log.Error().Err(err).Msg("Ошибка публикации суточного отчёта")
		}
	}

	return report, nil
}

func (s *Scheduler) publishReport(ctx context.Context, r *domain.DailyReport, file string) error {
	date := r.From.Format(time.DateOnly)
	total, totalSource := r.Total()

	ev := ReportEvent{
		Date:        date,
		From:        r.From,
		To:          r.To,
		TotalCount:  total,
		TotalSource: totalSource.String(),
		Stats:       make([]ReportStat, 0, len(r.Stats)),
		File:        file,
	}
	for _, st := range r.Stats {
		ev.Stats = append(ev.Stats, ReportStat{
			Status:        string(st.Status),
			Count:         st.Count,
			SumSource:     st.SumSource.String(),
			SumSettlement: st.SumSettlement.StringFixed(2),
		})
	}

	record, err := outbox.NewEvent(ctx, outbox.AggregateReport, date, service.EventDailyReport, kafka.TopicReports, ev)
	if err != nil {
		return err
	}
	return s.events.Create(ctx, record)
}
