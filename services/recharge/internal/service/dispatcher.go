package service

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"example.com/topup-engine/pkg/kafka"
	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/pkg/metrics"
)

// ErrPoolClosed — пул остановлен и новые заказы не принимает.
var ErrPoolClosed = errors.New("пул отправки остановлен")

// Dispatcher выполняет отправку пополнения по номеру заказа.
type Dispatcher interface {
	DispatchRecharge(ctx context.Context, orderNumber string) (DispatchStatus, error)
}

type dispatchJob struct {
	ctx         context.Context
	orderNumber string
}

// DispatchPool — ограниченный пул горутин отправки пополнений.
// Заказ, потерянный при падении процесса, подберёт планировщик:
// его захват пуст или устарел без sequence id.
type DispatchPool struct {
	dispatcher Dispatcher
	jobs       chan dispatchJob
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatchPool запускает workers воркеров с очередью queueSize.
func NewDispatchPool(dispatcher Dispatcher, workers, queueSize int) *DispatchPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &DispatchPool{
		dispatcher: dispatcher,
		jobs:       make(chan dispatchJob, queueSize),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	logger.Info().
		Int("workers", workers).
		Int("queue_size", queueSize).
		Msg("Пул отправки пополнений запущен")

	return p
}

// Submit ставит заказ в очередь. Блокируется, пока очередь полна.
// Отмена ctx после постановки не прерывает отправку.
func (p *DispatchPool) Submit(ctx context.Context, orderNumber string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	job := dispatchJob{ctx: context.WithoutCancel(ctx), orderNumber: orderNumber}
	select {
	case p.jobs <- job:
		metrics.DispatchQueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown прекращает приём заказов и ждёт завершения начатых отправок.
func (p *DispatchPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("Пул отправки пополнений остановлен")
		return nil
	case <-ctx.Done():
		logger.Warn().Msg("Пул отправки остановлен по таймауту, часть отправок не завершена")
		return ctx.Err()
	}
}

func (p *DispatchPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		metrics.DispatchQueueDepth.Dec()
		p.run(job)
	}
}

func (p *DispatchPool) run(job dispatchJob) {
	log := logger.FromContext(job.ctx).With().Str("order_number", job.orderNumber).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Перехвачена паника при отправке пополнения")
		}
	}()

	status, err := p.dispatcher.DispatchRecharge(job.ctx, job.orderNumber)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка отправки пополнения, заказ подберёт планировщик")
		return
	}
	log.Info().Str("dispatch_status", string(status)).Msg("Отправка пополнения завершена")
}

// MessageConsumer — источник сообщений очереди отправки.
type MessageConsumer interface {
	ConsumeWithRetry(ctx context.Context, handler kafka.MessageHandler, maxRetries int) error
}

// Submitter ставит заказ в очередь отправки.
type Submitter interface {
	Submit(ctx context.Context, orderNumber string) error
}

// DispatchConsumer читает запросы на отправку из Kafka и передаёт их в пул.
type DispatchConsumer struct {
	consumer   MessageConsumer
	pool       Submitter
	maxRetries int
}

// NewDispatchConsumer создаёт consumer очереди отправки.
func NewDispatchConsumer(consumer MessageConsumer, pool Submitter, maxRetries int) *DispatchConsumer {
	return &DispatchConsumer{consumer: consumer, pool: pool, maxRetries: maxRetries}
}

// Run читает очередь до отмены ctx.
func (c *DispatchConsumer) Run(ctx context.Context) error {
	err := c.consumer.ConsumeWithRetry(ctx, c.Handle, c.maxRetries)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle обрабатывает одно сообщение очереди.
// Чужие типы событий пропускаются, битые сообщения уходят в DLQ.
func (c *DispatchConsumer) Handle(ctx context.Context, msg *kafka.Message) error {
	if et := msg.Headers[kafka.HeaderEventType]; et != "" && et != EventDispatchRequested {
		logger.Ctx(ctx).Debug().Str("event_type", et).Msg("Пропущено событие другого типа")
		return nil
	}

	req, err := DecodeDispatchRequest(msg.Value)
	if err != nil {
		return err
	}

	if err := c.pool.Submit(ctx, req.OrderNumber); err != nil {
		// Пул остановлен: заказ подберёт планировщик после рестарта.
		if errors.Is(err, ErrPoolClosed) {
			logger.Ctx(ctx).Warn().Str("order_number", req.OrderNumber).Msg("Пул остановлен, запрос на отправку пропущен")
			return nil
		}
		return err
	}
	return nil
}
