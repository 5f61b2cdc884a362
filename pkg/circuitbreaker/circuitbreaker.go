// Package circuitbreaker защищает воркеры отправки от зависшего API оператора.
// Пока breaker открыт, вызовы отклоняются сразу и запрос оператору не уходит,
// поэтому заказ можно безопасно вернуть в очередь.
//
//	cb := circuitbreaker.New("unitel")
//	err := cb.Execute(func() error { return client.do(ctx, req) })
//	if errors.Is(err, circuitbreaker.ErrOpen) { ... } // запрос не отправлялся
package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/pkg/metrics"
)

// ErrOpen — breaker отклонил вызов, запрос до оператора не дошёл.
var ErrOpen = errors.New("сервис временно недоступен (circuit breaker open)")

// Settings — пороги срабатывания breaker.
type Settings struct {
	MaxRequests  uint32        // пробных вызовов в half-open
	Interval     time.Duration // сброс счётчиков в closed
	Timeout      time.Duration // сколько держать open
	FailureRatio float64
	MinRequests  uint32 // ниже этого числа вызовов FailureRatio не считается

	// IsFailure отделяет сбои API от отказов по существу (неверный номер,
	// нет баланса). nil — сбоем считается любая ошибка.
	IsFailure func(err error) bool
}

func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

type Breaker struct {
	name      string
	cb        *gobreaker.CircuitBreaker[struct{}]
	isFailure func(err error) bool
}

func New(name string) *Breaker {
	return NewWithSettings(name, DefaultSettings())
}

func NewWithSettings(name string, s Settings) *Breaker {
	isFailure := s.IsFailure
	if isFailure == nil {
		isFailure = func(error) bool { return true }
	}

	metrics.SetBreakerState(name, stateValue(gobreaker.StateClosed))

	return &Breaker{
		name:      name,
		isFailure: isFailure,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        name,
			MaxRequests: s.MaxRequests,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.Requests >= s.MinRequests &&
					float64(c.TotalFailures)/float64(c.Requests) >= s.FailureRatio
			},
			OnStateChange: onStateChange,
		}),
	}
}

func onStateChange(name string, from, to gobreaker.State) {
	metrics.SetBreakerState(name, stateValue(to))

	ev := logger.Info()
	if to == gobreaker.StateOpen {
		ev = logger.Warn()
	}
	ev.Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Смена состояния circuit breaker оператора")
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Name() string { return b.name }

// Execute вызывает fn через breaker и возвращает её ошибку как есть.
// ErrOpen означает, что fn не вызывалась.
func (b *Breaker) Execute(fn func() error) error {
	var callErr error
	_, err := b.cb.Execute(func() (struct{}, error) {
		callErr = fn()
		if callErr != nil && b.isFailure(callErr) {
			return struct{}{}, callErr
		}
		return struct{}{}, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return callErr
}
