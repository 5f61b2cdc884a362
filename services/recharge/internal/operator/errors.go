package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"example.com/topup-engine/pkg/circuitbreaker"
	"example.com/topup-engine/services/recharge/internal/domain"
)

var (
	// ErrProductNotFound — товара нет в каталоге оператора.
	ErrProductNotFound = errors.New("товар не найден в каталоге оператора")

	// ErrNotSent — запрос не покинул процесс (нет токена, breaker открыт).
	// Оператор его точно не видел.
	ErrNotSent = errors.New("запрос к оператору не отправлен")
)

// NotSent помечает ошибку как возникшую до отправки запроса.
func NotSent(err error) error {
	return fmt.Errorf("%w: %w", ErrNotSent, err)
}

// timeoutSignatures — признаки обрыва связи в тексте ошибки.
// Исход такого запроса неизвестен: оператор мог провести пополнение.
var timeoutSignatures = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"aborted",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"socket hang up",
}

// Classify решает, каким статусом закончить попытку при ошибке адаптера:
// таймаут и обрыв соединения — timeout (исход неизвестен), остальное — failed.
// Ошибки до отправки (ErrNotSent, открытый breaker, отказ в соединении) — failed.
func Classify(err error) domain.RechargeStatus {
	if err == nil {
		return domain.RechargePending
	}

	if errors.Is(err, ErrNotSent) || errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return domain.RechargeFailed
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return domain.RechargeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.RechargeTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range timeoutSignatures {
		if strings.Contains(msg, sig) {
			return domain.RechargeTimeout
		}
	}

	return domain.RechargeFailed
}
