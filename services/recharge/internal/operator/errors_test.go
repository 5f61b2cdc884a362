package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"example.com/topup-engine/pkg/circuitbreaker"
	"example.com/topup-engine/services/recharge/internal/domain"
)

// timeoutErr — net.Error с Timeout() == true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected domain.RechargeStatus
	}{
		{
			name:     "таймаут контекста",
			err:      fmt.Errorf("ошибка запроса: %w", context.DeadlineExceeded),
			expected: domain.RechargeTimeout,
		},
		{
			name:     "connect timeout из net/http",
			err:      &url.Error{Op: "Post", URL: "https://api", Err: &net.OpError{Op: "dial", Err: timeoutErr{}}},
			expected: domain.RechargeTimeout,
		},
		{
			name:     "сброс соединения",
			err:      &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)},
			expected: domain.RechargeTimeout,
		},
		{
			name:     "обрыв ответа",
			err:      fmt.Errorf("чтение ответа: %w", io.ErrUnexpectedEOF),
			expected: domain.RechargeTimeout,
		},
		{
			name:     "сигнатура в тексте",
			err:      errors.New("upstream request aborted"),
			expected: domain.RechargeTimeout,
		},
		{
			name:     "отказ в соединении",
			err:      &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			expected: domain.RechargeFailed,
		},
		{
			name:     "breaker открыт",
			err:      circuitbreaker.ErrOpen,
			expected: domain.RechargeFailed,
		},
		{
			name:     "нет токена — запрос не отправлен",
			err:      NotSent(fmt.Errorf("auth: %w", context.DeadlineExceeded)),
			expected: domain.RechargeFailed,
		},
		{
			name:     "прочая ошибка",
			err:      errors.New("invalid json"),
			expected: domain.RechargeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}
