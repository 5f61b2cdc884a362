// Package unitel реализует адаптер оператора Unitel поверх его HTTP JSON API.
package unitel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"example.com/topup-engine/pkg/circuitbreaker"
	"example.com/topup-engine/pkg/logger"
	"example.com/topup-engine/pkg/metrics"
	"example.com/topup-engine/pkg/tracing"
	"example.com/topup-engine/services/recharge/internal/operator"
)

const (
	pathAuth             = "/auth"
	pathServiceType      = "/service/servicetype"
	pathRecharge         = "/service/recharge"
	pathDataPackage      = "/service/datapackage"
	pathPostpaidBill     = "/service/postpaid/bill"
	pathPostpaidPayment  = "/service/postpaid/payment"
	pathCheckTransaction = "/service/checktransaction"

	// maxResponseBody — ответы оператора небольшие, больше не читаем.
	maxResponseBody = 1 << 20
)

// ErrInvalidResponse — оператор ответил 2xx, но тело не разобрать.
var ErrInvalidResponse = errors.New("некорректный ответ оператора")

// HTTPStatusError — оператор ответил кодом >= 400.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("оператор ответил HTTP %d: %s", e.StatusCode, e.Body)
}

// Config — настройки клиента Unitel.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	Timeout        time.Duration // Таймаут одного HTTP запроса
	TokenTTL       time.Duration
	AuthRetries    int
	AuthRetryDelay time.Duration
}

// Client — HTTP клиент API Unitel.
// Токен кэшируется на TokenTTL, параллельные запросы токена схлопываются.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	auth    singleflight.Group

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
	now            func() time.Time
}

// NewClient создаёт клиента с breaker по умолчанию.
func NewClient(cfg Config) *Client {
	s := circuitbreaker.DefaultSettings()
	s.IsFailure = isInfrastructureError
	return NewClientWithBreaker(cfg, circuitbreaker.NewWithSettings(string(operatorName), s))
}

// NewClientWithBreaker создаёт клиента с заданным breaker.
func NewClientWithBreaker(cfg Config, breaker *circuitbreaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 90 * time.Second
	}
	if cfg.AuthRetries <= 0 {
		cfg.AuthRetries = 3
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		now:     time.Now,
	}
}

// isInfrastructureError — ошибки, которые учитывает breaker.
// Ответы 4xx означают, что API жив.
func isInfrastructureError(err error) bool {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	return !errors.Is(err, ErrInvalidResponse)
}

// call выполняет авторизованный POST запрос к API.
// Ошибки до отправки запроса помечаются operator.NotSent.
func (c *Client) call(ctx context.Context, name, path string, reqBody, respBody any) error {
	ctx, span := tracing.StartSpan(ctx, "unitel."+name)
	defer span.End()
	span.SetAttributes(attribute.String("operator", string(operatorName)), attribute.String("operator.call", name))

	start := time.Now()
	defer func() { metrics.ObserveOperatorCall(string(operatorName), name, time.Since(start)) }()

	token, err := c.accessToken(ctx)
	if err != nil {
		tracing.Fail(span, err)
		return operator.NotSent(err)
	}

	err = c.breaker.Execute(func() error {
		return c.post(ctx, path, token, reqBody, respBody)
	})
	if err != nil {
		tracing.Fail(span, err)

		var se *HTTPStatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return operator.NotSent(err)
		}
		return err
	}

	logger.Ctx(ctx).Debug().
		Str("call", name).
		Dur("duration", time.Since(start)).
		Msg("Запрос к Unitel выполнен")

	return nil
}

// post отправляет JSON и разбирает JSON ответ в respBody.
func (c *Client) post(ctx context.Context, path, token string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return operator.NotSent(fmt.Errorf("ошибка сериализации запроса: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return operator.NotSent(fmt.Errorf("ошибка создания запроса: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа %s: %w", path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, path, err)
	}
	return nil
}

// accessToken возвращает кэшированный токен или получает новый.
// Обновление общее для всех ждущих, поэтому идёт на своём контексте:
// отмена одного вызывающего не должна срывать авторизацию остальным.
// Каждый ждущий возвращается по отмене только собственного ctx.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExpiresAt) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	ch := c.auth.DoChan("token", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.authBudget())
		defer cancel()

		token, err := c.fetchToken(rctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = token
		c.tokenExpiresAt = c.now().Add(c.cfg.TokenTTL)
		c.mu.Unlock()
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// authBudget ограничивает обновление токена: все попытки и паузы между ними.
func (c *Client) authBudget() time.Duration {
	n := time.Duration(c.cfg.AuthRetries)
	return n*c.cfg.Timeout + (n-1)*c.cfg.AuthRetryDelay
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiresAt = time.Time{}
	c.mu.Unlock()
}

// fetchToken запрашивает токен с повторами через AuthRetryDelay.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.AuthRetries; attempt++ {
		token, err := c.requestToken(ctx)
		if err == nil {
			return token, nil
		}
		lastErr = err

		logger.Ctx(ctx).Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.AuthRetries).
			Msg("Не удалось получить токен Unitel")

		if attempt == c.cfg.AuthRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.AuthRetryDelay):
		}
	}
	return "", fmt.Errorf("авторизация Unitel не удалась после %d попыток: %w", c.cfg.AuthRetries, lastErr)
}

func (c *Client) requestToken(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "unitel.auth")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveOperatorCall(string(operatorName), "auth", time.Since(start)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pathAuth, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		tracing.Fail(span, err)
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidResponse, pathAuth, err)
	}
	if ar.AccessToken == "" {
		return "", fmt.Errorf("%w: пустой access_token", ErrInvalidResponse)
	}
	return ar.AccessToken, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
