package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/topup-engine/pkg/logger"
)

// slidingWindowScript держит в ZSET метки времени принятых запросов за окно.
// Возвращает {число запросов в окне, мс до освобождения места}; второе
// значение 0, если запрос принят.
var slidingWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])

	redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
	local count = redis.call("ZCARD", key)
	if count < limit then
		redis.call("ZADD", key, now, ARGV[4])
		redis.call("PEXPIRE", key, window)
		return {count + 1, 0}
	end

	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	return {count, tonumber(oldest[2]) + window - now}
`)

// RateLimitMiddleware ограничивает частоту запросов скользящим окном в Redis.
// Аутентифицированные запросы считаются по владельцу, остальные по IP.
type RateLimitMiddleware struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// RateLimitConfig — параметры ограничения частоты запросов.
type RateLimitConfig struct {
	Redis  *redis.Client
	Limit  int           // 60, если не задан
	Window time.Duration // минута, если не задано
}

// NewRateLimitMiddleware создаёт middleware с лимитом на окно.
func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	m := &RateLimitMiddleware{redis: cfg.Redis, limit: cfg.Limit, window: cfg.Window, now: time.Now}
	if m.limit <= 0 {
		m.limit = 60
	}
	if m.window <= 0 {
		m.window = time.Minute
	}
	return m
}

// Handle возвращает gin middleware. Сверх лимита отвечает 429 с Retry-After,
// при недоступном Redis пропускает запрос.
func (m *RateLimitMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := m.key(c)

		res, err := slidingWindowScript.Run(ctx, m.redis, []string{key},
			m.now().UnixMilli(), m.window.Milliseconds(), m.limit, uuid.NewString(),
		).Int64Slice()
		if err != nil || len(res) != 2 {
			// Без Redis пропускаем: пополнение важнее лимита.
			logger.Ctx(ctx).Warn().Err(err).Msg("Ошибка проверки rate limit")
			c.Next()
			return
		}

		count, waitMs := int(res[0]), res[1]
		c.Header("X-RateLimit-Limit", strconv.Itoa(m.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(m.limit-count, 0)))

		if waitMs > 0 {
			retryAfter := (waitMs + 999) / 1000
			logger.Ctx(ctx).Warn().
				Str("key", key).
				Int("limit", m.limit).
				Int64("retry_after_s", retryAfter).
				Msg("Rate limit превышен")

			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Превышен лимит запросов, повторите позже",
				"code":  "rate_limit_exceeded",
			})
			return
		}

		c.Next()
	}
}

func (m *RateLimitMiddleware) key(c *gin.Context) string {
	if owner, ok := OwnerID(c); ok {
		return "rate:owner:" + owner
	}
	return "rate:ip:" + c.ClientIP()
}
