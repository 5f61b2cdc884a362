package jwt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ключи Redis. Записи ставит сервис авторизации при logout и блокировке.
const (
	prefixToken = "jwt:blacklist:"   // jwt:blacklist:{jti}
	prefixUser  = "jwt:invalidated:" // jwt:invalidated:{ownerID} = unix timestamp отзыва
)

// Blacklist проверяет отзыв токенов по Redis.
type Blacklist struct {
	redis *redis.Client
}

func NewBlacklist(client *redis.Client) *Blacklist {
	return &Blacklist{redis: client}
}

// IsRevoked проверяет оба вида отзыва одним MGET:
// отзыв конкретного токена по jti и массовый отзыв всех токенов владельца,
// выданных раньше отметки. Пустой jti или нулевой issuedAt пропускают свою проверку.
func (b *Blacklist) IsRevoked(ctx context.Context, jti, ownerID string, issuedAt time.Time) (bool, error) {
	keys := []string{prefixUser + ownerID}
	if jti != "" {
		keys = append(keys, prefixToken+jti)
	}

	vals, err := b.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка проверки отзыва токена: %w", err)
	}

	if len(vals) > 1 && vals[1] != nil {
		return true, nil
	}

	raw, ok := vals[0].(string)
	if !ok || issuedAt.IsZero() {
		return false, nil
	}
	invalidatedAt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("ошибка парсинга отметки отзыва владельца %s: %w", ownerID, err)
	}
	return issuedAt.Unix() < invalidatedAt, nil
}
