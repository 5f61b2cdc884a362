// Package middleware содержит HTTP middleware сервиса пополнений.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/topup-engine/pkg/jwt"
	"example.com/topup-engine/pkg/logger"
)

// Ключи gin.Context, которые выставляет AuthMiddleware.
const (
	ContextOwnerID = "owner_id"
	ContextRole    = "role"
	ContextJTI     = "jti"
)

// TokenValidator проверяет подпись, срок действия и отзыв токена.
// Реализуется *jwt.Manager.
type TokenValidator interface {
	ValidateWithBlacklist(ctx context.Context, token string) (*jwt.Claims, error)
}

// AuthMiddleware проверяет JWT владельца заказов. Токены выпускает внешний
// auth-сервис, здесь только проверка по публичному ключу.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware создаёт middleware аутентификации.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// Handle возвращает Gin handler function для middleware.
func (m *AuthMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := extractBearerToken(c)
		if token == "" {
			log.Debug().Msg("Отсутствует токен авторизации")
			abortUnauthorized(c, "Требуется авторизация")
			return
		}

		claims, err := m.validator.ValidateWithBlacklist(ctx, token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			abortUnauthorized(c, "Невалидный токен")
			return
		}

		c.Set(ContextOwnerID, claims.OwnerID())
		c.Set(ContextRole, claims.Role)
		c.Set(ContextJTI, claims.ID)

		log.Debug().
			Str("owner_id", claims.OwnerID()).
			Str("role", claims.Role).
			Msg("Пользователь аутентифицирован")

		c.Next()
	}
}

// RequireRole пропускает только токены с указанной ролью.
// Ставится после Handle.
func (m *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != role {
			logger.Ctx(c.Request.Context()).Warn().
				Str("owner_id", c.GetString(ContextOwnerID)).
				Str("required_role", role).
				Msg("Недостаточно прав")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Недостаточно прав",
				"code":  "forbidden",
			})
			return
		}
		c.Next()
	}
}

// OwnerID возвращает владельца из контекста, выставленного Handle.
func OwnerID(c *gin.Context) (string, bool) {
	id := c.GetString(ContextOwnerID)
	return id, id != ""
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
		"code":  "unauthorized",
	})
}

// extractBearerToken извлекает токен из заголовка "Authorization: Bearer <token>".
// Префикс регистронезависимый.
func extractBearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
