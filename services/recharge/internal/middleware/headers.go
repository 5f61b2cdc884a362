package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// securityHeaders выставляются на каждый ответ API. Ответы содержат
// номера телефонов и суммы, поэтому кэширование запрещено.
var securityHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "no-referrer"},
}

func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, kv := range securityHeaders {
			c.Header(kv[0], kv[1])
		}
		c.Next()
	}
}

// CORS разрешает кросс-доменные запросы мини-приложения с указанных источников.
// Пустой список или "*" разрешает любой источник без credentials.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	anyOrigin := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	allowMethods := strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}, ", ")
	allowHeaders := strings.Join([]string{"Origin", "Content-Type", "Authorization", HeaderRequestID, HeaderCorrelationID}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := anyOrigin || slices.Contains(allowedOrigins, origin)
		if origin == "" || !allowed {
			c.Next()
			return
		}

		if anyOrigin {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", allowMethods)
		c.Header("Access-Control-Allow-Headers", allowHeaders)
		c.Header("Access-Control-Max-Age", "3600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
