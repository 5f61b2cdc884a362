// Package jwt проверяет JWT токены владельцев заказов (RS256).
// Токены выпускает внешний auth-сервис: здесь только публичный ключ
// и проверка отзыва через Redis.
package jwt

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Роли владельцев токенов.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	// ErrTokenRevoked — токен отозван (jti в blacklist или массовый отзыв пользователя).
	ErrTokenRevoked = errors.New("токен отозван")

	// ErrMissingSubject — в токене нет идентификатора пользователя.
	ErrMissingSubject = errors.New("в токене отсутствует идентификатор пользователя")
)

// Claims содержит данные JWT токена.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"` // ID пользователя (если не задан, берётся sub)
	Role   string `json:"role,omitempty"`    // Роль: user / admin
}

// OwnerID возвращает ID владельца заказов: user_id, иначе sub.
func (c *Claims) OwnerID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// IsAdmin возвращает true для токенов с ролью admin.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Config содержит параметры для создания Manager.
type Config struct {
	PublicKeyPath string // Путь к публичному ключу
	Issuer        string // Ожидаемый издатель (пусто — не проверяется)
}

// Manager валидирует JWT токены.
type Manager struct {
	publicKey *rsa.PublicKey
	issuer    string
	blacklist *Blacklist // Blacklist для отзыва токенов (опционально)
}

// NewManager загружает публичный ключ и создаёт Manager.
func NewManager(cfg Config) (*Manager, error) {
	publicKey, err := LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}
	return NewManagerWithKey(publicKey, cfg.Issuer), nil
}

// NewManagerWithKey создаёт Manager из готового ключа.
func NewManagerWithKey(publicKey *rsa.PublicKey, issuer string) *Manager {
	return &Manager{publicKey: publicKey, issuer: issuer}
}

// SetBlacklist включает проверку отозванных токенов.
func (m *Manager) SetBlacklist(bl *Blacklist) {
	m.blacklist = bl
}

// ValidateToken проверяет подпись, срок действия и издателя токена.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка валидации токена: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("невалидные claims токена")
	}
	if claims.OwnerID() == "" {
		return nil, ErrMissingSubject
	}

	return claims, nil
}

// ValidateWithBlacklist проверяет токен + blacklist.
func (m *Manager) ValidateWithBlacklist(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if m.blacklist == nil {
		return claims, nil
	}

	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	revoked, err := m.blacklist.IsRevoked(ctx, claims.ID, claims.OwnerID(), issuedAt)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// LoadPublicKey загружает RSA публичный ключ из PEM файла.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("не удалось декодировать PEM блок из %s", path)
	}

	// PKIX (PUBLIC KEY), затем PKCS#1 (RSA PUBLIC KEY)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ключ не является RSA публичным ключом")
	}

	return rsaKey, nil
}
