package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// UserRepository проверяет владельцев заказов.
// Пользователей регистрирует auth-сервис, здесь только чтение.
type UserRepository interface {
	Exists(ctx context.Context, userID string) (bool, error)

	// CountUsers возвращает общее число пользователей и число созданных за [from, to).
	CountUsers(ctx context.Context, from, to time.Time) (total, created int64, err error)
}

// UserModel — GORM модель для таблицы users.
type UserModel struct {
	ID        string    `gorm:"column:id;type:varchar(64);primaryKey"`
	OpenID    string    `gorm:"column:openid;type:varchar(64);uniqueIndex"` // Идентификатор в кошельке
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName возвращает имя таблицы в БД.
func (UserModel) TableName() string {
	return "users"
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository создаёт новый репозиторий пользователей.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Exists проверяет существование пользователя по ID.
func (r *userRepository) Exists(ctx context.Context, userID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("id = ?", userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountUsers считает пользователей для статистики.
func (r *userRepository) CountUsers(ctx context.Context, from, to time.Time) (int64, int64, error) {
	var total, created int64
	if err := r.db.WithContext(ctx).Model(&UserModel{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := r.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("created_at >= ? AND created_at < ?", from, to).
		Count(&created).Error; err != nil {
		return 0, 0, err
	}
	return total, created, nil
}
