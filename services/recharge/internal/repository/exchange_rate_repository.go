package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/topup-engine/services/recharge/internal/domain"
)

// ExchangeRate — курс валютной пары.
type ExchangeRate struct {
	Currency  string
	Rate      decimal.Decimal
	UpdatedAt time.Time
}

// ExchangeRateRepository хранит курсы валют.
type ExchangeRateRepository interface {
	// GetActive возвращает последний активный курс пары.
	// domain.ErrRateUnavailable — курс не настроен.
	GetActive(ctx context.Context, currency string) (*ExchangeRate, error)

	// Upsert сохраняет курс и делает его активным.
	Upsert(ctx context.Context, currency string, rate decimal.Decimal) (*ExchangeRate, error)
}

// ExchangeRateModel — GORM модель для таблицы exchange_rates.
type ExchangeRateModel struct {
	ID        uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	Currency  string          `gorm:"column:currency;type:varchar(20);not null;uniqueIndex"` // MNT_TO_CNY
	Rate      decimal.Decimal `gorm:"column:rate;type:decimal(18,6);not null"`
	IsActive  bool            `gorm:"column:is_active;not null;default:true"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (ExchangeRateModel) TableName() string {
	return "exchange_rates"
}

type exchangeRateRepository struct {
	db *gorm.DB
}

// NewExchangeRateRepository создаёт новый репозиторий курсов.
func NewExchangeRateRepository(db *gorm.DB) ExchangeRateRepository {
	return &exchangeRateRepository{db: db}
}

// GetActive возвращает последний активный курс пары.
func (r *exchangeRateRepository) GetActive(ctx context.Context, currency string) (*ExchangeRate, error) {
	var model ExchangeRateModel

	if err := r.db.WithContext(ctx).
		Where("currency = ? AND is_active = ?", currency, true).
		Order("updated_at DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRateUnavailable
		}
		return nil, err
	}

	return &ExchangeRate{Currency: model.Currency, Rate: model.Rate, UpdatedAt: model.UpdatedAt}, nil
}

// Upsert сохраняет курс пары (INSERT ... ON DUPLICATE KEY UPDATE).
func (r *exchangeRateRepository) Upsert(ctx context.Context, currency string, rate decimal.Decimal) (*ExchangeRate, error) {
	model := ExchangeRateModel{
		Currency:  currency,
		Rate:      rate,
		IsActive:  true,
		UpdatedAt: time.Now(),
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "currency"}},
			DoUpdates: clause.AssignmentColumns([]string{"rate", "is_active", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return nil, err
	}

	return &ExchangeRate{Currency: model.Currency, Rate: model.Rate, UpdatedAt: model.UpdatedAt}, nil
}
