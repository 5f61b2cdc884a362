package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/topup-engine/services/recharge/internal/domain"
)

func TestExchangeRateRepository_GetActive(t *testing.T) {
	t.Run("последний активный курс", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := NewExchangeRateRepository(gormDB)

		mock.ExpectQuery("SELECT \\* FROM `exchange_rates` WHERE currency = \\? AND is_active = \\? ORDER BY updated_at DESC").
			WithArgs("MNT_TO_CNY", true, 1).
			WillReturnRows(sqlmock.NewRows([]string{"id", "currency", "rate", "is_active", "updated_at"}).
				AddRow(1, "MNT_TO_CNY", "450.000000", true, time.Now()))

		rate, err := repo.GetActive(context.Background(), "MNT_TO_CNY")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(450).Equal(rate.Rate))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("курс не настроен", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := NewExchangeRateRepository(gormDB)

		mock.ExpectQuery("SELECT \\* FROM `exchange_rates`").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.GetActive(context.Background(), "MNT_TO_CNY")
		assert.ErrorIs(t, err, domain.ErrRateUnavailable)
	})
}

func TestExchangeRateRepository_Upsert(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewExchangeRateRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `exchange_rates`") + ".*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rate, err := repo.Upsert(context.Background(), "MNT_TO_CNY", decimal.RequireFromString("452.5"))
	require.NoError(t, err)
	assert.Equal(t, "MNT_TO_CNY", rate.Currency)
	assert.NoError(t, mock.ExpectationsWereMet())
}
