// Package repository содержит доступ к данным сервиса пополнений (MySQL через GORM).
// Все переходы состояний заказа выполняются условными UPDATE: предикат
// содержит ожидаемое предыдущее состояние, RowsAffected == 0 означает,
// что заказ уже обработал другой процесс.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"example.com/topup-engine/pkg/outbox"
	"example.com/topup-engine/services/recharge/internal/domain"
)

// OrderFilter — фильтр списка заказов владельца.
type OrderFilter struct {
	PaymentStatus  *domain.PaymentStatus
	RechargeStatus *domain.RechargeStatus
	From           *time.Time // created_at >= From
	To             *time.Time // created_at <= To
	Offset         int
	Limit          int
}

// OrderRepository определяет интерфейс для работы с заказами в БД.
type OrderRepository interface {
	// Create сохраняет новый заказ и события outbox в одной транзакции.
	Create(ctx context.Context, order *domain.Order, events ...*outbox.Outbox) error

	// GetByNumber возвращает заказ по номеру.
	GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error)

	// ListByOwner возвращает заказы владельца (новые первыми) и общее количество.
	ListByOwner(ctx context.Context, ownerID string, filter OrderFilter) ([]*domain.Order, int64, error)

	// MarkPaid переводит заказ unpaid -> paid и пишет события outbox атомарно.
	// ErrConcurrentUpdate — заказ уже оплачен другим callback.
	MarkPaid(ctx context.Context, orderNumber, transactionID string, paidAt time.Time, events ...*outbox.Outbox) error

	// FlagAnomaly записывает причину аномалии для ручной проверки.
	FlagAnomaly(ctx context.Context, orderNumber, reason, details string) error

	// ClaimDispatch захватывает право на одну отправку пополнения.
	// ErrConcurrentUpdate — заказ захвачен или завершён другим процессом.
	ClaimDispatch(ctx context.Context, orderNumber string, now time.Time, recoveryWindow time.Duration) error

	// FinalizeDispatch сохраняет итог попытки, только пока статус pending.
	// ErrConcurrentUpdate — статус уже не pending (success не перезаписывается).
	FinalizeDispatch(ctx context.Context, orderNumber string, result domain.Finalization, now time.Time, events ...*outbox.Outbox) error

	// FindStuckPending возвращает оплаченные заказы, которые нужно отправить повторно.
	FindStuckPending(ctx context.Context, paidBefore, claimedBefore time.Time, limit int) ([]*domain.Order, error)

	// FindAwaitingReconciliation возвращает отправленные заказы с неподтверждённым итогом.
	FindAwaitingReconciliation(ctx context.Context, claimedFrom, claimedTo time.Time, limit int) ([]*domain.Order, error)

	// FindByRechargeStatusSince возвращает оплаченные заказы в статусе, оплаченные после since.
	FindByRechargeStatusSince(ctx context.Context, status domain.RechargeStatus, since time.Time, limit int) ([]*domain.Order, error)

	// DailyStats агрегирует оплаченные заказы за [from, to) по статусу пополнения.
	DailyStats(ctx context.Context, from, to time.Time) ([]domain.DailyStat, error)

	// CountCreated группирует созданные за [from, to) заказы по оператору, типу и статусам.
	CountCreated(ctx context.Context, from, to time.Time) ([]domain.OrderCount, error)
}

// OrderModel — GORM модель для таблицы recharge_orders.
type OrderModel struct {
	ID                     uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	OrderNumber            string          `gorm:"column:order_number;type:varchar(32);not null;uniqueIndex"`
	OwnerID                string          `gorm:"column:owner_id;type:varchar(64);not null;index:idx_orders_owner_created,priority:1"`
	ProductOperator        string          `gorm:"column:product_operator;type:varchar(20);not null"`
	ProductRechargeType    string          `gorm:"column:product_recharge_type;type:varchar(20);not null"`
	ProductCode            string          `gorm:"column:product_code;type:varchar(64);not null"`
	ProductName            string          `gorm:"column:product_name;type:varchar(255);not null"`
	ProductPriceSource     decimal.Decimal `gorm:"column:product_price_source;type:decimal(14,2);not null"`
	ProductPriceSettlement decimal.Decimal `gorm:"column:product_price_settlement;type:decimal(12,2);not null"`
	ExchangeRate           decimal.Decimal `gorm:"column:exchange_rate;type:decimal(18,6);not null"`
	ProductUnit            string          `gorm:"column:product_unit;type:varchar(32)"`
	ProductData            string          `gorm:"column:product_data;type:varchar(32)"`
	ProductDays            string          `gorm:"column:product_days;type:varchar(32)"`
	PhoneNumber            string          `gorm:"column:phone_number;type:varchar(20);not null"`
	PaymentStatus          string          `gorm:"column:payment_status;type:varchar(10);not null;index:idx_orders_state,priority:1"`
	PaidAt                 *time.Time      `gorm:"column:paid_at;index"`
	PaymentTransactionID   *string         `gorm:"column:payment_transaction_id;type:varchar(64)"`
	RechargeStatus         string          `gorm:"column:recharge_status;type:varchar(10);not null;index:idx_orders_state,priority:2"`
	RechargeClaimedAt      *time.Time      `gorm:"column:recharge_claimed_at"`
	OperatorSequenceID     *string         `gorm:"column:operator_sequence_id;type:varchar(64)"`
	RechargeCode           *string         `gorm:"column:recharge_code;type:varchar(32)"`
	RechargeMessage        *string         `gorm:"column:recharge_message;type:varchar(512)"`
	RechargeFinishedAt     *time.Time      `gorm:"column:recharge_finished_at"`
	Version                int64           `gorm:"column:version;not null;default:0"`
	AnomalyReason          *string         `gorm:"column:anomaly_reason;type:varchar(64)"`
	AnomalyDetails         *string         `gorm:"column:anomaly_details;type:text"`
	CreatedAt              time.Time       `gorm:"column:created_at;autoCreateTime;index:idx_orders_owner_created,priority:2"`
	UpdatedAt              time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (OrderModel) TableName() string {
	return "recharge_orders"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *OrderModel) toDomain() *domain.Order {
	return &domain.Order{
		OrderNumber: m.OrderNumber,
		OwnerID:     m.OwnerID,
		Product: domain.ProductInfo{
			Operator:     domain.Operator(m.ProductOperator),
			RechargeType: domain.RechargeType(m.ProductRechargeType),
			Code:         m.ProductCode,
			Name:         m.ProductName,
			Price:        m.ProductPriceSource,
			Unit:         m.ProductUnit,
			Data:         m.ProductData,
			Days:         m.ProductDays,
		},
		PhoneNumber:          m.PhoneNumber,
		PriceSettlement:      m.ProductPriceSettlement,
		ExchangeRate:         m.ExchangeRate,
		PaymentStatus:        domain.PaymentStatus(m.PaymentStatus),
		PaidAt:               m.PaidAt,
		PaymentTransactionID: m.PaymentTransactionID,
		RechargeStatus:       domain.RechargeStatus(m.RechargeStatus),
		RechargeClaimedAt:    m.RechargeClaimedAt,
		OperatorSequenceID:   m.OperatorSequenceID,
		RechargeCode:         m.RechargeCode,
		RechargeMessage:      m.RechargeMessage,
		RechargeFinishedAt:   m.RechargeFinishedAt,
		Version:              m.Version,
		AnomalyReason:        m.AnomalyReason,
		AnomalyDetails:       m.AnomalyDetails,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

// orderModelFromDomain конвертирует доменную сущность в GORM модель.
func orderModelFromDomain(o *domain.Order) *OrderModel {
	return &OrderModel{
		OrderNumber:            o.OrderNumber,
		OwnerID:                o.OwnerID,
		ProductOperator:        string(o.Product.Operator),
		ProductRechargeType:    string(o.Product.RechargeType),
		ProductCode:            o.Product.Code,
		ProductName:            o.Product.Name,
		ProductPriceSource:     o.Product.Price,
		ProductPriceSettlement: o.PriceSettlement,
		ExchangeRate:           o.ExchangeRate,
		ProductUnit:            o.Product.Unit,
		ProductData:            o.Product.Data,
		ProductDays:            o.Product.Days,
		PhoneNumber:            o.PhoneNumber,
		PaymentStatus:          string(o.PaymentStatus),
		PaidAt:                 o.PaidAt,
		PaymentTransactionID:   o.PaymentTransactionID,
		RechargeStatus:         string(o.RechargeStatus),
		RechargeClaimedAt:      o.RechargeClaimedAt,
		OperatorSequenceID:     o.OperatorSequenceID,
		Version:                o.Version,
	}
}

// orderRepository — GORM реализация OrderRepository.
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository создаёт новый репозиторий заказов.
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create сохраняет заказ и события outbox в одной транзакции.
func (r *orderRepository) Create(ctx context.Context, order *domain.Order, events ...*outbox.Outbox) error {
	model := orderModelFromDomain(order)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		return insertEvents(tx, events)
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateOrder
		}
		return err
	}

	order.CreatedAt = model.CreatedAt
	order.UpdatedAt = model.UpdatedAt
	return nil
}

// GetByNumber возвращает заказ по номеру.
func (r *orderRepository) GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	var model OrderModel

	if err := r.db.WithContext(ctx).
		Where("order_number = ?", orderNumber).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// ListByOwner возвращает заказы владельца с фильтрами и пагинацией.
func (r *orderRepository) ListByOwner(ctx context.Context, ownerID string, filter OrderFilter) ([]*domain.Order, int64, error) {
	var models []OrderModel
	var totalCount int64

	query := r.db.WithContext(ctx).Model(&OrderModel{}).Where("owner_id = ?", ownerID)

	if filter.PaymentStatus != nil {
		query = query.Where("payment_status = ?", string(*filter.PaymentStatus))
	}
	if filter.RechargeStatus != nil {
		query = query.Where("recharge_status = ?", string(*filter.RechargeStatus))
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}

	// Подсчёт общего количества записей (до пагинации)
	if err := query.Count(&totalCount).Error; err != nil {
		return nil, 0, err
	}

	if err := query.
		Order("created_at DESC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}

	return toDomainList(models), totalCount, nil
}

// MarkPaid атомарно переводит заказ unpaid -> paid.
func (r *orderRepository) MarkPaid(ctx context.Context, orderNumber, transactionID string, paidAt time.Time, events ...*outbox.Outbox) error {
	updates := map[string]any{
		"payment_status":  string(domain.PaymentPaid),
		"paid_at":         paidAt,
		"recharge_status": string(domain.RechargePending),
		"version":         gorm.Expr("version + 1"),
	}
	if transactionID != "" {
		updates["payment_transaction_id"] = transactionID
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&OrderModel{}).
			Where("order_number = ? AND payment_status = ?", orderNumber, string(domain.PaymentUnpaid)).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConcurrentUpdate
		}
		return insertEvents(tx, events)
	})
}

// FlagAnomaly записывает аномалию для ручной проверки.
func (r *orderRepository) FlagAnomaly(ctx context.Context, orderNumber, reason, details string) error {
	result := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("order_number = ?", orderNumber).
		Updates(map[string]any{
			"anomaly_reason":  reason,
			"anomaly_details": details,
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// ClaimDispatch захватывает отправку пополнения.
// Повторный захват разрешён, только если прошлый захват старше окна
// восстановления и оператор не вернул sequence id (запрос не уходил).
func (r *orderRepository) ClaimDispatch(ctx context.Context, orderNumber string, now time.Time, recoveryWindow time.Duration) error {
	result := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("order_number = ? AND payment_status = ? AND recharge_status = ?",
			orderNumber, string(domain.PaymentPaid), string(domain.RechargePending)).
		Where("recharge_claimed_at IS NULL OR (recharge_claimed_at < ? AND operator_sequence_id IS NULL)",
			now.Add(-recoveryWindow)).
		Updates(map[string]any{
			"recharge_claimed_at": now,
			"version":             gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

// FinalizeDispatch сохраняет итог попытки пополнения.
// Статус pending оставляет заказ на сверку: пишется только sequence id и ответ оператора.
func (r *orderRepository) FinalizeDispatch(ctx context.Context, orderNumber string, f domain.Finalization, now time.Time, events ...*outbox.Outbox) error {
	updates := map[string]any{
		"version": gorm.Expr("version + 1"),
	}
	if f.Status != domain.RechargePending {
		updates["recharge_status"] = string(f.Status)
		updates["recharge_finished_at"] = now
	}
	// Sequence id не затираем пустым значением: он нужен для сверки
	if f.SequenceID != "" {
		updates["operator_sequence_id"] = f.SequenceID
	}
	if f.Code != "" {
		updates["recharge_code"] = truncate(f.Code, 32)
	}
	if f.Message != "" {
		updates["recharge_message"] = truncate(f.Message, 512)
	}
	if f.AnomalyReason != "" {
		updates["anomaly_reason"] = f.AnomalyReason
		updates["anomaly_details"] = f.AnomalyDetails
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&OrderModel{}).
			Where("order_number = ? AND recharge_status = ?", orderNumber, string(domain.RechargePending)).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConcurrentUpdate
		}
		return insertEvents(tx, events)
	})
}

// FindStuckPending возвращает заказы для повторной отправки, старые первыми:
// не захваченные и оплаченные раньше paidBefore, либо захваченные раньше
// claimedBefore без sequence id. timeout и failed сюда не попадают.
func (r *orderRepository) FindStuckPending(ctx context.Context, paidBefore, claimedBefore time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel

	if err := r.db.WithContext(ctx).
		Where("payment_status = ? AND recharge_status = ?", string(domain.PaymentPaid), string(domain.RechargePending)).
		Where("(recharge_claimed_at IS NULL AND paid_at < ?) OR (recharge_claimed_at < ? AND operator_sequence_id IS NULL)",
			paidBefore, claimedBefore).
		Order("paid_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	return toDomainList(models), nil
}

// FindAwaitingReconciliation возвращает заказы в pending с sequence id,
// захваченные в окне [claimedFrom, claimedTo], старые первыми.
func (r *orderRepository) FindAwaitingReconciliation(ctx context.Context, claimedFrom, claimedTo time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel

	if err := r.db.WithContext(ctx).
		Where("payment_status = ? AND recharge_status = ?", string(domain.PaymentPaid), string(domain.RechargePending)).
		Where("operator_sequence_id IS NOT NULL AND recharge_claimed_at >= ? AND recharge_claimed_at <= ?",
			claimedFrom, claimedTo).
		Order("recharge_claimed_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	return toDomainList(models), nil
}

// FindByRechargeStatusSince возвращает оплаченные заказы в статусе status.
func (r *orderRepository) FindByRechargeStatusSince(ctx context.Context, status domain.RechargeStatus, since time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel

	if err := r.db.WithContext(ctx).
		Where("payment_status = ? AND recharge_status = ? AND paid_at >= ?",
			string(domain.PaymentPaid), string(status), since).
		Order("paid_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	return toDomainList(models), nil
}

// dailyStatRow — строка агрегата DailyStats.
type dailyStatRow struct {
	RechargeStatus string
	Cnt            int64
	SumSource      decimal.Decimal
	SumSettlement  decimal.Decimal
}

// DailyStats агрегирует оплаченные за [from, to) заказы по статусу пополнения.
func (r *orderRepository) DailyStats(ctx context.Context, from, to time.Time) ([]domain.DailyStat, error) {
	var rows []dailyStatRow

	if err := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Select("recharge_status, COUNT(*) AS cnt, "+
			"COALESCE(SUM(product_price_source), 0) AS sum_source, "+
			"COALESCE(SUM(product_price_settlement), 0) AS sum_settlement").
		Where("payment_status = ? AND paid_at >= ? AND paid_at < ?", string(domain.PaymentPaid), from, to).
		Group("recharge_status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := make([]domain.DailyStat, len(rows))
	for i, row := range rows {
		stats[i] = domain.DailyStat{
			Status:        domain.RechargeStatus(row.RechargeStatus),
			Count:         row.Cnt,
			SumSource:     row.SumSource,
			SumSettlement: row.SumSettlement,
		}
	}
	return stats, nil
}

type orderCountRow struct {
	ProductOperator     string
	ProductRechargeType string
	PaymentStatus       string
	RechargeStatus      string
	Cnt                 int64
}

// CountCreated группирует созданные за [from, to) заказы для статистики.
func (r *orderRepository) CountCreated(ctx context.Context, from, to time.Time) ([]domain.OrderCount, error) {
	var rows []orderCountRow

	if err := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Select("product_operator, product_recharge_type, payment_status, recharge_status, COUNT(*) AS cnt").
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("product_operator, product_recharge_type, payment_status, recharge_status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make([]domain.OrderCount, len(rows))
	for i, row := range rows {
		counts[i] = domain.OrderCount{
			Operator:       domain.Operator(row.ProductOperator),
			RechargeType:   domain.RechargeType(row.ProductRechargeType),
			PaymentStatus:  domain.PaymentStatus(row.PaymentStatus),
			RechargeStatus: domain.RechargeStatus(row.RechargeStatus),
			Count:          row.Cnt,
		}
	}
	return counts, nil
}

// insertEvents пишет события outbox внутри транзакции.
func insertEvents(tx *gorm.DB, events []*outbox.Outbox) error {
	for _, ev := range events {
		if err := outbox.Insert(tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func toDomainList(models []OrderModel) []*domain.Order {
	orders := make([]*domain.Order, len(models))
	for i := range models {
		orders[i] = models[i].toDomain()
	}
	return orders
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// isDuplicateKeyError проверяет, является ли ошибка дубликатом ключа (MySQL 1062).
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}
