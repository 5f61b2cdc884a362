// Package operator описывает адаптер оператора связи и реестр адаптеров.
// Сервис заказов работает только с интерфейсом Adapter: новый оператор —
// новая реализация и регистрация в Registry.
package operator

import (
	"context"
	"sort"

	"example.com/topup-engine/services/recharge/internal/domain"
)

// Adapter — интеграция с API одного оператора.
type Adapter interface {
	// Name возвращает идентификатор оператора.
	Name() domain.Operator

	// ValidateAndPriceProduct ищет товар в актуальном каталоге оператора.
	// Цене от клиента не доверяем. ErrProductNotFound — товара нет.
	ValidateAndPriceProduct(ctx context.Context, productCode, phoneNumber string, rechargeType domain.RechargeType) (*domain.ProductInfo, error)

	// DispatchRecharge отправляет ровно один запрос на пополнение.
	// Вызывающий гарантирует не более одного вызова на заказ.
	DispatchRecharge(ctx context.Context, order *domain.Order) (*domain.RechargeOutcome, error)

	// QueryDispatchResult запрашивает итог ранее отправленного запроса.
	QueryDispatchResult(ctx context.Context, sequenceID string) (*domain.DispatchResult, error)
}

// BillQuerier — дополнительная возможность постоплатных операторов.
type BillQuerier interface {
	QueryOutstandingBill(ctx context.Context, phoneNumber string) (*domain.BillInfo, error)
}

// Catalog — просмотр каталога оператора для конкретного номера.
type Catalog interface {
	ListProducts(ctx context.Context, phoneNumber string, rechargeType domain.RechargeType) ([]domain.ProductInfo, error)
}

// Registry сопоставляет оператора и адаптер. Собирается один раз при старте.
type Registry struct {
	adapters map[domain.Operator]Adapter
}

// NewRegistry создаёт реестр из адаптеров.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Operator]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get возвращает адаптер оператора или domain.ErrUnsupportedOperator.
func (r *Registry) Get(op domain.Operator) (Adapter, error) {
	a, ok := r.adapters[op]
	if !ok {
		return nil, domain.ErrUnsupportedOperator
	}
	return a, nil
}

// Operators возвращает зарегистрированных операторов в алфавитном порядке.
func (r *Registry) Operators() []domain.Operator {
	ops := make([]domain.Operator, 0, len(r.adapters))
	for op := range r.adapters {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}
