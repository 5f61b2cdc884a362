package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"example.com/topup-engine/pkg/outbox"
	"example.com/topup-engine/services/recharge/internal/domain"
	"example.com/topup-engine/services/recharge/internal/repository"
)

// MemoryOrderRepository — потокобезопасный OrderRepository в памяти.
// Условные обновления повторяют WHERE-предикаты MySQL реализации,
// поэтому подходит для проверки гонок callback и захвата отправки.
type MemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	events []*outbox.Outbox
}

var _ repository.OrderRepository = (*MemoryOrderRepository)(nil)

// NewMemoryOrderRepository создаёт пустой репозиторий.
func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[string]*domain.Order)}
}

// Put кладёт заказ как есть, без событий.
func (r *MemoryOrderRepository) Put(order *domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.OrderNumber] = cloneOrder(order)
}

// Get возвращает копию заказа или nil.
func (r *MemoryOrderRepository) Get(orderNumber string) *domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderNumber]
	if !ok {
		return nil
	}
	return cloneOrder(o)
}

// Events возвращает записанные события outbox.
func (r *MemoryOrderRepository) Events() []*outbox.Outbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*outbox.Outbox(nil), r.events...)
}

// EventsOfType возвращает события заданного типа.
func (r *MemoryOrderRepository) EventsOfType(eventType string) []*outbox.Outbox {
	var out []*outbox.Outbox
	for _, ev := range r.Events() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *MemoryOrderRepository) Create(_ context.Context, order *domain.Order, events ...*outbox.Outbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.OrderNumber]; ok {
		return domain.ErrDuplicateOrder
	}
	r.orders[order.OrderNumber] = cloneOrder(order)
	r.events = append(r.events, events...)
	return nil
}

func (r *MemoryOrderRepository) GetByNumber(_ context.Context, orderNumber string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderNumber]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (r *MemoryOrderRepository) ListByOwner(_ context.Context, ownerID string, filter repository.OrderFilter) ([]*domain.Order, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*domain.Order
	for _, o := range r.orders {
		if o.OwnerID != ownerID {
			continue
		}
		if filter.PaymentStatus != nil && o.PaymentStatus != *filter.PaymentStatus {
			continue
		}
		if filter.RechargeStatus != nil && o.RechargeStatus != *filter.RechargeStatus {
			continue
		}
		if filter.From != nil && o.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && o.CreatedAt.After(*filter.To) {
			continue
		}
		matched = append(matched, cloneOrder(o))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []*domain.Order{}, total, nil
	}
	end := len(matched)
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func (r *MemoryOrderRepository) MarkPaid(_ context.Context, orderNumber, transactionID string, paidAt time.Time, events ...*outbox.Outbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderNumber]
	if !ok || o.PaymentStatus != domain.PaymentUnpaid {
		return domain.ErrConcurrentUpdate
	}
	o.PaymentStatus = domain.PaymentPaid
	o.PaidAt = &paidAt
	o.RechargeStatus = domain.RechargePending
	if transactionID != "" {
		o.PaymentTransactionID = &transactionID
	}
	o.Version++
	r.events = append(r.events, events...)
	return nil
}

func (r *MemoryOrderRepository) FlagAnomaly(_ context.Context, orderNumber, reason, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderNumber]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.AnomalyReason = &reason
	o.AnomalyDetails = &details
	o.Version++
	return nil
}

func (r *MemoryOrderRepository) ClaimDispatch(_ context.Context, orderNumber string, now time.Time, recoveryWindow time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderNumber]
	if !ok || !o.CanClaim(now, recoveryWindow) {
		return domain.ErrConcurrentUpdate
	}
	o.RechargeClaimedAt = &now
	o.Version++
	return nil
}

func (r *MemoryOrderRepository) FinalizeDispatch(_ context.Context, orderNumber string, f domain.Finalization, now time.Time, events ...*outbox.Outbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderNumber]
	if !ok || o.RechargeStatus != domain.RechargePending {
		return domain.ErrConcurrentUpdate
	}
	if f.Status != domain.RechargePending {
		o.RechargeStatus = f.Status
		o.RechargeFinishedAt = &now
	}
	if f.SequenceID != "" {
		seq := f.SequenceID
		o.OperatorSequenceID = &seq
	}
	if f.Code != "" {
		code := f.Code
		o.RechargeCode = &code
	}
	if f.Message != "" {
		msg := f.Message
		o.RechargeMessage = &msg
	}
	if f.AnomalyReason != "" {
		reason, details := f.AnomalyReason, f.AnomalyDetails
		o.AnomalyReason = &reason
		o.AnomalyDetails = &details
	}
	o.Version++
	r.events = append(r.events, events...)
	return nil
}

func (r *MemoryOrderRepository) FindStuckPending(_ context.Context, paidBefore, claimedBefore time.Time, limit int) ([]*domain.Order, error) {
	return r.find(limit, byPaidAt, func(o *domain.Order) bool {
		if !o.IsPaid() || o.RechargeStatus != domain.RechargePending {
			return false
		}
		if o.RechargeClaimedAt == nil {
			return o.PaidAt != nil && o.PaidAt.Before(paidBefore)
		}
		return o.RechargeClaimedAt.Before(claimedBefore) && o.OperatorSequenceID == nil
	}), nil
}

func (r *MemoryOrderRepository) FindAwaitingReconciliation(_ context.Context, claimedFrom, claimedTo time.Time, limit int) ([]*domain.Order, error) {
	return r.find(limit, byClaimedAt, func(o *domain.Order) bool {
		if !o.IsPaid() || o.RechargeStatus != domain.RechargePending || o.OperatorSequenceID == nil || o.RechargeClaimedAt == nil {
			return false
		}
		return !o.RechargeClaimedAt.Before(claimedFrom) && !o.RechargeClaimedAt.After(claimedTo)
	}), nil
}

func (r *MemoryOrderRepository) FindByRechargeStatusSince(_ context.Context, status domain.RechargeStatus, since time.Time, limit int) ([]*domain.Order, error) {
	return r.find(limit, byPaidAt, func(o *domain.Order) bool {
		return o.IsPaid() && o.RechargeStatus == status && o.PaidAt != nil && !o.PaidAt.Before(since)
	}), nil
}

func (r *MemoryOrderRepository) DailyStats(_ context.Context, from, to time.Time) ([]domain.DailyStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byStatus := make(map[domain.RechargeStatus]*domain.DailyStat)
	for _, o := range r.orders {
		if !o.IsPaid() || o.PaidAt == nil || o.PaidAt.Before(from) || !o.PaidAt.Before(to) {
			continue
		}
		s, ok := byStatus[o.RechargeStatus]
		if !ok {
			s = &domain.DailyStat{Status: o.RechargeStatus, SumSource: decimal.Zero, SumSettlement: decimal.Zero}
			byStatus[o.RechargeStatus] = s
		}
		s.Count++
		s.SumSource = s.SumSource.Add(o.Product.Price)
		s.SumSettlement = s.SumSettlement.Add(o.PriceSettlement)
	}

	stats := make([]domain.DailyStat, 0, len(byStatus))
	for _, s := range byStatus {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Status < stats[j].Status })
	return stats, nil
}

func (r *MemoryOrderRepository) CountCreated(_ context.Context, from, to time.Time) ([]domain.OrderCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type key struct {
		op      domain.Operator
		rt      domain.RechargeType
		payment domain.PaymentStatus
		status  domain.RechargeStatus
	}
	groups := make(map[key]int64)
	for _, o := range r.orders {
		if o.CreatedAt.Before(from) || !o.CreatedAt.Before(to) {
			continue
		}
		groups[key{o.Product.Operator, o.Product.RechargeType, o.PaymentStatus, o.RechargeStatus}]++
	}

	counts := make([]domain.OrderCount, 0, len(groups))
	for k, n := range groups {
		counts = append(counts, domain.OrderCount{
			Operator:       k.op,
			RechargeType:   k.rt,
			PaymentStatus:  k.payment,
			RechargeStatus: k.status,
			Count:          n,
		})
	}
	return counts, nil
}

func byPaidAt(o *domain.Order) time.Time {
	if o.PaidAt == nil {
		return time.Time{}
	}
	return *o.PaidAt
}

func byClaimedAt(o *domain.Order) time.Time {
	if o.RechargeClaimedAt == nil {
		return time.Time{}
	}
	return *o.RechargeClaimedAt
}

func (r *MemoryOrderRepository) find(limit int, key func(*domain.Order) time.Time, match func(*domain.Order) bool) []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Order
	for _, o := range r.orders {
		if match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]).Before(key(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// cloneOrder копирует заказ вместе с указателями.
func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.PaidAt = clonePtr(o.PaidAt)
	c.PaymentTransactionID = clonePtr(o.PaymentTransactionID)
	c.RechargeClaimedAt = clonePtr(o.RechargeClaimedAt)
	c.OperatorSequenceID = clonePtr(o.OperatorSequenceID)
	c.RechargeCode = clonePtr(o.RechargeCode)
	c.RechargeMessage = clonePtr(o.RechargeMessage)
	c.RechargeFinishedAt = clonePtr(o.RechargeFinishedAt)
	c.AnomalyReason = clonePtr(o.AnomalyReason)
	c.AnomalyDetails = clonePtr(o.AnomalyDetails)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
